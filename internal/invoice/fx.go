// Package invoice assembles the invoice service for dependency injection.
package invoice

import (
	"github.com/smallbiznis/tally/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(service.NewService),
)
