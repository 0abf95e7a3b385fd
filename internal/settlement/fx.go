// Package settlement assembles the settlement service for dependency
// injection.
package settlement

import (
	"github.com/smallbiznis/tally/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement.service",
	fx.Provide(service.NewService),
)
