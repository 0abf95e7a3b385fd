// Package worker consumes queue jobs and routes them to the billing services.
package worker

import (
	"go.uber.org/fx"
)

var Module = fx.Module("worker",
	fx.Provide(NewDispatcher),
	fx.Provide(NewPool),
)
