package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/invoice"
	"github.com/smallbiznis/tally/internal/migration"
	"github.com/smallbiznis/tally/internal/observability"
	"github.com/smallbiznis/tally/internal/ratelimit"
	"github.com/smallbiznis/tally/internal/settlement"
	"github.com/smallbiznis/tally/internal/subscription"
	"github.com/smallbiznis/tally/internal/usage"
	"github.com/smallbiznis/tally/internal/worker"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		observability.Module,
		ratelimit.Module,
		migration.Module,

		// Functional domains
		subscription.Module,
		usage.Module,
		invoice.Module,
		settlement.Module,
		worker.Module,

		fx.Invoke(func(*worker.Pool) {}),
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
