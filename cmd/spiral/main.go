package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/spiral/internal/clock"
	"github.com/smallbiznis/spiral/internal/config"
	"github.com/smallbiznis/spiral/internal/loyalty"
	"github.com/smallbiznis/spiral/internal/migration"
	"github.com/smallbiznis/spiral/internal/observability"
	"github.com/smallbiznis/spiral/internal/order"
	"github.com/smallbiznis/spiral/internal/pushmetrics"
	"github.com/smallbiznis/spiral/internal/ratelimit"
	"github.com/smallbiznis/spiral/internal/scheduler"
	"github.com/smallbiznis/spiral/internal/server"
	"github.com/smallbiznis/spiral/internal/subscription"
	"github.com/smallbiznis/spiral/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "spiral",
		Short:         "SPIRAL subscription and recurring order engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "api",
			Short: "Serve the HTTP API (applies migrations on start)",
			RunE: func(cmd *cobra.Command, args []string) error {
				fx.New(apiOptions()...).Run()
				return nil
			},
		},
		&cobra.Command{
			Use:   "worker",
			Short: "Run the due-subscription scheduler and KPI push",
			RunE: func(cmd *cobra.Command, args []string) error {
				fx.New(workerOptions()...).Run()
				return nil
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOnce(cmd.Context(), migrateOptions()...)
			},
		},
	)
	return root
}

func coreOptions(component observability.Component) []fx.Option {
	return []fx.Option{
		fx.Supply(component),
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
	}
}

func apiOptions() []fx.Option {
	return append(coreOptions(observability.ComponentAPI),
		migration.Module,
		server.Module,
	)
}

func workerOptions() []fx.Option {
	return append(coreOptions(observability.ComponentWorker),
		loyalty.Module,
		subscription.Module,
		order.Module,
		ratelimit.Module,
		scheduler.Module,
		pushmetrics.Module,
	)
}

func migrateOptions() []fx.Option {
	return append(coreOptions(observability.ComponentMigrate), migration.Module)
}

// runOnce starts the graph (running its invokes) and shuts it down.
func runOnce(ctx context.Context, opts ...fx.Option) error {
	if ctx == nil {
		ctx = context.Background()
	}
	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return app.Stop(stopCtx)
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
