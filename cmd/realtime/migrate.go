package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"workshop_rt/server/common/infra/db"
	"workshop_rt/server/common/log"
	"workshop_rt/server/gateway/app"
	notifyrepo "workshop_rt/server/notification/repository"
	syncrepo "workshop_rt/server/reconcile/repository"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			cfg := app.LoadConfig()
			pool, err := db.NewPool(ctx, cfg.PostgresDSN, 2)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer pool.Close()
			if err := db.ApplySchema(ctx, pool, syncrepo.DocumentSchema, syncrepo.OperationSchema, notifyrepo.Schema); err != nil {
				return err
			}
			log.Infof("event=migrate action=apply_schema status=ok")
			return nil
		},
	}
}
