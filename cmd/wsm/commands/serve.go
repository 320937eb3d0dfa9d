package commands

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/wsm/pkg/config"
	"github.com/openfroyo/wsm/pkg/policy"
	"github.com/openfroyo/wsm/pkg/stores"
)

func newServeCommand() *cobra.Command {
	var gaugeInterval, resumeInterval time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow executor",
		Long: `Run wsm as a long-lived process.

On start, every run left unfinished by a previous process is resumed from
its last checkpoint. While serving:
  - Prometheus metrics are exposed on the configured address
  - the retry section of the config file is reloaded on change
  - custom admission policies are reloaded on change
  - the resource gauge is refreshed periodically
  - runs whose lease expired with another process are taken over`,
		Example: `  wsm serve --config wsm.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.svc.ResumeInFlight(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("Some runs could not be resumed")
				}
				log.Info().Int("resumed", n).Msg("Serving")

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					return a.tel.Metrics.Serve(ctx, a.tel.Logger.NewComponentLogger("metrics"))
				})
				if configPath != "" {
					w := config.NewWatcher(configPath, a.policies, a.tel.Logger.NewComponentLogger("config"))
					w.OnReload(func(*config.Config) {
						log.Info().Str("path", configPath).Msg("Retry policies reloaded")
					})
					g.Go(func() error { return w.Run(ctx) })
				}
				if paths := a.cfg.Policy.Paths; len(paths) > 0 {
					loader := policy.NewLoader(a.tel.Logger)
					g.Go(func() error {
						return loader.Watch(ctx, paths, func(p []policy.Policy) error {
							return a.admission.SetPolicies(ctx, p)
						})
					})
				}
				g.Go(func() error {
					ticker := time.NewTicker(gaugeInterval)
					defer ticker.Stop()
					for {
						if err := a.svc.RefreshResourceGauge(ctx); err != nil && ctx.Err() == nil {
							log.Warn().Err(err).Msg("Failed to refresh resource gauge")
						}
						select {
						case <-ctx.Done():
							return nil
						case <-ticker.C:
						}
					}
				})

				g.Go(func() error {
					ticker := time.NewTicker(resumeInterval)
					defer ticker.Stop()
					for {
						select {
						case <-ctx.Done():
							return nil
						case <-ticker.C:
						}
						n, err := a.svc.ResumeInFlight(ctx)
						if err != nil && ctx.Err() == nil {
							log.Warn().Err(err).Msg("Some runs could not be resumed")
						}
						if n > 0 {
							log.Info().Int("resumed", n).Msg("Took over runs with expired leases")
						}
					}
				})

				if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				log.Info().Msg("Stopped serving")
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&gaugeInterval, "gauge-interval", 30*time.Second, "resource gauge refresh interval")
	cmd.Flags().DurationVar(&resumeInterval, "resume-interval", time.Minute, "interval between sweeps for runs left by other processes")

	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			log.Info().Str("database", cfg.Database.Path).Msg("Migrating database")
			store, err := stores.NewSQLiteStore(cfg.Database)
			if err != nil {
				return err
			}
			if err := store.Init(ctx); err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			log.Info().Msg("Database is up to date")
			return nil
		},
	}
}
