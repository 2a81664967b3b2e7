package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/shoplane/livechat/internal/config"
	"github.com/shoplane/livechat/internal/events"
	"github.com/shoplane/livechat/internal/gateway"
	"github.com/shoplane/livechat/internal/reaper"
	"github.com/shoplane/livechat/internal/store"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var (
		port int
		bind string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the livechat server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}

			if port != 0 {
				cfg.Server.Port = port
			}
			if bind != "" {
				cfg.Server.Bind = bind
			}

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				for _, issue := range issues {
					log.Error().Str("path", issue.Path).Msg(issue.Message)
				}
				return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
			}

			db, err := store.Open(cfg.Database.Path, log)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer db.Close()

			agents := store.NewAgentRegistry(db)
			sessions := store.NewSessionStore(db, agents, log)
			messages := store.NewMessageLog(db)

			// Drift between counters and actual active sessions can only
			// come from a crash mid-transaction; correct it on boot.
			if fixed, err := agents.ReconcileLoads(); err != nil {
				log.Warn().Err(err).Msg("load reconciliation failed")
			} else if fixed > 0 {
				log.Info().Int64("agents", fixed).Msg("reconciled agent chat counters")
			}

			publisher := events.NewFallback(log)
			if cfg.Events.URL != "" {
				p, err := events.New(cfg.Events.URL, cfg.Events.Exchange, log)
				if err != nil {
					log.Warn().Err(err).Msg("event broker unreachable, falling back to no-op publisher")
				} else {
					publisher = p
				}
			}
			defer publisher.Close()

			// Block until SIGINT/SIGTERM
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			srv := gateway.New(cfg, agents, sessions, messages, log,
				gateway.WithPublisher(publisher))

			sweeper := reaper.New(sessions, srv,
				time.Duration(cfg.Reaper.IntervalMinutes)*time.Minute,
				time.Duration(cfg.Reaper.IdleMinutes)*time.Minute,
				log)
			go sweeper.Run(ctx)

			return srv.Start(ctx)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "override server port")
	cmd.Flags().StringVar(&bind, "bind", "", "override bind mode (loopback, lan, custom)")

	return cmd
}
