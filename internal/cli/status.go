package cli

import (
	"fmt"

	"github.com/shoplane/livechat/internal/config"
	"github.com/shoplane/livechat/internal/domain"
	"github.com/shoplane/livechat/internal/store"
	"github.com/shoplane/livechat/internal/version"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show livechat status and configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Livechat %s (commit %s)\n\n", version.Version, version.Commit)

			fmt.Printf("Config:   %s\n", configPath())
			cfg, err := config.Load(configPath())
			if err != nil {
				fmt.Printf("Config:   error loading: %v\n", err)
				return nil
			}

			auth := "open"
			if cfg.Server.Auth.Token != "" {
				auth = "token"
			}
			fmt.Printf("Server:   port=%d bind=%s auth=%s\n",
				cfg.Server.Port, cfg.Server.Bind, auth)
			fmt.Printf("Database: %s\n", cfg.Database.Path)
			fmt.Printf("Reaper:   every %dm, idle cutoff %dm\n",
				cfg.Reaper.IntervalMinutes, cfg.Reaper.IdleMinutes)
			if cfg.Events.URL != "" {
				fmt.Printf("Events:   exchange=%s\n", cfg.Events.Exchange)
			} else {
				fmt.Println("Events:   (not configured)")
			}

			db, err := store.Open(cfg.Database.Path, log)
			if err != nil {
				fmt.Printf("Database: error opening: %v\n", err)
				return nil
			}
			defer db.Close()

			agents := store.NewAgentRegistry(db)
			sessions := store.NewSessionStore(db, agents, log)

			list, err := agents.List()
			if err != nil {
				return err
			}
			online := 0
			for _, a := range list {
				if a.Status == domain.AgentOnline && a.IsActive {
					online++
				}
			}
			queued, err := sessions.QueueLength()
			if err != nil {
				return err
			}
			fmt.Printf("\nAgents:   %d registered, %d online\n", len(list), online)
			fmt.Printf("Queue:    %d waiting\n", queued)

			issues := config.Validate(&cfg)
			if len(issues) > 0 {
				fmt.Printf("\nValidation issues (%d):\n", len(issues))
				for _, issue := range issues {
					fmt.Printf("  - %s\n", issue)
				}
			}

			return nil
		},
	}
}
