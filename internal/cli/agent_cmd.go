package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shoplane/livechat/internal/config"
	"github.com/shoplane/livechat/internal/domain"
	"github.com/shoplane/livechat/internal/store"
	"github.com/spf13/cobra"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage support agents",
	}

	cmd.AddCommand(newAgentAddCmd())
	cmd.AddCommand(newAgentListCmd())
	cmd.AddCommand(newAgentEnableCmd())
	cmd.AddCommand(newAgentDisableCmd())
	return cmd
}

func openRegistry() (*store.DB, *store.AgentRegistry, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return db, store.NewAgentRegistry(db), nil
}

func newAgentAddCmd() *cobra.Command {
	var (
		accountID int64
		role      string
		maxChats  int
		tags      []string
		managerID int64
	)

	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Register a new support agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath())
			if err != nil {
				return err
			}
			if maxChats == 0 {
				maxChats = cfg.Agents.DefaultMaxChats
			}

			db, registry, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()

			agent, err := registry.Create(domain.Agent{
				Name:               args[0],
				AccountID:          accountID,
				Role:               domain.AgentRole(role),
				MaxConcurrentChats: maxChats,
				SpecialtyTags:      tags,
				ManagerID:          managerID,
				IsActive:           true,
			})
			if err != nil {
				return err
			}

			fmt.Printf("agent %d (%s) created, capacity %d\n",
				agent.ID, agent.Name, agent.MaxConcurrentChats)
			return nil
		},
	}

	cmd.Flags().Int64Var(&accountID, "account", 0, "upstream account id")
	cmd.Flags().StringVar(&role, "role", "agent", "role (agent, manager)")
	cmd.Flags().IntVar(&maxChats, "max-chats", 0, "max concurrent chats (default from config)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "specialty tags (billing, technical, ...)")
	cmd.Flags().Int64Var(&managerID, "manager", 0, "supervising manager agent id")

	return cmd
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, registry, err := openRegistry()
			if err != nil {
				return err
			}
			defer db.Close()

			agents, err := registry.List()
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Println("no agents registered")
				return nil
			}

			for _, a := range agents {
				state := string(a.Status)
				if !a.IsActive {
					state = "disabled"
				}
				tags := ""
				if len(a.SpecialtyTags) > 0 {
					tags = " [" + strings.Join(a.SpecialtyTags, ",") + "]"
				}
				fmt.Printf("  %-4d %-20s %-8s %-8s %d/%d%s\n",
					a.ID, a.Name, a.Role, state,
					a.CurrentChatCount, a.MaxConcurrentChats, tags)
			}
			return nil
		},
	}
}

func newAgentEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable [agent-id]",
		Short: "Re-enable a disabled agent",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setAgentActive(args[0], true) },
	}
}

func newAgentDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable [agent-id]",
		Short: "Disable an agent without deleting its history",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return setAgentActive(args[0], false) },
	}
}

func setAgentActive(arg string, active bool) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid agent id %q", arg)
	}

	db, registry, err := openRegistry()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := registry.SetActive(id, active); err != nil {
		return err
	}
	if active {
		fmt.Printf("agent %d enabled\n", id)
	} else {
		fmt.Printf("agent %d disabled\n", id)
	}
	return nil
}
