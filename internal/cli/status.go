package cli

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/deadops/deadops/internal/config"
	"github.com/deadops/deadops/internal/state"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "deadops %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and last reported system state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "📊 deadops Status")
	fmt.Fprintf(out, "Version: %s\n", version)

	path, err := config.ConfigPath()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			fmt.Fprintf(out, "Config:  %s Found (%s)\n", check(true), path)
		} else {
			fmt.Fprintf(out, "Config:  %s Not found (run 'deadops init' first)\n", check(false))
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Threat:   %s\n", check(cfg.Threat.Enabled))
	fmt.Fprintf(out, "Pipeline: %s\n", check(cfg.Pipeline.Enabled))
	fmt.Fprintf(out, "Slack:    %s\n", check(cfg.Slack.Enabled))
	fmt.Fprintf(out, "Kafka:    %s\n", check(cfg.Kafka.Enabled))
	fmt.Fprintf(out, "Redis:    %s\n", check(cfg.Redis.Enabled))

	if !cfg.Store.Enabled {
		fmt.Fprintln(out, "Store:    disabled, no recorded state")
		return nil
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	agents, err := st.ListAgentStates(ctx)
	if err != nil {
		return fmt.Errorf("list agent states: %w", err)
	}
	incidents, err := st.ListIncidents(ctx, true)
	if err != nil {
		return fmt.Errorf("list incidents: %w", err)
	}
	workflows, err := st.ListWorkflows(ctx, "")
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}

	fmt.Fprintln(out, "\nAgents:")
	if len(agents) == 0 {
		fmt.Fprintln(out, "  (none reported)")
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	for _, a := range agents {
		fmt.Fprintf(out, "  %s %-18s %-10s processed=%d errors=%d\n",
			check(a.Status == state.ActiveStatus), a.ID, a.Status, a.Metrics.MessagesProcessed, a.Metrics.Errors)
	}
	fmt.Fprintf(out, "\nWorkflows:      %d\n", len(workflows))
	openLabel := fmt.Sprintf("%d", len(incidents))
	if len(incidents) > 0 {
		openLabel = color.YellowString(openLabel)
	}
	fmt.Fprintf(out, "Open incidents: %s\n", openLabel)
	return nil
}
