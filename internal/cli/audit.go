package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deadops/deadops/internal/agent"
	"github.com/deadops/deadops/internal/store"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show envelopes recorded from the message bus",
	RunE:  runAudit,
}

var (
	auditType  string
	auditLimit int
)

func init() {
	auditCmd.Flags().StringVar(&auditType, "type", "", "Filter by message type, e.g. ThreatAlert")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of entries")
}

func runAudit(cmd *cobra.Command, args []string) error {
	if auditType != "" {
		if _, err := agent.ParseMessageType(auditType); err != nil {
			return err
		}
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListMessages(context.Background(), store.MessageFilter{Type: auditType, Limit: auditLimit})
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No envelopes recorded.")
		return nil
	}
	for _, e := range entries {
		to := e.To
		if to == "" {
			to = "*"
		}
		fmt.Fprintf(out, "%s  %-18s %s -> %s  %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, e.From, to, e.MessageID)
	}
	return nil
}
