package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/deadops/deadops/internal/state"
)

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Record and inspect incidents",
}

var incidentAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Record an open incident",
	RunE:  runIncidentAdd,
}

var incidentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded incidents",
	RunE:  runIncidentList,
}

var (
	incidentID          string
	incidentSeverity    string
	incidentDescription string
	incidentStatus      string
	incidentOpenOnly    bool
)

func init() {
	incidentAddCmd.Flags().StringVar(&incidentID, "id", "", "Incident id (generated when empty)")
	incidentAddCmd.Flags().StringVar(&incidentSeverity, "severity", "medium", "Severity label")
	incidentAddCmd.Flags().StringVarP(&incidentDescription, "description", "d", "", "What happened")
	incidentAddCmd.Flags().StringVar(&incidentStatus, "status", string(state.IncidentOpen), "Initial status (Open, InProgress, Resolved, Closed)")
	_ = incidentAddCmd.MarkFlagRequired("description")
	incidentListCmd.Flags().BoolVar(&incidentOpenOnly, "open", false, "Only Open and InProgress incidents")

	incidentCmd.AddCommand(incidentAddCmd)
	incidentCmd.AddCommand(incidentListCmd)
}

func runIncidentAdd(cmd *cobra.Command, args []string) error {
	status := state.IncidentStatus(incidentStatus)
	if !status.Valid() {
		return fmt.Errorf("unknown incident status %q", incidentStatus)
	}
	id := incidentID
	if id == "" {
		id = uuid.NewString()
	}
	inc := state.Incident{
		ID:          id,
		Severity:    incidentSeverity,
		Description: incidentDescription,
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	if !status.IsOpen() {
		resolved := inc.CreatedAt
		inc.ResolvedAt = &resolved
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

	if err := st.AddIncident(context.Background(), inc); err != nil {
		return fmt.Errorf("add incident: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded incident %s (%s, %s)\n", inc.ID, inc.Severity, inc.Status)
	return nil
}

func runIncidentList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	incidents, err := st.ListIncidents(context.Background(), incidentOpenOnly)
	if err != nil {
		return fmt.Errorf("list incidents: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(incidents) == 0 {
		fmt.Fprintln(out, "No incidents recorded.")
		return nil
	}
	for _, inc := range incidents {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", inc.ID, inc.Severity, inc.Status, inc.Description)
	}
	return nil
}
