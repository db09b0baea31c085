package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deadops/deadops/internal/coordinator"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Record and inspect workflow definitions",
}

var workflowSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Record a workflow from a YAML file",
	RunE:  runWorkflowSubmit,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded workflows",
	RunE:  runWorkflowList,
}

var (
	workflowFile   string
	workflowStatus string
	workflowJSON   bool
)

func init() {
	workflowSubmitCmd.Flags().StringVarP(&workflowFile, "file", "f", "", "Workflow YAML file")
	_ = workflowSubmitCmd.MarkFlagRequired("file")
	workflowListCmd.Flags().StringVar(&workflowStatus, "status", "", "Filter by status (Pending, Running, Completed, Failed, Cancelled)")
	workflowListCmd.Flags().BoolVar(&workflowJSON, "json", false, "Print workflows as JSON")

	workflowCmd.AddCommand(workflowSubmitCmd)
	workflowCmd.AddCommand(workflowListCmd)
}

func runWorkflowSubmit(cmd *cobra.Command, args []string) error {
	w, err := coordinator.LoadWorkflowFile(workflowFile)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Store.Enabled {
		return fmt.Errorf("workflow submit requires store.enabled")
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	coord := coordinator.New(nil, st)
	if err := coord.ExecuteWorkflow(context.Background(), w); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Recorded workflow %s (%s, %d steps, %s)\n", w.ID, w.Name, len(w.Steps), w.Status)
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	status := coordinator.WorkflowStatus(workflowStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown workflow status %q", workflowStatus)
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

	workflows, err := st.ListWorkflows(context.Background(), status)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	out := cmd.OutOrStdout()
	if workflowJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(workflows)
	}
	if len(workflows) == 0 {
		fmt.Fprintln(out, "No workflows recorded.")
		return nil
	}
	for _, w := range workflows {
		fmt.Fprintf(out, "%s\t%s\t%s\t%d steps\n", w.ID, w.Name, w.Status, len(w.Steps))
	}
	return nil
}
