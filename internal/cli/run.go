package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/deadops/deadops/internal/logging"
)

var runSignalNotify = signal.Notify
var runSignalStop = signal.Stop

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the coordinator and all enabled agents",
	RunE:  runNode,
}

func runNode(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "🛰️ deadops node")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCloser.Close()

	sys, err := buildSystem(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	runSignalNotify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer runSignalStop(sigChan)

	if err := sys.start(ctx); err != nil {
		_ = sys.stop()
		return err
	}
	fmt.Fprintf(out, "Agents:  %v\n", sys.coord.AgentIDs())
	fmt.Fprintln(out, "deadops running. Press Ctrl+C to stop.")
	<-sigChan

	fmt.Fprintln(out, "Shutting down...")
	return sys.stop()
}
