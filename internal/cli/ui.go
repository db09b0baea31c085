package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/deadops/deadops/internal/config"
	"github.com/deadops/deadops/internal/store"
)

func printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, color.CyanString(logo))
	if title != "" {
		fmt.Fprintln(w, title)
		fmt.Fprintln(w, "─────────────────────")
	}
}

func check(ok bool) string {
	if ok {
		return color.GreenString("✓")
	}
	return color.RedString("✗")
}

// loadConfig loads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured sqlite store, creating its directory.
func openStore(cfg *config.Config) (*store.Store, error) {
	path, err := config.ExpandHome(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	if err := config.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return store.Open(path)
}
