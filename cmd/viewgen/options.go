package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"viewgen/internal/common/fsutil"
	"viewgen/internal/config"
)

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	ConfigPath string
	LogLevel   string
	BackendURL string
	ViewImage  string
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// splitCSV splits a comma separated list, dropping blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadConfig reads the optional config file, applies flags the user set
// explicitly and normalizes the result. It also returns the directory that
// relative workflow paths resolve against.
func loadConfig(cmd *cobra.Command, g *globalOpts) (config.Config, string, error) {
	var cfg config.Config
	baseDir := "."
	if g.ConfigPath != "" {
		path, err := fsutil.ExpandHome(g.ConfigPath)
		if err != nil {
			return cfg, "", err
		}
		if cfg, err = config.Load(path); err != nil {
			return cfg, "", err
		}
		baseDir = filepath.Dir(path)
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = g.LogLevel
	}
	if flags.Changed("backend-url") || cfg.BackendURL == "" {
		cfg.BackendURL = g.BackendURL
	}
	// A view image from the file is relative to the file; one from the
	// command line is relative to the working directory.
	viewBase := baseDir
	if flags.Changed("view-image") {
		cfg.ViewImage, viewBase = g.ViewImage, ""
	}
	view, err := fsutil.Resolve(cfg.ViewImage, viewBase)
	if err != nil {
		return cfg, "", err
	}
	cfg.ViewImage = view
	if err := cfg.Normalize(); err != nil {
		return cfg, "", err
	}
	return cfg, baseDir, nil
}
