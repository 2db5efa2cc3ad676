package main

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// buildRootCmd constructs the viewgen command tree.
func buildRootCmd() *cobra.Command {
	g := &globalOpts{}
	root := &cobra.Command{
		Use:           "viewgen",
		Short:         "Real-time view-to-image generation against a node-graph backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.ConfigPath, "config", "c", os.Getenv("VIEWGEN_CONFIG"), "Config file (.yaml, .json or .toml)")
	pf.StringVar(&g.LogLevel, "log-level", envStr("VIEWGEN_LOG_LEVEL", "info"), "Log level: off|error|warn|info|debug")
	pf.StringVar(&g.BackendURL, "backend-url", envStr("VIEWGEN_BACKEND_URL", ""), "Backend base URL (defaults to the config file or http://127.0.0.1:8188)")
	pf.StringVar(&g.ViewImage, "view-image", "", "Image file standing in for the active view")

	root.AddCommand(newServeCmd(g), newGenerateCmd(g), newConfigCmd(g))

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cmd.OutOrStdout(), true) }})
	root.AddCommand(completionCmd)
	return root
}

func newConfigCmd(g *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:     "config",
		Short:   "Print the effective configuration as YAML",
		Example: "  viewgen config -c viewgen.yaml --backend-url http://gpu-box:8188",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}
}
