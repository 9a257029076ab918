// heraldctl drives a running herald through its ops API.
//
// Usage:
//
//	heraldctl create --id n1 --title "Maintenance" --content "..." --all-users
//	heraldctl dispatch n1
//	heraldctl status n1
//	heraldctl cancel n1
//	heraldctl force-complete n1
//	heraldctl import-members group oncall u1 u2 u3
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "heraldctl",
		Short:         "Control a herald notification pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.addr, "addr", envOr("HERALD_OPS_ADDR", "http://127.0.0.1:8086"), "ops API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("HERALD_OPS_TOKEN"), "ops API token")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format: table, json, yaml")

	root.AddCommand(
		statusCmd(opts),
		createCmd(opts),
		dispatchCmd(opts),
		cancelCmd(opts),
		forceCompleteCmd(opts),
		importMembersCmd(opts),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
