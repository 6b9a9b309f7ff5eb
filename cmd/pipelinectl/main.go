package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var buildVersion = "dev"

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	apiBase string
	token   string
	output  string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "pipelinectl",
		Short:         "Operate the build-and-deploy pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       strings.TrimSpace(buildVersion),
	}
	root.PersistentFlags().StringVar(&flags.apiBase, "api", "", "pipeline base URL (default from config or http://localhost:5050)")
	root.PersistentFlags().StringVar(&flags.token, "token", os.Getenv("PIPELINE_TOKEN"), "service token")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", "text", "output format (text|json)")

	root.AddCommand(
		newDetectCmd(flags),
		newPackageCmd(flags),
		newEnqueueCmd(flags),
		newStatusCmd(flags),
		newRollbackCmd(flags),
		newVersionsCmd(flags),
		newDriftCmd(flags),
		newTokenCmd(),
		newLoginCmd(flags),
	)
	return root
}
