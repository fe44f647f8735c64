package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/haivivi/respsel/pkg/cli"
)

const appName = "respsel"

// DefaultName is the artifact base name used when --name is not given.
const DefaultName = "response_selector"

var (
	// Global flags
	cfgFile      string
	contextName  string
	outputFormat string
	verbose      bool

	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "respsel",
	Short: "Response selector trainer",
	Long: `respsel trains response selectors on NLU data and uses them to pick
responses for user messages.

Artifacts go to a local directory or an S3 bucket. Named stores can be kept
as contexts in ~/.respsel/respsel/, similar to kubectl's context management.

Examples:
  # Train on local data and save the selector under ./models
  respsel train --config selector.yml --data nlu.yml --out ./models

  # Select a response
  respsel predict --model ./models "what is your name"

  # Show the loss curve of the last run
  respsel metrics -o table
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. An interrupt cancels the running
// command; training stops before the next epoch.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "cli-config", "", "CLI config file (default is ~/.respsel/respsel/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&contextName, "context", "c", "", "store context to use")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml, json or table")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	var err error
	globalConfig, err = cli.LoadConfigWithPath(appName, cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(verbose)})))
}

// logLevel shows epoch progress and training notices by default and
// debug detail with -v.
func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func getConfig() *cli.Config {
	return globalConfig
}

// getContext returns the selected store context, or nil when neither -c
// nor a current context is set.
func getContext() (*cli.Context, error) {
	cfg := getConfig()
	if cfg == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}
	if contextName == "" && cfg.CurrentContext == "" {
		return nil, nil
	}
	return cfg.ResolveContext(contextName)
}

func outputResult(result any) error {
	return cli.Output(result, cli.OutputOptions{Format: cli.OutputFormat(outputFormat)})
}
