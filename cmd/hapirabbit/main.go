package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/hapinessjs/hapirabbit-go/internal/config"
	"github.com/hapinessjs/hapirabbit-go/internal/rabbitmq"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath   string
	topologyPath string
	logFormat    string
	verbose      bool
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "hapirabbit",
		Short: "Run and exercise a RabbitMQ topology",
		Long: `hapirabbit connects to RabbitMQ, asserts a declared topology of exchanges,
queues and bindings, and routes every consumed message to the handler it matches.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Configuration file (YAML)")
	rootCmd.PersistentFlags().StringVarP(&flags.topologyPath, "topology", "t", "", "Topology file (YAML), replaces the topology of the configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Log format: json or text (overrides the configuration)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		newRunCommand(&flags),
		newSendCommand(&flags),
		newURICommand(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Print(err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 for errors a restart will not fix, 1 otherwise
func exitCode(err error) int {
	if rabbitmq.IsFatal(err) {
		return 2
	}
	return 1
}

// load reads the configuration and the optional topology file
func load(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.NewLoader(config.DefaultEnvPrefix).Load(flags.configPath)
	if err != nil {
		return nil, err
	}

	if flags.topologyPath != "" {
		if err := config.LoadTopology(cfg, flags.topologyPath); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, flags *globalFlags, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	if flags.verbose {
		level = slog.LevelDebug
	}

	format := cfg.Log.Format
	if flags.logFormat != "" {
		format = flags.logFormat
	}

	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func newURICommand(flags *globalFlags) *cobra.Command {
	var showPassword bool

	cmd := &cobra.Command{
		Use:   "uri",
		Short: "Print the connection URI resolved from the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(flags)
			if err != nil {
				return err
			}

			uri, err := cfg.RabbitMQ.Normalize()
			if err != nil {
				return err
			}
			if !showPassword {
				uri = rabbitmq.SanitizeURL(uri)
			}

			fmt.Fprintln(cmd.OutOrStdout(), uri)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showPassword, "show-password", false, "Print the password instead of masking it")
	return cmd
}
