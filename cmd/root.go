package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/strand-protocol/rtkit/pkg/config"
	"github.com/strand-protocol/rtkit/pkg/output"
)

var (
	// Global flags
	cfgFile       string
	outputFormat  string
	logLevel      string
	networkFlag   string
	addressFlag   string
	etcdEndpoints []string

	// Shared state set during PersistentPreRun
	cfg       *config.Config
	formatter output.Formatter
	logger    *zap.Logger
)

// rootCmd is the base command for rtkitctl.
var rootCmd = &cobra.Command{
	Use:   "rtkitctl",
	Short: "RTKit mailbox host: boot, probe and simulate coprocessors",
	Long: `rtkitctl drives the host side of the RTKit mailbox protocol. It boots a
coprocessor over a stream transport, negotiates shared memory, decodes the
coprocessor syslog, publishes session snapshots and can run a simulated
coprocessor for development.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if outputFormat != "" {
			cfg.OutputFormat = outputFormat
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if networkFlag != "" {
			cfg.Transport.Network = networkFlag
		}
		if addressFlag != "" {
			cfg.Transport.Address = addressFlag
		}
		if len(etcdEndpoints) > 0 {
			cfg.Etcd.Endpoints = etcdEndpoints
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		logger, err = newLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		formatter = output.NewFormatter(cfg.OutputFormat)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// newLogger builds the process logger. "debug" selects the development
// encoder; "off" discards everything.
func newLogger(level string) (*zap.Logger, error) {
	switch strings.ToLower(level) {
	case "off", "none":
		return zap.NewNop(), nil
	case "debug":
		return zap.NewDevelopment()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// SetFormatter allows tests to inject a formatter.
func SetFormatter(f output.Formatter) {
	formatter = f
}

// RootCmd returns the root cobra.Command for testing purposes.
func RootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.rtkit/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: table, json, yaml (default \"table\")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error, off")
	rootCmd.PersistentFlags().StringVar(&networkFlag, "network", "", "mailbox transport network: tcp, unix, vsock")
	rootCmd.PersistentFlags().StringVar(&addressFlag, "address", "", "mailbox transport address (host:port, path, or cid:port)")
	rootCmd.PersistentFlags().StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints for session snapshots")
}
