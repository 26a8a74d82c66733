// ELSPETH pipeline runner — executes audited dataflow runs, resumes
// interrupted ones, and exports and verifies signed audit bundles.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/elspeth-io/elspeth/pkg/version"
)

// signingKeyEnv names the HMAC key used to sign and verify audit bundles.
// The key never appears in configuration files.
const signingKeyEnv = "ELSPETH_SIGNING_KEY"

// errInterrupted marks a run that stopped resumably: the process exits 2 so
// schedulers can distinguish "resume me" from a hard failure.
var errInterrupted = errors.New("run interrupted; resume with `elspeth resume`")

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	profile    string
	logLevel   string
	logFormat  string
	logFile    string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errInterrupted) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "elspeth",
		Short:         "Auditable dataflow engine",
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts)
			if err := godotenv.Load(); err != nil {
				slog.Debug("No .env file loaded, continuing with existing environment", "error", err)
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "elspeth.yaml", "path to the pipeline configuration")
	flags.StringVarP(&opts.profile, "profile", "p", "", "configuration profile to overlay")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	flags.StringVar(&opts.logFile, "log-file", "", "log to a rotating file instead of stderr")

	root.AddCommand(
		newRunCommand(opts),
		newResumeCommand(opts),
		newExportCommand(opts),
		newVerifyCommand(opts),
		newPurgeCommand(opts),
		newInspectCommand(opts),
	)
	return root
}

// setupLogging configures the default slog handler from the persistent
// flags. With --log-file, output goes through lumberjack so long-lived batch
// hosts do not accumulate unbounded logs.
func setupLogging(opts *rootOptions) {
	var level slog.Level
	switch opts.logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if opts.logFile != "" {
		out = &lumberjack.Logger{
			Filename:   opts.logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.logFormat == "json" {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))
}

// signingKey returns the bundle signing key from the environment, nil when
// unset. Callers that require signing check for nil and fail with a pointer
// to the env var.
func signingKey() []byte {
	if key := os.Getenv(signingKeyEnv); key != "" {
		return []byte(key)
	}
	return nil
}

func requireSigningKey() ([]byte, error) {
	key := signingKey()
	if key == nil {
		return nil, fmt.Errorf("no signing key configured; set %s", signingKeyEnv)
	}
	return key, nil
}
