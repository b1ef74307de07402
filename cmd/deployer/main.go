package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/mdn/deployer/internal/config"
	"github.com/mdn/deployer/internal/utils"
	"github.com/mdn/deployer/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

// closed after the command returns
var logFile io.Closer

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "deployer",
		Short:         "Deploy static sites to S3 and mirror buckets to disk",
		Version:       version.Detailed(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd)
		},
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Config file (default ~/.deployer/config.yaml)")
	cmd.PersistentFlags().Bool("debug", false, "Debug logging")
	cmd.PersistentFlags().String("log-file", "", "Also write logs to this file")
	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		slog.Error("deployer failed", "error", err)
		if config.IsConfigurationError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// quietFlag reads --quiet. Left unset, output is quiet when stdout is not a
// terminal or CI is truthy.
func quietFlag(cmd *cobra.Command) bool {
	if flag := cmd.Flags().Lookup("quiet"); flag != nil && flag.Changed {
		quiet, _ := cmd.Flags().GetBool("quiet")
		return quiet
	}
	fd := os.Stdout.Fd()
	return defaultQuiet(os.Getenv("CI"), isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd))
}

func defaultQuiet(ci string, terminal bool) bool {
	if isCI, err := strconv.ParseBool(ci); err == nil && isCI {
		return true
	}
	return !terminal
}

func setupLogging(cmd *cobra.Command) error {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler = tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})

	if path, _ := cmd.Flags().GetString("log-file"); path != "" {
		if err := utils.EnsureParent(path); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		interceptor := utils.NewLogInterceptor(file)
		logFile = interceptor
		fileHandler := slog.NewTextHandler(interceptor, &slog.HandlerOptions{
			Level: slog.LevelDebug,
			// the interceptor stamps each line
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					return slog.Attr{}
				}
				return a
			},
		})
		handler = utils.NewMultiLogHandler(handler, fileHandler)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// loadConfig layers defaults, the config file, .env and DEPLOYER_* variables
// into one Config. flagKeys binds command flags onto config keys.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring .env", "error", err)
	}

	v := viper.New()
	if flag := cmd.Flag("config"); flag != nil && flag.Changed {
		v.SetConfigFile(flag.Value.String())
	} else {
		v.AddConfigPath(filepath.Join(home, ".deployer"))
		v.AddConfigPath(filepath.Join(home, ".config", "deployer"))
		v.SetConfigName(configFileName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for key, name := range flagKeys {
		if flag := cmd.Flags().Lookup(name); flag != nil {
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	slog.Debug("config", "file", v.ConfigFileUsed(), "profile", cfg.Profile, "endpoint", cfg.Endpoint)
	return cfg, nil
}
