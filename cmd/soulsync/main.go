package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/soulsnaps/internal/config"
	"github.com/openmined/soulsnaps/internal/daemon"
	"github.com/openmined/soulsnaps/internal/utils"
	"github.com/openmined/soulsnaps/internal/version"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:     "soulsync",
	Short:   "SoulSnaps offline-first sync daemon",
	Version: version.Detailed(),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "config file")
	rootCmd.PersistentFlags().String("env-file", ".env", "dotenv file loaded before the config")
	addDaemonFlags(rootCmd)
}

func main() {
	file, err := openLogFile(config.DefaultLogFilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	logFile := utils.NewLineStamper(file)
	defer logFile.Close()

	stdoutHandler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
	fileHandler := slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: slog.LevelDebug,
		// the line stamper adds the time
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := utils.EnsureParent(path); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// loadConfig resolves the config from defaults, the dotenv file, the config
// file, SOULSNAPS_* variables and flags, in increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if envFile, _ := cmd.Flags().GetString("env-file"); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	configPath, _ := cmd.Flags().GetString("config")
	if envPath := os.Getenv(config.EnvPrefix + "_CONFIG_PATH"); envPath != "" && !cmd.Flags().Changed("config") {
		configPath = envPath
	}
	configPath, err := utils.ResolvePath(configPath)
	if err != nil {
		return nil, err
	}
	if !utils.FileExists(configPath) {
		slog.Debug("config file not found, using defaults", "path", configPath)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	config.BindDefaults(v)
	config.BindEnv(v)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	for key, flag := range flagBindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			v.BindPFlag(key, f)
		}
	}

	cfg := config.FromViper(v)
	cfg.Path = configPath
	return cfg, nil
}

// config keys that can be overridden by a flag of the same command
var flagBindings = map[string]string{
	"user_id":             "user",
	"data_dir":            "datadir",
	"api.base_url":        "api",
	"connectivity.mode":   "connectivity",
	"control_plane.addr":  "http-addr",
	"control_plane.token": "http-token",
}

func addDaemonFlags(cmd *cobra.Command) {
	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("user", "u", "", "user id memories are synced for")
	cmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "data directory")
	cmd.Flags().String("api", config.DefaultAPIURL, "row api base url")
	cmd.Flags().String("connectivity", config.ConnectivityProbe, "connectivity mode: probe, socket or manual")
	cmd.Flags().StringP("http-addr", "a", config.DefaultControlPlaneAddr, "control plane address")
	cmd.Flags().StringP("http-token", "t", "", "control plane token, generated when empty")
}

func runDaemon(cmd *cobra.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cmd.SilenceUsage = true
	showHeader()
	slog.Info("soulsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate, "config", cfg.Path)

	d, err := daemon.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	defer slog.Info("Bye!")
	if err := d.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).Print(utils.SoulSyncArt + "\n")
}
