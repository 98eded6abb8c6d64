package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gmatbot/internal/channel"
	"gmatbot/internal/config"
	"gmatbot/internal/notify"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:          "gmatbot",
		Short:        "GMAT practice Telegram bot",
		Long:         "gmatbot serves practice tasks over Telegram and ships every interaction to object storage.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.gmatbot/config.json if present, else environment only)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(notifyCmd())
	root.AddCommand(taskCmd())
	root.AddCommand(configCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the --config flag, else the default file when it
// exists. An empty result means the config comes from the environment only.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
		return config.DefaultConfigPath()
	}
	return ""
}

// writableConfigPath is where commands that save the config write it.
func writableConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads and validates the config, then switches the global logger
// to the configured level and log file. The returned func closes the file.
func loadConfig(overrides ...func(*config.Config)) (*config.Config, func(), error) {
	cfg, err := config.Load(resolveConfigPath(), overrides...)
	if err != nil {
		return nil, func() {}, err
	}
	l, closeLog, err := newLogger(cfg.General)
	if err != nil {
		return nil, func() {}, err
	}
	logger = l
	slog.SetDefault(logger)
	return cfg, closeLog, nil
}

func newLogger(g config.GeneralConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToLower(g.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if g.LogFile != "" {
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long:  "Writes defaults to the config path. Secrets are best left empty and supplied through TEST_BOT_TOKEN, CLOUD_S3_ID_KEY and friends.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := writableConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "database", cfg.Database.Path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func notifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notify [message]",
		Short: "Send a message to every configured admin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig(func(c *config.Config) { c.Storage.DryRun = true })
			defer closeLog()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			token, err := cfg.BotToken()
			if err != nil {
				return err
			}

			tg := channel.NewTelegram(channel.TelegramConfig{
				Token:     token,
				ParseMode: cfg.Telegram.ParseMode,
				Logger:    logger,
			})
			if err := tg.Connect(); err != nil {
				return err
			}

			notifier := notify.NewNotifier(notify.Config{
				Messenger:   tg,
				SendTimeout: time.Duration(cfg.Notify.SendTimeoutSeconds) * time.Second,
				Logger:      logger,
			})
			report := notifier.Broadcast(context.Background(), cfg.Telegram.Admins, strings.Join(args, " "))
			for _, r := range report.Results {
				status := "delivered"
				if !r.Delivered {
					status = "failed: " + r.Err.Error()
				}
				fmt.Printf("  %d  %s\n", r.RecipientID, status)
			}
			if !report.OK() {
				return fmt.Errorf("%d of %d deliveries failed", len(report.Failed()), len(report.Results))
			}
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. eventLog.maxAttempts 5)",
		Long: `Sets one value in the config file. The file is saved only if the
resulting configuration, with the environment applied, still validates.
Placeholders such as ${PROD_BOT_TOKEN} are kept as written.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := writableConfigPath()
			saved, err := setConfigValue(config.ExpandPath(cfgPath), args[0], args[1], force)
			if err != nil {
				return err
			}
			logger.Info("config updated", "path", args[0], "file", saved)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "save even if the result does not validate")
	return cmd
}

// setConfigValue applies path=value to the config file at cfgPath (created
// from defaults when missing) and saves it. Unless force is set, the change
// is rejected when the effective config would not validate.
func setConfigValue(cfgPath, path, value string, force bool) (string, error) {
	cfg := config.Defaults()
	if _, err := os.Stat(cfgPath); err == nil {
		if cfg, err = config.LoadFile(cfgPath); err != nil {
			return "", err
		}
	}
	if err := config.SetByPath(cfg, path, value); err != nil {
		return "", fmt.Errorf("set value: %w", err)
	}
	if !force {
		if _, err := config.Resolve(cfg); err != nil {
			return "", fmt.Errorf("not saved, the resulting config is invalid (use --force to save anyway): %w", err)
		}
	}
	if err := config.Save(cfgPath, cfg); err != nil {
		return "", fmt.Errorf("save config: %w", err)
	}
	return cfgPath, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. storage.bucket)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			defer closeLog()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(configSetCmd())

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig()
			defer closeLog()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			for _, st := range config.ListPaths(config.Sanitize(cfg)) {
				fmt.Printf("%-36s %v\n", st.Path, st.Value)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			if p := resolveConfigPath(); p != "" {
				fmt.Println(p)
				return
			}
			fmt.Println("(none: environment only)")
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("gmatbot " + version)
		},
	}
}
