package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gmatbot/internal/channel"
	"gmatbot/internal/config"
	"gmatbot/internal/memory"
	"gmatbot/internal/objstore"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func checkCmd() *cobra.Command {
	var skipTelegram bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run diagnostic checks on the bot's configuration and backends",
		Long: `Verifies that the configuration validates, the database is writable,
the log bucket is reachable and the bot token is accepted by Telegram.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("gmatbot check v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file
			cfgPath := resolveConfigPath()
			if cfgPath == "" {
				printWarn("Config file", "none, using environment only")
				warned++
			} else {
				printPass("Config file", cfgPath)
				passed++
			}

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return fmt.Errorf("config is invalid")
			}
			printPass("Config validation", fmt.Sprintf("stand %s, %d admin(s)", cfg.General.Stand, len(cfg.Telegram.Admins)))
			passed++

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			// 3. Database writable and migrated
			if err := checkDatabase(ctx, cfg.Database.Path); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", cfg.Database.Path)
				passed++
			}

			// 4. Log bucket
			if cfg.Storage.DryRun {
				printWarn("Log bucket", "dry run, events are not uploaded")
				warned++
			} else if err := checkBucket(ctx, cfg.Storage); err != nil {
				printFail("Log bucket", err.Error())
				failed++
			} else {
				printPass("Log bucket", cfg.Storage.Bucket+" @ "+cfg.Storage.Endpoint)
				passed++
			}

			// 5. Telegram token
			if skipTelegram {
				printWarn("Telegram", "skipped")
				warned++
			} else {
				token, _ := cfg.BotToken()
				tg := channel.NewTelegram(channel.TelegramConfig{Token: token, Logger: logger})
				if err := tg.Connect(); err != nil {
					printFail("Telegram", err.Error())
					failed++
				} else {
					printPass("Telegram", "token accepted")
					passed++
				}
			}

			// 6. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics addr", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			// 7. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running the bot.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nThe bot should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! The bot is ready to run.\n")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipTelegram, "skip-telegram", false, "do not contact the Telegram API")
	return cmd
}

// checkDatabase opens the database, applies migrations and tries a write.
func checkDatabase(ctx context.Context, dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if err := memory.RunMigrations(db, logger); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _check_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _check_test")

	return nil
}

func checkBucket(ctx context.Context, cfg config.StorageConfig) error {
	client, err := objstore.NewS3Client(objstore.S3Config{
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	return client.Ping(ctx)
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
