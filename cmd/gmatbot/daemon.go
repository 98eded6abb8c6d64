package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "net.gmatbot.bot"
	systemdUnit  = "gmatbot.service"
)

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install the bot as a user service (launchd/systemd)",
		Long: `Generates and installs a service file that runs 'gmatbot run' on login.
On Linux, secrets may be kept in ~/.gmatbot/env (KEY=value lines), which the
unit loads as its environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			runArgs := []string{"run"}
			if p := resolveConfigPath(); p != "" {
				abs, err := filepath.Abs(p)
				if err != nil {
					return err
				}
				runArgs = append(runArgs, "--config", abs)
			}

			switch runtime.GOOS {
			case "darwin":
				return installLaunchd(execPath, runArgs)
			case "linux":
				return installSystemd(execPath, runArgs)
			default:
				return fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
			}
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the bot's user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch runtime.GOOS {
			case "darwin":
				return uninstallLaunchd()
			case "linux":
				return uninstallSystemd()
			default:
				return fmt.Errorf("unsupported OS: %s", runtime.GOOS)
			}
		},
	}
}

func installLaunchd(execPath string, runArgs []string) error {
	home, _ := os.UserHomeDir()
	plistDir := filepath.Join(home, "Library", "LaunchAgents")
	plistPath := filepath.Join(plistDir, launchdLabel+".plist")
	logPath := filepath.Join(home, ".gmatbot", "logs", "gmatbot.log")

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}

	plist, err := renderLaunchd(execPath, runArgs, logPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(plistDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(plistPath, []byte(plist), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", plistPath)
	fmt.Printf("To start: launchctl load %s\n", plistPath)
	fmt.Printf("To stop:  launchctl unload %s\n", plistPath)
	return nil
}

func uninstallLaunchd() error {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	if err := os.Remove(plistPath); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	fmt.Printf("Service uninstalled: %s\n", plistPath)
	return nil
}

func installSystemd(execPath string, runArgs []string) error {
	home, _ := os.UserHomeDir()
	unitDir := filepath.Join(home, ".config", "systemd", "user")
	unitPath := filepath.Join(unitDir, systemdUnit)

	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(unitPath, []byte(renderSystemd(execPath, runArgs)), 0o644); err != nil {
		return err
	}

	fmt.Printf("Service installed: %s\n", unitPath)
	fmt.Printf("To start:  systemctl --user start gmatbot\n")
	fmt.Printf("To enable: systemctl --user enable gmatbot\n")
	fmt.Printf("To stop:   systemctl --user stop gmatbot\n")
	return nil
}

func uninstallSystemd() error {
	home, _ := os.UserHomeDir()
	unitPath := filepath.Join(home, ".config", "systemd", "user", systemdUnit)
	if err := os.Remove(unitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	fmt.Printf("Service uninstalled: %s\n", unitPath)
	return nil
}

func renderSystemd(execPath string, runArgs []string) string {
	return strings.ReplaceAll(systemdTemplate, "{{EXEC}}", strings.Join(append([]string{execPath}, runArgs...), " "))
}

func renderLaunchd(execPath string, runArgs []string, logPath string) (string, error) {
	var args strings.Builder
	for _, a := range append([]string{execPath}, runArgs...) {
		if strings.ContainsAny(a, "<>&") {
			return "", fmt.Errorf("path %q cannot be written to a plist", a)
		}
		fmt.Fprintf(&args, "        <string>%s</string>\n", a)
	}
	plist := strings.ReplaceAll(launchdTemplate, "{{LABEL}}", launchdLabel)
	plist = strings.ReplaceAll(plist, "{{ARGS}}", strings.TrimSuffix(args.String(), "\n"))
	plist = strings.ReplaceAll(plist, "{{LOG}}", logPath)
	return plist, nil
}

const launchdTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{LABEL}}</string>
    <key>ProgramArguments</key>
    <array>
{{ARGS}}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{LOG}}</string>
    <key>StandardErrorPath</key>
    <string>{{LOG}}</string>
</dict>
</plist>`

const systemdTemplate = `[Unit]
Description=GMAT practice Telegram bot
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
EnvironmentFile=-%h/.gmatbot/env
ExecStart={{EXEC}}
Restart=on-failure
RestartSec=5
KillSignal=SIGTERM
TimeoutStopSec=30

[Install]
WantedBy=default.target`
