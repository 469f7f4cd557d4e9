package beacon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/atvirokodosprendimai/tapbeacon/pkg/config"
)

const (
	serviceName = "tapbeacon.service"
	unitPath    = "/etc/systemd/system/" + serviceName
	secretDir   = "/etc/tapbeacon"
)

const systemdUnitTemplate = `[Unit]
Description=Attendance check-in beacon (tapbeacon)
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
EnvironmentFile=/etc/tapbeacon/secret.env
ExecStart={{.ExecStart}}
Restart=always
RestartSec=5

# Security hardening
NoNewPrivileges=yes
ProtectSystem=full
ProtectHome=true
ReadWritePaths=/var/lib/tapbeacon

[Install]
WantedBy=multi-user.target
`

// SystemdServiceConfig holds configuration for generating the systemd service
type SystemdServiceConfig struct {
	Secret     string
	ConfigPath string
	LogLevel   string
	BinaryPath string
}

// GenerateSystemdUnit generates a systemd unit file for tapbeacon serve
func GenerateSystemdUnit(cfg SystemdServiceConfig) (string, error) {
	if cfg.BinaryPath == "" {
		path, err := exec.LookPath("tapbeacon")
		if err != nil {
			path, err = filepath.Abs(os.Args[0])
			if err != nil {
				return "", fmt.Errorf("could not determine tapbeacon binary path: %w", err)
			}
		}
		cfg.BinaryPath = path
	}

	// The secret reaches serve through TAPBEACON_SECRET from the
	// EnvironmentFile, never through the command line.
	args := []string{cfg.BinaryPath, "serve"}
	if cfg.ConfigPath != "" && cfg.ConfigPath != config.DefaultConfigPath {
		args = append(args, "--config", cfg.ConfigPath)
	}
	if cfg.LogLevel != "" && cfg.LogLevel != "info" {
		args = append(args, "--log-level", cfg.LogLevel)
	}

	data := struct {
		ExecStart string
	}{
		ExecStart: strings.Join(args, " "),
	}

	tmpl, err := template.New("systemd").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// secretEnv renders the EnvironmentFile line, quoted for systemd.
func secretEnv(secret string) string {
	escaped := strings.ReplaceAll(secret, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return fmt.Sprintf("%s=\"%s\"\n", config.EnvSecret, escaped)
}

// InstallSystemdService installs and enables the tapbeacon systemd service
func InstallSystemdService(cfg SystemdServiceConfig) error {
	unit, err := GenerateSystemdUnit(cfg)
	if err != nil {
		return fmt.Errorf("failed to generate unit file: %w", err)
	}

	if err := os.MkdirAll(secretDir, 0700); err != nil {
		return fmt.Errorf("failed to create secret directory (run as root?): %w", err)
	}

	secretPath := filepath.Join(secretDir, "secret.env")
	if err := os.WriteFile(secretPath, []byte(secretEnv(cfg.Secret)), 0600); err != nil {
		return fmt.Errorf("failed to write secret file (run as root?): %w", err)
	}

	if err := os.WriteFile(unitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("failed to write unit file (run as root?): %w", err)
	}

	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if err := exec.Command("systemctl", "enable", serviceName).Run(); err != nil {
		return fmt.Errorf("failed to enable service: %w", err)
	}
	if err := exec.Command("systemctl", "start", serviceName).Run(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	return nil
}

// UninstallSystemdService stops and removes the tapbeacon systemd service.
// The config directory is left in place; it may hold the config file.
func UninstallSystemdService() error {
	exec.Command("systemctl", "stop", serviceName).Run()
	exec.Command("systemctl", "disable", serviceName).Run()

	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove unit file: %w", err)
	}

	secretPath := filepath.Join(secretDir, "secret.env")
	if err := os.Remove(secretPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove secret file: %w", err)
	}

	exec.Command("systemctl", "daemon-reload").Run()
	return nil
}

// ServiceStatus returns the status of the tapbeacon systemd service
func ServiceStatus() (string, error) {
	output, err := exec.Command("systemctl", "is-active", serviceName).Output()
	if err != nil {
		return "inactive", nil
	}
	return strings.TrimSpace(string(output)), nil
}
