package startup

import (
	"fmt"
	"os"
	"strings"
)

// ServiceOptions describes the systemd unit that runs the controller daemon.
type ServiceOptions struct {
	User       string
	WorkDir    string
	Binary     string
	ConfigFile string
	LogLevel   string
}

func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		User:       "stormaudio",
		WorkDir:    "/opt/stormaudio-controller",
		Binary:     "/usr/local/bin/stormaudio",
		ConfigFile: "/etc/stormaudio/config.yaml",
		LogLevel:   "info",
	}
}

// ServiceUnit renders the unit file. The daemon waits for the network since it
// dials the processor at start-up.
func ServiceUnit(opts ServiceOptions) (string, error) {
	var missing []string
	if opts.User == "" {
		missing = append(missing, "user")
	}
	if opts.Binary == "" {
		missing = append(missing, "binary")
	}
	if opts.ConfigFile == "" {
		missing = append(missing, "config file")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("service unit: missing %s", strings.Join(missing, ", "))
	}

	execStart := fmt.Sprintf("%s -config-file %s", opts.Binary, opts.ConfigFile)
	if opts.LogLevel != "" {
		execStart += " -log-level " + opts.LogLevel
	}

	unit := fmt.Sprintf(`[Unit]
Description=StormAudio processor controller
Wants=network-online.target
After=network-online.target

[Service]
Type=simple
User=%s
WorkingDirectory=%s
ExecStart=%s
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`, opts.User, opts.WorkDir, execStart)

	return unit, nil
}

func InstallService(path string, opts ServiceOptions) error {
	unit, err := ServiceUnit(opts)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(unit), 0644)
}
