package setup

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/teleai/telelive/internal/config"
)

const (
	defaultConfigPath  = "/etc/telelive/config.yaml"
	defaultStoragePath = "/var/lib/telelive/telelive.db"
	defaultListenHost  = "127.0.0.1"
	defaultListenPort  = "8080"
	defaultHealthPort  = "8081"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string // Override default config path
}

// RunWizard runs the interactive setup wizard.
// It takes io.Reader/io.Writer for testability.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	// Check if running as root; fall back to local paths if not
	isRoot := os.Geteuid() == 0
	storagePath := defaultStoragePath
	if !isRoot {
		storagePath = "./telelive.db"
		if configPath == defaultConfigPath {
			configPath = "./config.yaml"
			fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
			fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo telelive setup\n\n")
		}
	}

	fmt.Fprintln(out, "TeleLive Setup")
	fmt.Fprintln(out, "==============")
	fmt.Fprintln(out)

	// Step 1: Listen address
	listenHost := prompt(scanner, out,
		fmt.Sprintf("Listen host [%s]: ", defaultListenHost), defaultListenHost)
	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port [%s]: ", defaultListenPort), defaultListenPort)
	listenAddress := net.JoinHostPort(listenHost, listenPort)

	if reason := checkPortAvailable(listenHost, listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on %s %s\n\n", listenPort, listenHost, reason)
	}

	// Step 2: Health port (loopback only)
	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort), defaultHealthPort)
	healthAddress := net.JoinHostPort("127.0.0.1", healthPort)

	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	// Step 3: Storage
	storagePath = prompt(scanner, out,
		fmt.Sprintf("SQLite database path [%s]: ", storagePath), storagePath)

	// Step 4: JWT secret, generated if not supplied
	jwtSecret := prompt(scanner, out,
		"JWT signing secret (leave empty to generate): ", "")
	if jwtSecret == "" {
		var err error
		jwtSecret, err = generateSecret()
		if err != nil {
			return fmt.Errorf("generating jwt secret: %w", err)
		}
		fmt.Fprintln(out, "  Generated a random 256-bit secret.")
		fmt.Fprintln(out, "  Your REST API must sign tokens with the same secret.")
		fmt.Fprintln(out)
	} else if len(jwtSecret) < 32 {
		return fmt.Errorf("jwt secret must be at least 32 characters")
	}

	// Step 5: Check for existing config
	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	// Step 6: Write config
	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	configContent := generateConfig(listenAddress, healthAddress, storagePath, jwtSecret)

	if err := writeConfig(configPath, configContent, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	// Step 7: Validate the written config
	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	// Step 8: Offer to start systemd service (Linux + root only)
	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start telelive service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") || startService == "" {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start telelive")
			}
		}
	}

	// Step 9: Print summary
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Events:       ws://%s/ws\n", listenAddress)
	fmt.Fprintf(out, "  Health:       http://%s/health\n", healthAddress)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s/health\n", healthAddress)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u telelive -f")
	fmt.Fprintln(out, "  Validate:       telelive validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// validatePort checks that a port string is a valid TCP port (1-65535).
func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
// Returns defaultVal on empty/EOF input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		// If we got the default back (EOF/empty), and default is valid, accept it
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// generateSecret returns 32 random bytes hex-encoded (64 characters).
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// checkPortAvailable checks if a TCP port is free on the given host.
// Returns empty string if available, or a reason string if not.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

// isSystemdAvailable checks if systemctl is available.
func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

// startSystemdService starts (or restarts) the telelive service.
func startSystemdService(out io.Writer) error {
	// Reload in case service file changed
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}

	// Try restart first (handles already-running case), fall back to start
	if err := exec.Command("systemctl", "restart", "telelive").Run(); err != nil {
		if err := exec.Command("systemctl", "start", "telelive").Run(); err != nil {
			return err
		}
	}

	// Brief wait then check status
	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", "telelive").Output()
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", strings.TrimSpace(string(output)))
	}
	status := strings.TrimSpace(string(output))
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

// yamlEscapeString escapes a string for use inside YAML double quotes.
func yamlEscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// generateConfig creates a commented YAML config string.
func generateConfig(listenAddress, healthAddress, storagePath, jwtSecret string) string {
	return fmt.Sprintf(`# TeleLive Configuration
# Generated by: telelive setup

server:
  # REQUIRED: WebSocket listen address
  listen_address: "%s"
  path: "/ws"

  # Shutdown: wait for active connections to finish
  drain_timeout: "30s"

  # WebSocket settings
  max_message_size: 262144  # 256KB
  ping_interval: "30s"
  pong_timeout: "10s"
  write_timeout: "30s"

auth:
  # REQUIRED: HMAC secret shared with the REST API that issues tokens
  jwt_secret: "%s"

storage:
  # SQLite database; set memory: true for an ephemeral server
  path: "%s"
  memory: false

call:
  # 0 = ring until answered or ended
  ring_timeout: "0s"

security:
  max_connections: 5000
  max_connections_per_user: 10

  rate_limit:
    enabled: true
    connections_per_minute: 60
    messages_per_second: 50

logging:
  level: "info"
  format: "json"
  file: ""  # Empty = stdout (journald captures this)
  ring_size: 500

health:
  enabled: true
  endpoint: "/health"
  listen_address: "%s"
  detailed: true

monitoring:
  metrics_enabled: false
  metrics_endpoint: "/metrics"
`, yamlEscapeString(listenAddress), yamlEscapeString(jwtSecret),
		yamlEscapeString(storagePath), yamlEscapeString(healthAddress))
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	// Set ownership to telelive:telelive if running as root
	if setOwnership {
		u, err := user.Lookup("telelive")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up user telelive: %v\n", err)
			return nil
		}
		g, err := user.LookupGroup("telelive")
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not look up group telelive: %v\n", err)
			return nil
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not parse UID %q for user telelive: %v\n", u.Uid, err)
			return nil
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			fmt.Fprintf(out, "  WARNING: Could not parse GID %q for group telelive: %v\n", g.Gid, err)
			return nil
		}
		if err := os.Chown(path, uid, gid); err != nil {
			fmt.Fprintf(out, "  WARNING: Could not set ownership to telelive:telelive: %v\n", err)
		}
	}

	return nil
}
