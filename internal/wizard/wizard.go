// Package wizard provides an interactive setup wizard for the MTProto client core.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/arcwire/mtproto-core/internal/config"
	"gopkg.in/yaml.v3"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	existingCfg *config.Config // loaded from an existing config file, used to seed defaults
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{}
}

var banner = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("63")).
	Padding(0, 1)

// Run executes the interactive setup wizard and returns the resulting config.
func (w *Wizard) Run() (*Result, error) {
	fmt.Println(banner.Render("MTProto Client Setup"))
	fmt.Println()

	configPath := "./config.yaml"
	if err := huh.NewInput().
		Title("Config file path").
		Value(&configPath).
		Validate(requiredString("config path")).
		Run(); err != nil {
		return nil, err
	}

	if existing, err := config.Load(configPath); err == nil {
		w.existingCfg = existing
	}

	cfg := config.Default()
	if w.existingCfg != nil {
		cfg = w.existingCfg
	}

	if err := w.askAgent(cfg); err != nil {
		return nil, err
	}
	if err := w.askConnection(cfg); err != nil {
		return nil, err
	}
	if err := w.askReconnect(cfg); err != nil {
		return nil, err
	}
	if err := w.askHTTP(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generated configuration is invalid: %w", err)
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	fmt.Println()
	fmt.Printf("Configuration written to %s\n", configPath)
	fmt.Printf("Endpoint: %s:%d over %s\n", cfg.Connection.Host, cfg.Connection.Port, cfg.Connection.Transport)

	return &Result{Config: cfg, ConfigPath: configPath}, nil
}

func (w *Wizard) askAgent(cfg *config.Config) error {
	logLevels := []string{"debug", "info", "warn", "error"}
	logFormats := []string{"text", "json"}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Where the persisted auth_key and wizard state live").
				Value(&cfg.Agent.DataDir).
				Validate(requiredString("data directory")),
			huh.NewSelect[string]().
				Title("Log level").
				Options(huh.NewOptions(logLevels...)...).
				Value(&cfg.Agent.LogLevel),
			huh.NewSelect[string]().
				Title("Log format").
				Options(huh.NewOptions(logFormats...)...).
				Value(&cfg.Agent.LogFormat),
		),
	).Run()
}

func (w *Wizard) askConnection(cfg *config.Config) error {
	portStr := strconv.Itoa(cfg.Connection.Port)
	if cfg.Connection.Port == 0 {
		portStr = "443"
	}
	transports := []string{"tcp", "ws"}

	keySource := "path"
	if cfg.Connection.PublicKey != "" {
		keySource = "inline"
	}

	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server host").
				Description("MTProto data-center address, e.g. 149.154.167.50").
				Value(&cfg.Connection.Host).
				Validate(requiredString("host")),
			huh.NewInput().
				Title("Server port").
				Value(&portStr).
				Validate(func(s string) error {
					p, err := strconv.Atoi(s)
					if err != nil || p < 1 || p > 65535 {
						return fmt.Errorf("port must be between 1 and 65535")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Transport").
				Options(huh.NewOptions(transports...)...).
				Value(&cfg.Connection.Transport),
		),
	).Run(); err != nil {
		return err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	cfg.Connection.Port = port

	if cfg.Connection.Transport == "ws" {
		if err := huh.NewInput().
			Title("WebSocket path").
			Value(&cfg.Connection.Path).
			Validate(func(s string) error {
				if !strings.HasPrefix(s, "/") {
					return fmt.Errorf("path must start with /")
				}
				return nil
			}).
			Run(); err != nil {
			return err
		}
	}

	if err := huh.NewSelect[string]().
		Title("RSA public key source").
		Options(
			huh.NewOption("Path to a PEM file", "path"),
			huh.NewOption("Paste PEM inline", "inline"),
		).
		Value(&keySource).
		Run(); err != nil {
		return err
	}

	if keySource == "inline" {
		pem := cfg.Connection.PublicKey
		if err := huh.NewText().
			Title("RSA public key (PEM)").
			Value(&pem).
			Validate(func(s string) error {
				if !strings.Contains(s, "-----BEGIN") {
					return fmt.Errorf("not a PEM block")
				}
				return nil
			}).
			Run(); err != nil {
			return err
		}
		cfg.Connection.PublicKey = pem
		cfg.Connection.PublicKeyPEM = ""
	} else {
		path := cfg.Connection.PublicKeyPEM
		if path == "" {
			path = "./server.pem"
		}
		if err := huh.NewInput().
			Title("RSA public key file path").
			Value(&path).
			Validate(requiredString("public key path")).
			Run(); err != nil {
			return err
		}
		cfg.Connection.PublicKeyPEM = path
		cfg.Connection.PublicKey = ""
	}

	authKeyPath := cfg.AuthKey.Path
	if authKeyPath == "" {
		authKeyPath = filepath.Join(cfg.Agent.DataDir, "auth_key.yaml")
	}
	if err := huh.NewInput().
		Title("Auth key storage path").
		Description("Where the established auth_key is persisted between runs").
		Value(&authKeyPath).
		Validate(requiredString("auth key path")).
		Run(); err != nil {
		return err
	}
	cfg.AuthKey.Path = authKeyPath

	return nil
}

func (w *Wizard) askReconnect(cfg *config.Config) error {
	initial := cfg.Reconnect.InitialDelay.String()
	maxDelay := cfg.Reconnect.MaxDelay.String()
	retries := strconv.Itoa(cfg.Reconnect.MaxRetries)

	if err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Initial reconnect delay").
				Value(&initial).
				Validate(validDuration),
			huh.NewInput().
				Title("Max reconnect delay").
				Value(&maxDelay).
				Validate(validDuration),
			huh.NewInput().
				Title("Max retries (0 = infinite)").
				Value(&retries).
				Validate(func(s string) error {
					_, err := strconv.Atoi(s)
					return err
				}),
		),
	).Run(); err != nil {
		return err
	}

	if d, err := time.ParseDuration(initial); err == nil {
		cfg.Reconnect.InitialDelay = d
	}
	if d, err := time.ParseDuration(maxDelay); err == nil {
		cfg.Reconnect.MaxDelay = d
	}
	if n, err := strconv.Atoi(retries); err == nil {
		cfg.Reconnect.MaxRetries = n
	}
	return nil
}

func (w *Wizard) askHTTP(cfg *config.Config) error {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the metrics HTTP endpoint?").
				Value(&cfg.HTTP.Enabled),
			huh.NewInput().
				Title("Listen address").
				Value(&cfg.HTTP.Address).
				Validate(requiredString("http address")),
		),
	).Run()
}

// writeConfig marshals cfg to YAML and writes it to path, creating parent
// directories as needed.
func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# MTProto client configuration\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func requiredString(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func validDuration(s string) error {
	_, err := time.ParseDuration(s)
	return err
}
