// Package config loads the YAML configuration: intents, accounts, the Home
// Assistant connection and local service settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vthunder/quasar-intents/internal/intent"
)

const (
	DefaultStatePath = "state"
	DefaultListen    = "127.0.0.1:8099"
)

// Mode selects how an account learns that an intent was spoken
type Mode string

const (
	// ModeWebsocket listens to the update stream for encoded phrases
	ModeWebsocket Mode = "websocket"
	// ModeDevice switches channels on an intent player exported from the host
	ModeDevice Mode = "device"
)

// Config is the whole configuration file
type Config struct {
	Intents       map[string]IntentConfig `yaml:"intents"`
	Accounts      []Account               `yaml:"accounts"`
	HomeAssistant HomeAssistant           `yaml:"homeassistant"`
	StatePath     string                  `yaml:"state_path"`
	API           API                     `yaml:"api"`
	Debug         bool                    `yaml:"debug"`
}

// IntentConfig is one entry of the intents mapping. It may be written as null,
// as a bare string (the reply) or as a mapping.
type IntentConfig struct {
	ExtraPhrases   []string `yaml:"extra_phrases"`
	SayPhrase      string   `yaml:"say_phrase"`
	ExecuteCommand string   `yaml:"execute_command"`
}

// UnmarshalYAML accepts the string shorthand for say_phrase
func (c *IntentConfig) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.ShortTag() == "!!null" {
			*c = IntentConfig{}
			return nil
		}
		*c = IntentConfig{SayPhrase: node.Value}
		return nil
	case yaml.MappingNode:
		type plain IntentConfig
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*c = IntentConfig(p)
		return nil
	}
	return fmt.Errorf("line %d: intent must be empty, a phrase or a mapping", node.Line)
}

// Account is one cloud account
type Account struct {
	Name           string            `yaml:"name"`
	XToken         string            `yaml:"x_token"`
	Mode           Mode              `yaml:"mode"`
	Autosync       *bool             `yaml:"autosync"`
	PlayerEntityID string            `yaml:"player_entity_id"`
	Speakers       map[string]string `yaml:"speakers"`
}

// AutosyncEnabled reports whether scenarios are synced on start. Defaults to true.
func (a Account) AutosyncEnabled() bool {
	return a.Autosync == nil || *a.Autosync
}

// HomeAssistant holds the REST API connection
type HomeAssistant struct {
	Host  string `yaml:"host"`
	Token string `yaml:"token"`
}

// API holds local HTTP API settings
type API struct {
	Listen string `yaml:"listen"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a configuration file. A .env file next to it is loaded into the
// environment first, if present.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, expands and validates configuration data
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnv(string(data))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandEnv replaces ${VAR} references. Bare $VAR is left alone since
// templates may use it.
func expandEnv(s string) (string, error) {
	var missing []string
	out := envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := envRef.FindStringSubmatch(ref)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
	for i := range c.Accounts {
		if c.Accounts[i].Mode == "" {
			c.Accounts[i].Mode = ModeWebsocket
		}
	}
}

// Validate reports every problem found in the configuration, including
// invalid intents
func (c *Config) Validate() error {
	var errs []error

	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("no accounts configured"))
	}
	seen := make(map[string]bool)
	for i, a := range c.Accounts {
		label := a.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
			errs = append(errs, fmt.Errorf("account %s: name is empty", label))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Errorf("account %s: duplicate name", label))
		}
		seen[a.Name] = true

		if a.XToken == "" {
			errs = append(errs, fmt.Errorf("account %s: x_token is empty", label))
		}
		switch a.Mode {
		case ModeWebsocket:
		case ModeDevice:
			if a.PlayerEntityID == "" {
				errs = append(errs, fmt.Errorf("account %s: device mode needs player_entity_id", label))
			}
		default:
			errs = append(errs, fmt.Errorf("account %s: unknown mode %q", label, a.Mode))
		}
	}

	if c.HomeAssistant.Host == "" {
		errs = append(errs, errors.New("homeassistant.host is empty"))
	}

	if _, err := intent.Build(c.IntentConfigs()); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// IntentConfigs converts the intents mapping, ordered by name
func (c *Config) IntentConfigs() []intent.Config {
	names := make([]string, 0, len(c.Intents))
	for name := range c.Intents {
		names = append(names, name)
	}
	sort.Strings(names)

	configs := make([]intent.Config, 0, len(names))
	for _, name := range names {
		ic := c.Intents[name]
		configs = append(configs, intent.Config{
			Name:           name,
			ExtraPhrases:   ic.ExtraPhrases,
			SayPhrase:      ic.SayPhrase,
			ExecuteCommand: ic.ExecuteCommand,
		})
	}
	return configs
}

// Account returns the account with the given name
func (c *Config) Account(name string) (Account, bool) {
	for _, a := range c.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return Account{}, false
}
