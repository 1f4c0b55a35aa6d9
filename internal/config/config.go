package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Node NodeConfig `toml:"node"`
	// Hops are named next-hop targets reachable over SSH.
	Hops map[string]HopConfig `toml:"hops"`
}

// NodeConfig describes the local serving node.
type NodeConfig struct {
	// Human-readable name for this node, used in logs and history.
	Name string `toml:"name"`
	// WebSocket listen address (e.g. "0.0.0.0:9200"). Nil means no listener.
	Listen *string `toml:"listen,omitempty"`
	// Wire codec: "json" (default) or "cbor".
	Codec string `toml:"codec"`
	// Compress enables zstd on stream transports.
	Compress bool `toml:"compress"`
	// PTY runs commands under a pseudo-terminal (stdout and stderr merged).
	PTY bool `toml:"pty"`
	// Shell used to run hop commands given as a single string.
	Shell string `toml:"shell"`
}

// HopConfig is a saved next hop.
type HopConfig struct {
	// Address is host or host:port of the SSH server.
	Address string `toml:"address"`
	User    string `toml:"user"`
	// Identity is a private key file. Empty falls back to ~/.ssh/id_ed25519.
	Identity string `toml:"identity"`
	// KnownHosts is a known_hosts file used to verify the host key. Empty
	// means ~/.ssh/known_hosts.
	KnownHosts string `toml:"known_hosts"`
	// InsecureIgnoreHostKey skips host key verification entirely.
	InsecureIgnoreHostKey bool `toml:"insecure_ignore_host_key"`
	// Command starts the remote side of the hop.
	Command  string `toml:"command"`
	Compress bool   `toml:"compress"`
}

// DefaultHopCommand runs hopwire on the far side of a hop.
const DefaultHopCommand = "hw serve --stdio"

var validNodeName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateNodeName checks that name is non-empty and contains only
// alphanumeric characters, hyphens, or underscores.
func ValidateNodeName(name string) error {
	if name == "" || !validNodeName.MatchString(name) {
		return fmt.Errorf("node name must be non-empty and alphanumeric (with - or _), got: %q", name)
	}
	return nil
}

// defaultName derives a node name from the HOSTNAME or HOST environment
// variable, sanitising invalid characters to hyphens. Falls back to
// "hopwire" if neither variable is set.
func defaultName() string {
	raw := os.Getenv("HOSTNAME")
	if raw == "" {
		raw = os.Getenv("HOST")
	}
	if raw == "" {
		return "hopwire"
	}
	return strings.Map(func(c rune) rune {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_' {
			return c
		}
		return '-'
	}, raw)
}

// DataDir returns the hopwire data directory: $HOPWIRE_DIR or ~/.hopwire.
func DataDir() string {
	if dir := os.Getenv("HOPWIRE_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hopwire"
	}
	return filepath.Join(home, ".hopwire")
}

// LoadConfig reads config.toml from dataDir, applies environment variable
// overrides, and validates the result.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")

	cfg := &Config{
		Node: NodeConfig{
			Name: defaultName(),
		},
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		// If the file was parsed but node.name was empty/missing, apply default.
		if cfg.Node.Name == "" {
			cfg.Node.Name = defaultName()
		}
	}

	if name := os.Getenv("HOPWIRE_NODE_NAME"); name != "" {
		cfg.Node.Name = name
	}
	if cfg.Node.Listen == nil {
		if listen := os.Getenv("HOPWIRE_LISTEN"); listen != "" {
			cfg.Node.Listen = &listen
		}
	}
	if codec := os.Getenv("HOPWIRE_CODEC"); codec != "" {
		cfg.Node.Codec = codec
	}
	if os.Getenv("HOPWIRE_PTY") == "1" {
		cfg.Node.PTY = true
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.Codec == "" {
		c.Node.Codec = "json"
	}
	if c.Node.Shell == "" {
		c.Node.Shell = "/bin/sh"
	}
	if c.Hops == nil {
		c.Hops = make(map[string]HopConfig)
	}
	for name, hop := range c.Hops {
		if hop.Command == "" {
			hop.Command = DefaultHopCommand
		}
		c.Hops[name] = hop
	}
}

// Validate checks the fields LoadConfig cannot default.
func (c *Config) Validate() error {
	if err := ValidateNodeName(c.Node.Name); err != nil {
		return err
	}
	switch c.Node.Codec {
	case "json", "cbor":
	default:
		return fmt.Errorf("node.codec must be json or cbor, got: %q", c.Node.Codec)
	}
	for name, hop := range c.Hops {
		if hop.Address == "" {
			return fmt.Errorf("hops.%s: address is required", name)
		}
	}
	return nil
}

// Save writes the configuration to config.toml inside dataDir, creating the
// directory if necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, "config.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encoding config.toml: %w", err)
	}
	return nil
}
