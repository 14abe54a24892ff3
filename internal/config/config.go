// Package config loads server and client settings. Precedence, lowest
// first: defaults, YAML file, FANRELAY_* environment, command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/and161185/fanrelay/internal/keyring"
	"github.com/and161185/fanrelay/internal/model"
)

// EnvPrefix prefixes every environment override, e.g. FANRELAY_DATABASE_DSN.
const EnvPrefix = "FANRELAY"

// PeerConfig is a statically configured peer server.
type PeerConfig struct {
	Key string `mapstructure:"key" yaml:"key"`
	URL string `mapstructure:"url" yaml:"url"`
}

// Server holds the home server settings.
type Server struct {
	Listen struct {
		GRPC string `mapstructure:"grpc"`
		HTTP string `mapstructure:"http"`
	} `mapstructure:"listen"`
	PublicURL string `mapstructure:"public_url"`
	Database  struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	Keys struct {
		File string `mapstructure:"file"`
	} `mapstructure:"keys"`
	TLS struct {
		Cert string `mapstructure:"cert"`
		Key  string `mapstructure:"key"`
	} `mapstructure:"tls"`
	Task struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"task"`
	Sender struct {
		MaxRetries uint64        `mapstructure:"max_retries"`
		BaseDelay  time.Duration `mapstructure:"base_delay"`
	} `mapstructure:"sender"`
	Signup struct {
		Window      time.Duration `mapstructure:"window"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		BlockFor    time.Duration `mapstructure:"block_for"`
	} `mapstructure:"signup"`
	Peers []PeerConfig `mapstructure:"peers"`
	Dev   bool         `mapstructure:"dev"`
}

// ServerPeers parses the configured peers.
func (c *Server) ServerPeers() ([]model.ServerPeer, error) {
	out := make([]model.ServerPeer, 0, len(c.Peers))
	for i, p := range c.Peers {
		k, err := keyring.ParsePublicKey(p.Key)
		if err != nil {
			return nil, fmt.Errorf("peers[%d].key: %w", i, err)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("peers[%d].url is empty", i)
		}
		out = append(out, model.ServerPeer{Key: k, URL: p.URL})
	}
	return out, nil
}

// Client holds the client settings.
type Client struct {
	Home struct {
		Addr      string `mapstructure:"addr"`
		ServerKey string `mapstructure:"server_key"`
		URL       string `mapstructure:"url"` // maildrop URL put in contact cards
	} `mapstructure:"home"`
	Data struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"data"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	Keyring        struct {
		Backend    string `mapstructure:"backend"`
		Passphrase string `mapstructure:"passphrase"`
	} `mapstructure:"keyring"`
	Insecure bool `mapstructure:"insecure"`
}

// HomeServerKey parses home.server_key. A zero key means "not pinned".
func (c *Client) HomeServerKey() (keyring.PublicKey, error) {
	if c.Home.ServerKey == "" {
		return keyring.PublicKey{}, nil
	}
	return keyring.ParsePublicKey(c.Home.ServerKey)
}

// DBPath is the client's SQLite database file.
func (c *Client) DBPath() string { return filepath.Join(c.Data.Dir, "fanrelay.db") }

// flag name -> config key
type binding struct{ flag, key string }

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func load(v *viper.Viper, fset *pflag.FlagSet, args []string, binds []binding, out any) error {
	fset.String("config", "", "YAML config file")
	if err := fset.Parse(args); err != nil {
		return err
	}
	for _, b := range binds {
		if err := v.BindPFlag(b.key, fset.Lookup(b.flag)); err != nil {
			return fmt.Errorf("bind %s: %w", b.flag, err)
		}
	}
	if path, _ := fset.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// LoadServer reads server settings; args are the command-line arguments
// without the program name.
func LoadServer(args []string) (*Server, error) {
	v := newViper()
	v.SetDefault("listen.grpc", ":8443")
	v.SetDefault("listen.http", ":8080")
	v.SetDefault("public_url", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("keys.file", "server-keys.json")
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("task.timeout", 2*time.Minute)
	v.SetDefault("sender.max_retries", 5)
	v.SetDefault("sender.base_delay", 200*time.Millisecond)
	v.SetDefault("signup.window", 15*time.Minute)
	v.SetDefault("signup.max_attempts", 5)
	v.SetDefault("signup.block_for", 15*time.Minute)
	v.SetDefault("dev", false)

	fset := pflag.NewFlagSet("fanrelay-server", pflag.ContinueOnError)
	fset.String("listen-grpc", ":8443", "mailstore gRPC listen address")
	fset.String("listen-http", ":8080", "maildrop HTTP listen address")
	fset.String("public-url", "", "maildrop base URL announced to peers")
	fset.String("dsn", "", "PostgreSQL DSN (empty = in-memory storage)")
	fset.String("redis", "", "Redis address for replica notifications (empty = in-process)")
	fset.String("keys", "server-keys.json", "server key file")
	fset.String("tls-cert", "", "TLS certificate (PEM)")
	fset.String("tls-key", "", "TLS private key (PEM)")
	fset.Duration("task-timeout", 2*time.Minute, "maildrop task timeout")
	fset.Bool("dev", false, "enable gRPC reflection (dev only)")

	cfg := &Server{}
	err := load(v, fset, args, []binding{
		{"listen-grpc", "listen.grpc"},
		{"listen-http", "listen.http"},
		{"public-url", "public_url"},
		{"dsn", "database.dsn"},
		{"redis", "redis.addr"},
		{"keys", "keys.file"},
		{"tls-cert", "tls.cert"},
		{"tls-key", "tls.key"},
		{"task-timeout", "task.timeout"},
		{"dev", "dev"},
	}, cfg)
	if err != nil {
		return nil, err
	}
	if (cfg.TLS.Cert == "") != (cfg.TLS.Key == "") {
		return nil, errors.New("tls.cert and tls.key must be set together")
	}
	return cfg, nil
}

// DefaultDataDir is ~/.config/fanrelay.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fanrelay"
	}
	return filepath.Join(home, ".config", "fanrelay")
}

// LoadClient reads client settings from the global flags in fset. Flags fset
// already defines are kept; unknown ones stop parsing with an error.
func LoadClient(fset *pflag.FlagSet, args []string) (*Client, error) {
	v := newViper()
	v.SetDefault("home.addr", "localhost:8443")
	v.SetDefault("home.server_key", "")
	v.SetDefault("home.url", "")
	v.SetDefault("data.dir", DefaultDataDir())
	v.SetDefault("reconnect_delay", 4*time.Second)
	v.SetDefault("keyring.backend", "file")
	v.SetDefault("keyring.passphrase", "")
	v.SetDefault("insecure", false)

	fset.String("addr", "localhost:8443", "home server gRPC address")
	fset.String("server-key", "", "pinned home server key")
	fset.String("home-url", "", "home server maildrop URL shared with contacts")
	fset.String("data-dir", DefaultDataDir(), "client data directory")
	fset.Duration("reconnect-delay", 4*time.Second, "delay before reconnecting")
	fset.String("keyring-backend", "file", "secret store backend")
	fset.Bool("insecure", false, "plaintext gRPC (dev only)")

	cfg := &Client{}
	err := load(v, fset, args, []binding{
		{"addr", "home.addr"},
		{"server-key", "home.server_key"},
		{"home-url", "home.url"},
		{"data-dir", "data.dir"},
		{"reconnect-delay", "reconnect_delay"},
		{"keyring-backend", "keyring.backend"},
		{"insecure", "insecure"},
	}, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
