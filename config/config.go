// Package config resolves sharewave settings from the persisted config file,
// SHAREWAVE_* environment variables and command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"sharewave/discovery"
	"sharewave/logging"
	"sharewave/peer"
	"sharewave/session"
	"sharewave/signaling"
	"sharewave/storage"
	"sharewave/transfer"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "sharewave"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "SHAREWAVE"
	// DataDirEnv overrides the data directory.
	DataDirEnv = EnvPrefix + "_DATA_DIR"

	configFileName  = "config.json"
	downloadsDir    = "downloads"
	defaultName     = "sharewave device"
	defaultRelayURL = "ws://127.0.0.1:8787/ws"
)

// Signaling backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendRelay  = "relay"
)

var validate = validator.New()

// Config holds every runtime setting.
type Config struct {
	InstanceID  string   `mapstructure:"instance_id" validate:"required"`
	DisplayName string   `mapstructure:"display_name" validate:"required"`
	ShareOrigin string   `mapstructure:"share_origin" validate:"required,url"`
	ICEServers  []string `mapstructure:"ice_servers" validate:"dive,required"`

	Signaling SignalingConfig `mapstructure:"signaling"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Log       LogConfig       `mapstructure:"log"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// DataDir is where the config file lives; it is not itself configurable here.
	DataDir string `mapstructure:"-"`
}

// SignalingConfig selects and configures the room store.
type SignalingConfig struct {
	// Backend is the store send and receive signal through. memory and sqlite
	// only reach peers in the same process.
	Backend string `mapstructure:"backend" validate:"oneof=memory sqlite redis relay"`
	// RelayStore is the store behind `sharewave relay`.
	RelayStore    string        `mapstructure:"relay_store" validate:"oneof=memory sqlite redis"`
	RelayURL      string        `mapstructure:"relay_url" validate:"required_if=Backend relay,omitempty,url"`
	RelayListen   string        `mapstructure:"relay_listen" validate:"required,hostname_port"`
	SQLitePath    string        `mapstructure:"sqlite_path" validate:"required_if=Backend sqlite"`
	Redis         RedisConfig   `mapstructure:"redis"`
	Retention     time.Duration `mapstructure:"retention" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	TeardownGrace time.Duration `mapstructure:"teardown_grace" validate:"gte=0"`
}

// RedisConfig locates the Redis server for the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// TransferConfig tunes file transfer.
type TransferConfig struct {
	DownloadDir     string        `mapstructure:"download_dir" validate:"required"`
	ChunkDelay      time.Duration `mapstructure:"chunk_delay" validate:"gte=0"`
	IncludeLoopback bool          `mapstructure:"include_loopback"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level     string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format    string `mapstructure:"format" validate:"oneof=console json"`
	OutputDir string `mapstructure:"output_dir"`
}

// DiscoveryConfig controls LAN room announcement.
type DiscoveryConfig struct {
	Announce bool `mapstructure:"announce"`
	Port     int  `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"name":             "display_name",
	"origin":           "share_origin",
	"ice-server":       "ice_servers",
	"backend":          "signaling.backend",
	"relay-store":      "signaling.relay_store",
	"relay-url":        "signaling.relay_url",
	"listen":           "signaling.relay_listen",
	"sqlite-path":      "signaling.sqlite_path",
	"redis-addr":       "signaling.redis.addr",
	"redis-password":   "signaling.redis.password",
	"redis-db":         "signaling.redis.db",
	"retention":        "signaling.retention",
	"download-dir":     "transfer.download_dir",
	"chunk-delay":      "transfer.chunk_delay",
	"include-loopback": "transfer.include_loopback",
	"log-level":        "log.level",
	"log-format":       "log.format",
	"announce":         "discovery.announce",
}

// RegisterFlags defines the flags Load understands on fs. Unset flags never
// override the file or the environment.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "display name shown to LAN peers")
	fs.String("origin", "", "origin used to build share links")
	fs.StringSlice("ice-server", nil, "STUN/TURN server URL (repeatable)")
	fs.String("backend", "", "signaling backend: memory, sqlite, redis or relay")
	fs.String("relay-store", "", "store behind the relay server: memory, sqlite or redis")
	fs.String("relay-url", "", "relay WebSocket URL for the relay backend")
	fs.String("listen", "", "address the relay server listens on")
	fs.String("sqlite-path", "", "SQLite database path for the sqlite backend")
	fs.String("redis-addr", "", "Redis address for the redis backend")
	fs.String("redis-password", "", "Redis password")
	fs.Int("redis-db", 0, "Redis database number")
	fs.Duration("retention", 0, "how long rooms live before the sweep deletes them")
	fs.String("download-dir", "", "directory received files are saved to")
	fs.Duration("chunk-delay", 0, "pause between data chunks")
	fs.Bool("include-loopback", false, "gather loopback ICE candidates")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("log-format", "", "log format: console or json")
	fs.Bool("announce", false, "announce the room on the LAN over mDNS")
}

// ResolveDataDir returns the OS-aware app data directory, or SHAREWAVE_DATA_DIR
// when set.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load resolves the data directory, makes sure config.json exists with an
// instance ID, then layers defaults, the file, the environment and flags (when
// non-nil) into a validated Config.
func Load(flags *pflag.FlagSet) (*Config, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", dataDir, err)
	}

	path := ConfigPath(dataDir)
	if err := ensureIdentity(path); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, dataDir)
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.DataDir = dataDir
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Path returns the config file this Config was loaded from.
func (c *Config) Path() string {
	return ConfigPath(c.DataDir)
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("display_name", defaultName)
	v.SetDefault("share_origin", session.DefaultShareOrigin)
	v.SetDefault("ice_servers", peer.DefaultICEServers)

	v.SetDefault("signaling.backend", BackendRelay)
	v.SetDefault("signaling.relay_store", BackendMemory)
	v.SetDefault("signaling.relay_url", defaultRelayURL)
	v.SetDefault("signaling.relay_listen", "127.0.0.1:8787")
	v.SetDefault("signaling.sqlite_path", filepath.Join(dataDir, storage.DefaultDBFileName))
	v.SetDefault("signaling.redis.addr", "127.0.0.1:6379")
	v.SetDefault("signaling.redis.password", "")
	v.SetDefault("signaling.redis.db", 0)
	v.SetDefault("signaling.retention", signaling.DefaultRoomRetention)
	v.SetDefault("signaling.sweep_interval", signaling.DefaultSweepInterval)
	v.SetDefault("signaling.teardown_grace", signaling.DefaultTeardownGrace)

	v.SetDefault("transfer.download_dir", filepath.Join(dataDir, downloadsDir))
	v.SetDefault("transfer.chunk_delay", transfer.DefaultChunkDelay)
	v.SetDefault("transfer.include_loopback", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatConsole)
	v.SetDefault("log.output_dir", "")

	v.SetDefault("discovery.announce", false)
	v.SetDefault("discovery.port", discovery.DefaultPort)
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

// ensureIdentity creates config.json on first run and fills in a missing
// instance ID or display name, keeping every other key as written.
func ensureIdentity(path string) error {
	settings := make(map[string]any)

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(raw, &settings); err != nil {
			return fmt.Errorf("parse config %q: %w", path, err)
		}
	}

	updated := false
	if id, _ := settings["instance_id"].(string); id == "" {
		settings["instance_id"] = uuid.NewString()
		updated = true
	}
	if name, _ := settings["display_name"].(string); name == "" {
		settings["display_name"] = hostDisplayName()
		updated = true
	}
	if !updated {
		return nil
	}
	return save(path, settings)
}

func save(path string, settings map[string]any) error {
	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func hostDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultName
}
