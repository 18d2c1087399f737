package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Databases    DatabasesConfig    `mapstructure:"databases"`
	StateStorage StateStorage       `mapstructure:"state_storage"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Device       DeviceConfig       `mapstructure:"device"`
	Reachability ReachabilityConfig `mapstructure:"reachability"`
	RemoteFeed   RemoteFeedConfig   `mapstructure:"remote_feed"`
	Server       ServerConfig       `mapstructure:"server"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type DatabasesConfig struct {
	Cloud DatabaseConnection `mapstructure:"cloud"`
}

type DatabaseConnection struct {
	Host                string `mapstructure:"host"`
	Port                int    `mapstructure:"port"`
	User                string `mapstructure:"user"`
	Password            string `mapstructure:"password"`
	Database            string `mapstructure:"database"`
	ReplicationUser     string `mapstructure:"replication_user"`
	ReplicationPassword string `mapstructure:"replication_password"`
}

func (c DatabaseConnection) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StateStorage struct {
	Type     string `mapstructure:"type"` // mysql, sqlite or memory
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	FilePath string `mapstructure:"file_path"` // For SQLite
}

// Connection returns the MySQL connection settings of the state store.
func (s StateStorage) Connection() DatabaseConnection {
	return DatabaseConnection{
		Host:     s.Host,
		Port:     s.Port,
		User:     s.User,
		Password: s.Password,
		Database: s.Database,
	}
}

type SyncConfig struct {
	Workers            int            `mapstructure:"workers"`
	RecencyWindow      time.Duration  `mapstructure:"recency_window"`
	SyncInterval       time.Duration  `mapstructure:"sync_interval"`
	Debounce           time.Duration  `mapstructure:"debounce"`
	PriorityDelays     PriorityDelays `mapstructure:"priority_delays"`
	DeviceOnlineWindow time.Duration  `mapstructure:"device_online_window"`
	ArchiveResolved    bool           `mapstructure:"archive_resolved"`
}

// PriorityDelays is how long a queued change of each priority may wait
// before it forces a sync trigger.
type PriorityDelays struct {
	Low      time.Duration `mapstructure:"low"`
	Normal   time.Duration `mapstructure:"normal"`
	High     time.Duration `mapstructure:"high"`
	Critical time.Duration `mapstructure:"critical"`
}

type DeviceConfig struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

type ReachabilityConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type RemoteFeedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	ServerID uint32 `mapstructure:"server_id"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		StateStorage: StateStorage{Type: "memory"},
		Sync:         DefaultSyncConfig(),
		Device:       DeviceConfig{Type: "server"},
		Reachability: ReachabilityConfig{
			Interval: 10 * time.Second,
			Timeout:  3 * time.Second,
		},
		RemoteFeed: RemoteFeedConfig{ServerID: 1001},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Workers:       4,
		RecencyWindow: 300 * time.Second,
		SyncInterval:  300 * time.Second,
		Debounce:      250 * time.Millisecond,
		PriorityDelays: PriorityDelays{
			Low:      300 * time.Second,
			Normal:   60 * time.Second,
			High:     10 * time.Second,
			Critical: 0,
		},
		DeviceOnlineWindow: 15 * time.Minute,
	}
}

// LoadConfig reads path (any format viper understands) on top of Default.
// Environment variables prefixed with SYNC_ override file values, e.g.
// SYNC_SERVER_PORT=9090.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigFile(path)
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("state_storage.type", d.StateStorage.Type)
	v.SetDefault("sync.workers", d.Sync.Workers)
	v.SetDefault("sync.recency_window", d.Sync.RecencyWindow)
	v.SetDefault("sync.sync_interval", d.Sync.SyncInterval)
	v.SetDefault("sync.debounce", d.Sync.Debounce)
	v.SetDefault("sync.priority_delays.low", d.Sync.PriorityDelays.Low)
	v.SetDefault("sync.priority_delays.normal", d.Sync.PriorityDelays.Normal)
	v.SetDefault("sync.priority_delays.high", d.Sync.PriorityDelays.High)
	v.SetDefault("sync.priority_delays.critical", d.Sync.PriorityDelays.Critical)
	v.SetDefault("sync.device_online_window", d.Sync.DeviceOnlineWindow)
	v.SetDefault("device.type", d.Device.Type)
	v.SetDefault("reachability.interval", d.Reachability.Interval)
	v.SetDefault("reachability.timeout", d.Reachability.Timeout)
	v.SetDefault("remote_feed.server_id", d.RemoteFeed.ServerID)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

func (c *Config) Validate() error {
	switch c.StateStorage.Type {
	case "mysql", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown state_storage.type %q", c.StateStorage.Type)
	}
	if c.StateStorage.Type == "sqlite" && c.StateStorage.FilePath == "" {
		return fmt.Errorf("state_storage.file_path is required for sqlite")
	}
	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1, got %d", c.Sync.Workers)
	}
	if c.Sync.RecencyWindow < 0 {
		return fmt.Errorf("sync.recency_window must not be negative")
	}
	if c.Sync.SyncInterval <= 0 {
		return fmt.Errorf("sync.sync_interval must be positive")
	}
	if c.Reachability.Enabled && c.Reachability.Address == "" {
		return fmt.Errorf("reachability.address is required when reachability is enabled")
	}
	return nil
}
