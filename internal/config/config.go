package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration of a master registry node.
type Config struct {
	Registry RegistryConfig `yaml:"registry"`
	Master   MasterConfig   `yaml:"master"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RegistryConfig holds the coordination service connection settings.
type RegistryConfig struct {
	Addr              string        `yaml:"addr" env:"CR_REGISTRY_ADDR"`
	Password          string        `yaml:"password" env:"CR_REGISTRY_PASSWORD"`
	DB                int           `yaml:"db" env:"CR_REGISTRY_DB"`
	Namespace         string        `yaml:"namespace" env:"CR_REGISTRY_NAMESPACE"`
	SessionTimeout    time.Duration `yaml:"session_timeout" env:"CR_REGISTRY_SESSION_TIMEOUT"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" env:"CR_REGISTRY_KEEPALIVE_INTERVAL"`
	WatchInterval     time.Duration `yaml:"watch_interval" env:"CR_REGISTRY_WATCH_INTERVAL"`
	LockExpiry        time.Duration `yaml:"lock_expiry" env:"CR_REGISTRY_LOCK_EXPIRY"`
	LockWait          time.Duration `yaml:"lock_wait" env:"CR_REGISTRY_LOCK_WAIT"`
}

// MasterConfig holds the settings of this master node.
type MasterConfig struct {
	// Host overrides the advertised host; the internal IP is used when empty.
	Host              string        `yaml:"host" env:"CR_MASTER_HOST"`
	ListenPort        int           `yaml:"listen_port" env:"CR_MASTER_LISTEN_PORT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"CR_MASTER_HEARTBEAT_INTERVAL"`
	// MaxCPULoadAvg <= 0 means twice the number of CPUs.
	MaxCPULoadAvg float64 `yaml:"max_cpu_load_avg" env:"CR_MASTER_MAX_CPU_LOAD_AVG"`
	// ReservedMemory is in GB.
	ReservedMemory            float64       `yaml:"reserved_memory" env:"CR_MASTER_RESERVED_MEMORY"`
	RegistrationCheckInterval time.Duration `yaml:"registration_check_interval" env:"CR_MASTER_REGISTRATION_CHECK_INTERVAL"`
	RegistrationCheckRetries  int           `yaml:"registration_check_retries" env:"CR_MASTER_REGISTRATION_CHECK_RETRIES"`
	EventPoolSize             int           `yaml:"event_pool_size" env:"CR_MASTER_EVENT_POOL_SIZE"`
	// KillCommand is run once per external application id of an orphaned task.
	KillCommand []string `yaml:"kill_command" env:"CR_MASTER_KILL_COMMAND"`
}

// DatabaseConfig holds the workflow store settings.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"CR_DB_DRIVER"` // mysql, postgres, sqlite
	Host            string        `yaml:"host" env:"CR_DB_HOST"`
	Port            int           `yaml:"port" env:"CR_DB_PORT"`
	Username        string        `yaml:"username" env:"CR_DB_USERNAME"`
	Password        string        `yaml:"password" env:"CR_DB_PASSWORD"`
	Database        string        `yaml:"database" env:"CR_DB_DATABASE"`
	Charset         string        `yaml:"charset" env:"CR_DB_CHARSET"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"CR_DB_MAX_IDLE_CONNS"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"CR_DB_MAX_OPEN_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CR_DB_CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"CR_DB_AUTO_MIGRATE"`
	SlowThreshold   time.Duration `yaml:"slow_threshold" env:"CR_DB_SLOW_THRESHOLD"`
}

// APIConfig holds the status API settings.
type APIConfig struct {
	Address string `yaml:"address" env:"CR_API_ADDRESS"`
	Enabled bool   `yaml:"enabled" env:"CR_API_ENABLED"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"CR_LOG_LEVEL"`
	Format     string `yaml:"format" env:"CR_LOG_FORMAT"`
	Output     string `yaml:"output" env:"CR_LOG_OUTPUT"`
	FilePath   string `yaml:"file_path" env:"CR_LOG_FILE_PATH"`
	MaxSize    int    `yaml:"max_size" env:"CR_LOG_MAX_SIZE"`
	MaxBackups int    `yaml:"max_backups" env:"CR_LOG_MAX_BACKUPS"`
	MaxAge     int    `yaml:"max_age" env:"CR_LOG_MAX_AGE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Registry: RegistryConfig{
			Addr:              "127.0.0.1:6379",
			Namespace:         "/yqhp",
			SessionTimeout:    30 * time.Second,
			KeepaliveInterval: 5 * time.Second,
			WatchInterval:     time.Second,
			LockExpiry:        60 * time.Second,
			LockWait:          30 * time.Second,
		},
		Master: MasterConfig{
			ListenPort:                5678,
			HeartbeatInterval:         10 * time.Second,
			MaxCPULoadAvg:             -1,
			ReservedMemory:            0.3,
			RegistrationCheckInterval: time.Second,
			RegistrationCheckRetries:  30,
			EventPoolSize:             16,
			KillCommand:               []string{"yarn", "application", "-kill"},
		},
		Database: DatabaseConfig{
			Driver:          "mysql",
			Host:            "127.0.0.1",
			Port:            3306,
			Database:        "yqhp",
			Charset:         "utf8mb4",
			MaxIdleConns:    10,
			MaxOpenConns:    50,
			ConnMaxLifetime: time.Hour,
			SlowThreshold:   200 * time.Millisecond,
		},
		API: APIConfig{
			Address: ":5679",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs: make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("apply override %s: %w", key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

// setConfigValue sets a configuration value by dot-notation path, e.g. "master.listen_port".
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLTag(v, part)
		if !ok {
			return fmt.Errorf("unknown config path: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("expected %s to be a struct, got %s", part, field.Kind())
		}
		v = field
	}

	return nil
}

func fieldByYAMLTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field cannot be set")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Fields(value)
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks the configuration for values the node cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Registry.Namespace == "" || !strings.HasPrefix(c.Registry.Namespace, "/"):
		return fmt.Errorf("registry.namespace must start with '/': %q", c.Registry.Namespace)
	case c.Registry.SessionTimeout <= 0:
		return fmt.Errorf("registry.session_timeout must be positive")
	case c.Registry.KeepaliveInterval <= 0 || c.Registry.KeepaliveInterval >= c.Registry.SessionTimeout:
		return fmt.Errorf("registry.keepalive_interval must be positive and shorter than session_timeout")
	case c.Registry.WatchInterval <= 0:
		return fmt.Errorf("registry.watch_interval must be positive")
	case c.Registry.LockExpiry <= 0 || c.Registry.LockWait <= 0:
		return fmt.Errorf("registry.lock_expiry and registry.lock_wait must be positive")
	case c.Master.ListenPort <= 0 || c.Master.ListenPort > 65535:
		return fmt.Errorf("master.listen_port out of range: %d", c.Master.ListenPort)
	case c.Master.HeartbeatInterval <= 0:
		return fmt.Errorf("master.heartbeat_interval must be positive")
	case c.Master.RegistrationCheckInterval <= 0 || c.Master.RegistrationCheckRetries <= 0:
		return fmt.Errorf("master.registration_check_interval and retries must be positive")
	case c.Master.EventPoolSize <= 0:
		return fmt.Errorf("master.event_pool_size must be positive")
	}

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
