package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names. The same names, lower-cased, are the keys of
// the optional YAML file.
const (
	EnvPort             = "PORT"
	EnvDBUser           = "DB_USER"
	EnvDBPassword       = "DB_PASSWORD"
	EnvDBService        = "DB_SERVICE"
	EnvTestnapHome      = "TESTNAP_HOME"
	EnvOpcodeScript     = "OPCODE_SCRIPT"
	EnvSQLScript        = "SQL_SCRIPT"
	EnvPublicRoot       = "PUBLIC_ROOT"
	EnvStaticMount      = "STATIC_MOUNT"
	EnvDefaultDocument  = "DEFAULT_DOCUMENT"
	EnvCommandTimeout   = "COMMAND_TIMEOUT"
	EnvCommandKillGrace = "COMMAND_KILL_GRACE"
	EnvShutdownTimeout  = "SHUTDOWN_TIMEOUT"
	EnvMaxBodyBytes     = "MAX_BODY_BYTES"
	EnvLogLevel         = "LOG_LEVEL"
	EnvLogFormat        = "LOG_FORMAT"
)

// Config holds every process-wide setting. It is built once at startup and
// passed by pointer to the components that need it.
type Config struct {
	Port int

	DBUser     string
	DBPassword string
	DBService  string

	// TestnapHome is handed to the opcode script as $TESTNAP_HOME.
	TestnapHome string

	OpcodeScript string
	SQLScript    string

	PublicRoot      string
	StaticMount     string
	DefaultDocument string

	CommandTimeout   time.Duration // 0 disables the timeout
	CommandKillGrace time.Duration
	ShutdownTimeout  time.Duration
	MaxBodyBytes     int64

	LogLevel  string
	LogFormat string
}

// fileConfig mirrors Config for YAML decoding. Durations stay strings so
// the file accepts the same "90s" notation as the environment.
type fileConfig struct {
	Port             int    `yaml:"port"`
	DBUser           string `yaml:"db_user"`
	DBPassword       string `yaml:"db_password"`
	DBService        string `yaml:"db_service"`
	TestnapHome      string `yaml:"testnap_home"`
	OpcodeScript     string `yaml:"opcode_script"`
	SQLScript        string `yaml:"sql_script"`
	PublicRoot       string `yaml:"public_root"`
	StaticMount      string `yaml:"static_mount"`
	DefaultDocument  string `yaml:"default_document"`
	CommandTimeout   string `yaml:"command_timeout"`
	CommandKillGrace string `yaml:"command_kill_grace"`
	ShutdownTimeout  string `yaml:"shutdown_timeout"`
	MaxBodyBytes     int64  `yaml:"max_body_bytes"`
	LogLevel         string `yaml:"log_level"`
	LogFormat        string `yaml:"log_format"`
}

const DefaultPort = 9876

func Default() *Config {
	return &Config{
		Port:             DefaultPort,
		TestnapHome:      "$PIN_HOME/sys/test",
		OpcodeScript:     "scripts/call_testnap.sh",
		SQLScript:        "scripts/call_sqlplus.sh",
		PublicRoot:       "public",
		StaticMount:      "public",
		DefaultDocument:  "index.html",
		CommandTimeout:   5 * time.Minute,
		CommandKillGrace: 5 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		MaxBodyBytes:     10 << 20,
		LogLevel:         "info",
		LogFormat:        "console",
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then the environment. envFiles are loaded into the
// environment first with godotenv; missing files are skipped and variables
// already set in the process environment win.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.TestnapHome = os.ExpandEnv(cfg.TestnapHome)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setInt(&c.Port, f.Port)
	setString(&c.DBUser, f.DBUser)
	setString(&c.DBPassword, f.DBPassword)
	setString(&c.DBService, f.DBService)
	setString(&c.TestnapHome, f.TestnapHome)
	setString(&c.OpcodeScript, f.OpcodeScript)
	setString(&c.SQLScript, f.SQLScript)
	setString(&c.PublicRoot, f.PublicRoot)
	setString(&c.StaticMount, f.StaticMount)
	setString(&c.DefaultDocument, f.DefaultDocument)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)
	if f.MaxBodyBytes != 0 {
		c.MaxBodyBytes = f.MaxBodyBytes
	}

	for key, d := range map[string]struct {
		raw string
		dst *time.Duration
	}{
		"command_timeout":    {f.CommandTimeout, &c.CommandTimeout},
		"command_kill_grace": {f.CommandKillGrace, &c.CommandKillGrace},
		"shutdown_timeout":   {f.ShutdownTimeout, &c.ShutdownTimeout},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config %s: %s: %w", path, key, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.DBUser = getEnv(EnvDBUser, c.DBUser)
	c.DBPassword = getEnv(EnvDBPassword, c.DBPassword)
	c.DBService = getEnv(EnvDBService, c.DBService)
	c.TestnapHome = getEnv(EnvTestnapHome, c.TestnapHome)
	c.OpcodeScript = getEnv(EnvOpcodeScript, c.OpcodeScript)
	c.SQLScript = getEnv(EnvSQLScript, c.SQLScript)
	c.PublicRoot = getEnv(EnvPublicRoot, c.PublicRoot)
	c.StaticMount = getEnv(EnvStaticMount, c.StaticMount)
	c.DefaultDocument = getEnv(EnvDefaultDocument, c.DefaultDocument)
	c.LogLevel = getEnv(EnvLogLevel, c.LogLevel)
	c.LogFormat = getEnv(EnvLogFormat, c.LogFormat)

	var err error
	if c.Port, err = getEnvInt(EnvPort, c.Port); err != nil {
		return err
	}
	if c.MaxBodyBytes, err = getEnvInt64(EnvMaxBodyBytes, c.MaxBodyBytes); err != nil {
		return err
	}
	if c.CommandTimeout, err = getEnvDuration(EnvCommandTimeout, c.CommandTimeout); err != nil {
		return err
	}
	if c.CommandKillGrace, err = getEnvDuration(EnvCommandKillGrace, c.CommandKillGrace); err != nil {
		return err
	}
	if c.ShutdownTimeout, err = getEnvDuration(EnvShutdownTimeout, c.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// Validate reports settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.OpcodeScript == "" || c.SQLScript == "" {
		return errors.New("collaborator script paths must not be empty")
	}
	if c.PublicRoot == "" {
		return errors.New("public root must not be empty")
	}
	if c.CommandTimeout < 0 || c.CommandKillGrace < 0 || c.ShutdownTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid max body size %d", c.MaxBodyBytes)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
