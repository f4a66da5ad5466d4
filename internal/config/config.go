// Package config layers defaults, a .env file, a YAML file, WARDKEEP_* environment
// variables and command-line flags, in that order of increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"wardkeep.org/internal/auth"
	"wardkeep.org/internal/store"
)

const envPrefix = "WARDKEEP_"

// Directory drivers.
const (
	DirectoryMemory   = "memory"
	DirectoryPostgres = "postgres"
	DirectorySQLite   = "sqlite"
)

type Config struct {
	// Facility is the display name reported by facility.info.
	Facility  string              `yaml:"facility"`
	HTTP      HTTPConfig          `yaml:"http"`
	GRPC      GRPCConfig          `yaml:"grpc"`
	Auth      AuthConfig          `yaml:"auth"`
	Store     store.Config        `yaml:"store"`
	Directory DirectoryConfig     `yaml:"directory"`
	Policy    map[string][]string `yaml:"policy"`
	Log       LogConfig           `yaml:"log"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	// RateLimit is requests per second per client address; 0 disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type GRPCConfig struct {
	// Addr is empty when the gateway is disabled.
	Addr string `yaml:"addr"`
}

type AuthConfig struct {
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	MaxAttempts     int           `yaml:"max_attempts"`
	AttemptWindow   time.Duration `yaml:"attempt_window"`
	BlockDuration   time.Duration `yaml:"block_duration"`
	BcryptCost      int           `yaml:"bcrypt_cost"`
	HashConcurrency int           `yaml:"hash_concurrency"`
}

type DirectoryConfig struct {
	Driver string        `yaml:"driver"`
	DSN    string        `yaml:"dsn"`
	Seed   []SeedAccount `yaml:"seed"`
}

// SeedAccount is provisioned at startup when its identifier is not taken yet.
// PasswordHash must already be a bcrypt hash; see cmd/accounts.
type SeedAccount struct {
	Identifier   string `yaml:"identifier"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		Facility: "wardkeep",
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxBodyBytes:      1 << 20,
			RateLimit:         20,
			RateBurst:         40,
		},
		Auth: AuthConfig{
			SessionTimeout:  auth.DefaultSessionTimeout,
			SweepInterval:   auth.DefaultSweepInterval,
			MaxAttempts:     auth.DefaultMaxAttempts,
			AttemptWindow:   auth.DefaultAttemptWindow,
			BlockDuration:   auth.DefaultBlockDuration,
			BcryptCost:      auth.DefaultPasswordCost,
			HashConcurrency: 4,
		},
		Store:     store.Config{Driver: store.DriverMemory},
		Directory: DirectoryConfig{Driver: DirectoryMemory},
		Log:       LogConfig{Level: "info"},
	}
}

// Load builds the configuration for a binary named name from args (without the program name).
func Load(name string, args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		configPath = fs.String("config", "", "path to a YAML config file")
		envFile    = fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
		httpAddr   = fs.String("http-addr", "", "HTTP listen address")
		grpcAddr   = fs.String("grpc-addr", "", "gRPC listen address, empty disables the gateway")
		logLevel   = fs.String("log-level", "", "debug, info, warn or error")
		storeDrv   = fs.String("store", "", "session and attempt store: memory, redis or sqlite")
		dirDrv     = fs.String("directory", "", "account directory: memory, postgres or sqlite")
		dirDSN     = fs.String("directory-dsn", "", "account directory connection string")
	)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", *envFile, err)
		}
	}

	path := *configPath
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "http-addr":
			cfg.HTTP.Addr = *httpAddr
		case "grpc-addr":
			cfg.GRPC.Addr = *grpcAddr
		case "log-level":
			cfg.Log.Level = *logLevel
		case "store":
			cfg.Store.Driver = *storeDrv
		case "directory":
			cfg.Directory.Driver = *dirDrv
		case "directory-dsn":
			cfg.Directory.DSN = *dirDSN
		}
	})

	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}

	str("FACILITY", &cfg.Facility)
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	str("LOG_LEVEL", &cfg.Log.Level)
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		cfg.HTTP.AllowedOrigins = splitList(v)
	}

	dur("SESSION_TIMEOUT", &cfg.Auth.SessionTimeout)
	dur("SWEEP_INTERVAL", &cfg.Auth.SweepInterval)
	dur("ATTEMPT_WINDOW", &cfg.Auth.AttemptWindow)
	dur("BLOCK_DURATION", &cfg.Auth.BlockDuration)
	num("MAX_ATTEMPTS", &cfg.Auth.MaxAttempts)
	num("BCRYPT_COST", &cfg.Auth.BcryptCost)
	num("HASH_CONCURRENCY", &cfg.Auth.HashConcurrency)

	str("STORE_DRIVER", &cfg.Store.Driver)
	if v, ok := lookup(envPrefix + "REDIS_ADDR"); ok && v != "" {
		if cfg.Store.Redis == nil {
			cfg.Store.Redis = &store.RedisConfig{}
		}
		cfg.Store.Redis.Addr = v
		str("REDIS_PASSWORD", &cfg.Store.Redis.Password)
	}
	if v, ok := lookup(envPrefix + "SQLITE_DSN"); ok && v != "" {
		cfg.Store.SQLite = &store.SQLiteConfig{DSN: v}
	}

	str("DIRECTORY_DRIVER", &cfg.Directory.Driver)
	str("DIRECTORY_DSN", &cfg.Directory.DSN)

	return errors.Join(errs...)
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case store.DriverMemory, "":
	case store.DriverRedis:
		if c.Store.Redis == nil || c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store: redis driver requires redis.addr"))
		}
	case store.DriverSQLite:
		if c.Store.SQLite == nil || c.Store.SQLite.DSN == "" {
			errs = append(errs, errors.New("store: sqlite driver requires sqlite.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}

	switch c.Directory.Driver {
	case DirectoryMemory, "":
	case DirectoryPostgres, DirectorySQLite:
		if c.Directory.DSN == "" {
			errs = append(errs, fmt.Errorf("directory: %s driver requires dsn", c.Directory.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("directory: unknown driver %q", c.Directory.Driver))
	}
	for i, s := range c.Directory.Seed {
		if strings.TrimSpace(s.Identifier) == "" || s.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("directory.seed[%d]: identifier and password_hash are required", i))
		}
		if _, err := auth.ParseRole(s.Role); err != nil {
			errs = append(errs, fmt.Errorf("directory.seed[%d]: %w", i, err))
		}
	}

	a := c.Auth
	if a.BcryptCost != 0 && a.BcryptCost < auth.MinPasswordCost {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost must be at least %d", auth.MinPasswordCost))
	}
	for name, d := range map[string]time.Duration{
		"session_timeout": a.SessionTimeout,
		"sweep_interval":  a.SweepInterval,
		"attempt_window":  a.AttemptWindow,
		"block_duration":  a.BlockDuration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("auth.%s must be positive", name))
		}
	}
	if a.MaxAttempts <= 0 {
		errs = append(errs, errors.New("auth.max_attempts must be positive"))
	}

	for op, roles := range c.Policy {
		if _, err := auth.ParseRule(roles); err != nil {
			errs = append(errs, fmt.Errorf("policy.%s: %w", op, err))
		}
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
