package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/ledgerkeys/internal/domain/repository"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env      string `yaml:"app_env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Storage struct {
		Driver   string `yaml:"driver"` // memory | postgres
		DSN      string `yaml:"dsn"`
		Postgres struct {
			MaxOpenConns    int    `yaml:"max_open_conns"`
			MaxIdleConns    int    `yaml:"max_idle_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
		// Timeout por operación de storage/firma.
		OpTimeout time.Duration `yaml:"op_timeout"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"cache"`

	Security struct {
		SecretBoxMasterKey string `yaml:"secretbox_master_key"` // base64(32 bytes)
	} `yaml:"security"`

	Rotation struct {
		UserKeyMaxAgeDays int           `yaml:"user_key_max_age_days"`
		CAKeyMaxAgeDays   int           `yaml:"ca_key_max_age_days"`
		GracePeriodDays   int           `yaml:"grace_period_days"`
		Interval          time.Duration `yaml:"interval"` // scheduler de ledgerd
	} `yaml:"rotation"`

	Worker struct {
		ID        string        `yaml:"id"` // vacío => hostname-uuid
		BatchSize int           `yaml:"batch_size"`
		Interval  time.Duration `yaml:"interval"`
		ClaimTTL  time.Duration `yaml:"claim_ttl"`
		// Transferencias verificadas en paralelo dentro de un lote.
		Concurrency int `yaml:"concurrency"`
	} `yaml:"worker"`

	CA struct {
		Info         repository.CAInfo `yaml:"info"`
		CertValidity time.Duration     `yaml:"cert_validity"`
		RootValidity time.Duration     `yaml:"root_validity"`
		AutoCertify  bool              `yaml:"auto_certify"`
	} `yaml:"ca"`

	Ephemeral struct {
		DefaultTTL time.Duration `yaml:"default_ttl"`
		MaxTTL     time.Duration `yaml:"max_ttl"`
	} `yaml:"ephemeral"`
}

// Default retorna una config con los defaults aplicados (driver memory).
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	return finish(&c)
}

// FromEnv arma la config sólo con variables de entorno + defaults.
func FromEnv() (*Config, error) {
	return finish(&Config{})
}

func finish(c *Config) (*Config, error) {
	c.applyDefaults()
	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.OpTimeout == 0 {
		c.Storage.OpTimeout = 5 * time.Second
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "ledgerkeys:"
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 10 * time.Minute
	}
	if c.Rotation.UserKeyMaxAgeDays == 0 {
		c.Rotation.UserKeyMaxAgeDays = 90
	}
	if c.Rotation.CAKeyMaxAgeDays == 0 {
		c.Rotation.CAKeyMaxAgeDays = 365
	}
	if c.Rotation.GracePeriodDays == 0 {
		c.Rotation.GracePeriodDays = 7
	}
	if c.Rotation.Interval == 0 {
		c.Rotation.Interval = time.Hour
	}
	if c.Worker.BatchSize == 0 {
		c.Worker.BatchSize = 50
	}
	if c.Worker.Interval == 0 {
		c.Worker.Interval = 5 * time.Second
	}
	if c.Worker.ClaimTTL == 0 {
		c.Worker.ClaimTTL = 2 * time.Minute
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.CA.Info.Name == "" {
		c.CA.Info.Name = "Ledger Root CA"
	}
	if c.CA.Info.Organization == "" {
		c.CA.Info.Organization = "Ledger"
	}
	if c.CA.Info.OrganizationalUnit == "" {
		c.CA.Info.OrganizationalUnit = "Transaction Integrity"
	}
	if c.CA.Info.Country == "" {
		c.CA.Info.Country = "AR"
	}
	if c.CA.CertValidity == 0 {
		c.CA.CertValidity = 365 * 24 * time.Hour
	}
	if c.CA.RootValidity == 0 {
		c.CA.RootValidity = 10 * 365 * 24 * time.Hour
	}
	if c.Ephemeral.DefaultTTL == 0 {
		c.Ephemeral.DefaultTTL = 15 * time.Minute
	}
	if c.Ephemeral.MaxTTL == 0 {
		c.Ephemeral.MaxTTL = 24 * time.Hour
	}
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.App.LogLevel = v
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}

	// STORAGE
	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("STORAGE_DSN"); ok {
		c.Storage.DSN = v
	}
	if v, ok := getEnvInt("POSTGRES_MAX_OPEN_CONNS"); ok {
		c.Storage.Postgres.MaxOpenConns = v
	}
	if v, ok := getEnvInt("POSTGRES_MAX_IDLE_CONNS"); ok {
		c.Storage.Postgres.MaxIdleConns = v
	}
	if v, ok := getEnvDur("STORAGE_OP_TIMEOUT"); ok {
		c.Storage.OpTimeout = v
	}

	// CACHE
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}

	// SECURITY
	if v, ok := getEnvStr("SECRETBOX_MASTER_KEY"); ok {
		c.Security.SecretBoxMasterKey = v
	}

	// ROTATION
	if v, ok := getEnvInt("ROTATION_USER_KEY_MAX_AGE_DAYS"); ok {
		c.Rotation.UserKeyMaxAgeDays = v
	}
	if v, ok := getEnvInt("ROTATION_CA_KEY_MAX_AGE_DAYS"); ok {
		c.Rotation.CAKeyMaxAgeDays = v
	}
	if v, ok := getEnvInt("ROTATION_GRACE_PERIOD_DAYS"); ok {
		c.Rotation.GracePeriodDays = v
	}
	if v, ok := getEnvDur("ROTATION_INTERVAL"); ok {
		c.Rotation.Interval = v
	}

	// WORKER
	if v, ok := getEnvStr("WORKER_ID"); ok {
		c.Worker.ID = v
	}
	if v, ok := getEnvInt("WORKER_BATCH_SIZE"); ok {
		c.Worker.BatchSize = v
	}
	if v, ok := getEnvDur("WORKER_INTERVAL"); ok {
		c.Worker.Interval = v
	}
	if v, ok := getEnvDur("WORKER_CLAIM_TTL"); ok {
		c.Worker.ClaimTTL = v
	}
	if v, ok := getEnvInt("WORKER_CONCURRENCY"); ok {
		c.Worker.Concurrency = v
	}

	// CA
	if v, ok := getEnvBool("CA_AUTO_CERTIFY"); ok {
		c.CA.AutoCertify = v
	}
	if v, ok := getEnvDur("CA_CERT_VALIDITY"); ok {
		c.CA.CertValidity = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			errs = append(errs, errors.New("storage.dsn requerido con driver postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver desconocido: %q", c.Storage.Driver))
	}
	if c.Storage.Postgres.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(c.Storage.Postgres.ConnMaxLifetime); err != nil {
			errs = append(errs, fmt.Errorf("storage.postgres.conn_max_lifetime: %w", err))
		}
	}
	switch c.Cache.Kind {
	case "memory":
	case "redis":
		if strings.TrimSpace(c.Cache.Redis.Addr) == "" {
			errs = append(errs, errors.New("cache.redis.addr requerido con cache redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.kind desconocido: %q", c.Cache.Kind))
	}
	if c.Rotation.UserKeyMaxAgeDays < 0 || c.Rotation.CAKeyMaxAgeDays < 0 || c.Rotation.GracePeriodDays < 0 {
		errs = append(errs, errors.New("rotation: los días no pueden ser negativos"))
	}
	if c.Worker.BatchSize < 0 {
		errs = append(errs, errors.New("worker.batch_size no puede ser negativo"))
	}
	if c.Ephemeral.DefaultTTL > c.Ephemeral.MaxTTL {
		errs = append(errs, errors.New("ephemeral.default_ttl supera ephemeral.max_ttl"))
	}
	return errors.Join(errs...)
}

// Resolve carga la config desde path; vacío prueba configs/config.yaml y
// configs/config.example.yaml, y si ninguno existe usa sólo env + defaults.
func Resolve(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	for _, p := range []string{"configs/config.yaml", "configs/config.example.yaml"} {
		if fileExists(p) {
			return Load(p)
		}
	}
	return FromEnv()
}

func fileExists(p string) bool {
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
