package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// Protocol is the default stream protocol: "sse" or "data".
		Protocol        string        `yaml:"protocol"`
		CORSOrigins     []string      `yaml:"cors_origins"`
		MaxInputChars   int           `yaml:"max_input_chars"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	OpenAI struct {
		APIKey          string `yaml:"api_key"`
		BaseURL         string `yaml:"base_url"`
		ExtractionModel string `yaml:"extraction_model"`
		ThreatModel     string `yaml:"threat_model"`
		MitigationModel string `yaml:"mitigation_model"`
		MaxTokens       int    `yaml:"max_tokens"`
		MaxToolRounds   int    `yaml:"max_tool_rounds"`
	} `yaml:"openai"`

	Search struct {
		APIKey      string        `yaml:"api_key"`
		CSEID       string        `yaml:"cse_id"`
		Endpoint    string        `yaml:"endpoint"`
		DefaultSite string        `yaml:"default_site"`
		Timeout     time.Duration `yaml:"timeout"`
		RetryMax    int           `yaml:"retry_max"`
	} `yaml:"search"`

	Scraper struct {
		Enabled  bool          `yaml:"enabled"`
		Timeout  time.Duration `yaml:"timeout"`
		MaxBytes int64         `yaml:"max_bytes"`
		RetryMax int           `yaml:"retry_max"`
	} `yaml:"scraper"`

	Pipeline struct {
		StageTimeout    time.Duration `yaml:"stage_timeout"`
		Concurrency     int           `yaml:"fanout_concurrency"`
		BufferSize      int           `yaml:"buffer_size"`
		ThreatDelay     time.Duration `yaml:"threat_delay"`
		MitigationDelay time.Duration `yaml:"mitigation_delay"`
		Verbose         bool          `yaml:"verbose"`
		SinkTimeout     time.Duration `yaml:"sink_timeout"`
	} `yaml:"pipeline"`

	Storage struct {
		// Driver is none, sqlite, mysql or postgres.
		Driver     string   `yaml:"driver"`
		SQLitePath string   `yaml:"sqlite_path"`
		MySQL      Database `yaml:"mysql"`
		Postgres   Database `yaml:"postgres"`
	} `yaml:"storage"`

	Minio struct {
		Enabled       bool          `yaml:"enabled"`
		Endpoint      string        `yaml:"endpoint"`
		AccessKey     string        `yaml:"accessKey"`
		SecretKey     string        `yaml:"secretKey"`
		BucketName    string        `yaml:"bucketName"`
		Region        string        `yaml:"region"`
		UseSSL        bool          `yaml:"useSSL"`
		PresignExpiry time.Duration `yaml:"presignExpiry"`
	} `yaml:"minio"`

	Logging struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"logging"`

	Telemetry struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		Pretty      bool    `yaml:"pretty"`
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"telemetry"`

	RateLimit struct {
		// Capacity 0 disables rate limiting.
		Capacity        int `yaml:"capacity"`
		RefillPerSecond int `yaml:"refill_per_second"`
	} `yaml:"ratelimit"`
}

type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	// SSLMode is only used by postgres.
	SSLMode string `yaml:"sslmode"`
}

// Defaults returns a config that runs locally with no file at all.
func Defaults() *Config {
	var c Config
	c.Server.Port = 8000
	c.Server.Protocol = "sse"
	c.Server.MaxInputChars = 32000
	c.Server.ShutdownTimeout = 10 * time.Second

	c.OpenAI.ExtractionModel = "gpt-4o"
	c.OpenAI.ThreatModel = "gpt-4o-mini"
	c.OpenAI.MitigationModel = "gpt-4o"
	c.OpenAI.MaxTokens = 2048
	c.OpenAI.MaxToolRounds = 4

	c.Search.DefaultSite = "owasp.org"
	c.Search.Timeout = 15 * time.Second
	c.Search.RetryMax = 2

	c.Scraper.Enabled = true
	c.Scraper.Timeout = 30 * time.Second
	c.Scraper.MaxBytes = 5 << 20
	c.Scraper.RetryMax = 1

	c.Pipeline.StageTimeout = 2 * time.Minute
	c.Pipeline.Concurrency = 1
	c.Pipeline.Verbose = true
	c.Pipeline.BufferSize = 16
	c.Pipeline.SinkTimeout = 30 * time.Second

	c.Storage.Driver = "sqlite"
	c.Storage.SQLitePath = "deeptm.db"
	c.Storage.MySQL = Database{Host: "127.0.0.1", Port: 3306, User: "root", Name: "deeptm"}
	c.Storage.Postgres = Database{Host: "127.0.0.1", Port: 5432, User: "postgres", Name: "deeptm", SSLMode: "disable"}

	c.Minio.BucketName = "deeptm-reports"
	c.Minio.Region = "us-east-1"

	c.Logging.Format = "json"
	c.Logging.Level = "info"

	c.Telemetry.ServiceName = "deeptm"

	c.RateLimit.Capacity = 10
	c.RateLimit.RefillPerSecond = 1
	return &c
}

// Load reads path over Defaults, then the .env file next to the process,
// then environment overrides. A missing file or .env is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"OPENAI_API_KEY":  &c.OpenAI.APIKey,
		"OPENAI_BASE_URL": &c.OpenAI.BaseURL,
		"GOOGLE_API_KEY":  &c.Search.APIKey,
		"GOOGLE_CSE_ID":   &c.Search.CSEID,
		"STORAGE_DRIVER":  &c.Storage.Driver,
		"LOG_LEVEL":       &c.Logging.Level,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch strings.ToLower(c.Server.Protocol) {
	case "sse", "data":
	default:
		errs = append(errs, fmt.Errorf("server.protocol %q must be sse or data", c.Server.Protocol))
	}
	if c.Pipeline.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("pipeline.fanout_concurrency must be at least 1"))
	}
	if c.Pipeline.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("pipeline.buffer_size must not be negative"))
	}
	if c.OpenAI.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("openai.max_tool_rounds must not be negative"))
	}
	switch c.Storage.Driver {
	case "none", "sqlite", "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be none, sqlite, mysql or postgres", c.Storage.Driver))
	}
	if c.Storage.Driver == "sqlite" && c.Storage.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("storage.sqlite_path is required for the sqlite driver"))
	}
	if c.Minio.Enabled && (c.Minio.Endpoint == "" || c.Minio.BucketName == "") {
		errs = append(errs, fmt.Errorf("minio.endpoint and minio.bucketName are required when minio is enabled"))
	}
	if c.RateLimit.Capacity > 0 && c.RateLimit.RefillPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("ratelimit.refill_per_second must be positive when capacity is set"))
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v must be within [0,1]", r))
	}
	return errors.Join(errs...)
}

// ServerKeys are the credentials used when a request sends none.
func (c *Config) ServerKeys() map[string]string {
	keys := map[string]string{}
	if c.OpenAI.APIKey != "" {
		keys[threatmodel.KeyOpenAI] = c.OpenAI.APIKey
	}
	if c.Search.APIKey != "" {
		keys[threatmodel.KeyGoogleSearch] = c.Search.APIKey
	}
	if c.Search.CSEID != "" {
		keys[threatmodel.KeyGoogleCSE] = c.Search.CSEID
	}
	return keys
}

// Helper untuk build DSN MySQL
func (c *Config) MySQLDSN() string {
	db := c.Storage.MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&charset=utf8mb4&loc=UTC",
		db.User,
		db.Password,
		db.Host,
		db.Port,
		db.Name,
	)
}

// PostgresDSN builds a lib/pq connection URL.
func (c *Config) PostgresDSN() string {
	db := c.Storage.Postgres
	sslmode := db.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.User, db.Password),
		Host:     net.JoinHostPort(db.Host, strconv.Itoa(db.Port)),
		Path:     "/" + db.Name,
		RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
	}
	return u.String()
}
