package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Neo4j     Neo4jConfig     `yaml:"neo4j"`
	Evaluator EvaluatorConfig `yaml:"evaluator"`
	Predictor PredictorConfig `yaml:"predictor"`
	Policies  PoliciesConfig  `yaml:"policies"`
	Reports   ReportsConfig   `yaml:"reports"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	CORSAllowOrigin string        `yaml:"cors_allow_origin"`
}

type DatabaseConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	SSLMode      string `yaml:"ssl_mode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type Neo4jConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type EvaluatorConfig struct {
	Workers       int           `yaml:"workers"`
	OracleTimeout time.Duration `yaml:"oracle_timeout"`
}

type PredictorConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PoliciesConfig selects where policies come from: a YAML file or
// directory, the database, or the built-in set when neither is given.
type PoliciesConfig struct {
	Path         string `yaml:"path"`
	FromDatabase bool   `yaml:"from_database"`
}

type ReportsConfig struct {
	OutputDir string `yaml:"output_dir"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {

		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Neo4j.URI == "" {
		c.Neo4j.URI = "bolt://localhost:7687"
	}

	if c.Evaluator.Workers == 0 {
		c.Evaluator.Workers = 8
	}
	if c.Evaluator.OracleTimeout == 0 {
		c.Evaluator.OracleTimeout = 5 * time.Second
	}

	if c.Predictor.URL == "" {
		c.Predictor.URL = "http://localhost:8501"
	}
	if c.Predictor.Timeout == 0 {
		c.Predictor.Timeout = 10 * time.Second
	}

	if c.Reports.OutputDir == "" {
		c.Reports.OutputDir = "reports"
	}
}
