// Package config assembles the single Config object handed to every
// component: defaults, then an optional YAML file, then .env and process
// environment overrides.
package config

import (
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/explain"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/predict"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/train"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/service"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       string `yaml:"db"`
	SSLMode  string `yaml:"sslmode"`
}

// ObjectStoreConfig is only forwarded to the ingestion commands.
type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKey       string `yaml:"access_key"`
	SecretKey       string `yaml:"secret_key"`
	RawBucket       string `yaml:"raw_bucket"`
	ProcessedBucket string `yaml:"processed_bucket"`
}

type GateConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

type PipelineConfig struct {
	Schedule    string                     `yaml:"schedule"`
	Retries     int                        `yaml:"retries"`
	RetryDelay  time.Duration              `yaml:"retry_delay"`
	TaskTimeout time.Duration              `yaml:"task_timeout"`
	Workers     int                        `yaml:"workers"`
	ScriptDir   string                     `yaml:"script_dir"`
	Commands    map[string]service.Command `yaml:"commands"`
}

type Config struct {
	LogLevel     string            `yaml:"log_level"`
	ArtifactsDir string            `yaml:"artifacts_dir"`
	HTTPAddr     string            `yaml:"http_addr"`
	Postgres     PostgresConfig    `yaml:"postgres"`
	ObjectStore  ObjectStoreConfig `yaml:"object_store"`
	Gate         GateConfig        `yaml:"gate"`
	Pipeline     PipelineConfig    `yaml:"pipeline"`
	Train        train.Config      `yaml:"train"`
	Predict      predict.Config    `yaml:"predict"`
	Explain      explain.Config    `yaml:"explain"`
}

func Default() *Config {
	return &Config{
		LogLevel:     "INFO",
		ArtifactsDir: "artifacts",
		HTTPAddr:     ":8080",
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "postgres",
			DB:       "warehouse",
			SSLMode:  "disable",
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:        "http://localhost:9000",
			AccessKey:       "admin",
			SecretKey:       "admin12345",
			RawBucket:       "raw",
			ProcessedBucket: "processed",
		},
		Gate: GateConfig{
			Interval: 15 * time.Second,
			Timeout:  10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Schedule:   service.DefaultSchedule,
			Retries:    2,
			RetryDelay: 5 * time.Minute,
			ScriptDir:  ".",
			Commands: map[string]service.Command{
				service.TaskExtract: {Path: "python", Args: []string{"etl/extract.py"}},
				service.TaskTransform: {Path: "python", Args: []string{
					"etl/transform.py", "--src", "housing_800k.csv", "--dst", "housing_800k.parquet",
				}},
				service.TaskLoad: {Path: "python", Args: []string{"etl/load.py"}},
			},
		},
		Train:   train.DefaultConfig(),
		Predict: predict.DefaultConfig(),
		Explain: explain.DefaultConfig(),
	}
}

// Load builds the configuration. path may be empty; a missing .env file is
// not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.propagate()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"PG_HOST":             &c.Postgres.Host,
		"PG_USER":             &c.Postgres.User,
		"PG_PASSWORD":         &c.Postgres.Password,
		"PG_DB":               &c.Postgres.DB,
		"PG_SSLMODE":          &c.Postgres.SSLMode,
		"MINIO_ROOT_USER":     &c.ObjectStore.AccessKey,
		"MINIO_ROOT_PASSWORD": &c.ObjectStore.SecretKey,
		"S3_ENDPOINT":         &c.ObjectStore.Endpoint,
		"RAW_BUCKET":          &c.ObjectStore.RawBucket,
		"PROC_BUCKET":         &c.ObjectStore.ProcessedBucket,
		"ARTIFACTS_DIR":       &c.ArtifactsDir,
		"SQL_DIR":             &c.Pipeline.ScriptDir,
		"LOG_LEVEL":           &c.LogLevel,
		"HTTP_ADDR":           &c.HTTPAddr,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("PG_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Errorf("invalid PG_PORT %q", v)
		}
		c.Postgres.Port = port
	}
	return nil
}

// propagate points every report directory at the artifact directory unless
// the file configured one explicitly.
func (c *Config) propagate() {
	defaults := Default()
	if c.Train.ReportDir == defaults.Train.ReportDir {
		c.Train.ReportDir = c.ArtifactsDir
	}
	if c.Predict.ReportDir == defaults.Predict.ReportDir {
		c.Predict.ReportDir = c.ArtifactsDir
	}
	if c.Explain.OutputDir == defaults.Explain.OutputDir {
		c.Explain.OutputDir = c.ArtifactsDir
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Postgres.Host == "":
		return errors.New("postgres host is required")
	case c.Postgres.Port <= 0 || c.Postgres.Port > 65535:
		return errors.Errorf("invalid postgres port %d", c.Postgres.Port)
	case c.Postgres.User == "":
		return errors.New("postgres user is required")
	case c.Postgres.DB == "":
		return errors.New("postgres database is required")
	case c.ArtifactsDir == "":
		return errors.New("artifacts directory is required")
	case c.Pipeline.Retries < 0:
		return errors.Errorf("invalid retry count %d", c.Pipeline.Retries)
	case c.Gate.Interval <= 0 || c.Gate.Timeout <= 0:
		return errors.New("gate interval and timeout must be positive")
	case c.Train.SampleFraction <= 0 || c.Train.SampleFraction > 1:
		return errors.Errorf("invalid sample fraction %v", c.Train.SampleFraction)
	case c.Train.Holdout <= 0 || c.Train.Holdout >= 1:
		return errors.Errorf("invalid holdout %v", c.Train.Holdout)
	case c.Train.Folds < 2:
		return errors.Errorf("at least 2 folds are required, got %d", c.Train.Folds)
	case c.Predict.BatchSize < 1:
		return errors.Errorf("invalid batch size %d", c.Predict.BatchSize)
	}
	return nil
}

// DatabaseURL is the lib/pq connection string for the warehouse database.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DB,
		RawQuery: url.Values{"sslmode": {c.Postgres.SSLMode}}.Encode(),
	}
	return u.String()
}

// RetryPolicy is the default per-task policy of the daily template.
func (c *Config) RetryPolicy() models.RetryPolicy {
	return models.RetryPolicy{MaxAttempts: c.Pipeline.Retries + 1, Delay: c.Pipeline.RetryDelay}
}

// ChildEnv is the environment passed to external stage commands so that
// they see the same connection settings.
func (c *Config) ChildEnv() []string {
	return []string{
		"PG_HOST=" + c.Postgres.Host,
		"PG_PORT=" + strconv.Itoa(c.Postgres.Port),
		"PG_USER=" + c.Postgres.User,
		"PG_PASSWORD=" + c.Postgres.Password,
		"PG_DB=" + c.Postgres.DB,
		"MINIO_ROOT_USER=" + c.ObjectStore.AccessKey,
		"MINIO_ROOT_PASSWORD=" + c.ObjectStore.SecretKey,
		"S3_ENDPOINT=" + c.ObjectStore.Endpoint,
		"RAW_BUCKET=" + c.ObjectStore.RawBucket,
		"PROC_BUCKET=" + c.ObjectStore.ProcessedBucket,
		"ARTIFACTS_DIR=" + c.ArtifactsDir,
	}
}
