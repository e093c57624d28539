package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Env         string
	LogLevel    string
	OpsAddr     string
	Source      DatabaseConfig
	Destination DatabaseConfig
	Redis       RedisConfig
	MQTT        MQTTConfig
	Stream      StreamConfig
	Batch       BatchConfig
	Classifier  ClassifierConfig
	Imaging     ImagingConfig
	Rules       RulesConfig
	Lock        LockConfig
	OTEL        OTELConfig
}

// DatabaseConfig holds the connection settings of one staging tier
type DatabaseConfig struct {
	Tier     string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	Schema   string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// MQTTConfig holds MQTT broker configuration for the alternative output channel
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// StreamConfig holds the stream ingest settings
type StreamConfig struct {
	InputStream     string
	OutputTransport string
	OutputStream    string
	ConsumerGroup   string
	ConsumerName    string
	BlockTimeout    time.Duration
	RecordTimeout   time.Duration
	MaxLen          int64
	Tier            string
}

// BatchConfig holds the chunked loader settings
type BatchConfig struct {
	RunName       string
	ChunkSize     int
	Resume        bool
	UpsertRetries int
	RecordTimeout time.Duration
}

// ClassifierConfig holds the inference endpoint settings
type ClassifierConfig struct {
	Endpoint         string
	Timeout          time.Duration
	BreakerFailures  uint32
	BreakerOpenDelay time.Duration
}

// ImagingConfig holds image normalization parameters
type ImagingConfig struct {
	Width  int
	Height int
	Mean   []float64
	Std    []float64
}

// RulesConfig holds the defect rule thresholds
type RulesConfig struct {
	ExcessTempMin     float64
	ExcessVoltageMin  float64
	PeelingVoltageMax float64
	PeelingPHMin      float64
	CorrosionTempMax  float64
	CorrosionPHMax    float64
}

// LockConfig holds the tier lock settings
type LockConfig struct {
	Enabled bool
	TTL     time.Duration
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	mean, err := getEnvAsFloatSlice("IMAGE_MEAN", []float64{0.485, 0.456, 0.406})
	if err != nil {
		return nil, err
	}
	std, err := getEnvAsFloatSlice("IMAGE_STD", []float64{0.229, 0.224, 0.225})
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "cromqc"
	}

	cfg := &Config{
		Env:      getEnv("ENV", "production"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		OpsAddr:  getEnv("OPS_ADDR", ":8081"),
		Source: DatabaseConfig{
			Tier:     getEnv("SOURCE_TIER", "data_warehouse"),
			Host:     getEnv("SOURCE_DB_HOST", "localhost"),
			Port:     getEnvAsInt("SOURCE_DB_PORT", 5432),
			User:     getEnv("SOURCE_DB_USER", "postgres"),
			Password: getEnv("SOURCE_DB_PASSWORD", ""),
			Database: getEnv("SOURCE_DB_NAME", "data_warehouse"),
			Schema:   getEnv("SOURCE_DB_SCHEMA", "public"),
			SSLMode:  getEnv("SOURCE_DB_SSLMODE", "disable"),
		},
		Destination: DatabaseConfig{
			Tier:     getEnv("DEST_TIER", "data_mart"),
			Host:     getEnv("DEST_DB_HOST", "localhost"),
			Port:     getEnvAsInt("DEST_DB_PORT", 5432),
			User:     getEnv("DEST_DB_USER", "postgres"),
			Password: getEnv("DEST_DB_PASSWORD", ""),
			Database: getEnv("DEST_DB_NAME", "data_mart"),
			Schema:   getEnv("DEST_DB_SCHEMA", "public"),
			SSLMode:  getEnv("DEST_DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		MQTT: MQTTConfig{
			Broker:   getEnv("MQTT_BROKER", "localhost:1883"),
			ClientID: getEnv("MQTT_CLIENT_ID", "cromqc-"+hostname),
			Username: getEnv("MQTT_USERNAME", ""),
			Password: getEnv("MQTT_PASSWORD", ""),
			QoS:      byte(getEnvAsInt("MQTT_QOS", 1)),
		},
		Stream: StreamConfig{
			InputStream:     getEnv("INPUT_STREAM", "near_realtime_crom"),
			OutputTransport: getEnv("OUTPUT_TRANSPORT", "redis"),
			OutputStream:    getEnv("OUTPUT_STREAM", "near_realtime_crom_model"),
			ConsumerGroup:   getEnv("CONSUMER_GROUP", "crom-model-group"),
			ConsumerName:    getEnv("CONSUMER_NAME", hostname),
			BlockTimeout:    getEnvAsDuration("STREAM_BLOCK_TIMEOUT", 5*time.Second),
			RecordTimeout:   getEnvAsDuration("RECORD_TIMEOUT", 30*time.Second),
			MaxLen:          int64(getEnvAsInt("OUTPUT_STREAM_MAXLEN", 100000)),
			Tier:            getEnv("STREAM_TIER", "near_realtime"),
		},
		Batch: BatchConfig{
			RunName:       getEnv("BATCH_RUN_NAME", "ware_to_mart"),
			ChunkSize:     getEnvAsInt("BATCH_CHUNK_SIZE", 1000),
			Resume:        getEnvAsBool("BATCH_RESUME", false),
			UpsertRetries: getEnvAsInt("BATCH_UPSERT_RETRIES", 3),
			RecordTimeout: getEnvAsDuration("RECORD_TIMEOUT", 30*time.Second),
		},
		Classifier: ClassifierConfig{
			Endpoint:         getEnv("CLASSIFIER_ENDPOINT", "http://localhost:8501/v1/models/crom:predict"),
			Timeout:          getEnvAsDuration("CLASSIFIER_TIMEOUT", 10*time.Second),
			BreakerFailures:  uint32(getEnvAsInt("CLASSIFIER_BREAKER_FAILURES", 5)),
			BreakerOpenDelay: getEnvAsDuration("CLASSIFIER_BREAKER_OPEN", 30*time.Second),
		},
		Imaging: ImagingConfig{
			Width:  getEnvAsInt("IMAGE_WIDTH", 224),
			Height: getEnvAsInt("IMAGE_HEIGHT", 224),
			Mean:   mean,
			Std:    std,
		},
		Rules: RulesConfig{
			ExcessTempMin:     getEnvAsFloat("RULE_EXCESS_TEMP_MIN", 52.46),
			ExcessVoltageMin:  getEnvAsFloat("RULE_EXCESS_VOLTAGE_MIN", 27.44),
			PeelingVoltageMax: getEnvAsFloat("RULE_PEELING_VOLTAGE_MAX", 7.44),
			PeelingPHMin:      getEnvAsFloat("RULE_PEELING_PH_MIN", 3),
			CorrosionTempMax:  getEnvAsFloat("RULE_CORROSION_TEMP_MAX", 32.46),
			CorrosionPHMax:    getEnvAsFloat("RULE_CORROSION_PH_MAX", 1),
		},
		Lock: LockConfig{
			Enabled: getEnvAsBool("LOCK_ENABLED", true),
			TTL:     getEnvAsDuration("LOCK_TTL", 2*time.Minute),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "cromqc"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Batch.ChunkSize <= 0 {
		return fmt.Errorf("BATCH_CHUNK_SIZE must be positive, got %d", c.Batch.ChunkSize)
	}
	if c.Imaging.Width <= 0 || c.Imaging.Height <= 0 {
		return fmt.Errorf("image resize dimensions must be positive, got %dx%d", c.Imaging.Width, c.Imaging.Height)
	}
	if len(c.Imaging.Mean) != 3 || len(c.Imaging.Std) != 3 {
		return fmt.Errorf("IMAGE_MEAN and IMAGE_STD need 3 channel values")
	}
	for i, s := range c.Imaging.Std {
		if s == 0 {
			return fmt.Errorf("IMAGE_STD[%d] must not be zero", i)
		}
	}
	switch c.Stream.OutputTransport {
	case "redis", "mqtt":
	default:
		return fmt.Errorf("OUTPUT_TRANSPORT must be redis or mqtt, got %q", c.Stream.OutputTransport)
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsFloatSlice parses a comma separated list. A malformed list is an error.
func getEnvAsFloatSlice(key string, defaultValue []float64) ([]float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parts := strings.Split(value, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid number %q: %w", key, p, err)
		}
		out = append(out, f)
	}
	return out, nil
}
