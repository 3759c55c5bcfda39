package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config represents the complete system configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Storage     StorageConfig     `json:"storage"`
	Redis       RedisConfig       `json:"redis"`
	Ingestion   IngestionConfig   `json:"ingestion"`
	Forecasting ForecastingConfig `json:"forecasting"`
	Analytics   AnalyticsConfig   `json:"analytics"`
	Tracking    TrackingConfig    `json:"tracking"`
	Video       VideoConfig       `json:"video"`
	Auth        AuthConfig        `json:"auth"`
	RateLimit   RateLimitConfig   `json:"rate_limit"`
	Logging     LoggingConfig     `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         string   `json:"port"`
	ReadTimeout  Duration `json:"read_timeout"`
	WriteTimeout Duration `json:"write_timeout"`
	IdleTimeout  Duration `json:"idle_timeout"`
}

// StorageConfig contains storage layer settings
type StorageConfig struct {
	Hot          HotStorageConfig `json:"hot"`
	DatabasePath string           `json:"database_path"` // empty disables the sqlite store
	SnapshotPath string           `json:"snapshot_path"` // optional gzip snapshot loaded at startup
}

// HotStorageConfig contains in-memory event store settings
type HotStorageConfig struct {
	MaxStations        int      `json:"max_stations"`
	MaxEventsPerSeries int      `json:"max_events_per_station"`
	RetentionPeriod    Duration `json:"retention_period"`
	CleanupInterval    Duration `json:"cleanup_interval"`
}

// RedisConfig contains shared cache settings
type RedisConfig struct {
	Enabled   bool     `json:"enabled"`
	Addr      string   `json:"addr"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	KeyPrefix string   `json:"key_prefix"`
	ResultTTL Duration `json:"result_ttl"`
}

// IngestionConfig contains data ingestion settings
type IngestionConfig struct {
	BufferSize      int              `json:"buffer_size"`
	BatchSize       int              `json:"batch_size"`
	FlushInterval   Duration         `json:"flush_interval"`
	ValidationRules ValidationConfig `json:"validation"`
	MQTT            MQTTConfig       `json:"mqtt"`
}

// ValidationConfig contains event validation rules
type ValidationConfig struct {
	MaxVehicleCount          int      `json:"max_vehicle_count"`
	MaxQueueLength           int      `json:"max_queue_length"`
	AllowedStations          []string `json:"allowed_stations"`
	MaxStationIDLength       int      `json:"max_station_id_length"`
	FutureTimestampThreshold Duration `json:"future_timestamp_threshold"`
	PastTimestampThreshold   Duration `json:"past_timestamp_threshold"`
}

// MQTTConfig contains the optional broker subscription
type MQTTConfig struct {
	Enabled  bool   `json:"enabled"`
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id"`
	QoS      byte   `json:"qos"`
	// ConnectTimeout bounds the initial broker dial
	ConnectTimeout Duration `json:"connect_timeout"`
}

// ForecastingConfig contains ensemble and per-model settings
type ForecastingConfig struct {
	DefaultHorizon int            `json:"default_horizon_hours"`
	MaxHorizon     int            `json:"max_horizon_hours"`
	Timezone       string         `json:"timezone"` // calendar features are derived in this zone
	PersistRuns    bool           `json:"persist_runs"`
	Seasonal       SeasonalConfig `json:"seasonal"`
	Tree           TreeConfig     `json:"tree"`
	Sequence       SequenceConfig `json:"sequence"`
}

// SeasonalConfig contains seasonal model settings
type SeasonalConfig struct {
	DailyOrder  int     `json:"daily_order"`
	WeeklyOrder int     `json:"weekly_order"`
	Ridge       float64 `json:"ridge"`
}

// TreeConfig contains gradient boosting settings
type TreeConfig struct {
	Estimators     int     `json:"n_estimators"`
	LearningRate   float64 `json:"learning_rate"`
	MaxDepth       int     `json:"max_depth"`
	MinSamplesLeaf int     `json:"min_samples_leaf"`
	L2             float64 `json:"l2_regularization"`
}

// SequenceConfig contains recurrent model settings
type SequenceConfig struct {
	LookBack     int     `json:"look_back"`
	HiddenSize   int     `json:"hidden_size"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	ClipNorm     float64 `json:"clip_norm"`
	MaxWindows   int     `json:"max_windows"`
	Seed         int64   `json:"seed"`
}

// AnalyticsConfig contains utilization and alert settings
type AnalyticsConfig struct {
	WindowHours        int     `json:"window_hours"`
	AlertThreshold     float64 `json:"alert_threshold"`
	AlertMinDataPoints int     `json:"alert_min_data_points"`
	AlertMethod        string  `json:"alert_method"`
	AlertWindow        int     `json:"alert_window"`
	StationCapacity    int     `json:"station_capacity"`
}

// TrackingConfig contains centroid tracker settings
type TrackingConfig struct {
	MaxDisappeared int     `json:"max_disappeared"`
	MaxDistance    float64 `json:"max_distance"`
}

// VideoConfig contains video pipeline settings
type VideoConfig struct {
	TargetFPS           float64  `json:"target_fps"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	VehicleClasses      []string `json:"vehicle_classes"`
	TempDir             string   `json:"temp_dir"`
	AppendToEvents      bool     `json:"append_to_events"`
	FinalizeOnEnd       bool     `json:"finalize_on_end"`
	StationID           string   `json:"station_id"`
	StationCapacity     int      `json:"station_capacity"`
	MaxUploadSize       int64    `json:"max_upload_size_mb"`
}

// AuthConfig contains bearer token settings
type AuthConfig struct {
	Enabled bool   `json:"enabled"`
	Secret  string `json:"secret"`
	Issuer  string `json:"issuer"`
}

// RateLimitConfig contains write endpoint throttling settings
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text", "json"
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			ReadTimeout:  Duration{30 * time.Second},
			WriteTimeout: Duration{120 * time.Second},
			IdleTimeout:  Duration{120 * time.Second},
		},
		Storage: StorageConfig{
			Hot: HotStorageConfig{
				MaxStations:        1000,
				MaxEventsPerSeries: 24 * 365,
				RetentionPeriod:    Duration{90 * 24 * time.Hour},
				CleanupInterval:    Duration{30 * time.Minute},
			},
			DatabasePath: "./data/evdemand.db",
		},
		Redis: RedisConfig{
			Enabled:   false,
			Addr:      "localhost:6379",
			KeyPrefix: "evdemand",
			ResultTTL: Duration{time.Hour},
		},
		Ingestion: IngestionConfig{
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: Duration{5 * time.Second},
			ValidationRules: ValidationConfig{
				MaxVehicleCount:          10000,
				MaxQueueLength:           1000,
				AllowedStations:          []string{}, // Empty means allow all
				MaxStationIDLength:       128,
				FutureTimestampThreshold: Duration{time.Hour},
				PastTimestampThreshold:   Duration{365 * 24 * time.Hour},
			},
			MQTT: MQTTConfig{
				Enabled:        false,
				Broker:         "tcp://localhost:1883",
				Topic:          "evdemand/events",
				ClientID:       "evdemand-ingest",
				QoS:            1,
				ConnectTimeout: Duration{10 * time.Second},
			},
		},
		Forecasting: ForecastingConfig{
			DefaultHorizon: 24,
			MaxHorizon:     24 * 14,
			Timezone:       "UTC",
			PersistRuns:    true,
			Seasonal: SeasonalConfig{
				DailyOrder:  4,
				WeeklyOrder: 3,
				Ridge:       0.01,
			},
			Tree: TreeConfig{
				Estimators:     100,
				LearningRate:   0.05,
				MaxDepth:       5,
				MinSamplesLeaf: 1,
				L2:             1,
			},
			Sequence: SequenceConfig{
				LookBack:     24,
				HiddenSize:   16,
				Epochs:       20,
				BatchSize:    32,
				LearningRate: 0.01,
				ClipNorm:     1.0,
				MaxWindows:   2000,
				Seed:         42,
			},
		},
		Analytics: AnalyticsConfig{
			WindowHours:        24,
			AlertThreshold:     3.0,
			AlertMinDataPoints: 24,
			AlertMethod:        "zscore",
			AlertWindow:        168,
			StationCapacity:    10,
		},
		Tracking: TrackingConfig{
			MaxDisappeared: 30,
			MaxDistance:    150,
		},
		Video: VideoConfig{
			TargetFPS:           5,
			ConfidenceThreshold: 0.5,
			VehicleClasses:      []string{"car", "truck", "bus", "motorcycle"},
			TempDir:             os.TempDir(),
			AppendToEvents:      true,
			StationID:           "video",
			StationCapacity:     10,
			MaxUploadSize:       512,
		},
		Auth: AuthConfig{
			Enabled: false,
			Issuer:  "evdemand",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	return config, nil
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if port := os.Getenv("EVDEMAND_PORT"); port != "" {
		config.Server.Port = port
	}

	if v, ok := envInt("EVDEMAND_HOT_MAX_STATIONS"); ok {
		config.Storage.Hot.MaxStations = v
	}
	if v, ok := envInt("EVDEMAND_HOT_MAX_EVENTS"); ok {
		config.Storage.Hot.MaxEventsPerSeries = v
	}
	if path, ok := os.LookupEnv("EVDEMAND_DB_PATH"); ok {
		config.Storage.DatabasePath = path
	}
	if path := os.Getenv("EVDEMAND_SNAPSHOT_PATH"); path != "" {
		config.Storage.SnapshotPath = path
	}

	if addr := os.Getenv("EVDEMAND_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
		config.Redis.Enabled = true
	}
	if pw := os.Getenv("EVDEMAND_REDIS_PASSWORD"); pw != "" {
		config.Redis.Password = pw
	}

	if v, ok := envInt("EVDEMAND_BUFFER_SIZE"); ok {
		config.Ingestion.BufferSize = v
	}
	if v, ok := envInt("EVDEMAND_BATCH_SIZE"); ok {
		config.Ingestion.BatchSize = v
	}
	if broker := os.Getenv("EVDEMAND_MQTT_BROKER"); broker != "" {
		config.Ingestion.MQTT.Broker = broker
		config.Ingestion.MQTT.Enabled = true
	}
	if topic := os.Getenv("EVDEMAND_MQTT_TOPIC"); topic != "" {
		config.Ingestion.MQTT.Topic = topic
	}

	if v, ok := envInt("EVDEMAND_MAX_DISAPPEARED"); ok {
		config.Tracking.MaxDisappeared = v
	}
	if v, ok := envFloat("EVDEMAND_MAX_DISTANCE"); ok {
		config.Tracking.MaxDistance = v
	}
	if v, ok := envFloat("EVDEMAND_TARGET_FPS"); ok {
		config.Video.TargetFPS = v
	}
	if v, ok := envFloat("EVDEMAND_CONFIDENCE_THRESHOLD"); ok {
		config.Video.ConfidenceThreshold = v
	}
	if dir := os.Getenv("EVDEMAND_TEMP_DIR"); dir != "" {
		config.Video.TempDir = dir
	}

	if secret := os.Getenv("EVDEMAND_JWT_SECRET"); secret != "" {
		config.Auth.Secret = secret
		config.Auth.Enabled = true
	}

	if level := os.Getenv("EVDEMAND_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("EVDEMAND_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	return config
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	if c.Storage.Hot.MaxStations <= 0 {
		return fmt.Errorf("hot storage max stations must be positive")
	}
	if c.Storage.Hot.MaxEventsPerSeries <= 0 {
		return fmt.Errorf("hot storage max events per station must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address cannot be empty when enabled")
	}

	if c.Ingestion.BufferSize <= 0 {
		return fmt.Errorf("ingestion buffer size must be positive")
	}
	if c.Ingestion.BatchSize <= 0 {
		return fmt.Errorf("ingestion batch size must be positive")
	}
	if c.Ingestion.MQTT.Enabled && (c.Ingestion.MQTT.Broker == "" || c.Ingestion.MQTT.Topic == "") {
		return fmt.Errorf("mqtt broker and topic are required when enabled")
	}
	if c.Ingestion.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}

	f := c.Forecasting
	if f.DefaultHorizon <= 0 || f.MaxHorizon < f.DefaultHorizon {
		return fmt.Errorf("forecast horizon must be positive and not exceed max horizon")
	}
	if f.Tree.Estimators <= 0 || f.Tree.MaxDepth <= 0 || f.Tree.LearningRate <= 0 {
		return fmt.Errorf("tree model parameters must be positive")
	}
	if f.Sequence.LookBack <= 0 || f.Sequence.HiddenSize <= 0 || f.Sequence.Epochs <= 0 || f.Sequence.BatchSize <= 0 {
		return fmt.Errorf("sequence model parameters must be positive")
	}
	if _, err := time.LoadLocation(f.Timezone); err != nil {
		return fmt.Errorf("invalid forecasting timezone %q: %w", f.Timezone, err)
	}
	if f.Tree.L2 < 0 || f.Tree.MinSamplesLeaf < 1 {
		return fmt.Errorf("tree l2 cannot be negative and min samples leaf must be at least 1")
	}
	if f.Seasonal.DailyOrder < 0 || f.Seasonal.WeeklyOrder < 0 || f.Seasonal.Ridge < 0 {
		return fmt.Errorf("seasonal model parameters cannot be negative")
	}

	a := c.Analytics
	if a.WindowHours <= 0 || a.StationCapacity <= 0 {
		return fmt.Errorf("analytics window and station capacity must be positive")
	}
	if a.AlertThreshold <= 0 || a.AlertWindow <= 0 || a.AlertMinDataPoints < 0 {
		return fmt.Errorf("alert threshold and window must be positive")
	}
	switch a.AlertMethod {
	case "zscore", "iqr", "moving_average":
	default:
		return fmt.Errorf("unknown alert method %q", a.AlertMethod)
	}

	if c.Tracking.MaxDisappeared < 0 {
		return fmt.Errorf("tracking max disappeared cannot be negative")
	}
	if c.Tracking.MaxDistance <= 0 {
		return fmt.Errorf("tracking max distance must be positive")
	}

	if c.Video.TargetFPS <= 0 {
		return fmt.Errorf("video target fps must be positive")
	}
	if c.Video.ConfidenceThreshold < 0 || c.Video.ConfidenceThreshold > 1 {
		return fmt.Errorf("video confidence threshold must be within [0, 1]")
	}
	if len(c.Video.VehicleClasses) == 0 {
		return fmt.Errorf("at least one vehicle class is required")
	}

	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("auth secret cannot be empty when auth is enabled")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit requires positive rate and burst")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}

// GetStorageDataPaths returns all directories that must exist before startup
func (c *Config) GetStorageDataPaths() []string {
	var paths []string

	if c.Storage.DatabasePath != "" {
		paths = append(paths, filepath.Dir(c.Storage.DatabasePath))
	}
	if c.Video.TempDir != "" {
		paths = append(paths, c.Video.TempDir)
	}

	return paths
}

// EnsureDataDirectories creates necessary data directories
func (c *Config) EnsureDataDirectories() error {
	for _, path := range c.GetStorageDataPaths() {
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	return nil
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ConfigManager handles configuration loading and hot-reloading
type ConfigManager struct {
	mu       sync.RWMutex
	config   *Config
	filename string
	watchers []func(*Config)
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(filename string) (*ConfigManager, error) {
	var config *Config
	var err error

	if filename != "" && fileExists(filename) {
		config, err = LoadFromFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	} else {
		config = LoadFromEnv()
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := config.EnsureDataDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}

	return &ConfigManager{
		config:   config,
		filename: filename,
		watchers: make([]func(*Config), 0),
	}, nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// AddWatcher adds a function to be called when configuration changes
func (cm *ConfigManager) AddWatcher(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.watchers = append(cm.watchers, fn)
}

// Reload reloads the configuration from file
func (cm *ConfigManager) Reload() error {
	if cm.filename == "" || !fileExists(cm.filename) {
		return fmt.Errorf("no config file to reload")
	}

	newConfig, err := LoadFromFile(cm.filename)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cm.mu.Lock()
	cm.config = newConfig
	watchers := append([]func(*Config){}, cm.watchers...)
	cm.mu.Unlock()

	for _, watcher := range watchers {
		watcher(newConfig)
	}

	return nil
}

// fileExists checks if a file exists
func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return !os.IsNotExist(err)
}
