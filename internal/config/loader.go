package config

import (
	"fmt"
	"time"

	"github.com/goat-community/goat-core/internal/db"
	"github.com/spf13/viper"
)

// Config carries the full application configuration.
type Config struct {
	Database db.Config
	Server   ServerConfig
	Jobs     JobsConfig
	Tools    ToolsConfig
	GeoAPI   GeoAPIConfig
	Routing  RoutingConfig
	Redis    RedisConfig
}

type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

type JobsConfig struct {
	Timeout          time.Duration
	MaxParallelJobs  int
	QueueSize        int
	RunAsBackground  bool
	StatusCacheTTL   time.Duration
	MigrationsPath   string
}

type ToolsConfig struct {
	MaxFeaturePointAggregation   int
	MaxFeaturePolygonAggregation int
	MaxFeatureOriginDestination  int
	MaxIsochroneStartingPoints   int
}

type GeoAPIConfig struct {
	BaseURL       string
	Retries       int
	RetryInterval time.Duration
}

type RoutingConfig struct {
	BaseURL       string
	AuthToken     string
	Retries       int
	RetryInterval time.Duration
}

type RedisConfig struct {
	URL string
}

// DefaultConfig returns the configuration used when neither config.yaml nor
// environment variables override a value.
func DefaultConfig() Config {
	return Config{
		Database: db.DefaultConfig(),
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Jobs: JobsConfig{
			Timeout:         120 * time.Second,
			MaxParallelJobs: 6,
			QueueSize:       24,
			RunAsBackground: true,
			StatusCacheTTL:  time.Hour,
			MigrationsPath:  "./migrations",
		},
		Tools: ToolsConfig{
			MaxFeaturePointAggregation:   1000000,
			MaxFeaturePolygonAggregation: 100000,
			MaxFeatureOriginDestination:  1000000,
			MaxIsochroneStartingPoints:   1000,
		},
		GeoAPI: GeoAPIConfig{
			BaseURL:       "http://localhost:8100",
			Retries:       30,
			RetryInterval: 3 * time.Second,
		},
		Routing: RoutingConfig{
			BaseURL:       "http://localhost:8200",
			Retries:       10,
			RetryInterval: 3 * time.Second,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
	}
}

// Load reads config.yaml from the given path and applies environment
// overrides on top of the defaults.
func Load(configPath string) (Config, error) {
	// Start with default
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()       // allow environment overrides
	v.SetEnvPrefix("GOAT") // map env vars like GOAT_DATABASE_HOST

	// Optional: Map nested keys to flat env vars
	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.port")
	v.BindEnv("jobs.timeout_seconds")
	v.BindEnv("jobs.max_parallel")
	v.BindEnv("jobs.queue_size")
	v.BindEnv("jobs.run_as_background")
	v.BindEnv("jobs.migrations_path")
	v.BindEnv("geoapi.base_url")
	v.BindEnv("geoapi.retries")
	v.BindEnv("geoapi.retry_interval_seconds")
	v.BindEnv("routing.base_url")
	v.BindEnv("routing.auth_token")
	v.BindEnv("routing.retries")
	v.BindEnv("routing.retry_interval_seconds")
	v.BindEnv("redis.url")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	// Override defaults if values exist
	if v.IsSet("database.host") {
		cfg.Database.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		cfg.Database.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		cfg.Database.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		cfg.Database.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		cfg.Database.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		cfg.Database.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.port") {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if v.IsSet("server.allowed_origins") {
		cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}
	if v.IsSet("jobs.timeout_seconds") {
		cfg.Jobs.Timeout = time.Duration(v.GetInt("jobs.timeout_seconds")) * time.Second
	}
	if v.IsSet("jobs.max_parallel") {
		cfg.Jobs.MaxParallelJobs = v.GetInt("jobs.max_parallel")
	}
	if v.IsSet("jobs.queue_size") {
		cfg.Jobs.QueueSize = v.GetInt("jobs.queue_size")
	}
	if v.IsSet("jobs.run_as_background") {
		cfg.Jobs.RunAsBackground = v.GetBool("jobs.run_as_background")
	}
	if v.IsSet("jobs.status_cache_ttl_seconds") {
		cfg.Jobs.StatusCacheTTL = time.Duration(v.GetInt("jobs.status_cache_ttl_seconds")) * time.Second
	}
	if v.IsSet("jobs.migrations_path") {
		cfg.Jobs.MigrationsPath = v.GetString("jobs.migrations_path")
	}
	if v.IsSet("tools.max_feature_point_aggregation") {
		cfg.Tools.MaxFeaturePointAggregation = v.GetInt("tools.max_feature_point_aggregation")
	}
	if v.IsSet("tools.max_feature_polygon_aggregation") {
		cfg.Tools.MaxFeaturePolygonAggregation = v.GetInt("tools.max_feature_polygon_aggregation")
	}
	if v.IsSet("tools.max_feature_origin_destination") {
		cfg.Tools.MaxFeatureOriginDestination = v.GetInt("tools.max_feature_origin_destination")
	}
	if v.IsSet("tools.max_isochrone_starting_points") {
		cfg.Tools.MaxIsochroneStartingPoints = v.GetInt("tools.max_isochrone_starting_points")
	}
	if v.IsSet("geoapi.base_url") {
		cfg.GeoAPI.BaseURL = v.GetString("geoapi.base_url")
	}
	if v.IsSet("geoapi.retries") {
		cfg.GeoAPI.Retries = v.GetInt("geoapi.retries")
	}
	if v.IsSet("geoapi.retry_interval_seconds") {
		cfg.GeoAPI.RetryInterval = time.Duration(v.GetInt("geoapi.retry_interval_seconds")) * time.Second
	}
	if v.IsSet("routing.base_url") {
		cfg.Routing.BaseURL = v.GetString("routing.base_url")
	}
	if v.IsSet("routing.auth_token") {
		cfg.Routing.AuthToken = v.GetString("routing.auth_token")
	}
	if v.IsSet("routing.retries") {
		cfg.Routing.Retries = v.GetInt("routing.retries")
	}
	if v.IsSet("routing.retry_interval_seconds") {
		cfg.Routing.RetryInterval = time.Duration(v.GetInt("routing.retry_interval_seconds")) * time.Second
	}
	if v.IsSet("redis.url") {
		cfg.Redis.URL = v.GetString("redis.url")
	}

	return cfg, nil
}
