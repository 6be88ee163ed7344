// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds every tunable the orchestrator reads at startup.
type Config struct {
	// API listener
	Host string
	Port string

	// Relational store
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Container daemon (consumed by the docker SDK via DOCKER_HOST /
	// DOCKER_API_VERSION; kept here for health reporting)
	DockerHost string

	// External gateway admin API; empty disables publishing
	GatewayAdminURL string

	// Naming
	ContainerPrefix string
	VolumePrefix    string
	PluginNetwork   string

	// Host port range handed to plugins
	PortRangeStart int
	PortRangeEnd   int

	// Marketplace
	RegistrySeedPath    string
	RegistryRefreshCron string

	// Platform services injected into plugin environments
	CacheHost     string
	CachePort     int
	CachePassword string
	VectorHost    string
	VectorPort    int

	// Logging
	LogLevel  string
	LogFormat string

	// API rate limiting (requests per second per client, burst)
	APIRateLimit float64
	APIRateBurst int
}

var (
	global *Config
	once   sync.Once
)

// Load reads the environment once and returns the shared config.
func Load() *Config {
	once.Do(func() {
		global = &Config{
			Host: getEnv("HOST", "0.0.0.0"),
			Port: getEnv("PORT", "8080"),

			DBHost:     getEnv("DB_HOST", "localhost"),
			DBPort:     getEnvInt("DB_PORT", 5432),
			DBUser:     getEnv("DB_USER", "plugind"),
			DBPassword: getEnv("DB_PASSWORD", ""),
			DBName:     getEnv("DB_NAME", "plugind"),
			DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

			DockerHost: getEnv("DOCKER_HOST", "unix:///var/run/docker.sock"),

			GatewayAdminURL: strings.TrimRight(getEnv("GATEWAY_ADMIN_URL", ""), "/"),

			ContainerPrefix: getEnv("CONTAINER_PREFIX", "plugind-"),
			VolumePrefix:    getEnv("VOLUME_PREFIX", "plugind-vol-"),
			PluginNetwork:   getEnv("PLUGIN_NETWORK", "plugind-net"),

			PortRangeStart: getEnvInt("PORT_RANGE_START", 42000),
			PortRangeEnd:   getEnvInt("PORT_RANGE_END", 42999),

			RegistrySeedPath:    getEnv("REGISTRY_SEED_PATH", ""),
			RegistryRefreshCron: getEnv("REGISTRY_REFRESH_CRON", "@every 30m"),

			CacheHost:     getEnv("CACHE_HOST", "localhost"),
			CachePort:     getEnvInt("CACHE_PORT", 6379),
			CachePassword: getEnv("CACHE_PASSWORD", ""),
			VectorHost:    getEnv("VECTOR_HOST", "localhost"),
			VectorPort:    getEnvInt("VECTOR_PORT", 6333),

			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),

			APIRateLimit: getEnvFloat("API_RATE_LIMIT", 20),
			APIRateBurst: getEnvInt("API_RATE_BURST", 40),
		}
	})
	return global
}

// DSN renders the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ListenAddr is the host:port pair the API server binds to.
func (c *Config) ListenAddr() string {
	return c.Host + ":" + c.Port
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			return f
		}
	}
	return defaultValue
}
