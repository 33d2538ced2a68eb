package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backends accepted in COORDINATION_BACKEND.
const (
	BackendZooKeeper = "zookeeper"
	BackendEtcd      = "etcd"
	BackendMemory    = "memory"
)

type Config struct {
	NodeID             string
	Backend            string
	ZKServers          []string
	EtcdEndpoints      []string
	EtcdPrefix         string
	SessionTimeout     time.Duration
	ConnectTimeout     time.Duration
	ElectionNamespace  string
	RegistryNamespace  string
	AdvertiseAddr      string
	APIPort            string
	LogLevel           string
	LogEncoding        string
	TracingEnabled     bool
	OTELEndpoint       string
	TraceSamplingRate  float64
	RetryInitial       time.Duration
	RetryMax           time.Duration
	RetryMaxElapsed    time.Duration
	BreakerMaxFailures int
	BreakerTimeout     time.Duration
	ShutdownTimeout    time.Duration
}

// LoadConfig reads the environment, after loading a .env file from the
// working directory when one exists. Variables already set win over the file.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		NodeID:             getEnv("NODE_ID", ""),
		Backend:            strings.ToLower(getEnv("COORDINATION_BACKEND", BackendZooKeeper)),
		ZKServers:          getEnvAsList("ZK_SERVERS", "localhost:2181"),
		EtcdEndpoints:      getEnvAsList("ETCD_ENDPOINTS", "localhost:2379"),
		EtcdPrefix:         getEnv("ETCD_PREFIX", "clusterkeeper"),
		SessionTimeout:     getEnvAsDuration("SESSION_TIMEOUT", 3*time.Second),
		ConnectTimeout:     getEnvAsDuration("CONNECT_TIMEOUT", 10*time.Second),
		ElectionNamespace:  getEnv("ELECTION_NAMESPACE", "/election"),
		RegistryNamespace:  getEnv("REGISTRY_NAMESPACE", "/service_registry"),
		AdvertiseAddr:      getEnv("ADVERTISE_ADDR", "localhost:8080"),
		APIPort:            getEnv("API_PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogEncoding:        getEnv("LOG_ENCODING", "json"),
		TracingEnabled:     getEnvAsBool("TRACING_ENABLED", false),
		OTELEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4318"),
		TraceSamplingRate:  getEnvAsFloat("TRACE_SAMPLING_RATE", 1.0),
		RetryInitial:       getEnvAsDuration("RETRY_INITIAL_INTERVAL", 50*time.Millisecond),
		RetryMax:           getEnvAsDuration("RETRY_MAX_INTERVAL", 2*time.Second),
		RetryMaxElapsed:    getEnvAsDuration("RETRY_MAX_ELAPSED", 15*time.Second),
		BreakerMaxFailures: getEnvAsInt("BREAKER_MAX_FAILURES", 5),
		BreakerTimeout:     getEnvAsDuration("BREAKER_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("3s") or plain seconds ("3").
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvAsList(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
