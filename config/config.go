package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Dispatch DispatchConfig `yaml:"dispatch"`
	Agent    AgentConfig    `yaml:"agent"`
	Storage  StorageConfig  `yaml:"storage"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	GPS      GPSConfig      `yaml:"gps"`
}

type DispatchConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type AgentConfig struct {
	DriverID string `yaml:"driver_id"`
	HTTPAddr string `yaml:"http_addr"`

	SyncIntervalSeconds         int `yaml:"sync_interval_seconds"`
	TrafficCheckIntervalSeconds int `yaml:"traffic_check_interval_seconds"`
	GeoTimeoutSeconds           int `yaml:"geo_timeout_seconds"`
	ProbeIntervalSeconds        int `yaml:"probe_interval_seconds"`
	MaxRetries                  int `yaml:"max_retries"`
	ReoptimizePerHour           int `yaml:"reoptimize_per_hour"`
	StatusTTLSeconds            int `yaml:"status_ttl_seconds"`

	// demo: работать без внешнего диспетчера, на встроенных заглушках.
	DemoMode bool `yaml:"demo_mode"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type KafkaConfig struct {
	Host                   string `yaml:"host"`
	Port                   int    `yaml:"port"`
	JourneyEventsTopicName string `yaml:"journey_events_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type GPSConfig struct {
	BaseURL string `yaml:"base_url"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
