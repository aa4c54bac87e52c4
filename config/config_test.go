package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
dispatch:
  base_url: "http://dispatch.local"
  api_key: "k"
  timeout_seconds: 10
agent:
  driver_id: "drv-1"
  http_addr: ":8080"
  sync_interval_seconds: 30
  traffic_check_interval_seconds: 300
  geo_timeout_seconds: 8
  max_retries: 5
storage:
  sqlite_path: "/var/lib/routebox/agent.db"
kafka:
  host: "localhost"
  port: 9092
  journey_events_topic_name: "journey.events"
redis:
  host: "localhost"
  port: 6379
gps:
  base_url: "http://127.0.0.1:2948"
`), 0o600))

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "http://dispatch.local", cfg.Dispatch.BaseURL)
	require.Equal(t, "drv-1", cfg.Agent.DriverID)
	require.Equal(t, 300, cfg.Agent.TrafficCheckIntervalSeconds)
	require.Equal(t, "/var/lib/routebox/agent.db", cfg.Storage.SQLitePath)
	require.Equal(t, "journey.events", cfg.Kafka.JourneyEventsTopicName)
	require.Equal(t, 6379, cfg.Redis.Port)
	require.Equal(t, "http://127.0.0.1:2948", cfg.GPS.BaseURL)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
