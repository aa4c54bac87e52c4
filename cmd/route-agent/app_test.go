package main

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/RouteBox/config"
	"github.com/BearBump/RouteBox/internal/integrations/dispatch/dispatchhttp"
	dispatchfake "github.com/BearBump/RouteBox/internal/integrations/dispatch/fake"
	geofake "github.com/BearBump/RouteBox/internal/integrations/geoloc/fake"
	"github.com/BearBump/RouteBox/internal/integrations/geoloc/gpsdhttp"
	"github.com/BearBump/RouteBox/internal/storage/memkv"
	"github.com/stretchr/testify/require"
)

func TestDefaultAgentFactories_SelectDispatchClient(t *testing.T) {
	f := defaultAgentFactories()

	cfgDemo := &config.Config{Agent: config.AgentConfig{DemoMode: true}}
	_, ok := f.newDispatch(cfgDemo).(*dispatchfake.FakeClient)
	require.True(t, ok)

	cfgHTTP := &config.Config{
		Dispatch: config.DispatchConfig{BaseURL: "http://dispatch.local", APIKey: "k"},
	}
	_, ok = f.newDispatch(cfgHTTP).(*dispatchhttp.Client)
	require.True(t, ok)

	// Без base_url остаётся только заглушка.
	cfgEmpty := &config.Config{}
	_, ok = f.newDispatch(cfgEmpty).(*dispatchfake.FakeClient)
	require.True(t, ok)
}

func TestDefaultAgentFactories_SelectGeoProvider(t *testing.T) {
	f := defaultAgentFactories()

	_, ok := f.newGeo(&config.Config{}).(*geofake.FakeProvider)
	require.True(t, ok)

	cfgGPS := &config.Config{GPS: config.GPSConfig{BaseURL: "http://127.0.0.1:2948"}}
	_, ok = f.newGeo(cfgGPS).(*gpsdhttp.Client)
	require.True(t, ok)
}

func TestDefaultAgentFactories_StoreFallsBackToMemory(t *testing.T) {
	f := defaultAgentFactories()

	st, err := f.newStore(&config.Config{})
	require.NoError(t, err)
	_, ok := st.(*memkv.Store)
	require.True(t, ok)
}

func TestDefaultAgentFactories_OptionalCollaborators(t *testing.T) {
	f := defaultAgentFactories()

	empty := &config.Config{}
	require.Nil(t, f.newProducer(empty))
	require.Nil(t, f.newRateLimiter(empty))
	require.Nil(t, f.newStatusCache(empty))
	require.Nil(t, f.newProbe(empty))

	full := &config.Config{
		Dispatch: config.DispatchConfig{BaseURL: "http://dispatch.local"},
		Kafka:    config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis:    config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(full))
	require.NotNil(t, f.newRateLimiter(full))
	require.NotNil(t, f.newStatusCache(full))
	require.NotNil(t, f.newProbe(full))
}

func TestRunAgent_ContextCanceled(t *testing.T) {
	cfg := &config.Config{
		Agent: config.AgentConfig{
			DemoMode: true,
			DriverID: "drv-test",
			HTTPAddr: "127.0.0.1:0",
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- RunAgent(ctx, cfg, defaultAgentFactories()) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("RunAgent did not stop on cancelled context")
	}
}
