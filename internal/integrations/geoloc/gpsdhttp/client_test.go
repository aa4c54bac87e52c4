package gpsdhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BearBump/RouteBox/internal/integrations/geoloc"
	"github.com/stretchr/testify/require"
)

func TestClient_CurrentPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fix", r.URL.Path)
		require.Equal(t, "high", r.URL.Query().Get("accuracy"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"mode": 3, "lat": 10.05, "lon": 76.33, "age_sec": 0.5,
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	pos, err := c.CurrentPosition(context.Background(), geoloc.Options{HighAccuracy: true, Timeout: time.Second})
	require.NoError(t, err)
	require.InDelta(t, 10.05, pos.Latitude, 1e-9)
	require.InDelta(t, 76.33, pos.Longitude, 1e-9)
}

func TestClient_CurrentPosition_NoFix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"mode": 1})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.CurrentPosition(context.Background(), geoloc.Options{Timeout: time.Second})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no gps fix")
}

func TestClient_CurrentPosition_StaleFix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"mode": 3, "lat": 1.0, "lon": 2.0, "age_sec": 120})
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.CurrentPosition(context.Background(), geoloc.Options{Timeout: time.Second, MaximumAge: 30 * time.Second})
	require.Error(t, err)
}

func TestClient_CurrentPosition_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(srv.URL)
	start := time.Now()
	_, err := c.CurrentPosition(context.Background(), geoloc.Options{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	require.Less(t, time.Since(start), 250*time.Millisecond)
}
