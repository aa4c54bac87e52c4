package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/BearBump/RouteBox/config"
	"github.com/BearBump/RouteBox/internal/models"
	"github.com/BearBump/RouteBox/internal/netmon"
	"github.com/BearBump/RouteBox/internal/services/journey"
	"github.com/BearBump/RouteBox/internal/services/syncqueue"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
)

type agentHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	cfg     *config.Config
	tracker *journey.Tracker
	queue   *syncqueue.Service
	mon     *netmon.Monitor
}

func swaggerPathFromEnv() string {
	return os.Getenv("swaggerPath")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, journey.ErrSessionCompleted):
		status = http.StatusConflict
	case errors.Is(err, journey.ErrNoRouteForSession):
		status = http.StatusNotFound
	case errors.Is(err, journey.ErrInvalidStopStatus):
		status = http.StatusBadRequest
	case errors.Is(err, journey.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, syncqueue.ErrDrainInProgress):
		status = http.StatusConflict
	case journey.IsRetryable(err):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]any{
		"error":     err.Error(),
		"retryable": journey.IsRetryable(err),
	})
}

func runAgentHTTPServer(ctx context.Context, opts agentHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8081"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"online":  opts.mon.Online(),
			"queue":   opts.queue.Stats(),
			"traffic": opts.tracker.TrafficStats(),
			"state":   opts.tracker.State(),
			"session": opts.tracker.Session(),
		})
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		// Секреты наружу не отдаём, только операционные настройки.
		writeJSON(w, http.StatusOK, map[string]any{
			"driverId":                    opts.cfg.Agent.DriverID,
			"syncIntervalSeconds":         opts.cfg.Agent.SyncIntervalSeconds,
			"trafficCheckIntervalSeconds": opts.cfg.Agent.TrafficCheckIntervalSeconds,
			"geoTimeoutSeconds":           opts.cfg.Agent.GeoTimeoutSeconds,
			"maxRetries":                  opts.cfg.Agent.MaxRetries,
			"demoMode":                    opts.cfg.Agent.DemoMode,
		})
	})

	r.Post("/session/select", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Session string `json:"session"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Session == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session is required"})
			return
		}
		opts.tracker.SelectSession(body.Session)
		// Сверка после переключения — best effort.
		if err := opts.tracker.Reconcile(r.Context()); err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"session": opts.tracker.Session(), "reconciled": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": opts.tracker.Session(), "reconciled": true})
	})

	r.Get("/route", func(w http.ResponseWriter, r *http.Request) {
		snap, fromCache, err := opts.tracker.Routes(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"routes": snap, "from_cache": fromCache})
	})

	r.Post("/journey/start", func(w http.ResponseWriter, r *http.Request) {
		res, err := opts.tracker.StartJourney(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Post("/journey/stops/mark", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stop     models.Stop `json:"stop"`
			Status   string      `json:"status"`
			Comments string      `json:"comments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		res, err := opts.tracker.MarkStop(r.Context(), body.Stop, body.Status, body.Comments)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Post("/journey/end", func(w http.ResponseWriter, r *http.Request) {
		res, err := opts.tracker.EndSession(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Post("/location", func(w http.ResponseWriter, r *http.Request) {
		var req models.LocationUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		res, err := opts.tracker.UpdateLocation(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/position", func(w http.ResponseWriter, r *http.Request) {
		pos, err := opts.tracker.CurrentPosition(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pos)
	})

	r.Post("/route/reoptimize", func(w http.ResponseWriter, r *http.Request) {
		res, err := opts.tracker.Reoptimize(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Post("/sync/trigger", func(w http.ResponseWriter, r *http.Request) {
		res, err := opts.queue.Drain(r.Context(), opts.tracker.ExecuteAction)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Get("/queue", func(w http.ResponseWriter, r *http.Request) {
		queued, err := opts.queue.ListQueued(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		failed, err := opts.queue.FailedActions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		out := map[string]any{"queued": queued, "failed": failed}
		if ts, ok := opts.queue.LastSyncedAt(r.Context()); ok {
			out["last_synced_at"] = ts
		}
		writeJSON(w, http.StatusOK, out)
	})

	// Swagger поднимаем только если файл на месте: агенту без документации
	// работать не мешаем.
	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				http.ServeFile(w, r, opts.swaggerPath)
			})
			swaggerURL := "/swagger.json"
			if fi, err := os.Stat(opts.swaggerPath); err == nil {
				swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
			}
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
		}
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	return srv.Serve(lis)
}
