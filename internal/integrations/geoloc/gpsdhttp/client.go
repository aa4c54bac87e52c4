package gpsdhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/RouteBox/internal/integrations/geoloc"
	"github.com/BearBump/RouteBox/internal/models"
	"github.com/pkg/errors"
)

// Client читает позицию из локального GPS-шлюза (HTTP-обёртка над gpsd
// на машине курьера).
type Client struct {
	baseURL string
	httpc   *http.Client
}

func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9200"
	}
	return &Client{
		baseURL: baseURL,
		// Per-request таймаут задаётся через Options/контекст.
		httpc: &http.Client{},
	}
}

type fixResp struct {
	Mode      int     `json:"mode"` // 0/1 — нет фикса, 2 — 2D, 3 — 3D
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	AgeSec    float64 `json:"age_sec"`
}

func (c *Client) CurrentPosition(ctx context.Context, opts geoloc.Options) (models.Position, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return models.Position{}, errors.Wrap(err, "parse base url")
	}
	u.Path = "/fix"
	q := u.Query()
	if opts.HighAccuracy {
		q.Set("accuracy", "high")
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.Position{}, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return models.Position{}, errors.Wrap(err, "gps gateway request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return models.Position{}, fmt.Errorf("gps gateway http %d", resp.StatusCode)
	}

	var fix fixResp
	if err := json.NewDecoder(resp.Body).Decode(&fix); err != nil {
		return models.Position{}, errors.Wrap(err, "decode fix")
	}
	if fix.Mode < 2 {
		return models.Position{}, errors.New("no gps fix")
	}
	if opts.MaximumAge > 0 && time.Duration(fix.AgeSec*float64(time.Second)) > opts.MaximumAge {
		return models.Position{}, errors.New("gps fix too old")
	}
	return models.Position{Latitude: fix.Latitude, Longitude: fix.Longitude}, nil
}
