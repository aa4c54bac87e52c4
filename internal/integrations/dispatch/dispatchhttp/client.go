package dispatchhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/BearBump/RouteBox/internal/integrations/dispatch"
	"github.com/BearBump/RouteBox/internal/models"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type startJourneyReq struct {
	DriverID string `json:"driver_id"`
	RouteID  string `json:"route_id"`
}

type startJourneyResp struct {
	RouteID string `json:"route_id"`
}

func (c *Client) StartJourney(ctx context.Context, driverID, routeID string) (string, error) {
	var out startJourneyResp
	err := c.post(ctx, "/v1/journeys/start", startJourneyReq{DriverID: driverID, RouteID: routeID}, &out)
	if err != nil {
		return "", errors.Wrap(err, "start journey")
	}
	if out.RouteID == "" {
		// Idempotent replay: сервер может не вернуть route_id повторно.
		return routeID, nil
	}
	return out.RouteID, nil
}

func (c *Client) MarkStopReached(ctx context.Context, req models.StopCompletionRequest) error {
	return errors.Wrap(c.post(ctx, "/v1/journeys/stops/mark", req, nil), "mark stop reached")
}

func (c *Client) UpdateGeoLocation(ctx context.Context, req models.LocationUpdateRequest) error {
	return errors.Wrap(c.post(ctx, "/v1/addresses/geolocation", req, nil), "update geolocation")
}

type completeSessionReq struct {
	RouteID string `json:"route_id"`
	Session string `json:"session"`
}

func (c *Client) CompleteSession(ctx context.Context, routeID, session string) error {
	return errors.Wrap(c.post(ctx, "/v1/journeys/complete", completeSessionReq{RouteID: routeID, Session: session}, nil), "complete session")
}

func (c *Client) RouteStatus(ctx context.Context, routeID string) (dispatch.RouteStatus, error) {
	var out dispatch.RouteStatus
	path := fmt.Sprintf("/v1/routes/%s/status", url.PathEscape(routeID))
	if err := c.get(ctx, path, &out); err != nil {
		return dispatch.RouteStatus{}, errors.Wrap(err, "route status")
	}
	return out, nil
}

type checkTrafficReq struct {
	RouteID          string           `json:"route_id"`
	CurrentLocation  *models.Position `json:"current_location,omitempty"`
	CheckAllSegments bool             `json:"check_all_segments"`
}

func (c *Client) CheckTraffic(ctx context.Context, routeID string, cur *models.Position, checkAllSegments bool) (dispatch.TrafficReport, error) {
	var out dispatch.TrafficReport
	req := checkTrafficReq{RouteID: routeID, CurrentLocation: cur, CheckAllSegments: checkAllSegments}
	if err := c.post(ctx, "/v1/traffic/check", req, &out); err != nil {
		return dispatch.TrafficReport{}, errors.Wrap(err, "check traffic")
	}
	return out, nil
}

type reoptimizeReq struct {
	RouteID         string           `json:"route_id"`
	CurrentLocation *models.Position `json:"current_location,omitempty"`
}

func (c *Client) ReoptimizeRoute(ctx context.Context, routeID string, cur *models.Position) (dispatch.ReoptimizeResult, error) {
	var out dispatch.ReoptimizeResult
	if err := c.post(ctx, "/v1/routes/reoptimize", reoptimizeReq{RouteID: routeID, CurrentLocation: cur}, &out); err != nil {
		return dispatch.ReoptimizeResult{}, errors.Wrap(err, "reoptimize route")
	}
	return out, nil
}

func (c *Client) FetchRoutes(ctx context.Context, driverID string, date time.Time) (models.RouteSnapshot, error) {
	var out models.RouteSnapshot
	path := fmt.Sprintf("/v1/drivers/%s/routes?date=%s", url.PathEscape(driverID), date.UTC().Format("2006-01-02"))
	if err := c.get(ctx, path, &out); err != nil {
		return models.RouteSnapshot{}, errors.Wrap(err, "fetch routes")
	}
	if out.DriverID == "" {
		out.DriverID = driverID
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(b), out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader, out any) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return errors.Wrap(err, "parse url")
	}

	var req *http.Request
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("dispatch rate limited (http 429)")
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("dispatch http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
