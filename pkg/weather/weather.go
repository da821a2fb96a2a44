package weather

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/yutampo/yutampo/pkg/common"
	"github.com/yutampo/yutampo/pkg/log"
)

// retryAfterFailure limits how often a failed forecast lookup is retried
// within the same day.
const retryAfterFailure = time.Hour

var errNoForecast = errors.New("no forecast available")

// Client finds the hottest hour of the day from a Home Assistant weather
// entity. The result is cached per calendar day.
type Client struct {
	client   *http.Client
	apiURL   string
	entity   string
	token    string
	location *time.Location
	now      func() time.Time

	mu          sync.Mutex
	cachedDay   string
	cachedHour  float64
	lastFailure time.Time
}

// Configured registers the weather flags and returns the client.
func Configured() *Client {
	c := New("", "", "")

	apiURL := lflag.String("weather-api-url", "http://supervisor/core/api", "Home Assistant API base URL")
	entity := lflag.String("weather-entity", "weather.home", "Home Assistant weather entity to read the forecast from")
	token := lflag.String("weather-token", "", "Home Assistant long-lived token (defaults to SUPERVISOR_TOKEN)")

	lflag.Do(func() {
		c.apiURL = strings.TrimRight(*apiURL, "/")
		c.entity = *entity
		c.token = *token
		if c.token == "" {
			c.token = os.Getenv("SUPERVISOR_TOKEN")
		}
	})
	return c
}

// New returns a client for the given API. An empty apiURL disables lookups
// and HottestHourOfDay always returns the fallback.
func New(apiURL, entity, token string) *Client {
	return &Client{
		client:   common.HTTPClient(10 * time.Second),
		apiURL:   strings.TrimRight(apiURL, "/"),
		entity:   entity,
		token:    token,
		location: time.Local,
		now:      time.Now,
	}
}

// SetClock overrides the clock and the location days are computed in. This
// is primarily used for testing.
func (c *Client) SetClock(now func() time.Time, loc *time.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	c.location = loc
}

// Validate checks the configuration.
func (c *Client) Validate() error {
	if c.apiURL == "" {
		return nil
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse weather url (%s): %w", c.apiURL, err)
	}
	if c.entity == "" {
		return errors.New("weather-entity is required")
	}
	return nil
}

// HottestHourOfDay returns the fractional hour in [0, 24) at which today's
// forecast peaks. fallback is returned when no forecast is available.
func (c *Client) HottestHourOfDay(ctx context.Context, fallback float64) float64 {
	c.mu.Lock()
	now := c.now().In(c.location)
	day := now.Format(time.DateOnly)
	if c.cachedDay == day {
		h := c.cachedHour
		c.mu.Unlock()
		return h
	}
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) < retryAfterFailure {
		c.mu.Unlock()
		return fallback
	}
	c.mu.Unlock()

	if c.apiURL == "" {
		return fallback
	}

	hour, err := c.fetchHottestHour(ctx, now)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "using fallback hottest hour", slog.Float64("fallback", fallback), slog.Any("error", err))
		c.lastFailure = now
		return fallback
	}
	log.Ctx(ctx).InfoContext(ctx, "hottest hour of the day", slog.String("day", day), slog.Float64("hour", hour))
	c.cachedDay = day
	c.cachedHour = hour
	c.lastFailure = time.Time{}
	return hour
}

type forecastEntry struct {
	Datetime    string   `json:"datetime"`
	Temperature *float64 `json:"temperature"`
}

type stateResponse struct {
	Attributes struct {
		Forecast []forecastEntry `json:"forecast"`
	} `json:"attributes"`
}

type forecastsResponse struct {
	ServiceResponse map[string]struct {
		Forecast []forecastEntry `json:"forecast"`
	} `json:"service_response"`
}

func (c *Client) fetchHottestHour(ctx context.Context, now time.Time) (float64, error) {
	forecast, err := c.stateForecast(ctx)
	if err != nil {
		return 0, err
	}
	if len(forecast) == 0 {
		// newer Home Assistant versions only return forecasts from the service
		forecast, err = c.serviceForecast(ctx)
		if err != nil {
			return 0, err
		}
	}
	return hottestHour(forecast, now)
}

func (c *Client) stateForecast(ctx context.Context) ([]forecastEntry, error) {
	var res stateResponse
	if err := c.do(ctx, http.MethodGet, "/states/"+url.PathEscape(c.entity), nil, &res); err != nil {
		return nil, err
	}
	return res.Attributes.Forecast, nil
}

func (c *Client) serviceForecast(ctx context.Context) ([]forecastEntry, error) {
	body := map[string]string{"entity_id": c.entity, "type": "hourly"}
	var res forecastsResponse
	if err := c.do(ctx, http.MethodPost, "/services/weather/get_forecasts?return_response", body, &res); err != nil {
		return nil, err
	}
	return res.ServiceResponse[c.entity].Forecast, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching forecast", slog.String("url", req.URL.String()))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch forecast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("failed to decode forecast: %w", err)
	}
	return nil
}

// hottestHour picks the warmest of today's forecast entries. Ties keep the
// earliest entry.
func hottestHour(forecast []forecastEntry, now time.Time) (float64, error) {
	loc := now.Location()
	y, m, d := now.Date()

	found := false
	var best float64
	var hour float64
	for _, e := range forecast {
		if e.Temperature == nil {
			continue
		}
		t, err := time.Parse(time.RFC3339, e.Datetime)
		if err != nil {
			continue
		}
		t = t.In(loc)
		if ty, tm, td := t.Date(); ty != y || tm != m || td != d {
			continue
		}
		if !found || *e.Temperature > best {
			found = true
			best = *e.Temperature
			hour = float64(t.Hour()) + float64(t.Minute())/60
		}
	}
	if !found {
		return 0, errNoForecast
	}
	return hour, nil
}
