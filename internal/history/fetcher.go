// Package history fetches recorded sensor data from the backend REST API.
// Range queries keep a single cached result and a newer query always
// supersedes an older one still in flight.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	recentPath = "/api/sensor/history"
	rangePath  = "/api/sensor/history/range"

	// isoLayout matches what browsers send for Date.toISOString.
	isoLayout = "2006-01-02T15:04:05.000Z"

	maxBodySize = 32 << 20
)

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Range identifies one range query.
type Range struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Interval int       `json:"interval"` // minutes
}

// Validate checks start < end and interval >= 1.
func (r Range) Validate() error {
	if !r.Start.Before(r.End) {
		return fmt.Errorf("%w: start %s is not before end %s", ErrInvalidRange,
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: interval %d must be at least 1 minute", ErrInvalidRange, r.Interval)
	}
	return nil
}

func (r Range) key() string {
	return r.Start.UTC().Format(isoLayout) + "|" + r.End.UTC().Format(isoLayout) + "|" + strconv.Itoa(r.Interval)
}

// Config configures a Fetcher.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Tokens  TokenSource
	Client  *http.Client
	Log     *logrus.Entry
}

// Fetcher is the historical range client.
type Fetcher struct {
	baseURL string
	client  *http.Client
	tokens  TokenSource
	now     func() time.Time
	log     *logrus.Entry

	mu       sync.Mutex
	gen      uint64
	cancel   context.CancelFunc
	key      string
	cacheFor Range
	cached   []models.SensorDataPoint
}

// NewFetcher creates a Fetcher. A zero Timeout means 30 seconds.
func NewFetcher(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	if cfg.Log == nil {
		cfg.Log = logging.Component(nil, "history")
	}
	return &Fetcher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.Client,
		tokens:  cfg.Tokens,
		now:     time.Now,
		log:     cfg.Log,
	}
}

// FetchRange returns the readings between start and end aggregated per
// interval minutes.
//
// Repeating the previous successful query returns its cached result without a
// request. Any other query cancels the one in flight; the cancelled call
// returns an empty result and no error. A failure leaves the cache as it was.
func (f *Fetcher) FetchRange(ctx context.Context, start, end time.Time, intervalMinutes int) ([]models.SensorDataPoint, error) {
	r := Range{Start: start, End: end, Interval: intervalMinutes}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	key := r.key()

	f.mu.Lock()
	if key == f.key && len(f.cached) > 0 {
		out := append([]models.SensorDataPoint(nil), f.cached...)
		f.mu.Unlock()
		return out, nil
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.gen++
	gen := f.gen
	rctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.mu.Unlock()
	defer cancel()

	q := url.Values{}
	q.Set("start", r.Start.UTC().Format(isoLayout))
	q.Set("end", r.End.UTC().Format(isoLayout))
	q.Set("interval", strconv.Itoa(r.Interval))
	points, err := f.get(rctx, rangePath+"?"+q.Encode())

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != gen {
		f.log.WithField("key", key).Debug("history fetch superseded")
		return []models.SensorDataPoint{}, nil
	}
	f.cancel = nil
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	f.key = key
	f.cacheFor = r
	f.cached = points
	f.log.WithFields(logrus.Fields{"key": key, "points": len(points)}).Debug("history fetched")
	return append([]models.SensorDataPoint(nil), points...), nil
}

// FetchRecent returns the backend's most recent readings. It bypasses the
// range cache.
func (f *Fetcher) FetchRecent(ctx context.Context) ([]models.SensorDataPoint, error) {
	return f.get(ctx, recentPath)
}

// Cached returns the last successful range query and its result.
func (f *Fetcher) Cached() (Range, []models.SensorDataPoint, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.key == "" {
		return Range{}, nil, false
	}
	return f.cacheFor, append([]models.SensorDataPoint(nil), f.cached...), true
}

type envelope struct {
	Success *bool                    `json:"success"`
	Count   int                      `json:"count"`
	Data    []models.SensorDataPoint `json:"data"`
	Message string                   `json:"message"`
	Error   string                   `json:"error"`
}

func (f *Fetcher) get(ctx context.Context, pathAndQuery string) ([]models.SensorDataPoint, error) {
	token, err := f.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if err := f.checkToken(token); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+pathAndQuery, nil)
	if err != nil {
		return nil, &FetchError{Message: err.Error(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{Status: resp.StatusCode, Message: err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Status: resp.StatusCode, Message: errorMessage(body, resp.Status)}
	}
	return decodePoints(resp.StatusCode, body)
}

// checkToken rejects an empty token or a JWT whose exp has passed. Opaque
// tokens are left for the backend to judge.
func (f *Fetcher) checkToken(token string) error {
	if token == "" {
		return fmt.Errorf("%w: no token", ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !f.now().Before(exp.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrUnauthorized, exp.Time.Format(time.RFC3339))
	}
	return nil
}

func decodePoints(status int, body []byte) ([]models.SensorDataPoint, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var points []models.SensorDataPoint
		if err := json.Unmarshal(trimmed, &points); err != nil {
			return nil, &FetchError{Status: status, Message: "decoding response: " + err.Error(), Err: err}
		}
		return points, nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, &FetchError{Status: status, Message: "decoding response: " + err.Error(), Err: err}
	}
	if env.Success != nil && !*env.Success {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		if msg == "" {
			msg = "backend reported failure"
		}
		return nil, &FetchError{Status: status, Message: msg}
	}
	if env.Data == nil {
		return []models.SensorDataPoint{}, nil
	}
	return env.Data, nil
}

func errorMessage(body []byte, fallback string) string {
	var env envelope
	if json.Unmarshal(body, &env) == nil {
		if env.Message != "" {
			return env.Message
		}
		if env.Error != "" {
			return env.Error
		}
	}
	return fallback
}
