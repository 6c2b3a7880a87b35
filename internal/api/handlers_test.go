package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/h2-dashboard/backend/internal/alerts"
	"github.com/h2-dashboard/backend/internal/history"
	"github.com/h2-dashboard/backend/internal/ingest"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/h2-dashboard/backend/internal/models"
	"github.com/h2-dashboard/backend/internal/protocol"
	"github.com/h2-dashboard/backend/internal/testutil"
	"github.com/h2-dashboard/backend/internal/transport"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type pumpCall struct {
	Unit models.PumpUnit
	On   bool
	Dir  models.Direction
	RPM  int
}

type fakePumps struct {
	mu    sync.Mutex
	calls []pumpCall
	err   error
}

func (f *fakePumps) ControlPump(_ context.Context, unit models.PumpUnit, on bool, dir models.Direction, rpm int) (models.PumpState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pumpCall{unit, on, dir, rpm})
	if f.err != nil {
		return models.PumpState{}, f.err
	}
	if dir == "" {
		dir = models.Clockwise
	}
	return models.PumpState{IsOn: on, Direction: dir, RPM: rpm}, nil
}

func (f *fakePumps) Calls() []pumpCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pumpCall{}, f.calls...)
}

type fakeLink struct{ connected bool }

func (f fakeLink) IsConnected() bool { return f.connected }

type fakeHistory struct {
	points   []models.SensorDataPoint
	err      error
	got      history.Range
	cached   bool
	cacheFor history.Range
}

func (f *fakeHistory) FetchRange(_ context.Context, start, end time.Time, interval int) ([]models.SensorDataPoint, error) {
	f.got = history.Range{Start: start, End: end, Interval: interval}
	return f.points, f.err
}

func (f *fakeHistory) Cached() (history.Range, []models.SensorDataPoint, bool) {
	return f.cacheFor, f.points, f.cached
}

type fakeArchive struct {
	points []models.SensorDataPoint
}

func (f *fakeArchive) Range(context.Context, time.Time, time.Time) ([]models.SensorDataPoint, error) {
	return f.points, nil
}

func (f *fakeArchive) Len() int { return len(f.points) }

type testEnv struct {
	e         *echo.Echo
	telemetry *ingest.Telemetry
	alerts    *alerts.Manager
	pumps     *fakePumps
	history   *fakeHistory
	hub       *Hub
}

func newTestEnv(t *testing.T, archive Archive) *testEnv {
	t.Helper()
	log := logging.Discard()

	tel := ingest.NewTelemetry(ingest.Options{Capacity: 5, Log: logging.Component(log, "ingest")})
	mgr, err := alerts.NewManager(alerts.Options{
		Store: testutil.NewMockStorage(),
		Log:   logging.Component(log, "alerts"),
	})
	require.NoError(t, err)

	env := &testEnv{
		e:         echo.New(),
		telemetry: tel,
		alerts:    mgr,
		pumps:     &fakePumps{},
		history:   &fakeHistory{},
	}
	env.hub = NewHub(tel, env.pumps, logging.Component(log, "ws"))
	t.Cleanup(env.hub.Close)

	SetupMiddleware(env.e, ServerOptions{Log: logging.Component(log, "api")})
	deps := Dependencies{
		Telemetry: tel,
		Pumps:     env.pumps,
		Link:      fakeLink{connected: true},
		History:   env.history,
		Alerts:    mgr,
		Version:   "test",
	}
	if archive != nil {
		deps.Archive = archive
	}
	RegisterRoutes(env.e, NewHandler(deps), env.hub)
	return env
}

func (env *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func decodeAPIError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func sensorUpdate(h2 float64) protocol.SensorUpdate {
	return protocol.SensorUpdate{
		PH:          protocol.Pair{Anode: 7, Cathode: 7.1},
		Temperature: protocol.Pair{Anode: 25, Cathode: 25.5},
		Ionic:       protocol.Pair{Anode: 1, Cathode: 1.1},
		Humidity:    45,
		Hydrogen:    h2,
		Voltage:     1.8,
		Time:        "10:00:00",
	}
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"test"}`, rec.Body.String())

	rec = env.do(http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["connected"])
	assert.Equal(t, float64(5), status["capacity"])
	assert.Equal(t, float64(0), status["unreadAlerts"])
	assert.NotContains(t, status, "archivedRows")
}

func TestSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"hydrogen":null`)

	env.telemetry.HandleEvent(sensorUpdate(40))

	rec = env.do(http.MethodGet, "/api/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.NotNil(t, snap.Hydrogen)
	assert.Equal(t, 40.0, *snap.Hydrogen)
	assert.Equal(t, "10:00:00", snap.Time)
}

func TestChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	env.telemetry.HandleEvent(sensorUpdate(40))
	env.telemetry.HandleEvent(sensorUpdate(41))

	t.Run("json", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/channels/ph", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Channel  string               `json:"channel"`
			Paired   bool                 `json:"paired"`
			Readings []models.PairReading `json:"readings"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ph", body.Channel)
		assert.True(t, body.Paired)
		require.Len(t, body.Readings, 2)
		assert.Equal(t, 7.1, body.Readings[0].Cathode)
	})

	t.Run("msgpack", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/channels/hydrogen?format=msgpack", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, mimeMsgpack, rec.Header().Get(echo.HeaderContentType))

		var body struct {
			Channel  string                 `msgpack:"channel"`
			Paired   bool                   `msgpack:"paired"`
			Readings []models.ScalarReading `msgpack:"readings"`
		}
		require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "hydrogen", body.Channel)
		assert.False(t, body.Paired)
		require.Len(t, body.Readings, 2)
		assert.Equal(t, 41.0, body.Readings[1].Value)
	})

	t.Run("unknown", func(t *testing.T) {
		rec := env.do(http.MethodGet, "/api/channels/oxygen", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", decodeAPIError(t, rec).Code)
	})
}

func TestControlPump(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodPost, "/api/pumps/anode", `{"isOn":true,"direction":"counterclockwise","rpm":300}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rpm":300`)
	assert.Equal(t, []pumpCall{{models.PumpAnode, true, models.Counterclockwise, 300}}, env.pumps.Calls())

	rec = env.do(http.MethodGet, "/api/pumps", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"confirmed"`)
}

func TestControlPump_Errors(t *testing.T) {
	cases := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
		code   string
	}{
		{"unknown unit", "/api/pumps/middle", `{"isOn":true}`, nil, http.StatusNotFound, "NOT_FOUND"},
		{"bad direction", "/api/pumps/anode", `{"isOn":true,"direction":"sideways"}`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"negative rpm", "/api/pumps/anode", `{"isOn":true,"rpm":-5}`, nil, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"malformed body", "/api/pumps/anode", `{"isOn":`, nil, http.StatusBadRequest, "BAD_REQUEST"},
		{"not connected", "/api/pumps/cathode", `{"isOn":false}`, fmt.Errorf("connecting: %w", transport.ErrNotConnected), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"connect timeout", "/api/pumps/cathode", `{"isOn":false}`, transport.ErrConnectionTimeout, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"rejected command", "/api/pumps/cathode", `{"isOn":true}`, fmt.Errorf("%w: nope", ingest.ErrInvalidCommand), http.StatusBadRequest, "BAD_REQUEST"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.pumps.err = tc.err

			rec := env.do(http.MethodPost, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeAPIError(t, rec).Code)
		})
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.history.points = []models.SensorDataPoint{{Hydrogen: models.Float(55), Timestamp: 1}}

	rec := env.do(http.MethodGet, "/api/history?start=2025-01-01T00:00:00Z&end=2025-01-02T00:00:00Z&interval=15", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	assert.Equal(t, 15, env.history.got.Interval)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), env.history.got.Start.UTC())

	rec = env.do(http.MethodGet, "/api/history?start=1735689600000&end=1735776000000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.history.got.Interval, "interval defaults to one minute")
	assert.Equal(t, int64(1735689600000), env.history.got.Start.UnixMilli())
}

func TestHistory_Errors(t *testing.T) {
	const query = "/api/history?start=2025-01-01T00:00:00Z&end=2025-01-02T00:00:00Z&interval=5"
	cases := []struct {
		name   string
		path   string
		err    error
		status int
	}{
		{"missing start", "/api/history?end=2025-01-02T00:00:00Z", nil, http.StatusBadRequest},
		{"bad interval", "/api/history?start=1&end=2&interval=x", nil, http.StatusBadRequest},
		{"invalid range", query, fmt.Errorf("%w: start after end", history.ErrInvalidRange), http.StatusBadRequest},
		{"unauthorized", query, &history.FetchError{Status: 401, Message: "expired"}, http.StatusUnauthorized},
		{"missing token", query, history.ErrUnauthorized, http.StatusUnauthorized},
		{"upstream", query, &history.FetchError{Status: 500, Message: "db down"}, http.StatusBadGateway},
		{"unexpected", query, errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.history.err = tc.err
			rec := env.do(http.MethodGet, tc.path, "")
			assert.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestCachedHistory(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/history/cached", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.history.cached = true
	env.history.cacheFor = history.Range{Interval: 5}
	env.history.points = []models.SensorDataPoint{{Timestamp: 1}, {Timestamp: 2}}

	rec = env.do(http.MethodGet, "/api/history/cached", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)
	assert.Contains(t, rec.Body.String(), `"interval":5`)
}

func TestArchive(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := env.do(http.MethodGet, "/api/archive?start=1&end=2", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("enabled", func(t *testing.T) {
		env := newTestEnv(t, &fakeArchive{points: []models.SensorDataPoint{{Voltage: models.Float(1.9), Timestamp: 5}}})

		rec := env.do(http.MethodGet, "/api/archive?start=1&end=10", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"Voltage":1.9`)

		rec = env.do(http.MethodGet, "/api/archive?start=10&end=1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = env.do(http.MethodGet, "/api/status", "")
		assert.Contains(t, rec.Body.String(), `"archivedRows":1`)
	})
}

func TestAlertRules(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(http.MethodGet, "/api/alerts/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []models.AlertRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Len(t, rules, len(alerts.DefaultRules()))

	rec = env.do(http.MethodPost, "/api/alerts/rules",
		`{"sensor":"voltage","condition":"above","threshold":2.2,"enabled":true,"severity":"critical"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.AlertRule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	rec = env.do(http.MethodPost, "/api/alerts/rules",
		`{"sensor":"oxygen","condition":"above","threshold":1,"severity":"info"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPut, "/api/alerts/rules/"+created.ID,
		`{"sensor":"voltage","condition":"above","threshold":2.5,"enabled":false,"severity":"warning"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"threshold":2.5`)

	rec = env.do(http.MethodPut, "/api/alerts/rules/missing",
		`{"sensor":"voltage","condition":"above","threshold":2.5,"severity":"warning"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodDelete, "/api/alerts/rules/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(http.MethodDelete, "/api/alerts/rules/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAlertHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	ev := env.alerts.Evaluate(models.ChannelHydrogen, 40)
	require.NotNil(t, ev)
	env.alerts.Evaluate(models.ChannelHydrogen, 39)

	rec := env.do(http.MethodGet, "/api/alerts/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unread":2`)

	rec = env.do(http.MethodPost, "/api/alerts/history/"+ev.ID+"/read", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, env.alerts.UnreadCount())

	rec = env.do(http.MethodPost, "/api/alerts/history/nope/read", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodPost, "/api/alerts/history/read-all", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, env.alerts.UnreadCount())

	rec = env.do(http.MethodDelete, "/api/alerts/history", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.alerts.History())
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(http.MethodGet, "/api/nowhere", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "HTTP_ERROR", decodeAPIError(t, rec).Code)
}

func TestRespondWithError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	require.NoError(t, RespondWithError(c, NewServiceUnavailableError("telemetry backend is not connected")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	apiErr := decodeAPIError(t, rec)
	assert.Equal(t, "SERVICE_UNAVAILABLE", apiErr.Code)
	assert.Equal(t, "telemetry backend is not connected", apiErr.Message)
}
