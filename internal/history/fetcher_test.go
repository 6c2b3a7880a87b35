package history

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/h2-dashboard/backend/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	t1 = t0.Add(6 * time.Hour)
)

type testBackend struct {
	srv      *httptest.Server
	requests atomic.Int32
}

func newTestBackend(t *testing.T, handler http.HandlerFunc) *testBackend {
	t.Helper()
	b := &testBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.requests.Add(1)
		handler(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func newTestFetcher(b *testBackend, token string) *Fetcher {
	return NewFetcher(Config{
		BaseURL: b.srv.URL,
		Tokens:  StaticToken(token),
		Log:     logging.Component(logging.Discard(), "history"),
	})
}

const twoPoints = `{"success":true,"count":2,"data":[
	{"hydrogen":51.5,"ph_Anode":7.1,"time":"08:00","timestamp":1},
	{"hydrogen":52.5,"ph_Anode":null,"time":"08:05","timestamp":2}]}`

func TestFetchRange_RequestShape(t *testing.T) {
	var got *http.Request
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Write([]byte(twoPoints))
	})
	f := newTestFetcher(b, "secret")

	points, err := f.FetchRange(context.Background(), t0, t1, 5)
	require.NoError(t, err)

	require.Len(t, points, 2)
	assert.Equal(t, 51.5, *points[0].Hydrogen)
	assert.Nil(t, points[1].PHAnode)

	require.NotNil(t, got)
	assert.Equal(t, "/api/sensor/history/range", got.URL.Path)
	assert.Equal(t, "2025-01-10T08:00:00.000Z", got.URL.Query().Get("start"))
	assert.Equal(t, "2025-01-10T14:00:00.000Z", got.URL.Query().Get("end"))
	assert.Equal(t, "5", got.URL.Query().Get("interval"))
	assert.Equal(t, "Bearer secret", got.Header.Get("Authorization"))
}

func TestFetchRange_AcceptsBareArray(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Voltage":1.8,"time":"x","timestamp":3}]`))
	})
	f := newTestFetcher(b, "secret")

	points, err := f.FetchRange(context.Background(), t0, t1, 1)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, 1.8, *points[0].Voltage)
}

func TestFetchRange_CacheIdempotence(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoPoints))
	})
	f := newTestFetcher(b, "secret")

	first, err := f.FetchRange(context.Background(), t0, t1, 5)
	require.NoError(t, err)
	second, err := f.FetchRange(context.Background(), t0, t1, 5)
	require.NoError(t, err)

	assert.Equal(t, int32(1), b.requests.Load())
	assert.Equal(t, first, second)
}

func TestFetchRange_CacheInvalidation(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoPoints))
	})
	f := newTestFetcher(b, "secret")
	ctx := context.Background()

	_, err := f.FetchRange(ctx, t0, t1, 5)
	require.NoError(t, err)

	cases := []struct {
		start, end time.Time
		interval   int
	}{
		{t0.Add(time.Minute), t1, 5},
		{t0, t1.Add(time.Minute), 5},
		{t0, t1, 15},
	}
	for i, c := range cases {
		_, err := f.FetchRange(ctx, c.start, c.end, c.interval)
		require.NoError(t, err)
		assert.Equal(t, int32(i+2), b.requests.Load())
	}
}

func TestFetchRange_EmptyResultIsNotCached(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"count":0,"data":[]}`))
	})
	f := newTestFetcher(b, "secret")

	for i := 0; i < 2; i++ {
		points, err := f.FetchRange(context.Background(), t0, t1, 5)
		require.NoError(t, err)
		assert.Empty(t, points)
	}
	assert.Equal(t, int32(2), b.requests.Load())
}

func TestFetchRange_InvalidRange(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(twoPoints))
	})
	f := newTestFetcher(b, "secret")

	_, err := f.FetchRange(context.Background(), t1, t0, 5)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = f.FetchRange(context.Background(), t0, t0, 5)
	assert.ErrorIs(t, err, ErrInvalidRange)

	_, err = f.FetchRange(context.Background(), t0, t1, 0)
	assert.ErrorIs(t, err, ErrInvalidRange)

	assert.Zero(t, b.requests.Load())
}

func TestFetchRange_FailurePreservesCache(t *testing.T) {
	fail := atomic.Bool{}
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"message":"database unavailable"}`))
			return
		}
		w.Write([]byte(twoPoints))
	})
	f := newTestFetcher(b, "secret")
	ctx := context.Background()

	first, err := f.FetchRange(ctx, t0, t1, 5)
	require.NoError(t, err)

	fail.Store(true)
	_, err = f.FetchRange(ctx, t0, t1, 30)
	var fe *FetchError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, fe.Status)
	assert.Equal(t, "database unavailable", fe.Message)
	assert.NotErrorIs(t, err, ErrUnauthorized)

	r, cached, ok := f.Cached()
	require.True(t, ok)
	assert.Equal(t, 5, r.Interval)
	assert.Equal(t, first, cached)

	again, err := f.FetchRange(ctx, t0, t1, 5)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int32(2), b.requests.Load())
}

func TestFetchRange_BackendReportsFailure(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"range too large"}`))
	})
	f := newTestFetcher(b, "secret")

	_, err := f.FetchRange(context.Background(), t0, t1, 5)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "range too large", fe.Message)
}

func TestFetchRange_Unauthorized(t *testing.T) {
	t.Run("rejected by backend", func(t *testing.T) {
		b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Unauthorized"}`))
		})
		f := newTestFetcher(b, "stale")

		_, err := f.FetchRange(context.Background(), t0, t1, 5)
		assert.ErrorIs(t, err, ErrUnauthorized)
		var fe *FetchError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, http.StatusUnauthorized, fe.Status)
	})

	t.Run("missing token", func(t *testing.T) {
		b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
		f := newTestFetcher(b, "")

		_, err := f.FetchRange(context.Background(), t0, t1, 5)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Zero(t, b.requests.Load())
	})

	t.Run("expired jwt", func(t *testing.T) {
		b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		}).SignedString([]byte("k"))
		require.NoError(t, err)
		f := newTestFetcher(b, token)

		_, err = f.FetchRange(context.Background(), t0, t1, 5)
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Zero(t, b.requests.Load())
	})

	t.Run("valid jwt passes", func(t *testing.T) {
		b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(twoPoints))
		})
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString([]byte("k"))
		require.NoError(t, err)
		f := newTestFetcher(b, token)

		_, err = f.FetchRange(context.Background(), t0, t1, 5)
		assert.NoError(t, err)
	})
}

func TestFetchRange_NetworkError(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {})
	f := newTestFetcher(b, "secret")
	b.srv.Close()

	_, err := f.FetchRange(context.Background(), t0, t1, 5)
	var fe *FetchError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Zero(t, fe.Status)
}

func TestFetchRange_NewerCallSupersedesOlder(t *testing.T) {
	started := make(chan struct{}, 1)
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") == "1" {
			started <- struct{}{}
			<-r.Context().Done()
			return
		}
		w.Write([]byte(twoPoints))
	})
	f := newTestFetcher(b, "secret")

	type result struct {
		n   int
		err error
	}
	firstDone := make(chan result, 1)
	go func() {
		points, err := f.FetchRange(context.Background(), t0, t1, 1)
		firstDone <- result{len(points), err}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached the backend")
	}

	second, err := f.FetchRange(context.Background(), t0, t1, 5)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	select {
	case r := <-firstDone:
		assert.NoError(t, r.err)
		assert.Zero(t, r.n)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded call did not return")
	}

	rng, _, ok := f.Cached()
	require.True(t, ok)
	assert.Equal(t, 5, rng.Interval)
}

func TestFetchRange_CallerCancellation(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	f := newTestFetcher(b, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.FetchRange(ctx, t0, t1, 5)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchRecent(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/sensor/history", r.URL.Path)
		w.Write([]byte(twoPoints))
	})
	f := newTestFetcher(b, "secret")

	points, err := f.FetchRecent(context.Background())
	require.NoError(t, err)
	assert.Len(t, points, 2)

	_, _, ok := f.Cached()
	assert.False(t, ok, "recent history does not fill the range cache")
}
