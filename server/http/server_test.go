// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/streamq/ratelimit"
	"github.com/absmach/streamq/server/otel"
	"github.com/absmach/streamq/stream"
	"github.com/absmach/streamq/stream/memory"
	"github.com/absmach/streamq/stream/remote"
	"github.com/absmach/streamq/testutil"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestServer(t *testing.T, b stream.Broker, opts ...Option) *httptest.Server {
	t.Helper()
	srv := New(Config{MaxBlock: 2 * time.Second, MaxPayloadSize: 2048}, b, nil, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func newClient(t *testing.T, baseURL string) *remote.Client {
	t.Helper()
	c, err := remote.New(remote.Config{BaseURL: baseURL, RequestTimeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestRemoteBrokerConformance(t *testing.T) {
	testutil.RunBrokerSuite(t, func(t *testing.T) stream.Broker {
		ts := newTestServer(t, memory.New())
		return newClient(t, ts.URL)
	})
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateGroupStatus(t *testing.T) {
	ts := newTestServer(t, memory.New())
	url := ts.URL + "/v1/streams/jobs/groups/workers"

	resp := post(t, url, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = post(t, url, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body remote.CreateGroupResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "exists", body.Result)
}

func TestErrorStatuses(t *testing.T) {
	b := memory.New()
	ts := newTestServer(t, b)
	_, err := b.CreateGroup(context.Background(), "jobs", "workers")
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{name: "unknown group", method: http.MethodPost, path: "/v1/streams/jobs/groups/nope/read", body: `{"consumer":"c","count":1,"block_ms":-1}`, want: http.StatusNotFound},
		{name: "missing consumer", method: http.MethodPost, path: "/v1/streams/jobs/groups/workers/read", body: `{"count":1}`, want: http.StatusBadRequest},
		{name: "malformed body", method: http.MethodPost, path: "/v1/streams/jobs/entries", body: `{`, want: http.StatusBadRequest},
		{name: "bad pending start", method: http.MethodGet, path: "/v1/streams/jobs/groups/workers/pending?start=abc", want: http.StatusBadRequest},
		{name: "bad pending count", method: http.MethodGet, path: "/v1/streams/jobs/groups/workers/pending?count=0", want: http.StatusBadRequest},
		{name: "negative min idle", method: http.MethodPost, path: "/v1/streams/jobs/groups/workers/claim", body: `{"consumer":"c","min_idle_ms":-1}`, want: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodGet, path: "/v1/streams/jobs/entries", want: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.URL+tt.path, strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestAppendPayloadLimit(t *testing.T) {
	ts := newTestServer(t, memory.New())
	c := newClient(t, ts.URL)

	_, err := c.Append(context.Background(), "jobs", bytes.Repeat([]byte("x"), 4096))
	require.ErrorIs(t, err, stream.ErrInvalidArgument)

	_, err = c.Append(context.Background(), "jobs", []byte("small"))
	require.NoError(t, err)
}

func TestReadBlockCappedByServer(t *testing.T) {
	b := memory.New()
	srv := New(Config{MaxBlock: 100 * time.Millisecond}, b, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	_, err := b.CreateGroup(context.Background(), "jobs", "workers")
	require.NoError(t, err)

	start := time.Now()
	resp := post(t, ts.URL+"/v1/streams/jobs/groups/workers/read", remote.ReadRequest{Consumer: "c", Count: 1, BlockMs: 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body remote.EntriesResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Entries)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestBlockFor(t *testing.T) {
	s := New(Config{MaxBlock: time.Second}, memory.New(), nil)

	assert.Equal(t, time.Duration(stream.NoBlock), s.blockFor(-1))
	assert.Equal(t, time.Second, s.blockFor(0))
	assert.Equal(t, 250*time.Millisecond, s.blockFor(250))
	assert.Equal(t, time.Second, s.blockFor(60_000))
}

func TestAppendRateLimited(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.Config{
		Enabled: true,
		Append:  ratelimit.AppendConfig{Enabled: true, Rate: 0.001, Burst: 1},
	})
	defer limiter.Stop()

	ts := newTestServer(t, memory.New(), WithRateLimiter(limiter))

	resp := post(t, ts.URL+"/v1/streams/jobs/entries", remote.AppendRequest{Data: []byte("a")})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/streams/jobs/entries", remote.AppendRequest{Data: []byte("b")})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/streams/other/entries", remote.AppendRequest{Data: []byte("c")})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRequestRateLimited(t *testing.T) {
	limiter := ratelimit.NewManager(ratelimit.Config{
		Enabled: true,
		Request: ratelimit.RequestConfig{Enabled: true, Rate: 0.001, Burst: 1, CleanupInterval: time.Minute},
	})
	defer limiter.Stop()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := otel.NewMetricsWithProvider(mp)
	require.NoError(t, err)

	ts := newTestServer(t, memory.New(), WithRateLimiter(limiter), WithMetrics(metrics))

	resp := post(t, ts.URL+"/v1/streams/jobs/groups/workers", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = post(t, ts.URL+"/v1/streams/jobs/groups/workers", nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	var body remote.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "rate limit exceeded", body.Error)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var limited int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "streamq.server.rate_limited.total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				limited += dp.Value
			}
		}
	}
	assert.EqualValues(t, 1, limited)
}

func TestPingReportsBackendState(t *testing.T) {
	b := memory.New()
	ts := newTestServer(t, b)
	c := newClient(t, ts.URL)

	require.NoError(t, c.Ping(context.Background()))

	require.NoError(t, b.Close())
	require.ErrorIs(t, c.Ping(context.Background()), stream.ErrUnavailable)
}

func TestListenShutdown(t *testing.T) {
	srv := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, memory.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Listen did not return after cancel")
	}
}
