// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package remote is a stream.Broker that talks to a streamq broker server
// over HTTP/JSON. Transport failures and 5xx replies trip a circuit breaker
// and surface as stream.ErrUnavailable.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/streamq/stream"
	"github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

// Default values.
const (
	DefaultRequestTimeout   = 10 * time.Second
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
	DefaultPollBlock        = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	// BaseURL of the broker server, e.g. http://localhost:8080.
	BaseURL string
	// RequestTimeout bounds non-blocking requests. Blocking reads get their
	// block time added on top.
	RequestTimeout   time.Duration
	FailureThreshold uint32
	ResetTimeout     time.Duration
	// PollBlock is the longest wait asked of the server in one read request.
	// Servers hold a read for the smaller of this and their own cap, so the
	// request deadline never depends on server configuration.
	PollBlock  time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client implements stream.Broker against a remote server.
type Client struct {
	base    string
	timeout time.Duration
	poll    time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL is required", stream.ErrInvalidArgument)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("%w: base URL: %v", stream.ErrInvalidArgument, err)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if cfg.PollBlock <= 0 {
		cfg.PollBlock = DefaultPollBlock
	}
	if cfg.HTTPClient == nil {
		// No client-wide timeout: blocking reads are bounded per request.
		cfg.HTTPClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.RequestTimeout,
		poll:    cfg.PollBlock,
		http:    cfg.HTTPClient,
		logger:  logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        c.base,
		MaxRequests: 1,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, stream.ErrUnavailable)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("broker circuit breaker state changed",
				slog.String("broker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return c, nil
}

// CreateGroup implements stream.Broker.
func (c *Client) CreateGroup(ctx context.Context, name, group string) (stream.CreateGroupResult, error) {
	var resp CreateGroupResponse
	if err := c.do(ctx, http.MethodPost, groupPath(name, group, ""), nil, nil, &resp, 0); err != nil {
		return 0, err
	}
	if resp.Result == stream.GroupExists.String() {
		return stream.GroupExists, nil
	}
	return stream.GroupCreated, nil
}

// Append implements stream.Broker.
func (c *Client) Append(ctx context.Context, name string, data []byte) (stream.ID, error) {
	var resp AppendResponse
	path := "/v1/streams/" + url.PathEscape(name) + "/entries"
	if err := c.do(ctx, http.MethodPost, path, nil, AppendRequest{Data: data}, &resp, 0); err != nil {
		return stream.ID{}, err
	}
	return resp.ID, nil
}

// ReadGroup implements stream.Broker. The server may cap how long one request
// blocks; the client keeps polling until block elapses.
func (c *Client) ReadGroup(ctx context.Context, name, group, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}

	for {
		req := ReadRequest{Consumer: consumer, Count: count, BlockMs: -1}
		var extra time.Duration
		switch {
		case block == stream.BlockForever:
			req.BlockMs = max(c.poll.Milliseconds(), 1)
			extra = c.poll
		case block > 0:
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			remaining = min(remaining, c.poll)
			req.BlockMs = max(remaining.Milliseconds(), 1)
			extra = remaining
		}

		var resp EntriesResponse
		if err := c.do(ctx, http.MethodPost, groupPath(name, group, "read"), nil, req, &resp, extra); err != nil {
			return nil, err
		}
		if len(resp.Entries) > 0 || block < 0 {
			return resp.Entries, nil
		}
		if block > 0 && !time.Now().Before(deadline) {
			return nil, nil
		}
	}
}

// PendingRange implements stream.Broker.
func (c *Client) PendingRange(ctx context.Context, name, group string, start stream.ID, count int) ([]stream.Pending, error) {
	q := url.Values{}
	q.Set("start", start.String())
	q.Set("count", strconv.Itoa(count))

	var resp PendingResponse
	if err := c.do(ctx, http.MethodGet, groupPath(name, group, "pending"), q, nil, &resp, 0); err != nil {
		return nil, err
	}
	out := make([]stream.Pending, 0, len(resp.Pending))
	for _, p := range resp.Pending {
		out = append(out, p.ToPending())
	}
	return out, nil
}

// Claim implements stream.Broker.
func (c *Client) Claim(ctx context.Context, name, group, consumer string, minIdle time.Duration, ids ...stream.ID) ([]stream.Entry, error) {
	req := ClaimRequest{Consumer: consumer, MinIdleMs: minIdle.Milliseconds(), IDs: ids}
	var resp EntriesResponse
	if err := c.do(ctx, http.MethodPost, groupPath(name, group, "claim"), nil, req, &resp, 0); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Ack implements stream.Broker.
func (c *Client) Ack(ctx context.Context, name, group string, ids ...stream.ID) (int64, error) {
	var resp AckResponse
	if err := c.do(ctx, http.MethodPost, groupPath(name, group, "ack"), nil, AckRequest{IDs: ids}, &resp, 0); err != nil {
		return 0, err
	}
	return resp.Acked, nil
}

// Ping checks that the server and its backend are reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/ping", nil, nil, nil, 0)
}

// State returns the circuit breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

func groupPath(name, group, op string) string {
	p := "/v1/streams/" + url.PathEscape(name) + "/groups/" + url.PathEscape(group)
	if op != "" {
		p += "/" + op
	}
	return p
}

// do sends one request through the breaker and decodes a JSON reply into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, extra time.Duration) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, query, in, out, extra)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", stream.ErrUnavailable, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, in, out any, extra time.Duration) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout+extra)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", stream.ErrInvalidArgument, err)
		}
		body = bytes.NewReader(data)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", stream.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", stream.ErrUnavailable, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	var er ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er)
	msg := er.Error
	if msg == "" {
		msg = resp.Status
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", stream.ErrGroupNotFound, msg)
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", stream.ErrInvalidArgument, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: rate limited: %s", stream.ErrUnavailable, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", stream.ErrUnavailable, resp.StatusCode, msg)
	}
}

var (
	_ stream.Broker = (*Client)(nil)
	_ stream.Pinger = (*Client)(nil)
)
