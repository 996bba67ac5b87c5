// Package transport fetches room history from a homeserver over fasthttp.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/event"

	"roomline/pkg/config"
	"roomline/pkg/logger"
	"roomline/pkg/models"
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseSize = 16 << 20
	messagesPath           = "/_matrix/client/v3/rooms/%s/messages"
)

// HTTPError is a non-2xx response. ErrCode carries the Matrix errcode when
// the body had one.
type HTTPError struct {
	Status  int
	ErrCode string
	Message string
}

func (e *HTTPError) Error() string {
	if e.ErrCode != "" {
		return fmt.Sprintf("homeserver returned %d %s: %s", e.Status, e.ErrCode, e.Message)
	}
	return fmt.Sprintf("homeserver returned %d", e.Status)
}

// Temporary reports whether retrying the request later may succeed.
func (e *HTTPError) Temporary() bool {
	return e.Status == fasthttp.StatusTooManyRequests || e.Status >= 500
}

// Option customises a Client.
type Option func(*Client)

// WithDial replaces the dialer, e.g. with an in-memory listener in tests.
func WithDial(dial fasthttp.DialFunc) Option {
	return func(c *Client) { c.http.Dial = dial }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = logger.OrNop(log) }
}

// Client implements timeline.Fetcher against /rooms/{roomId}/messages.
type Client struct {
	base    *url.URL
	token   string
	timeout time.Duration
	limiter *rate.Limiter
	http    *fasthttp.Client
	log     *zap.Logger
}

// New builds a client from the homeserver section of the configuration.
func New(cfg config.HomeserverConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse homeserver url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Newf("homeserver url %q must be http or https", cfg.URL)
	}
	timeout := cfg.RequestTimeout.Duration()
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBody := int(cfg.MaxResponseSize.Int64())
	if maxBody <= 0 {
		maxBody = defaultMaxResponseSize
	}
	limit := rate.Inf
	if cfg.RateLimit.RPS > 0 {
		limit = rate.Limit(cfg.RateLimit.RPS)
	}
	burst := cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}
	c := &Client{
		base:    base,
		token:   cfg.AccessToken,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, burst),
		http: &fasthttp.Client{
			Name:                "roomline",
			MaxResponseBodySize: maxBody,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
			MaxIdleConnDuration: 30 * time.Second,
		},
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type messagesResponse struct {
	Chunk []json.RawMessage `json:"chunk"`
	Start string            `json:"start"`
	End   string            `json:"end,omitempty"`
}

type errorResponse struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// Fetch requests one page of history. Events are returned in server order
// for the requested direction.
func (c *Client) Fetch(ctx context.Context, req models.FetchRequest) (*models.FetchResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limit")
	}

	httpReq := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(httpReq)
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(httpResp)

	requestID := uuid.NewString()
	httpReq.SetRequestURI(c.messagesURL(req))
	httpReq.Header.SetMethod(fasthttp.MethodGet)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	start := time.Now()
	if err := c.http.DoDeadline(httpReq, httpResp, deadline); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrapf(err, "GET messages for %s", req.RoomID)
	}
	c.log.Debug("messages_fetched",
		zap.Stringer("room_id", req.RoomID),
		zap.String("dir", req.Direction.String()),
		zap.String("request_id", requestID),
		zap.Int("status", httpResp.StatusCode()),
		zap.Duration("took", time.Since(start)))

	if status := httpResp.StatusCode(); status < 200 || status > 299 {
		herr := &HTTPError{Status: status}
		var body errorResponse
		if json.Unmarshal(httpResp.Body(), &body) == nil {
			herr.ErrCode, herr.Message = body.ErrCode, body.Error
		}
		return nil, herr
	}

	var page messagesResponse
	if err := json.Unmarshal(httpResp.Body(), &page); err != nil {
		return nil, errors.Wrap(err, "decode messages response")
	}
	out := &models.FetchResponse{Start: page.Start, End: page.End, Events: make([]*event.Event, 0, len(page.Chunk))}
	for _, raw := range page.Chunk {
		var evt event.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			c.log.Warn("skipping_malformed_event", zap.Stringer("room_id", req.RoomID), zap.Error(err))
			continue
		}
		if evt.RoomID == "" {
			evt.RoomID = req.RoomID
		}
		out.Events = append(out.Events, &evt)
	}
	return out, nil
}

func (c *Client) messagesURL(req models.FetchRequest) string {
	q := url.Values{}
	q.Set("dir", req.Direction.String())
	if req.From != "" {
		q.Set("from", req.From)
	}
	if req.To != "" {
		q.Set("to", req.To)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	return c.base.String() + fmt.Sprintf(messagesPath, url.PathEscape(string(req.RoomID))) + "?" + q.Encode()
}
