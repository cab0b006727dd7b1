package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/observability"
)

const maxBodyBytes = 8 << 20

type Config struct {
	BaseURL    string
	UserID     string
	HKey       string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
}

type Client struct {
	http   *http.Client
	cfg    Config
	sleep  Sleeper
	logger *slog.Logger
}

func New(cfg Config, hc *http.Client, logger *slog.Logger) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &Client{http: hc, cfg: cfg, sleep: ctxSleep, logger: logger}
}

// WithSleeper replaces the backoff sleeper, for tests.
func (c *Client) WithSleeper(s Sleeper) *Client {
	c.sleep = s
	return c
}

// FetchTarget calls the provider endpoint for one target. The payload is
// shaped per the endpoint table; detail endpoints get detailYn/imgYn set.
func (c *Client) FetchTarget(ctx context.Context, t Target, payload RequestPayload) (*Response, error) {
	spec, ok := endpointTable[t]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", t)
	}
	if spec.shape == shapeDetail {
		payload.DetailYn = "Y"
		payload.ImgYn = "N"
	}
	return c.post(ctx, spec.path, payload)
}

// post runs the bounded-retry attempt loop for one endpoint.
func (c *Client) post(ctx context.Context, endpoint string, payload RequestPayload) (*Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	state := newRetryState(c.cfg.MaxRetries, c.cfg.RetryBase, c.cfg.RetryCap)
	for {
		resp, err := c.attempt(ctx, endpoint, body)
		if err == nil {
			return resp, nil
		}
		delay, retry := state.next(err)
		if !retry {
			return nil, err
		}
		observability.IncUpstreamRetry(endpoint)
		c.logger.LogAttrs(ctx, slog.LevelWarn, "upstream retry",
			slog.String("endpoint", endpoint),
			slog.Int("attempt", state.attempt),
			slog.String("delay", delay.String()),
			slog.String("err", err.Error()),
		)
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

func (c *Client) attempt(ctx context.Context, endpoint string, body []byte) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.cfg.BaseURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("user-id", c.cfg.UserID)
	req.Header.Set("Hkey", c.cfg.HKey)

	start := time.Now()
	res, err := c.http.Do(req)
	observability.ObserveUpstreamLatency(endpoint, time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, &APIError{Endpoint: endpoint, Timeout: true}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("upstream %s: %w", endpoint, err)
	}
	defer func() { _ = res.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: read body: %w", endpoint, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{Endpoint: endpoint, Status: res.StatusCode}
		// some gateways still wrap errors in the envelope on non-2xx
		var env Response
		if json.Unmarshal(raw, &env) == nil && env.Common.ErrCd != "" {
			apiErr.ErrCd = env.Common.ErrCd
			apiErr.ErrMsg = env.Common.ErrMsg
			apiErr.UserTrNo = env.Common.UserTrNo
			apiErr.HyphenTrNo = env.Common.HyphenTrNo
		}
		return nil, apiErr
	}

	var env Response
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("upstream %s: decode envelope: %w", endpoint, err)
	}
	if env.Failed() {
		return nil, &APIError{
			Endpoint:   endpoint,
			Status:     res.StatusCode,
			ErrCd:      env.Common.ErrCd,
			ErrMsg:     env.Common.ErrMsg,
			UserTrNo:   env.Common.UserTrNo,
			HyphenTrNo: env.Common.HyphenTrNo,
		}
	}
	return &env, nil
}
