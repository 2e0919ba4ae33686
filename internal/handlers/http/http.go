package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"jobsched/internal/domain"
	"jobsched/internal/handlers"
)

// DefaultTimeout bounds an HTTP action that does not set its own timeout.
const DefaultTimeout = 360 * time.Second

// maxDetailBytes caps how much of a response body lands in an outcome.
const maxDetailBytes = 4 << 10

type Config struct {
	DefaultTimeout time.Duration
	RatePerSecond  float64 // 0 disables the limiter
	Burst          int
}

// HTTP executes domain.HTTPAction.
type HTTP struct {
	defaultTimeout time.Duration
	limiter        *rate.Limiter
	transport      http.RoundTripper
}

func New(cfg Config) *HTTP {
	h := &HTTP{defaultTimeout: cfg.DefaultTimeout, transport: http.DefaultTransport}
	if h.defaultTimeout <= 0 {
		h.defaultTimeout = DefaultTimeout
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return h
}

func (h *HTTP) Execute(ctx context.Context, jc domain.JobContext, action domain.Action) handlers.Outcome {
	req := action.HTTP
	if req == nil {
		return handlers.Failedf("http executor got %s action", action.Kind())
	}
	timeout := req.TimeoutOr(h.defaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := log.With().
		Str("job_id", jc.JobID).
		Str("job_name", jc.JobName).
		Str("method", req.MethodOrDefault()).
		Str("url", req.URL).
		Logger()

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return handlers.Failedf("rate limit wait: %v", err)
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = strings.NewReader(*req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.MethodOrDefault(), req.URL, body)
	if err != nil {
		return handlers.Failedf("failed to create HTTP request: %v", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	logger.Debug().Dur("timeout", timeout).Msg("executing http action")

	client := &http.Client{Timeout: timeout, Transport: h.transport}
	resp, err := client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return handlers.Failedf("HTTP request timed out after %s", timeout)
		}
		return handlers.Failedf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
	if err != nil {
		return handlers.Failed(resp.StatusCode, fmt.Sprintf("failed to read response body: %v", err))
	}

	detail := strings.TrimSpace(string(respBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return handlers.Failed(resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, detail))
	}
	logger.Debug().Int("status_code", resp.StatusCode).Msg("http action succeeded")
	return handlers.Succeeded(resp.StatusCode, detail)
}
