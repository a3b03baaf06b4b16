// Package notify delivers job notifications to a webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/model"
)

// Sender delivers a notification.
type Sender interface {
	Send(ctx context.Context, n model.Notification) error
}

// Recorder receives notification metrics.
type Recorder interface {
	RecordNotification(event, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordNotification(string, string) {}

// sensitiveData lists notification data keys, beyond the money figures
// observability already masks, that are never written to logs.
var sensitiveData = []string{"email", "candidate_name"}

// HTTPSender posts notifications as JSON to a webhook, rate limited.
type HTTPSender struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	metrics Recorder
	logger  *zap.Logger
}

// NewHTTPSender creates a sender from cfg. A zero rate disables limiting.
func NewHTTPSender(cfg config.NotificationConfig, logger *zap.Logger) *HTTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSender{
		url:     cfg.WebhookURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		metrics: nopRecorder{},
		logger:  logger,
	}
}

// WithMetrics sets the metrics recorder.
func (s *HTTPSender) WithMetrics(r Recorder) *HTTPSender {
	if r != nil {
		s.metrics = r
	}
	return s
}

// Send posts n. It waits for the rate limiter, so callers should run it off
// the request path.
func (s *HTTPSender) Send(ctx context.Context, n model.Notification) (err error) {
	ctx, span := observability.StartSpan(ctx, "notify.send",
		observability.AttrJobID.String(n.JobID),
		observability.AttrProgramID.String(n.ProgramID),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		outcome := "sent"
		if err != nil {
			outcome = "failed"
		}
		s.metrics.RecordNotification(n.Event, outcome)
	}()

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("notify: rate limit wait: %w", err)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, req.Header)

	if ce := s.logger.Check(zap.DebugLevel, "sending notification"); ce != nil {
		ce.Write(
			zap.String("event", n.Event),
			zap.String("job_id", n.JobID),
			zap.Any("data", observability.RedactBody(n.Data, sensitiveData)),
		)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", n.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d for %s", resp.StatusCode, n.Event)
	}
	return nil
}

// LogSender writes notifications to the log. It is used when no webhook is
// configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, n model.Notification) error {
	s.logger.Info("notification",
		zap.String("event", n.Event),
		zap.String("program_id", n.ProgramID),
		zap.String("job_id", n.JobID),
		zap.Strings("recipients", n.Recipients),
	)
	return nil
}
