// Package workflowsvc is the HTTP client for the external workflow service.
// It mirrors level, recipient and instance state through the operations
// declared in the service's OpenAPI document.
package workflowsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/requisition/internal/config"
	"github.com/pitabwire/requisition/internal/observability"
	"github.com/pitabwire/requisition/internal/workflow"
	"github.com/pitabwire/requisition/model"
)

// ServiceID labels metrics and spans for the workflow service.
const ServiceID = "workflow"

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Recorder receives backend call metrics.
type Recorder interface {
	RecordBackendRequest(serviceID, operationID string, status int, duration time.Duration)
	RecordBackendRetry(serviceID string)
	SetBackendCircuitBreakerState(serviceID string, state float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordBackendRequest(string, string, int, time.Duration) {}
func (nopRecorder) RecordBackendRetry(string)                               {}
func (nopRecorder) SetBackendCircuitBreakerState(string, float64)           {}

// Client implements workflow.Adapter over HTTP.
type Client struct {
	ops     *Operations
	cfg     config.ServiceConfig
	http    *http.Client
	breaker *Breaker
	metrics Recorder
	logger  *zap.Logger
}

var _ workflow.Adapter = (*Client)(nil)

// NewClient creates a client for the operations in ops.
func NewClient(ops *Operations, cfg config.ServiceConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		ops: ops,
		cfg: cfg,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxConnsPerHost:     25,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		breaker: NewBreaker(cfg.CircuitBreaker),
		metrics: nopRecorder{},
		logger:  logger,
	}
	return c
}

// WithMetrics attaches a metrics recorder and reports breaker movements to it.
func (c *Client) WithMetrics(m Recorder) *Client {
	if m == nil {
		return c
	}
	c.metrics = m
	m.SetBackendCircuitBreakerState(ServiceID, float64(BreakerClosed))
	c.breaker.OnStateChange(func(s BreakerState) {
		m.SetBackendCircuitBreakerState(ServiceID, float64(s))
	})
	return c
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

func (c *Client) CreateLevel(ctx context.Context, wf model.Workflow, level model.Level) (string, error) {
	body := map[string]any{
		"workflow_id":         wf.ID,
		"program_id":          wf.ProgramID,
		"placement_order":     level.PlacementOrder,
		"status":              level.Status,
		"conditions":          level.Conditions,
		"operator_conditions": level.OperatorConditions,
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.call(ctx, OpCreateLevel, nil, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("workflowsvc: %s returned no level id", OpCreateLevel)
	}
	return out.ID, nil
}

func (c *Client) CreateRecipients(ctx context.Context, levelID string, recipients []model.Recipient) error {
	body := map[string]any{"recipients": recipients}
	return c.call(ctx, OpCreateRecipients, map[string]string{"levelId": levelID}, body, nil)
}

func (c *Client) UpdateWorkflow(ctx context.Context, workflowID string, update workflow.WorkflowUpdate) error {
	body := map[string]any{
		"levels":     update.Levels,
		"status":     update.Status,
		"is_updated": update.IsUpdated,
	}
	return c.call(ctx, OpUpdateWorkflow, map[string]string{"workflowId": workflowID}, body, nil)
}

func (c *Client) CreateWorkflowInstance(ctx context.Context, wf model.Workflow) (workflow.InstanceInfo, error) {
	body := map[string]any{
		"id":          wf.ID,
		"program_id":  wf.ProgramID,
		"template_id": wf.TemplateID,
		"flow_type":   wf.FlowType,
		"events":      wf.Event,
		"levels":      wf.Levels,
	}
	var info workflow.InstanceInfo
	if err := c.call(ctx, OpCreateWorkflowInstance, nil, body, &info); err != nil {
		return workflow.InstanceInfo{}, err
	}
	return info, nil
}

// call validates, sends and decodes one operation.
func (c *Client) call(ctx context.Context, opID string, pathParams map[string]string, body map[string]any, out any) (err error) {
	op, ok := c.ops.Get(opID)
	if !ok {
		return fmt.Errorf("workflowsvc: operation %q not indexed", opID)
	}
	if errs := op.Validate(body); len(errs) > 0 {
		return model.NewValidationError(errs)
	}

	ctx, span := observability.StartSpan(ctx, "workflowsvc."+opID,
		observability.AttrServiceID.String(ServiceID),
		observability.AttrOperationID.String(opID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("workflowsvc: marshal %s: %w", opID, err)
	}

	status, respBody, err := c.executeWithRetry(ctx, op, buildURL(op, pathParams), payload)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return statusError(opID, status, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("workflowsvc: decode %s response: %w", opID, err)
	}
	return nil
}

func (c *Client) executeWithRetry(ctx context.Context, op Operation, reqURL string, payload []byte) (int, []byte, error) {
	retry := c.cfg.Retry
	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	canRetry := isIdempotentMethod(op.Method) || !retry.IdempotentOnly

	var (
		lastStatus int
		lastBody   []byte
		lastErr    error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.metrics.RecordBackendRetry(ServiceID)
			select {
			case <-ctx.Done():
				return 0, nil, model.NewBackendTimeoutError()
			case <-time.After(backoff(retry, attempt)):
			}
		}

		status, body, err := c.executeOnce(ctx, op, reqURL, payload)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				break
			}
			c.logger.Debug("workflow service call failed, retrying",
				zap.String("operation_id", op.ID),
				zap.Int("attempt", attempt+1),
				zap.Int("max", attempts),
				zap.Error(err),
			)
			continue
		}

		lastErr = nil
		lastStatus, lastBody = status, body
		if canRetry && isRetryableStatus(status) && attempt < attempts-1 {
			c.logger.Debug("workflow service returned retryable status",
				zap.String("operation_id", op.ID),
				zap.Int("attempt", attempt+1),
				zap.Int("status", status),
			)
			continue
		}
		return status, body, nil
	}

	if lastErr != nil {
		return 0, nil, classifyTransportError(ctx, lastErr)
	}
	return lastStatus, lastBody, nil
}

func (c *Client) executeOnce(ctx context.Context, op Operation, reqURL string, payload []byte) (int, []byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return 0, nil, model.NewBackendUnavailableError().WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("workflowsvc: build request: %w", err)
	}
	req.Header = buildHeaders(ctx)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.RecordBackendRequest(ServiceID, op.ID, 0, time.Since(start))
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.RecordBackendRequest(ServiceID, op.ID, resp.StatusCode, time.Since(start))
	if err != nil {
		c.breaker.RecordFailure()
		return 0, nil, fmt.Errorf("workflowsvc: read response: %w", err)
	}

	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}
	return resp.StatusCode, body, nil
}

func buildURL(op Operation, pathParams map[string]string) string {
	path := op.PathTemplate
	for name, value := range pathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	return strings.TrimRight(op.BaseURL, "/") + path
}

// buildHeaders forwards the caller's identity and trace context.
func buildHeaders(ctx context.Context) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		h.Set("X-Program-Id", sanitizeHeader(rctx.ProgramID))
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
	}
	observability.InjectTraceHeaders(ctx, h)
	return h
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

// statusError maps a non-2xx answer onto the error codes callers branch on.
func statusError(opID string, status int, body []byte) error {
	var remote struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &remote)
	msg := remote.Message
	if msg == "" {
		msg = fmt.Sprintf("workflow service %s returned %d", opID, status)
	}

	switch {
	case status == http.StatusNotFound:
		return model.NewNotFoundError(msg)
	case status == http.StatusConflict:
		return model.NewConflictError(msg)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return model.NewBadRequestError(msg)
	case status == http.StatusGatewayTimeout:
		return model.NewBackendTimeoutError()
	}
	return model.NewBackendUnavailableError()
}

func classifyTransportError(ctx context.Context, err error) error {
	if _, ok := model.AsEnvelope(err); ok {
		return err
	}
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return model.NewBackendTimeoutError().WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.NewBackendTimeoutError().WithCause(err)
	}
	if isConnectionError(err) {
		return model.NewBackendUnavailableError().WithCause(err)
	}
	return fmt.Errorf("workflowsvc: request failed: %w", err)
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError rejects envelopes, which include breaker rejections.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	_, isEnvelope := model.AsEnvelope(err)
	return !isEnvelope
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 2
	}
	ceiling := cfg.BackoffMax
	if ceiling <= 0 {
		ceiling = 2 * time.Second
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * mult)
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}
