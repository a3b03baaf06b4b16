package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/requisition/model"
)

// Workflow service operation ids, as declared in the service's OpenAPI spec.
const (
	opCreateWorkflowInstance = "createWorkflowInstance"
	opUpdateWorkflow         = "updateWorkflow"
	opCreateLevel            = "createLevel"
	opCreateRecipients       = "createRecipients"
)

// RecordedRequest captures one request received by a mock server.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	ReceivedAt time.Time
}

type scriptedResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// MockWorkflowService simulates the remote workflow service. Every operation
// succeeds with a plausible body unless a response was scripted for it.
type MockWorkflowService struct {
	server *httptest.Server

	mu       sync.Mutex
	scripted map[string][]*scriptedResponse
	received map[string][]*RecordedRequest
	levelSeq int
}

func newMockWorkflowService(t *testing.T) *MockWorkflowService {
	t.Helper()

	m := &MockWorkflowService{
		scripted: make(map[string][]*scriptedResponse),
		received: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /workflows", m.handle(opCreateWorkflowInstance))
	mux.HandleFunc("PUT /workflows/{workflowId}", m.handle(opUpdateWorkflow))
	mux.HandleFunc("POST /levels", m.handle(opCreateLevel))
	mux.HandleFunc("POST /levels/{levelId}/recipients", m.handle(opCreateRecipients))

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the base URL of the mock service.
func (m *MockWorkflowService) URL() string {
	return m.server.URL
}

// Fail scripts the next call of opID to answer with status. The last
// scripted response repeats for later calls.
func (m *MockWorkflowService) Fail(opID string, status int, message string) {
	m.script(opID, &scriptedResponse{status: status, body: map[string]any{"message": message}})
}

// Delay scripts a slow successful response for opID.
func (m *MockWorkflowService) Delay(opID string, d time.Duration) {
	m.script(opID, &scriptedResponse{delay: d})
}

// Drop scripts opID to close the connection without answering.
func (m *MockWorkflowService) Drop(opID string) {
	m.script(opID, &scriptedResponse{connError: true})
}

// Recover clears every scripted response.
func (m *MockWorkflowService) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted = make(map[string][]*scriptedResponse)
}

func (m *MockWorkflowService) script(opID string, r *scriptedResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripted[opID] = append(m.scripted[opID], r)
}

// Calls returns the number of requests received for opID.
func (m *MockWorkflowService) Calls(opID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.received[opID])
}

// LastRequest returns the last request received for opID, or nil.
func (m *MockWorkflowService) LastRequest(opID string) *RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqs := m.received[opID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func (m *MockWorkflowService) handle(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := record(r)

		m.mu.Lock()
		m.received[opID] = append(m.received[opID], rec)
		var resp *scriptedResponse
		if queue := m.scripted[opID]; len(queue) > 0 {
			resp = queue[0]
			if len(queue) > 1 {
				m.scripted[opID] = queue[1:]
			}
		}
		m.levelSeq++
		seq := m.levelSeq
		m.mu.Unlock()

		if resp != nil && resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		if resp != nil && resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}
		if resp != nil && resp.status != 0 {
			writeMockJSON(w, resp.status, resp.body)
			return
		}

		switch opID {
		case opCreateLevel:
			writeMockJSON(w, http.StatusCreated, map[string]string{"id": fmt.Sprintf("level-%d", seq)})
		case opCreateWorkflowInstance:
			writeMockJSON(w, http.StatusCreated, map[string]string{
				"flow_type":       fmt.Sprint(rec.Body["flow_type"]),
				"workflow_status": model.WorkflowStatusPending,
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// MockWebhook receives notifications posted by the service.
type MockWebhook struct {
	server *httptest.Server

	mu       sync.Mutex
	status   int
	received []model.Notification
}

func newMockWebhook(t *testing.T) *MockWebhook {
	t.Helper()

	m := &MockWebhook{status: http.StatusAccepted}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n model.Notification
		if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		m.mu.Lock()
		m.received = append(m.received, n)
		status := m.status
		m.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(m.server.Close)
	return m
}

// URL returns the webhook endpoint.
func (m *MockWebhook) URL() string {
	return m.server.URL
}

// RespondWith sets the status every later delivery receives.
func (m *MockWebhook) RespondWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Events returns the event names delivered for jobID.
func (m *MockWebhook) Events(jobID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, n := range m.received {
		if n.JobID == jobID {
			out = append(out, n.Event)
		}
	}
	return out
}

func record(r *http.Request) *RecordedRequest {
	rec := &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	}
	if r.Body != nil {
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(raw, &parsed); err == nil {
				rec.Body = parsed
			}
		}
	}
	return rec
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}
