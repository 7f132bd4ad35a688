package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/proctorvision/internal/services/proctor/identity"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage"
)

type fakeAccounts struct {
	mu            sync.Mutex
	byParticipant map[string]int64
}

func (f *fakeAccounts) PutAccount(_ context.Context, account storage.Account) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byParticipant[account.Participant]; ok {
		return storage.ErrAlreadyExists
	}
	for _, id := range f.byParticipant {
		if id == account.ID {
			return storage.ErrAlreadyExists
		}
	}
	f.byParticipant[account.Participant] = account.ID
	return nil
}

func (f *fakeAccounts) ResolveAccount(_ context.Context, participant string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byParticipant[participant]
	if !ok {
		return 0, storage.ErrNotFound
	}
	return id, nil
}

type fakeIdentity struct {
	mu       sync.Mutex
	distance float64
	faces    int
}

func (f *fakeIdentity) setDistance(d float64) {
	f.mu.Lock()
	f.distance = d
	f.mu.Unlock()
}

func (f *fakeIdentity) DetectFaces(context.Context, []byte) ([]identity.Face, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	faces := make([]identity.Face, f.faces)
	return faces, nil
}

func (f *fakeIdentity) Authenticate(_ context.Context, image []byte) (identity.AuthResult, error) {
	if string(image) == "stranger" {
		return identity.AuthResult{Success: false}, nil
	}
	return identity.AuthResult{Success: true, Confidence: 0.95}, nil
}

func (f *fakeIdentity) Distance(context.Context, []byte, []byte) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.distance, nil
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []storage.Escalation
}

func (f *fakeJournal) RecordEscalation(_ context.Context, e storage.Escalation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeJournal) ListEscalations(_ context.Context, accountID int64, limit int) ([]storage.Escalation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Escalation
	for i := len(f.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if f.entries[i].AccountID == accountID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

type testEnv struct {
	services *Services
	handler  *handler
	server   *httptest.Server
	identity *fakeIdentity
	journal  *fakeJournal
}

type envOption func(*HandlerConfig)

func withHeartbeat(d time.Duration) envOption {
	return func(c *HandlerConfig) { c.HeartbeatTimeout = d }
}

func withTokenSecret(secret string) envOption {
	return func(c *HandlerConfig) { c.TokenSecret = secret }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	id := &fakeIdentity{distance: 0.1, faces: 1}
	journal := &fakeJournal{}
	services := NewServices(id, ServiceOptions{Journal: journal})
	cfg := HandlerConfig{
		Accounts: &fakeAccounts{byParticipant: map[string]int64{
			"teacher": 1,
			"s1":      101,
			"s2":      102,
			"s3":      103,
		}},
		Escalations: journal,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := newHandler(services, cfg)
	srv := httptest.NewServer(h.routes())
	t.Cleanup(func() {
		h.closeAll()
		srv.Close()
		h.wait()
	})
	return &testEnv{services: services, handler: h, server: srv, identity: id, journal: journal}
}

func (e *testEnv) dial(t *testing.T, participant string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/" + participant
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials and waits until the registry holds the connection.
func (e *testEnv) connect(t *testing.T, participant string) *websocket.Conn {
	t.Helper()

	conn := e.dial(t, participant)
	waitFor(t, func() bool { return e.services.Registry.Connected(participant) })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func send(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readType reads frames until one of the given type arrives.
func readType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", frameType, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if frame["type"] == frameType {
			return frame
		}
	}
}

// expectSilence fails if a frame of frameType arrives within d.
func expectSilence(t *testing.T, conn *websocket.Conn, frameType string, d time.Duration) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(d))
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		var frame map[string]any
		if json.Unmarshal(data, &frame) == nil && frame["type"] == frameType {
			t.Fatalf("unexpected %s frame: %s", frameType, data)
		}
	}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}
