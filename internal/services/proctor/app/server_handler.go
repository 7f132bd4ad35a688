package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/louisbranch/proctorvision/internal/platform/timeouts"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage"
	"go.uber.org/zap"
)

// HandlerConfig configures the HTTP routes.
type HandlerConfig struct {
	Accounts    storage.AccountStore
	Escalations storage.EscalationJournal
	// TokenSecret enables HS256 bearer verification on the HTTP API. The
	// websocket endpoint is keyed by participant id and stays open.
	TokenSecret      string
	HeartbeatTimeout time.Duration
	Logger           *zap.Logger
	Now              func() time.Time
}

type handler struct {
	services    *Services
	accounts    storage.AccountStore
	escalations storage.EscalationJournal
	verifier    *tokenVerifier
	heartbeat   time.Duration
	logger      *zap.Logger
	now         func() time.Time
	upgrader    websocket.Upgrader

	background sync.WaitGroup

	socketsMu sync.Mutex
	sockets   map[*websocket.Conn]struct{}
}

// NewHandler creates the proctoring routes over already-wired services.
func NewHandler(services *Services, config HandlerConfig) http.Handler {
	return newHandler(services, config).routes()
}

func newHandler(services *Services, config HandlerConfig) *handler {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := config.HeartbeatTimeout
	if heartbeat <= 0 {
		heartbeat = timeouts.Heartbeat
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	var verifier *tokenVerifier
	if secret := strings.TrimSpace(config.TokenSecret); secret != "" {
		verifier = newTokenVerifier(secret, now)
	}
	return &handler{
		services:    services,
		accounts:    config.Accounts,
		escalations: config.Escalations,
		verifier:    verifier,
		heartbeat:   heartbeat,
		logger:      logger,
		now:         now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Exam clients are served from a separate origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sockets: make(map[*websocket.Conn]struct{}),
	}
}

func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("GET /ws/{participant}", h.serveWS)

	mux.Handle("POST /continuous-auth/initialize", h.authenticated(h.handleInitialize))
	mux.Handle("GET /continuous-auth/status/{account_id}", h.authenticated(h.handleStatus))
	mux.Handle("POST /continuous-auth/verify", h.authenticated(h.handleVerify))
	mux.Handle("DELETE /continuous-auth/session/{account_id}", h.authenticated(h.handleEndSession))
	mux.Handle("GET /continuous-auth/escalations/{account_id}", h.authenticated(h.handleListEscalations))
	mux.Handle("POST /accounts", h.authenticated(h.handleCreateAccount))
	mux.Handle("POST /accounts/{account_id}/face-registration", h.authenticated(h.handleFaceRegistration))
	return mux
}

func (h *handler) track(socket *websocket.Conn) {
	h.socketsMu.Lock()
	h.sockets[socket] = struct{}{}
	h.socketsMu.Unlock()
}

func (h *handler) untrack(socket *websocket.Conn) {
	h.socketsMu.Lock()
	delete(h.sockets, socket)
	h.socketsMu.Unlock()
}

// closeAll disconnects every live participant.
func (h *handler) closeAll() {
	h.socketsMu.Lock()
	sockets := make([]*websocket.Conn, 0, len(h.sockets))
	for socket := range h.sockets {
		sockets = append(sockets, socket)
	}
	h.socketsMu.Unlock()

	deadline := time.Now().Add(timeouts.SocketWrite)
	for _, socket := range sockets {
		_ = socket.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = socket.Close()
	}
}

// goBackground runs f outside the request, tracked so shutdown can drain it.
func (h *handler) goBackground(f func()) {
	h.background.Add(1)
	go func() {
		defer h.background.Done()
		f()
	}()
}

func (h *handler) wait() {
	h.background.Wait()
}
