package mcp

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/effective-security/weathermcp/mcp/transport/sse"
	"github.com/effective-security/xlog"
	"github.com/google/uuid"
)

// Default SSE routes
const (
	DefaultSSEPath     = "/sse"
	DefaultMessagePath = "/messages/"
)

// SSEOptions configures SSEHandler
type SSEOptions struct {
	// SSEPath is the path of the event stream, `/sse` by default
	SSEPath string
	// MessagePath is the path clients POST messages to, `/messages/` by default
	MessagePath string
	// KeepAlive is the interval of keep-alive comments, zero disables them
	KeepAlive time.Duration
}

// SSEHandler serves MCP over HTTP+SSE.
// Every GET on the stream path opens a new session on the server.
type SSEHandler struct {
	server *Server
	opts   SSEOptions

	mu         sync.RWMutex
	transports map[string]*sse.ServerTransport
	closed     bool
}

var _ http.Handler = (*SSEHandler)(nil)

// NewSSEHandler creates the HTTP handler for server
func NewSSEHandler(server *Server, opts SSEOptions) *SSEHandler {
	if opts.SSEPath == "" {
		opts.SSEPath = DefaultSSEPath
	}
	if opts.MessagePath == "" {
		opts.MessagePath = DefaultMessagePath
	}
	return &SSEHandler{
		server:     server,
		opts:       opts,
		transports: make(map[string]*sse.ServerTransport),
	}
}

func samePath(path, route string) bool {
	return path == route || strings.TrimSuffix(path, "/") == strings.TrimSuffix(route, "/")
}

// ServeHTTP implements http.Handler
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case samePath(r.URL.Path, h.opts.SSEPath):
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleStream(w, r)
	case samePath(r.URL.Path, h.opts.MessagePath):
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleMessage(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *SSEHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tr, err := sse.NewServerTransport(h.opts.MessagePath, w, sse.WithKeepAlive(h.opts.KeepAlive))
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "reason", "sse", "err", err.Error())
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !h.add(tr) {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.remove(tr.SessionID())

	sess, err := h.server.Connect(ctx, tr)
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR, "session", tr.SessionID(), "err", err.Error())
		_ = tr.Close()
		return
	}

	logger.ContextKV(ctx, xlog.INFO, "session", tr.SessionID(), "remote", r.RemoteAddr, "status", "connected")
	<-sess.Done()
	logger.KV(xlog.INFO, "session", tr.SessionID(), "status", "disconnected")
}

func (h *SSEHandler) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(sse.SessionParam)
	if id == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "Invalid session ID", http.StatusBadRequest)
		return
	}

	tr := h.get(id)
	if tr == nil {
		http.Error(w, "Could not find session", http.StatusNotFound)
		return
	}

	if err := tr.HandlePostMessage(r); err != nil {
		logger.ContextKV(r.Context(), xlog.DEBUG, "session", id, "err", err.Error())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}

func (h *SSEHandler) add(tr *sse.ServerTransport) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.transports[tr.SessionID()] = tr
	return true
}

func (h *SSEHandler) get(id string) *sse.ServerTransport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.transports[id]
}

func (h *SSEHandler) remove(id string) {
	h.mu.Lock()
	delete(h.transports, id)
	h.mu.Unlock()
}

// Len returns the number of open streams
func (h *SSEHandler) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.transports)
}

// Close ends all open streams and refuses new ones.
// Register it with http.Server.RegisterOnShutdown, streams never go idle.
func (h *SSEHandler) Close() {
	h.mu.Lock()
	h.closed = true
	list := make([]*sse.ServerTransport, 0, len(h.transports))
	for _, tr := range h.transports {
		list = append(list, tr)
	}
	h.mu.Unlock()

	for _, tr := range list {
		_ = tr.Close()
	}
}
