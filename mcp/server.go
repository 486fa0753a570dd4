// Package mcp implements a Model Context Protocol server exposing tools.
//
// A Server holds the tool registry shared by all clients.
// Each client connection is bound to the server with Connect,
// which returns a Session speaking JSON-RPC over the given transport.
//
//	server := mcp.NewServer(mcp.WithName("Weather"))
//	err := server.RegisterTool("get_weather", "Get weather for specific location",
//	    func(ctx context.Context, req Request) (string, error) { ... })
//	http.Handle("/", mcp.NewSSEHandler(server, mcp.SSEOptions{}))
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/weathermcp/mcp/internal/protocol"
	"github.com/effective-security/weathermcp/mcp/transport"
	"github.com/effective-security/weathermcp/pkg/metricskey"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/weathermcp", "mcp")

const (
	// LatestProtocolVersion is the protocol version offered to clients
	// requesting a version this server does not support
	LatestProtocolVersion = "2025-03-26"
)

// SupportedProtocolVersions lists the protocol versions this server speaks, latest first
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2024-11-05",
}

const (
	methodInitialize             = "initialize"
	methodPing                   = "ping"
	methodToolsList              = "tools/list"
	methodToolsCall              = "tools/call"
	notificationToolsListChanged = "notifications/tools/list_changed"

	// unknownToolTag tags calls to tools that are not registered
	unknownToolTag = "unknown"
)

// Implementation describes the name and version of an MCP implementation
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolsCapability is advertised when the server offers tools
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ServerCapabilities is the set of capabilities advertised in `initialize`
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// InitializeRequest is the params of `initialize`
type InitializeRequest struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      Implementation  `json:"clientInfo"`
}

// InitializeResponse is the result of `initialize`
type InitializeResponse struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithName sets the server name reported to clients
func WithName(name string) ServerOption {
	return func(s *Server) {
		s.name = name
	}
}

// WithVersion sets the server version reported to clients
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// WithInstructions sets the instructions returned from `initialize`
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithPaginationLimit sets the page size of `tools/list`,
// zero or negative disables pagination
func WithPaginationLimit(limit int) ServerOption {
	return func(s *Server) {
		if limit > 0 {
			s.paginationLimit = &limit
		} else {
			s.paginationLimit = nil
		}
	}
}

// Server is an MCP server with a tool registry shared by all sessions
type Server struct {
	name            string
	version         string
	instructions    string
	paginationLimit *int

	mu       sync.RWMutex
	tools    map[string]*tool
	sessions map[*Session]struct{}
}

// NewServer creates a server
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		name:     "mcp",
		version:  "1.0.0",
		tools:    make(map[string]*tool),
		sessions: make(map[*Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the server name
func (s *Server) Name() string {
	return s.name
}

// Version returns the server version
func (s *Server) Version() string {
	return s.version
}

// RegisterTool registers a tool, replacing any tool with the same name.
// See newTool for the accepted handler signatures.
func (s *Server) RegisterTool(name string, description string, handler any) error {
	t, err := newTool(name, description, handler)
	if err != nil {
		return err
	}

	s.mu.Lock()
	_, replaced := s.tools[name]
	s.tools[name] = t
	s.mu.Unlock()

	logger.KV(xlog.DEBUG, "tool", name, "replaced", replaced)
	s.notifyToolsChanged()
	return nil
}

// DeregisterTool removes a tool
func (s *Server) DeregisterTool(name string) error {
	s.mu.Lock()
	_, ok := s.tools[name]
	delete(s.tools, name)
	s.mu.Unlock()

	if !ok {
		return errors.Errorf("tool %s not found", name)
	}
	s.notifyToolsChanged()
	return nil
}

// CheckToolRegistered returns true if a tool is registered under name
func (s *Server) CheckToolRegistered(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tools[name]
	return ok
}

// ListTools returns the definitions of all registered tools, sorted by name
func (s *Server) ListTools() []ToolRetType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]ToolRetType, 0, len(s.tools))
	for _, t := range s.tools {
		list = append(list, t.definition())
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

func (s *Server) notifyToolsChanged() {
	s.mu.RLock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if err := sess.protocol.Notification(notificationToolsListChanged, nil); err != nil {
			logger.KV(xlog.DEBUG, "reason", "notify", "err", err.Error())
		}
	}
}

// Session is one client connection bound to the server
type Session struct {
	server   *Server
	protocol *protocol.Protocol
	kind     string
	started  time.Time

	mu              sync.RWMutex
	initialized     bool
	protocolVersion string
	clientInfo      Implementation
	done            chan struct{}

	// opened is set once the transport started, only opened sessions are
	// counted in session metrics
	opened bool
	closed bool
}

// Connect binds a client connection on tr to the server and starts the transport.
// The session ends when the transport closes.
func (s *Server) Connect(ctx context.Context, tr transport.Transport) (*Session, error) {
	sess := &Session{
		server:   s,
		protocol: protocol.NewProtocol(),
		kind:     transportKind(tr),
		started:  time.Now(),
		done:     make(chan struct{}),
	}

	p := sess.protocol
	p.OnClose = sess.handleClose
	p.OnError = func(err error) {
		logger.ContextKV(ctx, xlog.DEBUG, "transport", sess.kind, "err", err.Error())
	}
	p.OnInitialized = func() {
		sess.mu.Lock()
		sess.initialized = true
		sess.mu.Unlock()
	}
	p.SetRequestHandler(methodInitialize, sess.handleInitialize)
	p.SetRequestHandler(methodPing, s.handlePing)
	p.SetRequestHandler(methodToolsList, s.handleListTools)
	p.SetRequestHandler(methodToolsCall, s.handleToolCalls)

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	if err := p.Connect(ctx, tr); err != nil {
		s.removeSession(sess)
		return nil, errors.Wrap(err, "failed to start transport")
	}

	sess.mu.Lock()
	if !sess.closed {
		sess.opened = true
		metricskey.StatsSessionsOpened.IncrCounter(1, sess.kind)
	}
	sess.mu.Unlock()
	return sess, nil
}

func transportKind(tr transport.Transport) string {
	type kinder interface {
		Kind() string
	}
	if k, ok := tr.(kinder); ok {
		return k.Kind()
	}
	return "custom"
}

func (s *Server) removeSession(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Sessions returns the number of connected sessions
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (sess *Session) handleClose() {
	sess.server.removeSession(sess)

	sess.mu.Lock()
	sess.closed = true
	if sess.opened {
		metricskey.StatsSessionsClosed.IncrCounter(1, sess.kind)
		metricskey.PerfSession.MeasureSince(sess.started, sess.kind)
	}
	sess.mu.Unlock()

	close(sess.done)
}

// Close closes the session transport
func (sess *Session) Close() error {
	return sess.protocol.Close()
}

// Done is closed when the session ends
func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

// Initialized returns true once the client sent `notifications/initialized`
func (sess *Session) Initialized() bool {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.initialized
}

// ProtocolVersion returns the version negotiated in `initialize`
func (sess *Session) ProtocolVersion() string {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.protocolVersion
}

// ClientInfo returns the client implementation reported in `initialize`
func (sess *Session) ClientInfo() Implementation {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.clientInfo
}

func negotiateVersion(requested string) string {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return LatestProtocolVersion
}

func (sess *Session) handleInitialize(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	var params InitializeRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "failed to unmarshal initialize params: %s", err.Error())
		}
	}

	version := negotiateVersion(params.ProtocolVersion)

	sess.mu.Lock()
	sess.protocolVersion = version
	sess.clientInfo = params.ClientInfo
	sess.mu.Unlock()

	logger.ContextKV(ctx, xlog.INFO,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"requested", params.ProtocolVersion,
		"protocol", version,
	)

	s := sess.server
	return InitializeResponse{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{ListChanged: true},
		},
		ServerInfo: Implementation{
			Name:    s.name,
			Version: s.version,
		},
		Instructions: s.instructions,
	}, nil
}

func (s *Server) handlePing(_ context.Context, _ *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	return map[string]any{}, nil
}

func (s *Server) handleListTools(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	var params struct {
		Cursor *string `json:"cursor"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "failed to unmarshal tools/list params: %s", err.Error())
		}
	}

	list := s.ListTools()

	if params.Cursor != nil {
		c, err := base64.StdEncoding.DecodeString(*params.Cursor)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid cursor: %s", err.Error())
		}
		cursor := string(c)
		start := sort.Search(len(list), func(i int) bool {
			return list[i].Name > cursor
		})
		list = list[start:]
	}

	resp := ToolsResponse{Tools: list}
	if s.paginationLimit != nil && len(list) > *s.paginationLimit {
		resp.Tools = list[:*s.paginationLimit]
		next := base64.StdEncoding.EncodeToString([]byte(resp.Tools[len(resp.Tools)-1].Name))
		resp.NextCursor = &next
	}
	return resp, nil
}

// ToolCallRequest is the params of `tools/call`
type ToolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func (s *Server) handleToolCalls(ctx context.Context, req *transport.BaseJSONRPCRequest, _ protocol.RequestHandlerExtra) (transport.JsonRpcBody, error) {
	var params ToolCallRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "failed to unmarshal arguments: %s", err.Error())
	}

	s.mu.RLock()
	t := s.tools[params.Name]
	s.mu.RUnlock()

	if t == nil {
		// client supplied names are not used as tag values
		metricskey.StatsToolCallsNotFound.IncrCounter(1, unknownToolTag)
		return nil, protocol.NewError(protocol.CodeInvalidParams, "unknown tool: %s", params.Name)
	}

	started := time.Now()
	defer metricskey.PerfToolCall.MeasureSince(started, t.Name)

	res, err := t.Handler(ctx, params.Arguments)
	if err != nil {
		metricskey.StatsToolCallsInvalidArgs.IncrCounter(1, t.Name)
		logger.ContextKV(ctx, xlog.DEBUG, "tool", t.Name, "err", err.Error())
		return nil, err
	}

	if res.Error != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, t.Name)
		logger.ContextKV(ctx, xlog.WARNING, "tool", t.Name, "err", res.Error.Error())
	} else {
		metricskey.StatsToolCallsSucceeded.IncrCounter(1, t.Name)
		logger.ContextKV(ctx, xlog.DEBUG, "tool", t.Name, "status", "ok")
	}
	return res, nil
}
