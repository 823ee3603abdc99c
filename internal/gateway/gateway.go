// Package gateway authenticates bidirectional stream connections and routes
// them to session runtimes. Reconnects rebind the existing runtime; the
// displaced connection is closed here.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/pi-dev/pi-server/internal/runtime"
	"github.com/pi-dev/pi-server/internal/store"
	"github.com/pi-dev/pi-server/internal/watcher"
	"github.com/pi-dev/pi-server/internal/workspace"
	"github.com/pi-dev/pi-server/protocol"
)

type Gateway struct {
	st       *store.Store
	table    *runtime.Table
	watchers *watcher.Registry
	ws       *workspace.Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func New(st *store.Store, table *runtime.Table, watchers *watcher.Registry, ws *workspace.Service, logger *slog.Logger) *Gateway {
	return &Gateway{
		st:       st,
		table:    table,
		watchers: watchers,
		ws:       ws,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from the app origin; token auth is the
			// actual gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// bearerToken pulls the token from the Authorization header, falling back to
// the token query parameter for browser WebSocket clients, which cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// HandleStream serves GET /api/sessions/{id}/stream.
func (g *Gateway) HandleStream(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	user, err := g.st.ValidateToken(token)
	if err != nil {
		g.logger.Error("validating token", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := r.PathValue("id")
	session, err := g.st.GetSession(sessionID, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error("loading session", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	workDir, err := g.ws.Ensure(session.WorkspaceDir)
	if err != nil {
		g.logger.Error("ensuring workspace", "session_id", sessionID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Refresh the workspace's MCP config so the agent picks up record changes
	// on its next bind.
	if err := g.st.WriteMCPConfig(workDir); err != nil {
		g.logger.Warn("materializing mcp config", "session_id", sessionID, "error", err)
	}

	raw, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}
	conn := newWSConn(raw)

	// The runtime runs as the session's owner; unowned legacy sessions run
	// unsandboxed.
	rt, displaced, err := g.table.Open(r.Context(), sessionID, workDir, session.UserID, conn)
	if err != nil {
		g.logger.Error("opening runtime", "session_id", sessionID, "error", err)
		conn.Send(protocol.ErrorEvent("failed to open session"))
		conn.Close()
		return
	}
	if displaced != nil {
		displaced.Close()
	}

	unwatch, err := g.watchers.Subscribe(workDir, func(paths []string) {
		conn.Send(protocol.FilesChangedEvent(paths))
	})
	if err != nil {
		g.logger.Warn("watching workspace", "session_id", sessionID, "error", err)
		unwatch = func() {}
	}

	g.logger.Info("stream bound", "session_id", sessionID, "user_id", user.ID)

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			break
		}
		rt.HandleFrame(r.Context(), data)
	}

	unwatch()
	rt.Unbind(conn)
	conn.Close()
	g.logger.Info("stream closed", "session_id", sessionID)
}

// wsConn adapts a websocket connection to the runtime's Conn. Writes are
// serialized; sends after Close fail instead of racing the closed socket.
type wsConn struct {
	raw *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSConn(raw *websocket.Conn) *wsConn {
	return &wsConn{raw: raw}
}

func (c *wsConn) Send(ev protocol.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("send on closed connection")
	}
	return c.raw.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.raw.Close()
}
