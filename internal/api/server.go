// Package api is the HTTP surface: auth, session CRUD, workspace files,
// MCP server records, skills, and sandbox administration. The bidirectional
// stream endpoint is delegated to the gateway.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pi-dev/pi-server/internal/config"
	"github.com/pi-dev/pi-server/internal/gateway"
	"github.com/pi-dev/pi-server/internal/runtime"
	"github.com/pi-dev/pi-server/internal/sandbox"
	"github.com/pi-dev/pi-server/internal/skills"
	"github.com/pi-dev/pi-server/internal/store"
	"github.com/pi-dev/pi-server/internal/watcher"
	"github.com/pi-dev/pi-server/internal/workspace"
)

type Server struct {
	cfg      *config.Config
	st       *store.Store
	wsvc     *workspace.Service
	watchers *watcher.Registry
	runtimes *runtime.Table
	sandbox  *sandbox.Manager
	skills   *skills.Registry
	gw       *gateway.Gateway
	logger   *slog.Logger
	mux      *http.ServeMux
}

type Deps struct {
	Config   *config.Config
	Store    *store.Store
	Files    *workspace.Service
	Watchers *watcher.Registry
	Runtimes *runtime.Table
	Sandbox  *sandbox.Manager
	Skills   *skills.Registry
	Gateway  *gateway.Gateway
	Logger   *slog.Logger
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:      deps.Config,
		st:       deps.Store,
		wsvc:     deps.Files,
		watchers: deps.Watchers,
		runtimes: deps.Runtimes,
		sandbox:  deps.Sandbox,
		skills:   deps.Skills,
		gw:       deps.Gateway,
		logger:   deps.Logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.authMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("PATCH /api/sessions/{id}", s.handleRenameSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/fork", s.handleForkSession)
	s.mux.HandleFunc("GET /api/sessions/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /api/sessions/{id}/messages", s.handleAppendMessage)
	s.mux.HandleFunc("GET /api/sessions/{id}/stream", s.gw.HandleStream)

	s.mux.HandleFunc("GET /api/files", s.handleTree)
	s.mux.HandleFunc("POST /api/files/upload", s.handleUpload)
	s.mux.HandleFunc("GET /api/files/{path...}", s.handleReadFile)
	s.mux.HandleFunc("PUT /api/files/{path...}", s.handleWriteFile)
	s.mux.HandleFunc("DELETE /api/files/{path...}", s.handleDeleteFile)
	s.mux.HandleFunc("GET /api/files-preview/{path...}", s.handlePreviewFile)

	s.mux.HandleFunc("GET /api/mcp/servers", s.handleListMCPServers)
	s.mux.HandleFunc("POST /api/mcp/servers", s.handleCreateMCPServer)
	s.mux.HandleFunc("PATCH /api/mcp/servers/{name}", s.handleUpdateMCPServer)
	s.mux.HandleFunc("DELETE /api/mcp/servers/{name}", s.handleDeleteMCPServer)

	s.mux.HandleFunc("GET /api/skills", s.handleListSkills)

	s.mux.HandleFunc("GET /api/sandboxes", s.handleListSandboxes)
	s.mux.HandleFunc("GET /api/sandboxes/{userId}", s.handleSandboxInfo)
	s.mux.HandleFunc("DELETE /api/sandboxes/{userId}", s.handleRemoveSandbox)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
