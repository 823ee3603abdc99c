package api

import (
	"net/http"

	"github.com/pi-dev/pi-server/internal/store"
)

func (s *Server) handleListMCPServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.st.ListMCPServers()
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if servers == nil {
		servers = []*store.MCPServer{}
	}
	writeJSON(w, http.StatusOK, servers)
}

func (s *Server) handleCreateMCPServer(w http.ResponseWriter, r *http.Request) {
	var server store.MCPServer
	if err := decodeJSON(r, &server); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if server.Name == "" {
		writeValidationError(w, "name is required")
		return
	}
	if server.Command == "" && server.URL == "" {
		writeValidationError(w, "command or url is required")
		return
	}

	if err := s.st.CreateMCPServer(&server); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, &server)
}

type updateMCPServerRequest struct {
	Command   *string            `json:"command,omitempty"`
	URL       *string            `json:"url,omitempty"`
	Args      *[]string          `json:"args,omitempty"`
	Env       *map[string]string `json:"env,omitempty"`
	Headers   *map[string]string `json:"headers,omitempty"`
	Transport *string            `json:"transport,omitempty"`
	Enabled   *bool              `json:"enabled,omitempty"`
}

// handleUpdateMCPServer applies a partial update; absent fields keep their
// stored values.
func (s *Server) handleUpdateMCPServer(w http.ResponseWriter, r *http.Request) {
	var req updateMCPServerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}

	server, err := s.st.GetMCPServer(r.PathValue("name"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if req.Command != nil {
		server.Command = *req.Command
	}
	if req.URL != nil {
		server.URL = *req.URL
	}
	if req.Args != nil {
		server.Args = *req.Args
	}
	if req.Env != nil {
		server.Env = *req.Env
	}
	if req.Headers != nil {
		server.Headers = *req.Headers
	}
	if req.Transport != nil {
		server.Transport = *req.Transport
	}
	if req.Enabled != nil {
		server.Enabled = *req.Enabled
	}

	if err := s.st.UpdateMCPServer(server); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleDeleteMCPServer(w http.ResponseWriter, r *http.Request) {
	if err := s.st.DeleteMCPServer(r.PathValue("name")); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
