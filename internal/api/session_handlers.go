package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/pi-dev/pi-server/internal/store"
)

type createSessionRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.st.ListSessions(currentUser(r).ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.SessionSummary{} // encode as [] not null
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeValidationError(w, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	sess, err := s.st.CreateSession(req.ID, currentUser(r).ID, req.Name)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	// Materialize the workspace now so the bootstrap file exists before the
	// first bind.
	if _, err := s.wsvc.Ensure(sess.WorkspaceDir); err != nil {
		s.logger.Warn("materializing workspace", "session_id", sess.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.st.GetSession(r.PathValue("id"), currentUser(r).ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		writeValidationError(w, "name is required")
		return
	}

	id := r.PathValue("id")
	if err := s.st.RenameSession(id, currentUser(r).ID, req.Name); err != nil {
		writeAPIError(w, err)
		return
	}
	sess, err := s.st.GetSession(id, currentUser(r).ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleDeleteSession tears down in dependency order: runtime first, then
// the watcher, then the workspace directory, then the row.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.st.GetSession(id, currentUser(r).ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	s.runtimes.Dispose(id)
	s.watchers.Stop(s.wsvc.Dir(sess.WorkspaceDir))
	if err := s.wsvc.Remove(sess.WorkspaceDir); err != nil {
		s.logger.Warn("removing workspace", "session_id", id, "error", err)
	}
	if err := s.st.DeleteSession(id, currentUser(r).ID); err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Info("session deleted", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleForkSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if req.Name == "" {
		writeValidationError(w, "name is required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	sess, err := s.st.ForkSession(r.PathValue("id"), req.ID, req.Name, currentUser(r).ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if _, err := s.wsvc.Ensure(sess.WorkspaceDir); err != nil {
		s.logger.Warn("materializing workspace", "session_id", sess.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.st.ListMessages(r.PathValue("id"), currentUser(r).ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Timestamp int64  `json:"timestamp,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if req.Role != "user" && req.Role != "assistant" {
		writeValidationError(w, `role must be "user" or "assistant"`)
		return
	}
	if req.Timestamp == 0 {
		req.Timestamp = time.Now().UnixMilli()
	}

	id := r.PathValue("id")
	if _, err := s.st.GetSession(id, currentUser(r).ID); err != nil {
		writeAPIError(w, err)
		return
	}
	msg, err := s.st.AppendMessage(id, req.Role, req.Content, req.Timestamp)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
