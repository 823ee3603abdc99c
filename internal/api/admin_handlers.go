package api

import (
	"net/http"

	"github.com/pi-dev/pi-server/internal/sandbox"
	"github.com/pi-dev/pi-server/internal/skills"
)

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	list := s.skills.List()
	if list == nil {
		list = []*skills.Skill{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, r *http.Request) {
	if !s.sandbox.Enabled() {
		writeJSON(w, http.StatusOK, []sandbox.Info{})
		return
	}
	infos, err := s.sandbox.List(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if infos == nil {
		infos = []sandbox.Info{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleSandboxInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.sandbox.Info(r.Context(), r.PathValue("userId"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleRemoveSandbox(w http.ResponseWriter, r *http.Request) {
	if err := s.sandbox.Remove(r.Context(), r.PathValue("userId")); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
