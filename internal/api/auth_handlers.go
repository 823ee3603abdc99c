package api

import (
	"net/http"
	"strings"
)

type registerRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
	User  any    `json:"user"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeValidationError(w, "username and password are required")
		return
	}

	user, err := s.st.CreateUser(req.Username, req.DisplayName, req.Password)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	token, err := s.st.CreateToken(user.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Info("user registered", "user_id", user.ID, "username", user.Username)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}

	user, err := s.st.Authenticate(req.Username, req.Password)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if user == nil {
		writeUnauthorizedError(w, "invalid credentials")
		return
	}
	token, err := s.st.CreateToken(user.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if err := s.st.DeleteToken(token); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, currentUser(r))
}
