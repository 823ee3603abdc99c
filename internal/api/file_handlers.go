package api

import (
	"io"
	"net/http"

	"github.com/pi-dev/pi-server/internal/store"
	"github.com/pi-dev/pi-server/internal/workspace"
)

// sessionForFiles resolves the sessionId query parameter to an owned
// session.
func (s *Server) sessionForFiles(r *http.Request) (*store.Session, error) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		return nil, nil
	}
	return s.st.GetSession(sessionID, currentUser(r).ID)
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionForFiles(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sess == nil {
		writeValidationError(w, "sessionId is required")
		return
	}

	entries, err := s.wsvc.Tree(sess.WorkspaceDir)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if entries == nil {
		entries = []workspace.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionForFiles(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sess == nil {
		writeValidationError(w, "sessionId is required")
		return
	}

	data, err := s.wsvc.Read(sess.WorkspaceDir, r.PathValue("path"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

// writeFileRequest carries an optional lastModified precondition. A pointer
// keeps "absent" distinct from the literal epoch, which must still conflict.
type writeFileRequest struct {
	Content      string `json:"content"`
	LastModified *int64 `json:"lastModified,omitempty"`
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionForFiles(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sess == nil {
		writeValidationError(w, "sessionId is required")
		return
	}

	var req writeFileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeValidationError(w, "invalid JSON body")
		return
	}

	mtime, err := s.wsvc.Write(sess.WorkspaceDir, r.PathValue("path"), []byte(req.Content), req.LastModified)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"mtime": mtime})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionForFiles(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sess == nil {
		writeValidationError(w, "sessionId is required")
		return
	}

	if err := s.wsvc.Delete(sess.WorkspaceDir, r.PathValue("path")); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePreviewFile(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionForFiles(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sess == nil {
		writeValidationError(w, "sessionId is required")
		return
	}

	preview, err := s.wsvc.Preview(sess.WorkspaceDir, sess.ID, r.PathValue("path"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// maxUploadBytes bounds one multipart upload request.
const maxUploadBytes = 256 << 20

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionForFiles(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sess == nil {
		writeValidationError(w, "sessionId is required")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeValidationError(w, "invalid multipart body")
		return
	}
	subdir := r.FormValue("subdir")

	var parts []workspace.UploadPart
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				writeAPIError(w, err)
				return
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeAPIError(w, err)
				return
			}
			parts = append(parts, workspace.UploadPart{
				Filename: fh.Filename,
				Subdir:   subdir,
				Data:     data,
			})
		}
	}

	written, err := s.wsvc.Upload(sess.WorkspaceDir, parts)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": written})
}
