package fileservice

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/pseudocoder/filesync/internal/errors"
	"github.com/pseudocoder/filesync/internal/version"
)

// Wire types shared by the handler and Client.

type writeRequest struct {
	Content  string   `json:"content"`
	Encoding Encoding `json:"encoding"`
}

type renameRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

type errorResponse struct {
	Code           string        `json:"code"`
	Message        string        `json:"message"`
	Reason         string        `json:"reason,omitempty"`
	CurrentContent string        `json:"current_content,omitempty"`
	CurrentEnc     Encoding      `json:"current_encoding,omitempty"`
	CurrentETag    version.Token `json:"current_etag,omitempty"`
}

type handler struct {
	svc    Service
	logger *zap.Logger
}

// NewHandler exposes svc over HTTP. Routes are relative so the handler can be
// mounted under any prefix:
//
//	GET    /content?path=   read a file (ETag header carries the token)
//	PUT    /content?path=   write a file, conditioned on If-Match when present
//	GET    /list?path=      list a folder
//	POST   /folder?path=    create a folder
//	DELETE /entry?path=     delete a file or folder
//	POST   /rename          {"old_path", "new_path"}
func NewHandler(svc Service, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, logger: logger.Named("fileapi")}

	r := chi.NewRouter()
	r.Get("/content", h.read)
	r.Put("/content", h.write)
	r.Get("/list", h.list)
	r.Post("/folder", h.createFolder)
	r.Delete("/entry", h.delete)
	r.Post("/rename", h.rename)
	return r
}

func (h *handler) read(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Read(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("ETag", res.Token.String())
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) write(w http.ResponseWriter, r *http.Request) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidMessage("invalid write body"))
		return
	}

	// An absent If-Match is an unconditional write.
	expected := version.Known(r.Header.Get("If-Match"))
	res, err := h.svc.Write(r.Context(), r.URL.Query().Get("path"), req.Content, req.Encoding, expected)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("ETag", res.Token.String())
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.List(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handler) createFolder(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.CreateFolder(r.Context(), r.URL.Query().Get("path")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), r.URL.Query().Get("path")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperrors.InvalidMessage("invalid rename body"))
		return
	}
	if err := h.svc.Rename(r.Context(), req.OldPath, req.NewPath); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	if conflict, ok := AsConflict(err); ok {
		writeJSON(w, http.StatusConflict, errorResponse{
			Code:           conflict.Code(),
			Message:        conflict.Message,
			Reason:         string(conflict.Reason),
			CurrentContent: conflict.CurrentContent,
			CurrentEnc:     conflict.CurrentEncoding,
			CurrentETag:    conflict.CurrentToken,
		})
		return
	}

	code, msg := apperrors.ToCodeAndMessage(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("file request failed", zap.String("code", code), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

func statusForCode(code string) int {
	switch code {
	case apperrors.CodeFileNotFound:
		return http.StatusNotFound
	case apperrors.CodeFileInvalidPath, apperrors.CodeFileIsDirectory, apperrors.CodeServerInvalidMessage:
		return http.StatusBadRequest
	case apperrors.CodeFileAlreadyExists:
		return http.StatusConflict
	case apperrors.CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
