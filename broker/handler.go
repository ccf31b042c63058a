package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrUnauthorized is returned by an Authenticator for a missing or unknown token.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves a bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// StaticTokens authenticates a fixed set of tokens, mapped to user ids.
type StaticTokens map[string]string

func (t StaticTokens) Authenticate(_ context.Context, token string) (string, error) {
	userID, ok := t[token]
	if !ok || userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

// Handler serves the upload API under /api.
type Handler struct {
	service *Service
	auth    Authenticator
	logger  log.Logger
	mux     *http.ServeMux
}

// NewHandler ...
func NewHandler(service *Service, auth Authenticator, logger log.Logger) *Handler {
	h := &Handler{service: service, auth: auth, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /api/health", func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	h.handle("GET /api/files", h.listFiles)
	h.handle("GET /api/files/{id}", h.getFile)
	h.handle("DELETE /api/files/{id}", h.deleteFile)
	h.handle("POST /api/files/upload-url", h.createUploadURL)
	h.handle("POST /api/files/upload/initiate", h.initiateUpload)
	h.handle("POST /api/files/upload/part-url", h.partURL)
	h.handle("POST /api/files/upload/complete", h.completeUpload)
	h.handle("POST /api/files/upload/abort", h.abortUpload)

	h.handle("GET /api/webhooks", h.listWebhooks)
	h.handle("POST /api/webhooks", h.createWebhook)
	h.handle("DELETE /api/webhooks/{id}", h.deleteWebhook)

	h.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// handle registers an authenticated route.
func (h *Handler) handle(pattern string, fn func(w http.ResponseWriter, r *http.Request, userID string) error) {
	h.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		}
		userID, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			h.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Invalid token"})
			return
		}

		if err := fn(w, r, userID); err != nil {
			h.writeError(w, r, err)
		}
	})
}

func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request, userID string) error {
	files, err := h.service.ListFiles(r.Context(), userID, r.URL.Query().Get("webhookId"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, files)
	return nil
}

func (h *Handler) getFile(w http.ResponseWriter, r *http.Request, userID string) error {
	file, err := h.service.GetFile(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, file)
	return nil
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request, userID string) error {
	if err := h.service.DeleteFile(r.Context(), userID, r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) createUploadURL(w http.ResponseWriter, r *http.Request, userID string) error {
	var req UploadURLRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	resp, err := h.service.CreateUploadURL(r.Context(), userID, req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) initiateUpload(w http.ResponseWriter, r *http.Request, userID string) error {
	var req InitiateRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	resp, err := h.service.InitiateUpload(r.Context(), userID, req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) partURL(w http.ResponseWriter, r *http.Request, userID string) error {
	var req PartURLRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	resp, err := h.service.PartURL(r.Context(), userID, req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) completeUpload(w http.ResponseWriter, r *http.Request, userID string) error {
	var req CompleteRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := h.service.CompleteUpload(r.Context(), userID, req); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
	return nil
}

func (h *Handler) abortUpload(w http.ResponseWriter, r *http.Request, userID string) error {
	var req AbortRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if err := h.service.AbortUpload(r.Context(), userID, req); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, successResponse{Success: true})
	return nil
}

func (h *Handler) listWebhooks(w http.ResponseWriter, r *http.Request, userID string) error {
	webhooks, err := h.service.ListWebhooks(r.Context(), userID)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, webhooks)
	return nil
}

func (h *Handler) createWebhook(w http.ResponseWriter, r *http.Request, userID string) error {
	var req CreateWebhookRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	webhook, err := h.service.CreateWebhook(r.Context(), userID, req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusCreated, webhook)
	return nil
}

func (h *Handler) deleteWebhook(w http.ResponseWriter, r *http.Request, userID string) error {
	if err := h.service.DeleteWebhook(r.Context(), userID, r.PathValue("id")); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: strings.TrimPrefix(err.Error(), ErrInvalidRequest.Error()+": ")})
	case errors.Is(err, ErrWebhookNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "Webhook not found"})
	case errors.Is(err, ErrFileNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "File not found"})
	default:
		h.logger.Errorf("%s %s: %s", r.Method, r.URL.Path, err)
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnf("Failed to write response: %s", err)
	}
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %s", ErrInvalidRequest, err)
	}
	return nil
}
