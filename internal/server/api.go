package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-rtc/internal/apperr"
	"github.com/Tyrowin/gochat-rtc/internal/protocol"
)

// UsersHandler lists every known user with its online flag.
func (h *Hub) UsersHandler(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.presence.All())
}

// MessagesHandler returns one history page for the two users in the path.
// limit and offset are optional query parameters.
func (h *Hub) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		h.writeError(w, err)
		return
	}

	page, err := h.store.Page(vars["user1"], vars["user2"], limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.InvalidArg(name + " must be a non-negative integer")
	}
	return v, nil
}

func statusFor(err error) int {
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeUnauthenticated:
		return http.StatusUnauthorized
	case apperr.CodeFailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Hub) writeError(w http.ResponseWriter, err error) {
	h.writeJSON(w, statusFor(err), protocol.NewError(err))
}

func (h *Hub) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn("error writing JSON response", zap.Error(err))
	}
}
