package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vango-go/storybridge/pkg/gateway/apierror"
	"github.com/vango-go/storybridge/pkg/gateway/mw"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the JSON error envelope. Server-side failures are
// logged with the request id.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	reqID := requestIDFrom(r)
	apiErr, status := apierror.FromError(err, reqID)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("request failed", "request_id", reqID, "path", r.URL.Path, "status", status, "error", err)
	}
	apierror.Write(w, reqID, apiErr, status)
}

func writeInvalid(w http.ResponseWriter, r *http.Request, message, param string) {
	apierror.Write(w, requestIDFrom(r), apierror.InvalidRequest(message, param), http.StatusBadRequest)
}

func requestIDFrom(r *http.Request) string {
	id, _ := mw.RequestIDFrom(r.Context())
	return id
}
