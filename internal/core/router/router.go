package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/observability"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/fetch"
	mylog "github.com/mohammed-shakir/nhis-fetch-gateway/internal/logger"
)

const maxRequestBody = 64 << 10

// FetchService is the pipeline surface the HTTP layer drives.
type FetchService interface {
	Fetch(ctx context.Context, req fetch.Request) fetch.Response
	Status(ctx context.Context, appUserID string) (fetch.StatusView, error)
}

// fetchBody is the POST /fetch request body; every field is optional.
type fetchBody struct {
	Targets      []string `json:"targets"`
	YearLimit    int      `json:"yearLimit"`
	ForceRefresh bool     `json:"forceRefresh"`
}

// HandleFetch validates the inbound request and runs the pipeline.
func HandleFetch(logger *slog.Logger, svc FetchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		appUserID, ok := appUser(w, r)
		if !ok {
			observability.ObserveHTTP(r.Method, "/fetch", http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		var body fetchBody
		if r.Body != nil {
			raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
			if err == nil && len(raw) > 0 {
				err = json.Unmarshal(raw, &body)
			}
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
				observability.ObserveHTTP(r.Method, "/fetch", http.StatusBadRequest, time.Since(start).Seconds())
				return
			}
		}

		ctx := mylog.WithAppUser(r.Context(), appUserID)
		resp := svc.Fetch(ctx, fetch.Request{
			AppUserID:    appUserID,
			Targets:      body.Targets,
			YearLimit:    body.YearLimit,
			ForceRefresh: body.ForceRefresh,
		})

		if resp.RetryAfterSec > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSec))
		}
		writeJSON(logger, w, resp.StatusCode, resp)
		observability.ObserveHTTP(r.Method, "/fetch", resp.StatusCode, time.Since(start).Seconds())
	}
}

// HandleStatus reports link and budget state for the calling user.
func HandleStatus(logger *slog.Logger, svc FetchService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		appUserID, ok := appUser(w, r)
		if !ok {
			observability.ObserveHTTP(r.Method, "/status", http.StatusBadRequest, time.Since(start).Seconds())
			return
		}

		view, err := svc.Status(mylog.WithAppUser(r.Context(), appUserID), appUserID)
		if err != nil {
			logger.Error("status lookup failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "temporary internal failure")
			observability.ObserveHTTP(r.Method, "/status", http.StatusServiceUnavailable, time.Since(start).Seconds())
			return
		}
		writeJSON(logger, w, http.StatusOK, view)
		observability.ObserveHTTP(r.Method, "/status", http.StatusOK, time.Since(start).Seconds())
	}
}

func appUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get("X-App-User-Id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing X-App-User-Id header")
		return "", false
	}
	return id, true
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		logger.Warn("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": msg})
}
