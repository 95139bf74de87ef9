package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vipul43/meetsync-worker/internal/ics"
	"github.com/vipul43/meetsync-worker/internal/logger"
	"github.com/vipul43/meetsync-worker/internal/models"
	"github.com/vipul43/meetsync-worker/internal/service"
	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

const maxBodyBytes = 64 << 10

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req service.ConnectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}

	provider := providerOf(r)
	switch provider {
	case models.ProviderMTM:
		if strings.TrimSpace(req.Code) == "" {
			writeError(w, http.StatusBadRequest, "invalid_body", "code is required")
			return
		}
	case models.ProviderICS:
		if _, err := ics.NormalizeFeedURL(req.ICSURL); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
			return
		}
	}

	if err := s.integrations.Connect(r.Context(), userOf(r), provider, req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"connected": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.integrations.Status(r.Context(), userOf(r), providerOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) syncNow(w http.ResponseWriter, r *http.Request) {
	n, err := s.integrations.SyncNow(r.Context(), userOf(r), providerOf(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

type mirrorRequest struct {
	Enabled    *bool  `json:"enabled"`
	CalendarID string `json:"calendarId"`
}

func (s *Server) mirror(w http.ResponseWriter, r *http.Request) {
	var req mirrorRequest
	if err := decode(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "enabled is required")
		return
	}
	res, err := s.integrations.SetMirror(r.Context(), userOf(r), providerOf(r), *req.Enabled, req.CalendarID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.integrations.Disconnect(r.Context(), userOf(r), providerOf(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail maps an engine error to a response. Upstream detail is logged, not
// returned.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := syncerr.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			logger.UserID(userOf(r)), logger.Provider(string(providerOf(r))),
			logger.Op(r.URL.Path), logger.Err(err))
	}
	writeError(w, status, string(kind), "")
}

func statusFor(kind syncerr.Kind) int {
	switch kind {
	case syncerr.KindNotConnected:
		return http.StatusNotFound
	case syncerr.KindSyncInProgress:
		return http.StatusConflict
	case syncerr.KindEncryption:
		return http.StatusServiceUnavailable
	case syncerr.KindAuthExpired, syncerr.KindRateLimited, syncerr.KindTransient,
		syncerr.KindMalformedFeed, syncerr.KindMalformedRecord, syncerr.KindPermanent:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
