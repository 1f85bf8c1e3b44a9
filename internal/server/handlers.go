package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/scrypster/feederwatch/internal/extractor"
	"github.com/scrypster/feederwatch/pkg/types"
)

// maxBodyBytes bounds request bodies; a capture carrying an image is the
// largest payload.
const maxBodyBytes = 8 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// captureRequest is a capture with either a feature vector or a raw image.
type captureRequest struct {
	types.Capture
	Image []byte `json:"image,omitempty"` // base64 in JSON
}

// enrollRequest is a capture the operator confirmed as a new individual.
type enrollRequest struct {
	captureRequest
	Name string `json:"name,omitempty"`
}

type actorRequest struct {
	Actor string `json:"actor"`
}

type refillRequest struct {
	At    time.Time `json:"at"`
	Actor string    `json:"actor"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeEngineError maps the pipeline error taxonomy onto HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, types.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, types.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, types.ErrPreconditionFailed):
		writeError(w, http.StatusConflict, "PRECONDITION_FAILED", err.Error())
	case errors.Is(err, types.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", err.Error())
	default:
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("server: request failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body: %w", types.ErrInvalidInput, err)
	}
	return nil
}

// resolveCapture fills the capture's vector from its image when only the
// image was sent.
func (s *Server) resolveCapture(r *http.Request, req captureRequest) (types.Capture, error) {
	c := req.Capture
	if len(c.Vector) > 0 || len(req.Image) == 0 {
		return c, nil
	}
	if s.extractor == nil {
		return c, fmt.Errorf("%w: image captures need a feature extractor", types.ErrInvalidInput)
	}
	ex, err := s.extractor.ExtractFeatureVector(r.Context(), req.Image)
	if err != nil {
		return c, err
	}
	c.Vector = ex.Vector
	c.DetectorConfidence = ex.Confidence
	return c, nil
}

func (s *Server) postCapture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req captureRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	c, err := s.resolveCapture(r, req)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	res, err := s.engine.IngestCapture(r.Context(), c)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) postIdentity(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req enrollRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	c, err := s.resolveCapture(r, req.captureRequest)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	identity, err := s.engine.EnrollIdentity(r.Context(), c, req.Name)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (s *Server) getIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := s.engine.Identities(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if identities == nil {
		identities = []*types.Identity{}
	}
	writeJSON(w, http.StatusOK, identities)
}

func (s *Server) getIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := s.engine.Identity(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (s *Server) deleteIdentity(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveIdentity(r.Context(), r.PathValue("id")); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getIdentityVisits lists an identity's visits, newest first.
func (s *Server) getIdentityVisits(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 100)
	if !ok {
		return
	}
	history, err := s.engine.IdentityVisits(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if history == nil {
		history = []*types.Visit{}
	}
	writeJSON(w, http.StatusOK, history)
}

// queryLimit parses the optional limit parameter. It writes a 400 and
// returns false when the value is not a positive integer.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a positive integer")
		return 0, false
	}
	return n, true
}

func (s *Server) postRefill(w http.ResponseWriter, r *http.Request) {
	var req refillRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if req.At.IsZero() {
		req.At = s.engine.Now()
	}
	state, err := s.engine.RefillFeeder(r.Context(), r.PathValue("id"), req.At, req.Actor)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) getEstimate(w http.ResponseWriter, r *http.Request) {
	est, err := s.engine.GetDepletionEstimate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func (s *Server) postAck(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	alert, err := s.engine.AcknowledgeAlert(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) postResolve(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	alert, err := s.engine.ResolveAlert(r.Context(), r.PathValue("id"), req.Actor)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// getAlerts lists open alerts, or history when feeder or since is given.
func (s *Server) getAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	feeder, sinceRaw := q.Get("feeder"), q.Get("since")
	if feeder == "" && sinceRaw == "" {
		active, err := s.engine.ActiveAlerts(r.Context())
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(active))
		return
	}

	var since time.Time
	if sinceRaw != "" {
		t, err := time.Parse(time.RFC3339, sinceRaw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "since must be RFC 3339")
			return
		}
		since = t
	}
	limit, ok := queryLimit(w, r, 100)
	if !ok {
		return
	}
	history, err := s.engine.AlertHistory(r.Context(), feeder, since, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(history))
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	day := s.engine.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		t, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "date must be YYYY-MM-DD")
			return
		}
		day = t
	}
	summary, err := s.engine.DailySummary(r.Context(), day)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// healthTimeout bounds each component check behind /healthz.
const healthTimeout = 2 * time.Second

type componentHealth struct {
	Status  string `json:"status"` // ok, down or disabled
	Breaker string `json:"breaker,omitempty"`
	Error   string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"` // healthy, degraded or unhealthy
	Components map[string]componentHealth `json:"components"`
}

// getHealth checks the store and the extractor. A store failure is unhealthy
// (503); an extractor failure only degrades image ingestion.
func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Components: map[string]componentHealth{}}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := s.engine.Ping(ctx); err != nil {
		resp.Components["store"] = componentHealth{Status: "down", Error: err.Error()}
		resp.Status = "unhealthy"
	} else {
		resp.Components["store"] = componentHealth{Status: "ok"}
	}

	ext := componentHealth{Status: "disabled"}
	if s.extractor != nil {
		ext.Status = "ok"
		if hc, ok := s.extractor.(extractor.HealthChecker); ok {
			ext.Breaker = hc.BreakerState()
			hctx, hcancel := context.WithTimeout(r.Context(), healthTimeout)
			defer hcancel()
			if err := hc.HealthCheck(hctx); err != nil {
				ext.Status = "down"
				ext.Error = err.Error()
			} else if ext.Breaker == "open" {
				ext.Status = "down"
			}
		}
		if ext.Status == "down" && resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}
	resp.Components["extractor"] = ext

	status := http.StatusOK
	if resp.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func nonNil(alerts []*types.Alert) []*types.Alert {
	if alerts == nil {
		return []*types.Alert{}
	}
	return alerts
}
