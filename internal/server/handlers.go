package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/raaihank/ad-sentinel/internal/predictor"
	"github.com/raaihank/ad-sentinel/internal/websocket"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type knownValuesRequest struct {
	Values []string `json:"values"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"units":     s.registry.Len(),
	})
}

func (s *Server) handleClassifiers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"general_unit": s.registry.GeneralUnit(),
		"units":        s.registry.Units(),
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := getRequestID(r.Context())
	log := s.logger.WithRequestID(requestID)

	var req predictor.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.registry.Predict(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, predictor.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, predictor.ErrNoClassifier):
		writeError(w, http.StatusNotFound, err.Error())
		return
	default:
		log.Error("Prediction failed", zap.String("domain_os", req.DomainOS), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}

	elapsed := time.Since(start)
	log.Debug("Request classified",
		zap.String("domain_os", res.DomainOS),
		zap.String("used_unit", res.UsedUnit),
		zap.Int("label", res.Label),
		zap.Float64("score", res.Score),
		zap.Int("known_values", len(res.KnownValues)))

	s.wsHub.BroadcastEvent(websocket.Event{
		Type:      websocket.EventTypePrediction,
		Timestamp: time.Now(),
		RequestID: requestID,
		Data: websocket.PredictionEvent{
			RequestID:    requestID,
			DomainOS:     res.DomainOS,
			UsedUnit:     res.UsedUnit,
			Fallback:     res.Fallback,
			Label:        res.Label,
			Score:        res.Score,
			Matched:      len(res.Matched),
			KnownValues:  res.KnownValues,
			ClientIP:     websocket.ClientIP(r),
			ProcessingMS: float64(elapsed.Microseconds()) / 1000,
		},
	})

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleKnownValues(w http.ResponseWriter, r *http.Request) {
	var req knownValuesRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	added := s.registry.AddKnownValues(req.Values)
	if added > 0 {
		s.NotifyReload("known values added", added)
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
