package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/austindbirch/eventhook/internal/bus"
	"github.com/austindbirch/eventhook/internal/delivery"
	"github.com/austindbirch/eventhook/internal/dlq"
	"github.com/austindbirch/eventhook/internal/event"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
}

type resultsResponse struct {
	Results []dlq.RetryResult `json:"results"`
}

type retryAllResponse struct {
	Results   []dlq.RetryResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, dlq.ErrNotFound), errors.Is(err, delivery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dlq.ErrSubscriptionUnavailable):
		return http.StatusConflict
	case errors.Is(err, bus.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (s *server) listDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minRetry, err := queryInt(r, "minRetryCount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	f := dlq.Filter{
		EventType:      q.Get("eventType"),
		MinRetryCount:  minRetry,
		SubscriptionID: q.Get("subscriptionId"),
	}
	res, err := s.dlq.List(r.Context(), f, dlq.Page{Limit: limit, Offset: offset})
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("List DLQ failed")
		writeError(w, statusFor(err), "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) retryDLQ(w http.ResponseWriter, r *http.Request) {
	res, err := s.dlq.Retry(r.Context(), chi.URLParam(r, "id"))
	code := http.StatusOK
	if err != nil {
		code = statusFor(err)
	}
	writeJSON(w, code, resultsResponse{Results: []dlq.RetryResult{res}})
}

func (s *server) retryAllDLQ(w http.ResponseWriter, r *http.Request) {
	var f dlq.Filter
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid filter: "+err.Error())
		return
	}
	if f.MinRetryCount < 0 {
		writeError(w, http.StatusBadRequest, "minRetryCount must be a non-negative integer")
		return
	}

	results, err := s.dlq.RetryAll(r.Context(), f)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("Bulk DLQ retry failed")
		writeError(w, statusFor(err), "failed to list dead letters")
		return
	}
	resp := retryAllResponse{Results: results}
	for _, res := range results {
		if res.Status == dlq.StatusFailed {
			resp.Failed++
		} else {
			resp.Succeeded++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) deleteDLQ(w http.ResponseWriter, r *http.Request) {
	res, err := s.dlq.Delete(r.Context(), chi.URLParam(r, "id"))
	code := http.StatusOK
	if err != nil {
		code = statusFor(err)
	}
	writeJSON(w, code, resultsResponse{Results: []dlq.RetryResult{res}})
}

func (s *server) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.deliveries.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.log.WithContext(r.Context()).WithError(err).Error("Get delivery failed")
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type publishResponse struct {
	Status   string `json:"status"`
	Type     string `json:"type"`
	EntityID string `json:"entityId"`
}

func (s *server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}

	if err := s.bus.Publish(r.Context(), ev); err != nil {
		s.log.WithContext(r.Context()).WithEvent(ev.Type).WithError(err).Error("Publish failed")
		writeError(w, statusFor(err), "failed to publish event")
		return
	}
	writeJSON(w, http.StatusAccepted, publishResponse{Status: "accepted", Type: ev.Type, EntityID: ev.EntityID})
}
