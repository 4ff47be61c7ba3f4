package ops

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"letterbox/internal/broadcast"
	"letterbox/internal/letter"
	"letterbox/internal/task/engine"
	logx "letterbox/pkg/logx"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func (s *Service) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: body: %v", errBadRequest, err)
	}
	if err := s.validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

var errBadRequest = errors.New("bad request")

// fail maps a domain error to a status. Unknown errors are logged and
// reported as 500 without detail.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr validator.ValidationErrors
	switch {
	case errors.Is(err, letter.ErrNotFound), errors.Is(err, engine.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, errBadRequest),
		errors.Is(err, letter.ErrInvalidInput),
		errors.Is(err, letter.ErrInvalidDate),
		errors.Is(err, letter.ErrPastDelivery),
		errors.Is(err, broadcast.ErrInvalidInput),
		errors.Is(err, broadcast.ErrInvalidCron),
		errors.Is(err, broadcast.ErrInvalidAudience),
		errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("ops request failed", logx.String("method", r.Method), logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "time": s.now().UTC()}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Queue.QueueStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Service) jobStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Queue.JobStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec.Payload = nil
	writeJSON(w, http.StatusOK, rec)
}

func (s *Service) letterStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Letters.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type rescheduleRequest struct {
	DeliveryDate string `json:"deliveryDate" validate:"required"`
	IsPublic     *bool  `json:"isPublic,omitempty"`
}

// letterSummary never carries letter content.
type letterSummary struct {
	ID         string        `json:"id"`
	Status     letter.Status `json:"status"`
	DeliveryAt time.Time     `json:"deliveryAt"`
	IsPublic   bool          `json:"isPublic"`
	JobID      string        `json:"jobId"`
}

func (s *Service) reschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	at, err := letter.ParseDeliveryDate(req.DeliveryDate, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	l, err := s.deps.Letters.Reschedule(r.Context(), chi.URLParam(r, "id"), at, req.IsPublic)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, letterSummary{
		ID:         l.ID,
		Status:     l.Status,
		DeliveryAt: l.DeliveryAt,
		IsPublic:   l.IsPublic,
		JobID:      l.JobID,
	})
}

func (s *Service) fixEncryption(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Letters.FixEncryptionLayering(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type broadcastRequest struct {
	Type         broadcast.Audience      `json:"type" validate:"required,oneof=general waitlist personal"`
	Subject      string                  `json:"subject" validate:"required,max=200"`
	Message      string                  `json:"message" validate:"required"`
	DeliveryDate string                  `json:"deliveryDate,omitempty"`
	Action       *broadcast.ActionButton `json:"actionButton,omitempty" validate:"omitempty"`
}

func (s *Service) scheduleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	m := broadcast.Message{Type: req.Type, Subject: req.Subject, Message: req.Message, Action: req.Action}
	if strings.TrimSpace(req.DeliveryDate) != "" {
		at, err := letter.ParseDeliveryDate(req.DeliveryDate, s.now())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		m.DeliveryDate = &at
	}
	out, err := s.deps.Broadcasts.Schedule(r.Context(), m)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, out)
}

type broadcastJob struct {
	Job    *engine.Record       `json:"job,omitempty"`
	Fanout *broadcast.JobStatus `json:"fanout,omitempty"`
}

func (s *Service) broadcastJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var out broadcastJob
	rec, err := s.deps.Queue.JobStatus(r.Context(), id)
	switch {
	case err == nil:
		rec.Payload = nil
		out.Job = &rec
	case !errors.Is(err, engine.ErrJobNotFound):
		s.fail(w, r, err)
		return
	}
	if st, ok := s.deps.Broadcasts.Status(id); ok {
		out.Fanout = &st
	}
	if out.Job == nil && out.Fanout == nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) listSchedules(w http.ResponseWriter, r *http.Request) {
	active := r.URL.Query().Get("active") == "true"
	out, err := s.deps.Broadcasts.List(r.Context(), active)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if out == nil {
		out = []broadcast.Schedule{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) createSchedule(w http.ResponseWriter, r *http.Request) {
	var in broadcast.ScheduleInput
	if err := s.decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	sc, err := s.deps.Broadcasts.Create(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Service) updateSchedule(w http.ResponseWriter, r *http.Request) {
	var p broadcast.SchedulePatch
	if err := s.decode(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	sc, err := s.deps.Broadcasts.Update(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (s *Service) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Broadcasts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
