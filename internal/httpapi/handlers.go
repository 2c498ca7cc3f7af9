package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/sqlcoord/internal/domain"
	"github.com/SirClappington/sqlcoord/internal/queue"
	"github.com/SirClappington/sqlcoord/internal/scheduler"
	"github.com/SirClappington/sqlcoord/internal/storage"
)

type messageRequest struct {
	Payload string            `json:"payload"`
	Headers map[string]string `json:"headers"`
	// Delay is a Go duration string such as "30s".
	Delay string `json:"delay"`
}

func (m messageRequest) options() ([]queue.PublishOption, error) {
	opts := []queue.PublishOption{queue.WithHeaders(m.Headers)}
	if m.Delay != "" {
		d, err := time.ParseDuration(m.Delay)
		if err != nil {
			return nil, errors.Wrapf(storage.ErrInvalidArgument, "delay: %v", err)
		}
		opts = append(opts, queue.WithDelay(d))
	}
	return opts, nil
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ids, err := s.app.Transport.Publish(r.Context(), chi.URLParam(r, "topic"), []byte(req.Payload), opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": ids})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.app.Transport.SendDirect(r.Context(), chi.URLParam(r, "queue"), []byte(req.Payload), opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.Store.QueueStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]queueStatsView, 0, len(stats))
	for _, st := range stats {
		out = append(out, newQueueStatsView(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *Server) handleListDead(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.app.Store.ListDead(r.Context(), chi.URLParam(r, "queue"), parseLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleReplayDead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []int64 `json:"ids"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	n, err := s.app.Store.ReplayDead(r.Context(), chi.URLParam(r, "queue"), req.IDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replayed": n})
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.app.Subscriptions.List(r.Context(), r.URL.Query().Get("topic"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, newSubscriptionView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
		Queue string `json:"queue"`
		// TTL makes the subscription ephemeral.
		TTL string `json:"ttl"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	var err error
	if req.TTL != "" {
		ttl, perr := time.ParseDuration(req.TTL)
		if perr != nil {
			s.fail(w, r, errors.Wrapf(storage.ErrInvalidArgument, "ttl: %v", perr))
			return
		}
		err = s.app.Subscriptions.SubscribeEphemeral(r.Context(), req.Topic, req.Queue, ttl)
	} else {
		err = s.app.Subscriptions.Subscribe(r.Context(), req.Topic, req.Queue)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"topic": req.Topic, "queue": req.Queue})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ok, err := s.app.Subscriptions.Unsubscribe(r.Context(), chi.URLParam(r, "topic"), chi.URLParam(r, "queue"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type jobRequest struct {
	ID         string            `json:"id"`
	TargetKind string            `json:"target_kind"`
	Target     string            `json:"target"`
	Payload    string            `json:"payload"`
	Headers    map[string]string `json:"headers"`
	DueTime    *time.Time        `json:"due_time"`
	// Delay is used when DueTime is absent.
	Delay          string  `json:"delay"`
	MaxAttempts    int     `json:"max_attempts"`
	InitialBackoff string  `json:"initial_backoff"`
	MaxBackoff     string  `json:"max_backoff"`
	Multiplier     float64 `json:"multiplier"`
}

func (j jobRequest) schedulerRequest(now time.Time) (scheduler.Request, error) {
	req := scheduler.Request{
		ID:      j.ID,
		Target:  domain.Target{Kind: domain.TargetKind(j.TargetKind), Name: j.Target},
		Payload: []byte(j.Payload),
		Headers: j.Headers,
	}
	if req.Target.Kind == "" {
		req.Target.Kind = domain.TargetQueue
	}
	var delay time.Duration
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"initial_backoff", j.InitialBackoff, &req.Retry.InitialBackoff},
		{"max_backoff", j.MaxBackoff, &req.Retry.MaxBackoff},
		{"delay", j.Delay, &delay},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return req, errors.Wrapf(storage.ErrInvalidArgument, "%s: %v", d.name, err)
		}
		*d.dst = v
	}
	req.Retry.MaxAttempts = j.MaxAttempts
	req.Retry.Multiplier = j.Multiplier
	switch {
	case j.DueTime != nil:
		req.DueTime = *j.DueTime
	case delay > 0:
		req.DueTime = now.Add(delay)
	}
	return req, nil
}

func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) {
	var body jobRequest
	if err := decode(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := body.schedulerRequest(s.app.Now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.app.Scheduler.Schedule(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.app.Scheduler.List(r.Context(), domain.JobState(r.URL.Query().Get("state")), parseLimit(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.Scheduler.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.transitionJob(w, r, s.app.Scheduler.Cancel, "job is not pending")
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	s.transitionJob(w, r, s.app.Scheduler.Retry, "job is not failed")
}

func (s *Server) transitionJob(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id string) (bool, error), conflict string) {
	id := chi.URLParam(r, "id")
	ok, err := fn(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		if _, err := s.app.Scheduler.Get(r.Context(), id); err != nil {
			s.fail(w, r, err)
			return
		}
		writeError(w, http.StatusConflict, conflict)
		return
	}
	job, err := s.app.Scheduler.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.app.Locks.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	now := s.app.Now()
	out := make([]lockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, newLockView(l, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": out})
}

func (s *Server) handleGetLock(w http.ResponseWriter, r *http.Request) {
	l, err := s.app.Locks.Get(r.Context(), chi.URLParam(r, "resource"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newLockView(l, s.app.Now()))
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key string `json:"key"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.app.Cache.Invalidate(r.Context(), req.Key); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
