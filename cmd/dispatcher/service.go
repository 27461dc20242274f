package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/internal/persistence"
	"github.com/andrej220/batchexec/internal/serverutil"
	"github.com/andrej220/batchexec/pkg/dispatch"
	"github.com/andrej220/batchexec/pkg/failure"
	"github.com/andrej220/batchexec/pkg/models"
	"github.com/andrej220/batchexec/pkg/monitor"
	"github.com/andrej220/batchexec/pkg/profile"
	"github.com/andrej220/batchexec/pkg/workerpool"
)

const outcomeTimeout = 30 * time.Second

var ErrDuplicate = errors.New("execution is already running")

type Publisher interface {
	Publish(ctx context.Context, key []byte, value any) error
}

// BackendFactory builds a backend from a flattened profile.
type BackendFactory func(conf map[string]string) (dispatch.Backend, error)

// activeBackend counts the executions still using a backend so that a
// replaced backend is closed only after they finish.
type activeBackend struct {
	backend dispatch.Backend
	users   sync.WaitGroup
}

type backendHolder struct {
	mu      sync.RWMutex
	current *activeBackend
}

func (h *backendHolder) acquire() (dispatch.Backend, func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cur := h.current
	cur.users.Add(1)
	return cur.backend, cur.users.Done
}

// swap installs b and returns a channel closed once the previous backend
// has been released and closed.
func (h *backendHolder) swap(b dispatch.Backend, logger lg.Logger) <-chan struct{} {
	h.mu.Lock()
	old := h.current
	h.current = &activeBackend{backend: b}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if old == nil {
			return
		}
		old.users.Wait()
		if err := old.backend.Close(); err != nil {
			logger.Warn("failed to close replaced backend", lg.Err(err))
		}
	}()
	return done
}

type execution struct {
	req     models.Request
	mon     *monitor.Basic
	cancel  context.CancelFunc
	started time.Time
}

// Service runs requests on a worker pool through the current backend and
// reports one outcome per accepted request.
type Service struct {
	backends   backendHolder
	newBackend BackendFactory
	pool       *workerpool.Pool[*execution]
	running    sync.Map // uuid.UUID -> *execution
	publisher  Publisher
	store      persistence.OutcomeStore
	lg         lg.Logger
}

type ServiceOption func(*Service)

func WithPublisher(p Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

func WithOutcomeStore(st persistence.OutcomeStore) ServiceOption {
	return func(s *Service) { s.store = st }
}

func WithBackendFactory(f BackendFactory) ServiceOption {
	return func(s *Service) { s.newBackend = f }
}

func NewService(b dispatch.Backend, workers int, logger lg.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = lg.Discard
	}
	s := &Service{
		pool: workerpool.NewPool[*execution](workers, logger),
		lg:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backends.swap(b, logger)
	return s
}

// Submit queues req and returns its execution uid. It blocks while the
// worker queue is full.
func (s *Service) Submit(ctx context.Context, req models.Request) (uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}
	if err := profile.Validate(req.Work); err != nil {
		return uuid.Nil, err
	}
	if req.ExecutionUID == uuid.Nil {
		req.ExecutionUID = uuid.New()
	}
	logger := s.lg.With(lg.String("exuid", req.ExecutionUID.String()), lg.String("work", req.Work.String()))

	runCtx, cancel := context.WithCancel(lg.Attach(context.Background(), logger))
	ex := &execution{
		req:    req,
		mon:    monitor.New(runCtx, logger, &outputLogger{lg: logger}),
		cancel: cancel,
	}
	if _, loaded := s.running.LoadOrStore(req.ExecutionUID, ex); loaded {
		cancel()
		return uuid.Nil, fmt.Errorf("%w: %s", ErrDuplicate, req.ExecutionUID)
	}

	job := workerpool.Job[*execution]{
		Payload: ex,
		Fn: func(ex *execution) error {
			return s.run(runCtx, ex)
		},
		Ctx: runCtx,
		CleanupFunc: func() {
			if _, ok := s.running.LoadAndDelete(req.ExecutionUID); ok && !ex.hasStarted() {
				s.report(ex, failure.ErrCancelled)
			}
			cancel()
		},
	}
	if err := s.pool.Submit(job); err != nil {
		s.running.Delete(req.ExecutionUID)
		cancel()
		return uuid.Nil, err
	}
	logger.Info("execution accepted")
	return req.ExecutionUID, nil
}

// Cancel requests cancellation of a running or queued execution.
func (s *Service) Cancel(id uuid.UUID) bool {
	v, ok := s.running.Load(id)
	if !ok {
		return false
	}
	ex := v.(*execution)
	ex.mon.Cancel()
	ex.cancel()
	s.lg.Info("execution cancel requested", lg.String("exuid", id.String()))
	return true
}

// Reload replaces the backend with one built from conf. Executions already
// running finish on the previous backend.
func (s *Service) Reload(conf map[string]string) error {
	if s.newBackend == nil {
		return errors.New("no backend factory configured")
	}
	b, err := s.newBackend(conf)
	if err != nil {
		s.lg.Error("profile rejected, keeping the current backend", lg.Err(err))
		return err
	}
	s.backends.swap(b, s.lg)
	s.lg.Info("backend reloaded", lg.String("kind", string(b.Kind())))
	return nil
}

func (s *Service) run(ctx context.Context, ex *execution) error {
	ex.markStarted()
	backend, release := s.backends.acquire()
	defer release()

	var err error
	if ex.req.Cleanup {
		err = backend.CleanUp(ctx, ex.mon, ex.req.Work)
	} else {
		err = backend.Execute(ctx, ex.mon, ex.req.Work)
	}
	if _, ok := s.running.LoadAndDelete(ex.req.ExecutionUID); ok {
		s.report(ex, err)
	}
	return err
}

func (s *Service) report(ex *execution, err error) {
	o := Outcome(ex.req, err, time.Now().UTC())
	logger := s.lg.With(lg.String("exuid", o.ExecutionUID.String()), lg.String("state", string(o.State)))
	if err != nil {
		logger.Error("execution finished", lg.Err(err))
	} else {
		logger.Info("execution finished", lg.Duration("elapsed", time.Since(ex.started)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
	defer cancel()
	if s.store != nil {
		if err := s.store.Save(ctx, o); err != nil {
			logger.Error("failed to store outcome", lg.Err(err))
		}
	}
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, []byte(o.ExecutionUID.String()), o); err != nil {
			logger.Error("failed to publish outcome", lg.Err(err))
		}
	}
}

// Outcome maps the result of a backend call to the published form.
func Outcome(req models.Request, err error, finished time.Time) models.Outcome {
	o := models.Outcome{
		ExecutionUID: req.ExecutionUID,
		State:        models.StateSucceeded,
		Work:         req.Work.String(),
		Finished:     finished,
	}
	if err == nil {
		code := 0
		o.ExitCode = &code
		return o
	}
	o.Error = err.Error()
	o.State = models.StateFailed
	if errors.Is(err, failure.ErrCancelled) {
		o.State = models.StateCancelled
	}
	if code, ok := failure.ExitCode(err); ok {
		o.ExitCode = &code
	}
	return o
}

// Stop rejects new requests, waits for running ones and closes the backend.
func (s *Service) Stop() {
	s.running.Range(func(_, v any) bool {
		v.(*execution).mon.Cancel()
		return true
	})
	s.pool.Stop()
	s.backends.mu.RLock()
	cur := s.backends.current
	s.backends.mu.RUnlock()
	cur.users.Wait()
	if err := cur.backend.Close(); err != nil {
		s.lg.Warn("failed to close backend", lg.Err(err))
	}
}

func (s *Service) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Write([]byte("ok\n"))
	})
	r.Method(http.MethodPost, "/executions", serverutil.NewValidationHandler[models.Request](http.HandlerFunc(s.handleSubmit)))
	r.Delete("/executions/{id}", s.handleCancel)
	return r
}

func (s *Service) handleSubmit(rw http.ResponseWriter, r *http.Request) {
	req, ok := serverutil.RequestFrom[models.Request](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	id, err := s.Submit(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, profile.ErrConfiguration):
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, ErrDuplicate):
		http.Error(rw, err.Error(), http.StatusConflict)
		return
	default:
		http.Error(rw, err.Error(), http.StatusServiceUnavailable)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusAccepted)
	json.NewEncoder(rw).Encode(models.Response{ExecutionUID: id})
}

func (s *Service) handleCancel(rw http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(rw, "Invalid execution id", http.StatusBadRequest)
		return
	}
	if !s.Cancel(id) {
		http.Error(rw, "Execution not found", http.StatusNotFound)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

func (ex *execution) markStarted() { ex.started = time.Now() }

func (ex *execution) hasStarted() bool { return !ex.started.IsZero() }

// outputLogger forwards remote output line by line.
type outputLogger struct {
	lg lg.Logger
}

func (w *outputLogger) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.lg.Info("remote output", lg.String("line", line))
		}
	}
	return len(p), nil
}
