package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/pkg/failure"
	"github.com/andrej220/batchexec/pkg/monitor"
	"github.com/andrej220/batchexec/pkg/work"
	"github.com/andrej220/batchexec/pkg/workerpool"
)

// Monitor budget of a single run.
const (
	progressTotal      = 100
	progressRegistered = 5
	progressSubmitted  = 5
	progressWaiting    = 5
	progressRunning    = 10
)

// Engine registers work on a ClientPool, submits it and polls it to a
// terminal state. Run blocks the calling goroutine.
type Engine struct {
	pool       *ClientPool
	timeout    time.Duration
	interval   time.Duration
	properties map[string]string
	maxCalls   int
	workers    *workerpool.Pool[*registration]
	logger     lg.Logger
}

type Option func(*Engine)

func WithLogger(l lg.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithProperties sets the base properties every job starts from.
func WithProperties(props map[string]string) Option {
	return func(e *Engine) { e.properties = work.CopyMap(props) }
}

// WithMaxRequests bounds the number of registration calls in flight.
func WithMaxRequests(n int) Option {
	return func(e *Engine) { e.maxCalls = n }
}

func NewEngine(cfg *PoolConfig, pool *ClientPool, opts ...Option) *Engine {
	e := &Engine{
		pool:     pool,
		timeout:  cfg.RequestTimeout,
		interval: cfg.PollingInterval,
		logger:   lg.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.workers = workerpool.NewPool[*registration](e.maxCalls, e.logger)
	return e
}

// Close stops the registration workers.
func (e *Engine) Close() {
	e.workers.Stop()
}

// Run executes w and returns nil only if the remote job completed with exit code 0.
func (e *Engine) Run(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	return e.run(ctx, mon, w)
}

// CleanUp runs the built-in cleanup unit for the batch/flow/phase of w.
func (e *Engine) CleanUp(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	return e.run(ctx, mon, w.Cleanup())
}

func (e *Engine) run(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	mon.Open(progressTotal)
	defer mon.Close()

	if err := mon.CheckCancelled(); err != nil {
		return err
	}
	job := NewJob(w, e.properties)
	handle, err := e.register(ctx, mon, job)
	if err != nil {
		return err
	}
	mon.Progressed(progressRegistered)

	if err := mon.CheckCancelled(); err != nil {
		return err
	}
	if err := e.submit(ctx, job, handle); err != nil {
		return err
	}
	mon.Progressed(progressSubmitted)

	logger := e.jobLogger(job, handle)
	logger.Info("waiting for job completion")
	start := time.Now()
	defer func() {
		logger.Info("finished waiting for job", lg.Duration("elapsed", time.Since(start)))
	}()

	last := Initialized
	for {
		if err := mon.CheckCancelled(); err != nil {
			return err
		}
		status, err := e.poll(ctx, job, handle)
		if err != nil {
			return err
		}
		if status.Kind.Terminal() {
			return outcome(handle, job, status)
		}
		if last < status.Kind {
			logger.Debug("job status changed", lg.String("from", last.String()), lg.String("to", status.Kind.String()))
			switch status.Kind {
			case Waiting:
				mon.Progressed(progressWaiting)
			case Running:
				mon.Progressed(progressRunning)
			}
			last = status.Kind
		}
		if err := sleep(ctx, e.interval); err != nil {
			return fmt.Errorf("%w: %v", failure.ErrCancelled, err)
		}
	}
}

func (e *Engine) jobLogger(job *Job, h *Handle) lg.Logger {
	fields := []lg.Field{
		lg.String("batchId", job.BatchID),
		lg.String("flowId", job.FlowID),
		lg.String("phase", job.Phase),
		lg.String("executionId", job.ExecutionID),
		lg.String("stageId", job.StageID),
	}
	if h != nil {
		fields = append(fields, lg.String("endpoint", h.Endpoint.String()), lg.String("jobId", string(h.JobID)))
	}
	return e.logger.With(fields...)
}

func (e *Engine) register(ctx context.Context, mon monitor.Monitor, job *Job) (*Handle, error) {
	logger := e.jobLogger(job, nil)
	attempts := e.pool.Count() * 2
	var lastErr error
	for i := 1; i <= attempts; i++ {
		if err := mon.CheckCancelled(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", failure.ErrCancelled, err)
		}
		m := e.pool.Next()
		id, err := e.registerWithTimeout(ctx, job, m)
		if err == nil {
			e.pool.MarkHealthy(m)
			return &Handle{Endpoint: m.Endpoint, JobID: id, member: m}, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", failure.ErrCancelled, ctx.Err())
		}
		if errors.Is(err, errNoWorker) {
			logger.Error("failed to dispatch job registration", lg.Err(err))
			return nil, err
		}
		lastErr = err
		failures := e.pool.MarkFailed(m)
		logger.Warn("failed to register job, trying next resource",
			lg.String("endpoint", m.Endpoint.String()),
			lg.Int("attempt", i),
			lg.Int("attempts", attempts),
			lg.Int("consecutiveFailures", failures),
			lg.Err(err))
	}
	logger.Error("failed to register job on every resource", lg.Int("resources", e.pool.Count()))
	return nil, &failure.RegistrationError{Job: job.String(), Attempts: attempts, Err: lastErr}
}

type registration struct {
	ctx     context.Context
	job     *Job
	member  *Member
	started chan struct{}
	stopped chan struct{}
	result  chan registrationResult
}

func (r *registration) String() string {
	return fmt.Sprintf("register %s on %s", r.job, r.member.Endpoint)
}

type registrationResult struct {
	id  JobID
	err error
}

// errNoWorker marks a registration that never reached the endpoint.
var errNoWorker = errors.New("registration worker unavailable")

// registerWithTimeout runs Register on the worker pool. The request timeout
// starts when a worker picks the call up.
func (e *Engine) registerWithTimeout(ctx context.Context, job *Job, m *Member) (JobID, error) {
	reg := &registration{
		ctx:     ctx,
		job:     job,
		member:  m,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
		result:  make(chan registrationResult, 1),
	}
	err := e.workers.Submit(workerpool.Job[*registration]{
		Payload:     reg,
		Fn:          e.doRegister,
		Ctx:         ctx,
		CleanupFunc: func() { close(reg.stopped) },
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", errNoWorker, err)
	}

	select {
	case <-reg.started:
	case <-reg.stopped:
		select {
		case <-reg.started:
		default:
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: %w", errNoWorker, workerpool.ErrPoolStopped)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()
	select {
	case res := <-reg.result:
		return res.id, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", fmt.Errorf("request was timeout after %s: %s", e.timeout, m.Endpoint)
	}
}

func (e *Engine) doRegister(r *registration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("request was failed cause of unexpected panic: %v (%s)", p, r.member.Endpoint)
			select {
			case r.result <- registrationResult{err: err}:
			default:
			}
		}
	}()
	callCtx, cancel := context.WithTimeout(r.ctx, e.timeout)
	defer cancel()
	close(r.started)

	logger := e.jobLogger(r.job, nil).With(lg.String("endpoint", r.member.Endpoint.String()))
	logger.Info("registering job")
	start := time.Now()
	id, err := r.member.Client.Register(callCtx, r.job)
	if err == nil && id == "" {
		err = fmt.Errorf("empty job id from %s", r.member.Endpoint)
	}
	r.result <- registrationResult{id: id, err: err}
	if err != nil {
		return err
	}
	logger.Info("registered job", lg.String("jobId", string(id)), lg.Duration("elapsed", time.Since(start)))
	return nil
}

func (e *Engine) submit(ctx context.Context, job *Job, h *Handle) error {
	logger := e.jobLogger(job, h)
	logger.Info("submitting job")
	start := time.Now()
	if err := h.member.Client.Submit(ctx, h.JobID); err != nil {
		logger.Error("failed to submit job", lg.Err(err))
		return &failure.SubmissionError{Job: job.String(), Endpoint: h.Endpoint.String(), JobID: string(h.JobID), Err: err}
	}
	logger.Info("submitted job", lg.Duration("elapsed", time.Since(start)))
	return nil
}

func (e *Engine) poll(ctx context.Context, job *Job, h *Handle) (*Status, error) {
	status, err := h.member.Client.Status(ctx, h.JobID)
	if err != nil {
		e.jobLogger(job, h).Error("failed to obtain job status", lg.Err(err))
		return nil, &failure.PollingError{Job: job.String(), Endpoint: h.Endpoint.String(), JobID: string(h.JobID), Err: err}
	}
	return status, nil
}

func outcome(h *Handle, job *Job, status *Status) error {
	detail := fmt.Sprintf("%s, %s", h, job)
	switch status.Kind {
	case Completed:
		if status.ExitCode != 0 {
			return &failure.ExitCodeError{Code: status.ExitCode, Detail: detail}
		}
		return nil
	case Error:
		return &failure.RemoteError{Code: status.ErrorCode, Message: status.ErrorMessage, Detail: detail}
	}
	return fmt.Errorf("job is not in a terminal state: %s (%s)", status.Kind, detail)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
