package jobqueue

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/pkg/failure"
	"github.com/andrej220/batchexec/pkg/work"
	"github.com/andrej220/batchexec/pkg/workerpool"
)

type fakeClient struct {
	mu            sync.Mutex
	id            JobID
	registerErr   error
	registerDelay time.Duration
	registerPanic bool
	submitErr     error
	statuses      []Status
	statusErr     error
	onPoll        func(n int)

	registers int
	submits   int
	polls     int
	jobs      []*Job
}

func (c *fakeClient) Register(ctx context.Context, job *Job) (JobID, error) {
	c.mu.Lock()
	c.registers++
	c.jobs = append(c.jobs, job)
	delay, err, id, panicking := c.registerDelay, c.registerErr, c.id, c.registerPanic
	c.mu.Unlock()

	if panicking {
		panic("broken client")
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (c *fakeClient) Submit(ctx context.Context, id JobID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	return c.submitErr
}

func (c *fakeClient) Status(ctx context.Context, id JobID) (*Status, error) {
	c.mu.Lock()
	c.polls++
	n := c.polls
	hook := c.onPoll
	var s Status
	if len(c.statuses) > 0 {
		s = c.statuses[min(n, len(c.statuses))-1]
	}
	err := c.statusErr
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return nil, err
	}
	s.JobID = id
	return &s, nil
}

func (c *fakeClient) counts() (registers, submits, polls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registers, c.submits, c.polls
}

type recordingMonitor struct {
	mu        sync.Mutex
	total     float64
	deltas    []float64
	closed    bool
	cancelled atomic.Bool
}

func (m *recordingMonitor) Open(total float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
}

func (m *recordingMonitor) Progressed(delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas = append(m.deltas, delta)
}

func (m *recordingMonitor) CheckCancelled() error {
	if m.cancelled.Load() {
		return failure.ErrCancelled
	}
	return nil
}

func (m *recordingMonitor) Output() io.Writer { return io.Discard }

func (m *recordingMonitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *recordingMonitor) progress() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.deltas...)
}

func completed(code int) Status { return Status{Kind: Completed, ExitCode: code} }

func newTestEngine(t *testing.T, clients []*fakeClient, opts ...Option) *Engine {
	t.Helper()
	eps := endpoints(len(clients))
	byIndex := make(map[int]*fakeClient, len(clients))
	for i, c := range clients {
		byIndex[eps[i].Index] = c
	}
	pool, err := NewClientPool(eps, func(ep Endpoint) Client { return byIndex[ep.Index] })
	require.NoError(t, err)
	cfg := &PoolConfig{Endpoints: eps, RequestTimeout: time.Second, PollingInterval: time.Millisecond}
	e := NewEngine(cfg, pool, opts...)
	t.Cleanup(e.Close)
	return e
}

func testWork() work.Description {
	return work.Description{
		BatchID:        "b1",
		FlowID:         "f1",
		Phase:          work.PhaseMain,
		ExecutionID:    "e1",
		StageID:        "s1",
		MainReference:  "com.example.Stage",
		Properties:     map[string]string{"p": "work"},
		Environment:    map[string]string{"HOME": "/home/batch"},
		BatchArguments: map[string]string{"date": "2024-01-01"},
	}
}

func TestRunCompletes(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{
		{Kind: Initialized},
		{Kind: Waiting},
		{Kind: Waiting},
		{Kind: Running},
		{Kind: Running},
		completed(0),
	}}
	e := newTestEngine(t, []*fakeClient{c}, WithProperties(map[string]string{"p": "base", "q": "base"}))
	mon := &recordingMonitor{}

	err := e.Run(context.Background(), mon, testWork())
	require.NoError(t, err)

	assert.Equal(t, float64(progressTotal), mon.total)
	assert.Equal(t, []float64{5, 5, 5, 10}, mon.progress())
	assert.True(t, mon.closed)

	registers, submits, polls := c.counts()
	assert.Equal(t, 1, registers)
	assert.Equal(t, 1, submits)
	assert.Equal(t, 6, polls)

	job := c.jobs[0]
	assert.Equal(t, "com.example.Stage", job.MainClass)
	assert.Equal(t, map[string]string{"p": "work", "q": "base"}, job.Properties)
	assert.Equal(t, map[string]string{"HOME": "/home/batch"}, job.Env)
	assert.Equal(t, map[string]string{"date": "2024-01-01"}, job.Arguments)
}

func TestRunSkippedStatesReportOnlyReached(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{{Kind: Running}, completed(0)}}
	e := newTestEngine(t, []*fakeClient{c})
	mon := &recordingMonitor{}

	require.NoError(t, e.Run(context.Background(), mon, testWork()))
	assert.Equal(t, []float64{5, 5, 10}, mon.progress())
}

func TestRunNonZeroExitCode(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{completed(137)}}
	e := newTestEngine(t, []*fakeClient{c})

	err := e.Run(context.Background(), &recordingMonitor{}, testWork())
	var ec *failure.ExitCodeError
	require.ErrorAs(t, err, &ec)
	assert.Equal(t, 137, ec.Code)
	code, ok := failure.ExitCode(err)
	assert.True(t, ok)
	assert.Equal(t, 137, code)
}

func TestRunRemoteError(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{
		{Kind: Running},
		{Kind: Error, ErrorCode: "E42", ErrorMessage: "disk full"},
	}}
	e := newTestEngine(t, []*fakeClient{c})

	err := e.Run(context.Background(), &recordingMonitor{}, testWork())
	var rerr *failure.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "E42", rerr.Code)
	assert.Contains(t, err.Error(), "disk full")
}

func TestRunRemoteErrorWithoutMessage(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{{Kind: Error, ErrorCode: "E7"}}}
	e := newTestEngine(t, []*fakeClient{c})

	err := e.Run(context.Background(), &recordingMonitor{}, testWork())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown error code=E7")
}

func TestRegistrationFailover(t *testing.T) {
	down := errors.New("connection refused")
	clients := []*fakeClient{
		{registerErr: down},
		{registerErr: down},
		{id: "j-3", statuses: []Status{completed(0)}},
	}
	e := newTestEngine(t, clients)

	require.NoError(t, e.Run(context.Background(), &recordingMonitor{}, testWork()))

	total := 0
	for _, c := range clients {
		r, _, _ := c.counts()
		total += r
	}
	assert.LessOrEqual(t, total, 2*len(clients))
	_, submits, _ := clients[2].counts()
	assert.Equal(t, 1, submits)
}

func TestRegistrationExhausted(t *testing.T) {
	down := errors.New("connection refused")
	clients := []*fakeClient{{registerErr: down}, {registerErr: down}, {registerErr: down}}
	e := newTestEngine(t, clients)

	err := e.Run(context.Background(), &recordingMonitor{}, testWork())
	var rerr *failure.RegistrationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 6, rerr.Attempts)
	assert.ErrorIs(t, err, down)

	total := 0
	for _, c := range clients {
		r, s, _ := c.counts()
		total += r
		assert.Zero(t, s)
	}
	assert.Equal(t, 6, total)
}

func TestRegistrationEmptyIDFailsOver(t *testing.T) {
	clients := []*fakeClient{
		{id: ""},
		{id: "j-2", statuses: []Status{completed(0)}},
	}
	e := newTestEngine(t, clients)

	require.NoError(t, e.Run(context.Background(), &recordingMonitor{}, testWork()))
	_, submits, _ := clients[0].counts()
	assert.Zero(t, submits)
}

func TestRegistrationPanicFailsOver(t *testing.T) {
	clients := []*fakeClient{
		{registerPanic: true},
		{id: "j-2", statuses: []Status{completed(0)}},
	}
	e := newTestEngine(t, clients)

	require.NoError(t, e.Run(context.Background(), &recordingMonitor{}, testWork()))
}

func TestRegistrationTimeoutFailsOver(t *testing.T) {
	clients := []*fakeClient{
		{id: "slow", registerDelay: 5 * time.Second},
		{id: "j-2", statuses: []Status{completed(0)}},
	}
	eps := endpoints(2)
	pool, err := NewClientPool(eps, func(ep Endpoint) Client { return clients[ep.Index] })
	require.NoError(t, err)
	e := NewEngine(&PoolConfig{Endpoints: eps, RequestTimeout: 20 * time.Millisecond, PollingInterval: time.Millisecond}, pool)
	t.Cleanup(e.Close)

	start := time.Now()
	require.NoError(t, e.Run(context.Background(), &recordingMonitor{}, testWork()))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, slowSubmits, _ := clients[0].counts()
	assert.Zero(t, slowSubmits)
	_, submits, _ := clients[1].counts()
	assert.Equal(t, 1, submits)
}

func TestSubmissionFailureIsNotRetried(t *testing.T) {
	clients := []*fakeClient{
		{id: "j-1", submitErr: errors.New("rejected")},
		{id: "j-2", statuses: []Status{completed(0)}},
	}
	e := newTestEngine(t, clients)

	err := e.Run(context.Background(), &recordingMonitor{}, testWork())
	var serr *failure.SubmissionError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "j-1", serr.JobID)

	r0, s0, _ := clients[0].counts()
	r1, _, _ := clients[1].counts()
	assert.Equal(t, 1, r0)
	assert.Equal(t, 1, s0)
	assert.Zero(t, r1)
}

func TestPollingFailure(t *testing.T) {
	c := &fakeClient{id: "j-1", statusErr: errors.New("bad gateway")}
	e := newTestEngine(t, []*fakeClient{c})

	err := e.Run(context.Background(), &recordingMonitor{}, testWork())
	var perr *failure.PollingError
	require.ErrorAs(t, err, &perr)
	_, _, polls := c.counts()
	assert.Equal(t, 1, polls)
}

func TestCancelledBeforeStart(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{completed(0)}}
	e := newTestEngine(t, []*fakeClient{c})
	mon := &recordingMonitor{}
	mon.cancelled.Store(true)

	err := e.Run(context.Background(), mon, testWork())
	assert.ErrorIs(t, err, failure.ErrCancelled)
	registers, _, _ := c.counts()
	assert.Zero(t, registers)
	assert.True(t, mon.closed)
}

func TestCancelledBetweenPolls(t *testing.T) {
	mon := &recordingMonitor{}
	c := &fakeClient{id: "j-1", statuses: []Status{{Kind: Running}}}
	c.onPoll = func(n int) {
		if n == 2 {
			mon.cancelled.Store(true)
		}
	}
	e := newTestEngine(t, []*fakeClient{c})

	err := e.Run(context.Background(), mon, testWork())
	assert.ErrorIs(t, err, failure.ErrCancelled)
	_, _, polls := c.counts()
	assert.Equal(t, 2, polls)
}

func TestContextCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &fakeClient{id: "j-1", statuses: []Status{{Kind: Running}}}
	c.onPoll = func(n int) {
		if n == 1 {
			cancel()
		}
	}
	e := newTestEngine(t, []*fakeClient{c})

	err := e.Run(ctx, &recordingMonitor{}, testWork())
	assert.ErrorIs(t, err, failure.ErrCancelled)
}

func TestCleanUpSendsCleanupUnit(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{completed(0)}}
	e := newTestEngine(t, []*fakeClient{c}, WithProperties(map[string]string{"q": "base"}))

	require.NoError(t, e.CleanUp(context.Background(), &recordingMonitor{}, testWork()))

	require.Len(t, c.jobs, 1)
	job := c.jobs[0]
	assert.Equal(t, work.CleanupReference, job.MainClass)
	assert.Equal(t, work.PhaseMain, job.StageID)
	assert.Equal(t, "b1", job.BatchID)
	assert.Equal(t, map[string]string{"q": "base"}, job.Properties)
	assert.Empty(t, job.Env)
	assert.Equal(t, map[string]string{"date": "2024-01-01"}, job.Arguments)
}

func TestRunStopsPollingAtTerminalState(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{{Kind: Running}, completed(0), {Kind: Running}}}
	e := newTestEngine(t, []*fakeClient{c})

	require.NoError(t, e.Run(context.Background(), &recordingMonitor{}, testWork()))
	_, _, polls := c.counts()
	assert.Equal(t, 2, polls)
}

func TestRegistrationQueueWaitIsNotCharged(t *testing.T) {
	c := &fakeClient{id: "j-1", registerDelay: 60 * time.Millisecond, statuses: []Status{completed(0)}}
	eps := endpoints(1)
	pool, err := NewClientPool(eps, func(Endpoint) Client { return c })
	require.NoError(t, err)
	e := NewEngine(&PoolConfig{Endpoints: eps, RequestTimeout: 100 * time.Millisecond, PollingInterval: time.Millisecond},
		pool, WithMaxRequests(1))
	t.Cleanup(e.Close)

	const runs = 4
	errs := make([]error, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.Run(context.Background(), &recordingMonitor{}, testWork())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "run %d", i)
	}
	registers, submits, _ := c.counts()
	assert.Equal(t, runs, registers)
	assert.Equal(t, runs, submits)
	assert.True(t, pool.CoolingUntil(pool.Next()).IsZero())
}

func TestRegistrationOnStoppedEngine(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{completed(0)}}
	eps := endpoints(1)
	pool, err := NewClientPool(eps, func(Endpoint) Client { return c })
	require.NoError(t, err)
	e := NewEngine(&PoolConfig{Endpoints: eps, RequestTimeout: time.Second, PollingInterval: time.Millisecond}, pool)
	e.Close()

	err = e.Run(context.Background(), &recordingMonitor{}, testWork())
	assert.ErrorIs(t, err, workerpool.ErrPoolStopped)
	var regErr *failure.RegistrationError
	assert.False(t, errors.As(err, &regErr))

	registers, _, _ := c.counts()
	assert.Zero(t, registers)
	assert.True(t, pool.CoolingUntil(pool.Next()).IsZero())
}

// panickingLogger panics when asked to log msg.
type panickingLogger struct {
	lg.Logger
	msg string
}

func (l panickingLogger) With(...lg.Field) lg.Logger { return l }

func (l panickingLogger) Info(msg string, _ ...lg.Field) {
	if msg == l.msg {
		panic(msg)
	}
}

func TestRegistrationPanicAfterResultReleasesWorker(t *testing.T) {
	c := &fakeClient{id: "j-1", statuses: []Status{completed(0)}}
	eps := endpoints(1)
	pool, err := NewClientPool(eps, func(Endpoint) Client { return c })
	require.NoError(t, err)
	logger := panickingLogger{Logger: lg.Discard, msg: "registered job"}
	e := NewEngine(&PoolConfig{Endpoints: eps, RequestTimeout: time.Second, PollingInterval: time.Millisecond},
		pool, WithMaxRequests(1), WithLogger(logger))
	t.Cleanup(e.Close)

	done := make(chan error, 2)
	go func() {
		for i := 0; i < 2; i++ {
			done <- e.Run(context.Background(), &recordingMonitor{}, testWork())
		}
	}()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("registration worker was not released")
		}
	}
	registers, _, _ := c.counts()
	assert.Equal(t, 2, registers)
}
