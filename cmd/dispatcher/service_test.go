package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/internal/persistence"
	"github.com/andrej220/batchexec/pkg/consumer"
	"github.com/andrej220/batchexec/pkg/dispatch"
	"github.com/andrej220/batchexec/pkg/failure"
	"github.com/andrej220/batchexec/pkg/models"
	"github.com/andrej220/batchexec/pkg/monitor"
	"github.com/andrej220/batchexec/pkg/work"
)

type fakeBackend struct {
	err     error
	block   bool
	started chan struct{}
	closed  atomic.Bool
	calls   atomic.Int32
	cleanup atomic.Int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{started: make(chan struct{}, 16)}
}

func (b *fakeBackend) Kind() dispatch.Kind { return dispatch.KindSSH }

func (b *fakeBackend) Execute(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	b.calls.Add(1)
	return b.wait(ctx, mon)
}

func (b *fakeBackend) CleanUp(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	b.cleanup.Add(1)
	return b.wait(ctx, mon)
}

func (b *fakeBackend) wait(ctx context.Context, mon monitor.Monitor) error {
	b.started <- struct{}{}
	if b.block {
		for mon.CheckCancelled() == nil {
			time.Sleep(5 * time.Millisecond)
		}
		return failure.ErrCancelled
	}
	mon.Output().Write([]byte("line one\nline two\n"))
	return b.err
}

func (b *fakeBackend) Close() error {
	b.closed.Store(true)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	outcomes []models.Outcome
	keys     []string
	notify   chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{notify: make(chan struct{}, 16)}
}

func (p *fakePublisher) Publish(_ context.Context, key []byte, value any) error {
	p.mu.Lock()
	p.keys = append(p.keys, string(key))
	p.outcomes = append(p.outcomes, value.(models.Outcome))
	p.mu.Unlock()
	p.notify <- struct{}{}
	return nil
}

func (p *fakePublisher) next(t *testing.T) models.Outcome {
	t.Helper()
	select {
	case <-p.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome published")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcomes[len(p.outcomes)-1]
}

func sampleRequest() models.Request {
	return models.Request{Work: work.Description{
		BatchID:       "batch",
		FlowID:        "flow",
		Phase:         work.PhaseMain,
		ExecutionID:   "exec-1",
		StageID:       "stage-1",
		MainReference: "com.example.Stage",
	}}
}

func TestSubmitSucceeds(t *testing.T) {
	backend := newFakeBackend()
	pub := newFakePublisher()
	dir := t.TempDir()
	svc := NewService(backend, 2, lg.Discard, WithPublisher(pub), WithOutcomeStore(persistence.DirStore{Dir: dir}))
	defer svc.Stop()

	id, err := svc.Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	o := pub.next(t)
	assert.Equal(t, id, o.ExecutionUID)
	assert.Equal(t, models.StateSucceeded, o.State)
	require.NotNil(t, o.ExitCode)
	assert.Equal(t, 0, *o.ExitCode)
	assert.FileExists(t, persistence.DirStore{Dir: dir}.Path(o))
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.False(t, svc.Cancel(id))
}

func TestSubmitCleanup(t *testing.T) {
	backend := newFakeBackend()
	pub := newFakePublisher()
	svc := NewService(backend, 1, lg.Discard, WithPublisher(pub))
	defer svc.Stop()

	req := sampleRequest()
	req.Cleanup = true
	_, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	pub.next(t)
	assert.Equal(t, int32(1), backend.cleanup.Load())
	assert.Equal(t, int32(0), backend.calls.Load())
}

func TestSubmitExitCode(t *testing.T) {
	backend := newFakeBackend()
	backend.err = &failure.ExitCodeError{Code: 137}
	pub := newFakePublisher()
	svc := NewService(backend, 1, lg.Discard, WithPublisher(pub))
	defer svc.Stop()

	_, err := svc.Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	o := pub.next(t)
	assert.Equal(t, models.StateFailed, o.State)
	require.NotNil(t, o.ExitCode)
	assert.Equal(t, 137, *o.ExitCode)
	assert.NotEmpty(t, o.Error)
}

func TestSubmitRejectsInvalidWork(t *testing.T) {
	svc := NewService(newFakeBackend(), 1, lg.Discard)
	defer svc.Stop()

	req := sampleRequest()
	req.Work.Phase = "lunch"
	_, err := svc.Submit(context.Background(), req)
	assert.Error(t, err)
}

func TestSubmitDuplicate(t *testing.T) {
	backend := newFakeBackend()
	backend.block = true
	pub := newFakePublisher()
	svc := NewService(backend, 1, lg.Discard, WithPublisher(pub))
	defer svc.Stop()

	req := sampleRequest()
	req.ExecutionUID = uuid.New()
	_, err := svc.Submit(context.Background(), req)
	require.NoError(t, err)
	_, err = svc.Submit(context.Background(), req)
	assert.ErrorIs(t, err, ErrDuplicate)

	<-backend.started
	require.True(t, svc.Cancel(req.ExecutionUID))
	assert.Equal(t, models.StateCancelled, pub.next(t).State)
}

func TestCancelQueued(t *testing.T) {
	backend := newFakeBackend()
	backend.block = true
	pub := newFakePublisher()
	svc := NewService(backend, 1, lg.Discard, WithPublisher(pub))
	defer svc.Stop()

	first, err := svc.Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	<-backend.started
	second, err := svc.Submit(context.Background(), sampleRequest())
	require.NoError(t, err)

	require.True(t, svc.Cancel(second))
	require.True(t, svc.Cancel(first))

	states := map[uuid.UUID]models.State{}
	for i := 0; i < 2; i++ {
		o := pub.next(t)
		states[o.ExecutionUID] = o.State
	}
	assert.Equal(t, models.StateCancelled, states[first])
	assert.Equal(t, models.StateCancelled, states[second])
	assert.Equal(t, int32(1), backend.calls.Load())
}

func TestReloadClosesPreviousBackend(t *testing.T) {
	first := newFakeBackend()
	second := newFakeBackend()
	var gotConf map[string]string
	svc := NewService(first, 1, lg.Discard, WithBackendFactory(func(conf map[string]string) (dispatch.Backend, error) {
		gotConf = conf
		return second, nil
	}))
	defer svc.Stop()

	require.NoError(t, svc.Reload(map[string]string{"ssh.host": "h"}))
	assert.Equal(t, "h", gotConf["ssh.host"])
	assert.Eventually(t, first.closed.Load, 2*time.Second, 10*time.Millisecond)

	pub := newFakePublisher()
	svc.publisher = pub
	_, err := svc.Submit(context.Background(), sampleRequest())
	require.NoError(t, err)
	pub.next(t)
	assert.Equal(t, int32(1), second.calls.Load())
	assert.Equal(t, int32(0), first.calls.Load())
}

func TestReloadKeepsBackendOnError(t *testing.T) {
	first := newFakeBackend()
	svc := NewService(first, 1, lg.Discard, WithBackendFactory(func(map[string]string) (dispatch.Backend, error) {
		return nil, errors.New("bad profile")
	}))
	defer svc.Stop()

	assert.Error(t, svc.Reload(nil))
	assert.False(t, first.closed.Load())
}

func TestStopClosesBackend(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, 1, lg.Discard)
	svc.Stop()
	assert.True(t, backend.closed.Load())
}

func TestRoutes(t *testing.T) {
	backend := newFakeBackend()
	backend.block = true
	pub := newFakePublisher()
	svc := NewService(backend, 1, lg.Discard, WithPublisher(pub))
	defer svc.Stop()
	srv := httptest.NewServer(svc.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := json.Marshal(sampleRequest())
	require.NoError(t, err)
	resp, err = http.Post(srv.URL+"/executions", "application/json", strings.NewReader(string(body)))
	require.NoError(t, err)
	var accepted models.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEqual(t, uuid.Nil, accepted.ExecutionUID)

	resp, err = http.Post(srv.URL+"/executions", "application/json", strings.NewReader(`{"work":{}}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	del := func(id string) int {
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/executions/"+id, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusBadRequest, del("not-a-uuid"))
	assert.Equal(t, http.StatusNotFound, del(uuid.NewString()))

	<-backend.started
	assert.Equal(t, http.StatusAccepted, del(accepted.ExecutionUID.String()))
	assert.Equal(t, models.StateCancelled, pub.next(t).State)
}

type fakeReader struct {
	results   []readResult
	committed []models.Request
}

type readResult struct {
	req models.Request
	err error
}

func (r *fakeReader) Handle(ctx context.Context, fn func(context.Context, models.Request) error) error {
	if len(r.results) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	res := r.results[0]
	r.results = r.results[1:]
	if res.err != nil {
		return res.err
	}
	if err := fn(ctx, res.req); err != nil {
		return err
	}
	r.committed = append(r.committed, res.req)
	return nil
}

func TestConsume(t *testing.T) {
	backend := newFakeBackend()
	pub := newFakePublisher()
	svc := NewService(backend, 1, lg.Discard, WithPublisher(pub))
	defer svc.Stop()

	invalid := sampleRequest()
	invalid.Work.BatchID = ""
	reader := &fakeReader{results: []readResult{
		{err: &consumer.DecodeError{Offset: 4, Err: errors.New("bad json")}},
		{req: invalid},
		{req: sampleRequest()},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consume(ctx, reader, svc, lg.Discard)
		close(done)
	}()

	assert.Equal(t, models.StateSucceeded, pub.next(t).State)
	cancel()
	<-done
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.Len(t, reader.committed, 2)
}

func TestConsumeStoppedServiceLeavesRequestUnacknowledged(t *testing.T) {
	backend := newFakeBackend()
	svc := NewService(backend, 1, lg.Discard)
	svc.Stop()

	reader := &fakeReader{results: []readResult{{req: sampleRequest()}, {req: sampleRequest()}}}
	done := make(chan struct{})
	go func() {
		consume(context.Background(), reader, svc, lg.Discard)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return after the service stopped")
	}
	assert.Empty(t, reader.committed)
	assert.Len(t, reader.results, 1)
	assert.Zero(t, backend.calls.Load())
}

func TestOutcomeMapping(t *testing.T) {
	req := sampleRequest()
	at := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

	o := Outcome(req, &failure.RemoteError{Code: "E1", Message: "boom"}, at)
	assert.Equal(t, models.StateFailed, o.State)
	assert.Nil(t, o.ExitCode)
	assert.Equal(t, at, o.Finished)
	assert.Equal(t, req.Work.String(), o.Work)

	o = Outcome(req, failure.ErrCancelled, at)
	assert.Equal(t, models.StateCancelled, o.State)
}
