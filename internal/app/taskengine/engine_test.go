package taskengine

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/fleet-armada/internal/domain/task"
	"github.com/ahrav/fleet-armada/internal/infra/storage"
	"github.com/ahrav/fleet-armada/internal/infra/storage/records"
	"github.com/ahrav/fleet-armada/internal/infra/storage/records/memory"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []task.Event
}

func (p *recordingPublisher) PublishTaskEvent(_ context.Context, evt task.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) statuses() []task.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]task.Status, len(p.events))
	for i, e := range p.events {
		out[i] = e.Status
	}
	return out
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) *Engine {
	t.Helper()
	repo := records.NewTaskRepository(memory.NewStore())
	return New(cfg, repo, logger.Noop(), storage.NoOpTracer(), opts...)
}

func submitAndWait(t *testing.T, e *Engine, req SubmitRequest) *task.Record {
	t.Helper()
	ctx := context.Background()
	id, err := e.Submit(ctx, req)
	require.NoError(t, err)
	e.Wait()
	rec, err := e.Get(ctx, id)
	require.NoError(t, err)
	return rec
}

func TestEngine_TaskIDFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want *regexp.Regexp
	}{
		{name: "init", cfg: InitConfig(), want: regexp.MustCompile(`^init-[0-9a-f]{8}$`)},
		{name: "portcheck", cfg: PortCheckConfig(), want: regexp.MustCompile(`^portcheck-[0-9a-f]{8}$`)},
		{name: "deploy", cfg: DeployConfig(), want: regexp.MustCompile(`^deploy-[0-9a-f]{8}$`)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestEngine(t, tt.cfg)
			id, err := e.Submit(context.Background(), SubmitRequest{
				Work: func(context.Context, *Handle) error { return nil },
			})
			require.NoError(t, err)
			e.Wait()
			assert.Regexp(t, tt.want, id)
			assert.True(t, e.Owns(id))
		})
	}
}

func TestEngine_CompletesAllSubItems(t *testing.T) {
	t.Parallel()
	pub := new(recordingPublisher)
	e := newTestEngine(t, InitConfig(), WithPublisher(pub))

	rec := submitAndWait(t, e, SubmitRequest{
		MachineID: "m-1",
		SubItems:  []string{"DOCKER", "NGINX"},
		Work: func(ctx context.Context, h *Handle) error {
			for _, name := range []string{"DOCKER", "NGINX"} {
				if err := h.StartItem(ctx, name); err != nil {
					return err
				}
				if err := h.CompleteItem(ctx, name); err != nil {
					return err
				}
			}
			return h.SetResult(ctx, map[string]bool{"ok": true})
		},
	})

	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	assert.NotNil(t, rec.EndTime)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))
	assert.Equal(t, []task.Status{task.StatusPending, task.StatusRunning, task.StatusCompleted}, pub.statuses())
}

func TestEngine_ZeroSubItemsCompletesAtFullProgress(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, PortCheckConfig())

	rec := submitAndWait(t, e, SubmitRequest{Work: func(context.Context, *Handle) error { return nil }})

	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
}

func TestEngine_WorkErrorFailsTask(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, InitConfig())

	rec := submitAndWait(t, e, SubmitRequest{
		MachineID: "ghost",
		SubItems:  []string{"DOCKER"},
		Work: func(context.Context, *Handle) error {
			return errors.New("machine ghost not found")
		},
	})

	assert.Equal(t, task.StatusFailed, rec.Status)
	assert.Equal(t, "machine ghost not found", rec.ErrorMessage)
	assert.Equal(t, 0, rec.Progress)
}

func TestEngine_SubItemFailureIsLocal(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, InitConfig())

	rec := submitAndWait(t, e, SubmitRequest{
		SubItems: []string{"DOCKER", "MYSQL", "NGINX"},
		Work: func(ctx context.Context, h *Handle) error {
			for _, name := range []string{"DOCKER", "MYSQL", "NGINX"} {
				assert.NoError(t, h.StartItem(ctx, name))
				if name == "MYSQL" {
					assert.NoError(t, h.FailItem(ctx, name, errors.New(`step "install" failed`)))
					continue
				}
				assert.NoError(t, h.CompleteItem(ctx, name))
			}
			return nil
		},
	})

	assert.Equal(t, task.StatusFailed, rec.Status)
	assert.Equal(t, `1 of 3 failed: MYSQL: step "install" failed`, rec.ErrorMessage)
	assert.Equal(t, 67, rec.Progress)
	assert.Equal(t, task.StatusCompleted, rec.SubItems[0].Status)
	assert.Equal(t, task.StatusFailed, rec.SubItems[1].Status)
	assert.Equal(t, task.StatusCompleted, rec.SubItems[2].Status)
}

func TestEngine_PanicFailsTask(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, DeployConfig())

	rec := submitAndWait(t, e, SubmitRequest{
		Work: func(context.Context, *Handle) error { panic("boom") },
	})

	assert.Equal(t, task.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "boom")
}

func TestEngine_CancelIsCooperative(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, InitConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	var lateErr error
	var sawCancel bool

	id, err := e.Submit(ctx, SubmitRequest{
		SubItems: []string{"DOCKER", "NGINX"},
		Work: func(ctx context.Context, h *Handle) error {
			assert.NoError(t, h.StartItem(ctx, "DOCKER"))
			close(started)
			<-release
			sawCancel = h.Cancelled(ctx)
			lateErr = h.CompleteItem(ctx, "DOCKER")
			return nil
		},
	})
	require.NoError(t, err)

	<-started
	require.NoError(t, e.Cancel(ctx, id))
	close(release)
	e.Wait()

	assert.True(t, sawCancel)
	assert.ErrorIs(t, lateErr, task.ErrTaskTerminal)

	rec, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, rec.Status)
	assert.Equal(t, task.StatusRunning, rec.SubItems[0].Status)
	assert.Equal(t, task.StatusCancelled, rec.SubItems[1].Status)
}

func TestEngine_CancelTerminalIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, PortCheckConfig())

	rec := submitAndWait(t, e, SubmitRequest{Work: func(context.Context, *Handle) error { return nil }})
	require.Equal(t, task.StatusCompleted, rec.Status)

	require.NoError(t, e.Cancel(ctx, rec.ID))

	got, err := e.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
}

func TestEngine_UnknownTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, InitConfig())

	_, err := e.Get(ctx, "init-00000000")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)

	err = e.Cancel(ctx, "init-00000000")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
}

func TestEngine_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t, InitConfig())

	_, err := e.Submit(context.Background(), SubmitRequest{})
	assert.Error(t, err)

	_, err = e.Submit(context.Background(), SubmitRequest{
		SubItems: []string{"DOCKER", "DOCKER"},
		Work:     func(context.Context, *Handle) error { return nil },
	})
	assert.Error(t, err)
}

func TestEngine_ConcurrencyIsBounded(t *testing.T) {
	t.Parallel()
	cfg := InitConfig()
	cfg.MaxConcurrent = 2
	e := newTestEngine(t, cfg)

	var running, peak atomic.Int32
	for i := 0; i < 8; i++ {
		_, err := e.Submit(context.Background(), SubmitRequest{
			Work: func(context.Context, *Handle) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			},
		})
		require.NoError(t, err)
	}
	e.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestEngine_RecordPersistedBeforeWorkerRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newTestEngine(t, InitConfig())

	release := make(chan struct{})
	id, err := e.Submit(ctx, SubmitRequest{
		SubItems: []string{"DOCKER"},
		Work: func(context.Context, *Handle) error {
			<-release
			return nil
		},
	})
	require.NoError(t, err)

	rec, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, []task.Status{task.StatusPending, task.StatusRunning}, rec.Status)
	assert.Equal(t, 0, rec.Progress)

	close(release)
	e.Wait()
}
