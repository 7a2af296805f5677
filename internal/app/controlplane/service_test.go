package controlplane

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/fleet-armada/internal/app/provisioning"
	"github.com/ahrav/fleet-armada/internal/app/reachability"
	"github.com/ahrav/fleet-armada/internal/app/taskengine"
	"github.com/ahrav/fleet-armada/internal/app/upload"
	domain "github.com/ahrav/fleet-armada/internal/domain/provisioning"
	"github.com/ahrav/fleet-armada/internal/domain/remote"
	"github.com/ahrav/fleet-armada/internal/domain/remote/remotetest"
	"github.com/ahrav/fleet-armada/internal/domain/task"
	uploaddomain "github.com/ahrav/fleet-armada/internal/domain/upload"
	"github.com/ahrav/fleet-armada/internal/infra/scripts"
	"github.com/ahrav/fleet-armada/internal/infra/storage"
	"github.com/ahrav/fleet-armada/internal/infra/storage/records"
	"github.com/ahrav/fleet-armada/internal/infra/storage/records/memory"
	"github.com/ahrav/fleet-armada/pkg/common/logger"
)

type openerFunc func(ctx context.Context, target remote.Target) (remote.Channel, error)

func (f openerFunc) Open(ctx context.Context, target remote.Target) (remote.Channel, error) {
	return f(ctx, target)
}

type fixture struct {
	svc        *Service
	ch         *remotetest.Channel
	src        *remotetest.Source
	projectDir string
}

// newFixture wires a Service around one scripted Ubuntu machine "m-1".
// Ports 80 and 21 are open; everything else is filtered.
func newFixture(t *testing.T, extra map[string]remotetest.Response) *fixture {
	t.Helper()
	log, tracer := logger.Noop(), storage.NoOpTracer()

	responses := remotetest.UbuntuResponses()
	for k, v := range extra {
		responses[k] = v
	}
	ch := remotetest.NewChannel(remotetest.Target("m-1"), responses)
	src := &remotetest.Source{Channels: map[string]*remotetest.Channel{"m-1": ch}}

	installer, err := provisioning.NewInstaller(scripts.FS(), log, tracer)
	require.NoError(t, err)

	prober := reachability.ProberFunc(func(_ context.Context, _ string, port int) reachability.ProbeState {
		switch port {
		case 80, 21:
			return reachability.StateOpen
		case 20:
			return reachability.StateRefused
		default:
			return reachability.StateFiltered
		}
	})

	store := memory.NewStore()
	taskRepo := records.NewTaskRepository(store)
	projectDir := t.TempDir()

	svc, err := New(Deps{
		Credentials: remotetest.Credentials{"m-1": remotetest.Target("m-1")},
		Channels:    src,
		Opener: openerFunc(func(context.Context, remote.Target) (remote.Channel, error) {
			return remotetest.NewChannel(remotetest.Target("m-1"), map[string]remotetest.Response{
				"echo ok": {Stdout: "ok\n"},
			}), nil
		}),
		Classifier: provisioning.NewClassifier(provisioning.DefaultStrategyRegistry(), log, tracer),
		Installer:  installer,
		Scanner: reachability.NewScanner(
			reachability.Config{MaxInFlight: 8}, prober, nil, log, tracer,
		),
		Uploads: upload.NewCoordinator(
			upload.Config{TempDir: t.TempDir(), ProjectDir: projectDir},
			records.NewUploadRepository(store), nil, log, tracer,
		),
		InitTasks:      taskengine.New(taskengine.InitConfig(), taskRepo, log, tracer),
		PortCheckTasks: taskengine.New(taskengine.PortCheckConfig(), taskRepo, log, tracer),
		DeployTasks:    taskengine.New(taskengine.DeployConfig(), taskRepo, log, tracer),
	}, log, tracer)
	require.NoError(t, err)

	return &fixture{svc: svc, ch: ch, src: src, projectDir: projectDir}
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()
	_, err := New(Deps{}, logger.Noop(), storage.NoOpTracer())
	assert.Error(t, err)
}

func TestService_InstallAlreadyPresent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.SubmitInstallTask(ctx, "m-1", []domain.ServiceType{domain.ServiceDocker, domain.ServiceNginx})
	require.NoError(t, err)
	assert.Regexp(t, `^init-[0-9a-f]{8}$`, id)
	f.svc.Wait()

	rec, err := f.svc.GetTaskProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	require.Len(t, rec.SubItems, 2)
	assert.Equal(t, "DOCKER", rec.SubItems[0].Name)
	assert.Equal(t, "NGINX", rec.SubItems[1].Name)

	returned, invalidated := f.src.Counts()
	assert.Equal(t, 1, returned)
	assert.Equal(t, 0, invalidated)
}

func TestService_InstallFailureIsLocalToSubitem(t *testing.T) {
	t.Parallel()
	f := newFixture(t, map[string]remotetest.Response{
		"command -v docker":      {ExitCode: 1},
		"sudo apt-get update -y": {ExitCode: 100, Stderr: "could not resolve archive.ubuntu.com"},
	})
	ctx := context.Background()

	id, err := f.svc.SubmitInstallTask(ctx, "m-1", []domain.ServiceType{domain.ServiceDocker, domain.ServiceNginx})
	require.NoError(t, err)
	f.svc.Wait()

	rec, err := f.svc.GetTaskProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, rec.Status)
	assert.Equal(t, 50, rec.Progress)
	assert.Equal(t, task.StatusFailed, rec.SubItems[0].Status)
	assert.Contains(t, rec.SubItems[0].Error, `step "update package index" failed`)
	assert.Equal(t, task.StatusCompleted, rec.SubItems[1].Status)
	assert.Contains(t, rec.ErrorMessage, "1 of 2 failed: DOCKER:")
}

func TestService_InstallUnknownMachineFailsTask(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.SubmitInstallTask(ctx, "ghost", []domain.ServiceType{domain.ServiceDocker})
	require.NoError(t, err)
	f.svc.Wait()

	rec, err := f.svc.GetTaskProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "machine not found")
	assert.Equal(t, task.StatusPending, rec.SubItems[0].Status)
}

func TestService_SubmitRejectsBadServiceLists(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.SubmitInstallTask(ctx, "m-1", nil)
	assert.Error(t, err)
	_, err = f.svc.SubmitPortCheck(ctx, "m-1", []domain.ServiceType{"telnet"})
	assert.Error(t, err)
	_, err = f.svc.SubmitInstallTask(ctx, "m-1", []domain.ServiceType{domain.ServiceDocker, domain.ServiceDocker})
	assert.Error(t, err)
}

func TestService_PortCheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.SubmitPortCheck(ctx, "m-1", []domain.ServiceType{
		domain.ServiceNginx, domain.ServiceFTP, domain.ServiceRedis, domain.ServiceCommon,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^portcheck-[0-9a-f]{8}$`, id)
	f.svc.Wait()

	rec, err := f.svc.GetTaskProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)

	got, err := f.svc.GetPortCheckResult(ctx, id)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.True(t, got[domain.ServiceNginx].Reachable)
	assert.False(t, got[domain.ServiceRedis].Reachable)
	assert.False(t, got[domain.ServiceCommon].Reachable)

	ftp := got[domain.ServiceFTP]
	assert.True(t, ftp.Reachable)
	require.Len(t, ftp.Ports, 2)
	assert.Equal(t, 20, ftp.Ports[0].Port)
	assert.Equal(t, 21, ftp.Ports[1].Port)
}

func TestService_PortCheckResultNilUntilCompleted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	id, err := f.svc.SubmitPortCheck(ctx, "ghost", []domain.ServiceType{domain.ServiceNginx})
	require.NoError(t, err)
	f.svc.Wait()

	rec, err := f.svc.GetTaskProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, rec.Status)

	got, err := f.svc.GetPortCheckResult(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestService_CheckSinglePort(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	ok, err := f.svc.CheckSinglePort(ctx, "m-1", 80)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.svc.CheckSinglePort(ctx, "m-1", 6379)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.CheckSinglePort(ctx, "m-1", 0)
	assert.Error(t, err)
	_, err = f.svc.CheckSinglePort(ctx, "ghost", 80)
	assert.ErrorIs(t, err, remote.ErrMachineNotFound)
}

func TestService_TaskRouting(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.GetTaskProgress(ctx, "bogus-12345678")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	_, err = f.svc.GetTaskProgress(ctx, "deploy-12345678")
	assert.ErrorIs(t, err, task.ErrTaskNotFound)
	assert.ErrorIs(t, f.svc.CancelTask(ctx, "bogus-1"), task.ErrTaskNotFound)

	id, err := f.svc.SubmitInstallTask(ctx, "m-1", []domain.ServiceType{domain.ServiceDocker})
	require.NoError(t, err)
	f.svc.Wait()
	assert.NoError(t, f.svc.CancelTask(ctx, id), "cancelling a finished task is a no-op")
}

func TestService_TestConnection(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.TestConnection(ctx, "m-1"))
	assert.ErrorIs(t, f.svc.TestConnection(ctx, "ghost"), remote.ErrMachineNotFound)

	f.svc.deps.Opener = openerFunc(func(_ context.Context, target remote.Target) (remote.Channel, error) {
		return nil, errors.New("ssh: handshake failed: unable to authenticate")
	})
	err := f.svc.TestConnection(ctx, "m-1")
	var connErr *remote.ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, remote.KindAuth, connErr.Kind)
}

func TestService_DetectOS(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	desc, err := f.svc.DetectOS(context.Background(), "m-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OSFamilyLinuxA, desc.Family)
}

func uploadArtifact(t *testing.T, f *fixture, name string, payload []byte) string {
	t.Helper()
	ctx := context.Background()
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])

	require.NoError(t, f.svc.InitUpload(ctx, upload.InitRequest{
		FileHash: hash, FileName: name, TotalChunks: 2, ChunkSize: 1024,
	}))
	half := len(payload) / 2
	_, err := f.svc.UploadChunks(ctx, hash, []upload.Chunk{
		{Name: "1.part", Data: payload[half:]},
		{Name: "0.part", Data: payload[:half]},
	})
	require.NoError(t, err)
	f.svc.Wait()
	return hash
}

func TestService_UploadThenDeploy(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	hash := uploadArtifact(t, f, "app.tar.gz", []byte("artifact bytes for deploy"))
	snap, err := f.svc.GetUploadStatus(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, uploaddomain.StatusCompleted, snap.Status)

	id, err := f.svc.SubmitDeploy(ctx, "m-1", hash, "/opt/app")
	require.NoError(t, err)
	assert.Regexp(t, `^deploy-[0-9a-f]{8}$`, id)
	f.svc.Wait()

	rec, err := f.svc.GetTaskProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, rec.Status)
	require.Len(t, rec.SubItems, 3)
	assert.Equal(t, []string{"transfer", "verify", "done"},
		[]string{rec.SubItems[0].Name, rec.SubItems[1].Name, rec.SubItems[2].Name})

	transfers := f.ch.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, filepath.Join(f.projectDir, "app.tar.gz"), transfers[0].Local)
	assert.Equal(t, "/opt/app/app.tar.gz", transfers[0].Remote)
	assert.Contains(t, f.ch.Commands(), "ls -l '/opt/app/app.tar.gz'")
}

func TestService_DeployTransferFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	hash := uploadArtifact(t, f, "app.bin", []byte("payload"))
	f.ch.TransferErr = &remote.TransferError{MachineID: "m-1", Err: errors.New("permission denied")}

	id, err := f.svc.SubmitDeploy(ctx, "m-1", hash, "/opt/app")
	require.NoError(t, err)
	f.svc.Wait()

	rec, err := f.svc.GetTaskProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, rec.Status)
	assert.Equal(t, task.StatusFailed, rec.SubItems[0].Status)
	assert.Equal(t, task.StatusPending, rec.SubItems[1].Status)
	assert.Contains(t, rec.ErrorMessage, "permission denied")
}

func TestService_DeployRequiresCompletedUpload(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()

	sum := sha256.Sum256([]byte("never finished"))
	hash := hex.EncodeToString(sum[:])
	require.NoError(t, f.svc.InitUpload(ctx, upload.InitRequest{
		FileHash: hash, FileName: "x.bin", TotalChunks: 3, ChunkSize: 1024,
	}))

	_, err := f.svc.SubmitDeploy(ctx, "m-1", hash, "/opt/app")
	assert.ErrorIs(t, err, ErrUploadNotCompleted)

	_, err = f.svc.SubmitDeploy(ctx, "m-1", hash, "relative/dir")
	assert.Error(t, err)

	_, err = f.svc.SubmitDeploy(ctx, "m-1", hex.EncodeToString(make([]byte, 32)), "/opt/app")
	assert.ErrorIs(t, err, uploaddomain.ErrSessionNotFound)
}
