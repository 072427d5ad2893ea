package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/types"
)

// fakeStore is an in-memory Store for exercising the three sweep passes
// without a real table.
type fakeStore struct {
	sessions map[string]types.Session
	updates  []string
}

func newFakeStore(sessions ...types.Session) *fakeStore {
	fs := &fakeStore{sessions: make(map[string]types.Session)}
	for _, s := range sessions {
		fs.sessions[s.SessionID] = s
	}
	return fs
}

func (f *fakeStore) ScanExpiringNonTerminal(ctx context.Context, cutoff time.Time) ([]types.Session, error) {
	var out []types.Session
	for _, s := range f.sessions {
		if !s.InternalStatus.Terminal() && s.ExpiresAt < cutoff.Unix() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ScanStuckProvisioning(ctx context.Context, cutoff time.Time) ([]types.Session, error) {
	var out []types.Session
	for _, s := range f.sessions {
		if s.InternalStatus != types.InternalCreating && s.InternalStatus != types.InternalProvisioning {
			continue
		}
		createdAt, err := time.Parse(time.RFC3339, s.CreatedAt)
		if err == nil && createdAt.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(ctx context.Context, sessionID string) (types.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return types.Session{}, errNotFound{sessionID}
	}
	return s, nil
}

func (f *fakeStore) UpdateIf(ctx context.Context, sessionID string, expectedInternal types.InternalStatus, patch store.Patch) (types.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok || s.InternalStatus != expectedInternal {
		return types.Session{}, errConflict{sessionID}
	}
	updated := patch(s)
	f.sessions[sessionID] = updated
	f.updates = append(f.updates, sessionID)
	return updated, nil
}

type errNotFound struct{ sessionID string }

func (e errNotFound) Error() string { return "not found: " + e.sessionID }

type errConflict struct{ sessionID string }

func (e errConflict) Error() string { return "conflict: " + e.sessionID }

// fakePlatform is an in-memory Platform for the reconciler's sweeps.
type fakePlatform struct {
	running       map[string]bool // taskID -> running
	taskSessionID map[string]string
	stopped       []string
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{running: make(map[string]bool), taskSessionID: make(map[string]string)}
}

func (p *fakePlatform) StopTask(ctx context.Context, cluster, taskID, reason string) error {
	p.stopped = append(p.stopped, taskID)
	delete(p.running, taskID)
	return nil
}

func (p *fakePlatform) ListRunningTaskIDs(ctx context.Context, cluster string) ([]string, error) {
	var ids []string
	for id, ok := range p.running {
		if ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (p *fakePlatform) DescribeTaskSessionID(ctx context.Context, cluster, taskID string) (string, error) {
	return p.taskSessionID[taskID], nil
}

func TestStuckProvisioningSweepSparesSessionWithLiveTask(t *testing.T) {
	stuck := types.Session{
		SessionID:      "sess_live",
		InternalStatus: types.InternalProvisioning,
		CreatedAt:      time.Now().Add(-time.Hour).Format(time.RFC3339),
		TaskID:         "task_1",
	}
	st := newFakeStore(stuck)
	platform := newFakePlatform()
	platform.running["task_1"] = true

	r := New(st, platform, nil, Config{Cluster: "test", StuckProvisioning: 10 * time.Minute})

	failed, err := r.stuckProvisioningSweep(context.Background())
	if err != nil {
		t.Fatalf("stuckProvisioningSweep() error = %v", err)
	}
	if failed != 0 {
		t.Errorf("failed = %d, want 0 (task still running)", failed)
	}
	got := st.sessions["sess_live"]
	if got.InternalStatus != types.InternalProvisioning {
		t.Errorf("InternalStatus = %q, want unchanged PROVISIONING", got.InternalStatus)
	}
}

func TestStuckProvisioningSweepFailsSessionWithoutLiveTask(t *testing.T) {
	stuck := types.Session{
		SessionID:      "sess_dead",
		InternalStatus: types.InternalProvisioning,
		CreatedAt:      time.Now().Add(-time.Hour).Format(time.RFC3339),
		TaskID:         "task_gone",
		RetryCount:     0,
	}
	st := newFakeStore(stuck)
	platform := newFakePlatform()
	// task_gone is not in platform.running: the task crashed or never started.

	r := New(st, platform, nil, Config{Cluster: "test", StuckProvisioning: 10 * time.Minute})

	failed, err := r.stuckProvisioningSweep(context.Background())
	if err != nil {
		t.Fatalf("stuckProvisioningSweep() error = %v", err)
	}
	if failed != 1 {
		t.Fatalf("failed = %d, want 1", failed)
	}

	got := st.sessions["sess_dead"]
	if got.InternalStatus != types.InternalFailed {
		t.Errorf("InternalStatus = %q, want FAILED", got.InternalStatus)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}

	found := false
	for _, id := range platform.stopped {
		if id == "task_gone" {
			found = true
		}
	}
	if !found {
		t.Error("StopTask was not called for the dead task's taskID")
	}
}

func TestStuckProvisioningSweepIgnoresRecentRecords(t *testing.T) {
	recent := types.Session{
		SessionID:      "sess_recent",
		InternalStatus: types.InternalCreating,
		CreatedAt:      time.Now().Format(time.RFC3339),
	}
	st := newFakeStore(recent)
	platform := newFakePlatform()

	r := New(st, platform, nil, Config{Cluster: "test", StuckProvisioning: 10 * time.Minute})

	failed, err := r.stuckProvisioningSweep(context.Background())
	if err != nil {
		t.Fatalf("stuckProvisioningSweep() error = %v", err)
	}
	if failed != 0 {
		t.Errorf("failed = %d, want 0 (record not yet stale)", failed)
	}
}

func TestTTLSweepTerminatesExpiredSessions(t *testing.T) {
	expired := types.Session{
		SessionID:      "sess_expired",
		InternalStatus: types.InternalActive,
		ExpiresAt:      time.Now().Add(-time.Minute).Unix(),
		TaskID:         "task_1",
	}
	st := newFakeStore(expired)
	platform := newFakePlatform()
	platform.running["task_1"] = true

	r := New(st, platform, nil, Config{Cluster: "test"})

	terminated, err := r.ttlSweep(context.Background())
	if err != nil {
		t.Fatalf("ttlSweep() error = %v", err)
	}
	if terminated != 1 {
		t.Fatalf("terminated = %d, want 1", terminated)
	}

	got := st.sessions["sess_expired"]
	if got.InternalStatus != types.InternalFailed || !got.TimedOut {
		t.Errorf("session = %+v, want FAILED/timedOut", got)
	}
	if got.Status != types.StatusTimedOut {
		t.Errorf("Status = %q, want TIMED_OUT", got.Status)
	}
}

func TestOrphanTaskSweepStopsTasksWithNoLiveSession(t *testing.T) {
	st := newFakeStore() // no session records at all
	platform := newFakePlatform()
	platform.running["task_orphan"] = true
	platform.taskSessionID["task_orphan"] = "sess_missing"

	r := New(st, platform, nil, Config{Cluster: "test"})

	stopped, err := r.orphanTaskSweep(context.Background())
	if err != nil {
		t.Fatalf("orphanTaskSweep() error = %v", err)
	}
	if stopped != 1 {
		t.Fatalf("stopped = %d, want 1", stopped)
	}
	if len(platform.stopped) != 1 || platform.stopped[0] != "task_orphan" {
		t.Errorf("stopped tasks = %v, want [task_orphan]", platform.stopped)
	}
}

func TestOrphanTaskSweepLeavesTaskWithActiveSession(t *testing.T) {
	active := types.Session{SessionID: "sess_active", InternalStatus: types.InternalActive, TaskID: "task_1"}
	st := newFakeStore(active)
	platform := newFakePlatform()
	platform.running["task_1"] = true
	platform.taskSessionID["task_1"] = "sess_active"

	r := New(st, platform, nil, Config{Cluster: "test"})

	stopped, err := r.orphanTaskSweep(context.Background())
	if err != nil {
		t.Fatalf("orphanTaskSweep() error = %v", err)
	}
	if stopped != 0 {
		t.Errorf("stopped = %d, want 0 (session still active)", stopped)
	}
}
