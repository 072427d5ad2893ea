package provisioner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wallcrawler/sessioncore/internal/awsx"
	"github.com/wallcrawler/sessioncore/internal/broker"
	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
	"github.com/wallcrawler/sessioncore/internal/types"
)

// fakeStore is an in-memory Store recording every Create/UpdateIf call so
// tests can assert on the final session shape.
type fakeStore struct {
	mu             sync.Mutex
	sessions       map[string]types.Session
	createFailures int // number of leading Create calls to reject with ConflictError
	createCalls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]types.Session)}
}

func (f *fakeStore) Create(ctx context.Context, sess types.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createCalls <= f.createFailures {
		return errs.Conflict(sess.SessionID, "session id already exists")
	}
	f.sessions[sess.SessionID] = sess
	return nil
}

func (f *fakeStore) Get(ctx context.Context, sessionID string) (types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return types.Session{}, errs.NotFound("session not found: " + sessionID)
	}
	return s, nil
}

func (f *fakeStore) UpdateIf(ctx context.Context, sessionID string, expectedInternal types.InternalStatus, patch store.Patch) (types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.InternalStatus != expectedInternal {
		return types.Session{}, errs.Conflict(sessionID, "internalStatus mismatch")
	}
	updated := patch(s)
	f.sessions[sessionID] = updated
	return updated, nil
}

// fakePlatform is an in-memory Platform controlling whether RunTask
// succeeds and recording every StopTask call.
type fakePlatform struct {
	mu          sync.Mutex
	runTaskErr  error
	taskID      string
	stoppedIDs  []string
}

func (p *fakePlatform) RunTask(ctx context.Context, spec awsx.LaunchSpec) (string, error) {
	if p.runTaskErr != nil {
		return "", p.runTaskErr
	}
	id := p.taskID
	if id == "" {
		id = "task_1"
	}
	return id, nil
}

func (p *fakePlatform) StopTask(ctx context.Context, cluster, taskID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stoppedIDs = append(p.stoppedIDs, taskID)
	return nil
}

// fakeAdmission always admits, with a fixed project.
type fakeAdmission struct {
	project           types.Project
	concurrencyErr    error
}

func (a *fakeAdmission) Project(ctx context.Context, projectID string) (types.Project, error) {
	return a.project, nil
}

func (a *fakeAdmission) CheckConcurrency(ctx context.Context, project types.Project) error {
	return a.concurrencyErr
}

func newTestCoordinator(st Store, platform Platform, adm Admission, deadline time.Duration) *Coordinator {
	br := broker.New(nil)
	tokens := token.New(token.StaticSource{Key: []byte("test-signing-key")}, time.Hour)
	return New(st, br, tokens, adm, platform, Config{
		Cluster:           "test-cluster",
		TaskDefinition:    "test-task-def",
		ContainerName:     "browser",
		ProvisionDeadline: deadline,
	})
}

func defaultAdmission() *fakeAdmission {
	return &fakeAdmission{project: types.Project{
		ProjectID:      "proj_1",
		Concurrency:    10,
		DefaultTimeout: 300,
		MaxTimeout:     3600,
		Status:         "ACTIVE",
	}}
}

func TestCreateSessionFailsFastWhenConcurrencyExceeded(t *testing.T) {
	st := newFakeStore()
	platform := &fakePlatform{}
	adm := defaultAdmission()
	adm.concurrencyErr = errs.ConcurrencyExceeded("proj_1")

	c := newTestCoordinator(st, platform, adm, time.Second)

	_, err := c.CreateSession(context.Background(), CreateInput{ProjectID: "proj_1"})
	if !errs.Is(err, errs.KindConcurrency) {
		t.Fatalf("CreateSession() error = %v, want KindConcurrency", err)
	}
	if len(st.sessions) != 0 {
		t.Errorf("no session record should have been reserved, got %d", len(st.sessions))
	}
}

func TestCreateSessionLaunchFailureMarksSessionFailed(t *testing.T) {
	st := newFakeStore()
	platform := &fakePlatform{runTaskErr: errFakeLaunch{}}
	adm := defaultAdmission()

	c := newTestCoordinator(st, platform, adm, time.Second)

	_, err := c.CreateSession(context.Background(), CreateInput{ProjectID: "proj_1"})
	if !errs.Is(err, errs.KindProvFailed) {
		t.Fatalf("CreateSession() error = %v, want KindProvFailed", err)
	}

	var found types.Session
	for _, s := range st.sessions {
		found = s
	}
	if found.InternalStatus != types.InternalFailed {
		t.Errorf("InternalStatus = %q, want FAILED", found.InternalStatus)
	}
}

type errFakeLaunch struct{}

func (errFakeLaunch) Error() string { return "launch failed: no capacity" }

func TestCreateSessionResolvesReadyWhenBrokerPublishesReady(t *testing.T) {
	st := newFakeStore()
	platform := &fakePlatform{}
	adm := defaultAdmission()

	c := newTestCoordinator(st, platform, adm, 2*time.Second)

	// The real container would call the Event Router, which publishes to
	// the broker; here the test plays that role directly, racing the
	// coordinator's subscribe-before-launch by watching for the reserved
	// session id to appear in the fake store.
	go func() {
		sessionID := waitForReservedSession(t, st)
		c.broker.Publish(context.Background(), types.ReadyEvent{SessionID: sessionID, Kind: types.ReadyEventReady})
	}()

	sess, err := c.CreateSession(context.Background(), CreateInput{ProjectID: "proj_1"})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if sess.SessionID == "" {
		t.Error("CreateSession() returned an empty session on the ready path")
	}
}

func TestCreateSessionResolvesFailedWhenBrokerPublishesFailed(t *testing.T) {
	st := newFakeStore()
	platform := &fakePlatform{}
	adm := defaultAdmission()

	c := newTestCoordinator(st, platform, adm, 2*time.Second)

	go func() {
		sessionID := waitForReservedSession(t, st)
		c.broker.Publish(context.Background(), types.ReadyEvent{SessionID: sessionID, Kind: types.ReadyEventFailed, Reason: "container_crashed"})
	}()

	_, err := c.CreateSession(context.Background(), CreateInput{ProjectID: "proj_1"})
	if !errs.Is(err, errs.KindProvFailed) {
		t.Fatalf("CreateSession() error = %v, want KindProvFailed", err)
	}
	if len(platform.stoppedIDs) != 1 {
		t.Errorf("StopTask should have been called once on a failed resolution, got %v", platform.stoppedIDs)
	}
}

func TestCreateSessionTimesOutWhenNoEventArrives(t *testing.T) {
	st := newFakeStore()
	platform := &fakePlatform{}
	adm := defaultAdmission()

	c := newTestCoordinator(st, platform, adm, 20*time.Millisecond)

	_, err := c.CreateSession(context.Background(), CreateInput{ProjectID: "proj_1"})
	if !errs.Is(err, errs.KindProvTimeout) {
		t.Fatalf("CreateSession() error = %v, want KindProvTimeout", err)
	}

	var found types.Session
	for _, s := range st.sessions {
		found = s
	}
	if found.InternalStatus != types.InternalFailed || !found.TimedOut {
		t.Errorf("session = %+v, want FAILED/timedOut after timeout", found)
	}
}

func TestReserveWithTokenRetriesOnConflictAndStampsRetryCount(t *testing.T) {
	st := newFakeStore()
	st.createFailures = 2 // first two attempts collide, third succeeds

	c := newTestCoordinator(st, &fakePlatform{}, defaultAdmission(), time.Second)

	sessionID, signedToken, err := c.reserveWithToken(context.Background(), CreateInput{ProjectID: "proj_1"}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("reserveWithToken() error = %v", err)
	}
	if signedToken == "" {
		t.Error("reserveWithToken() returned an empty token")
	}

	got, ok := st.sessions[sessionID]
	if !ok {
		t.Fatalf("no session record stored for reserved id %q", sessionID)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2 (two prior collisions)", got.RetryCount)
	}
}

func TestReserveWithTokenGivesUpAfterMaxAttempts(t *testing.T) {
	st := newFakeStore()
	st.createFailures = maxReserveAttempts // every attempt collides

	c := newTestCoordinator(st, &fakePlatform{}, defaultAdmission(), time.Second)

	_, _, err := c.reserveWithToken(context.Background(), CreateInput{ProjectID: "proj_1"}, time.Now().Add(time.Hour))
	if !errs.Is(err, errs.KindFatal) {
		t.Fatalf("reserveWithToken() error = %v, want KindFatal", err)
	}
}

func waitForReservedSession(t *testing.T, st *fakeStore) string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st.mu.Lock()
		for id := range st.sessions {
			st.mu.Unlock()
			return id
		}
		st.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for reserved session to appear in fake store")
	return ""
}
