// Package reconciler is the Lifecycle Reconciler (C8): a scheduled sweep
// that catches everything the event-driven paths miss — sessions whose
// expiry passed without a client releasing them, ECS tasks whose session
// record disappeared, and sessions stuck mid-provisioning.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/wallcrawler/sessioncore/internal/artifacts"
	"github.com/wallcrawler/sessioncore/internal/obslog"
	"github.com/wallcrawler/sessioncore/internal/statemachine"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/types"
)

// Result summarizes one sweep across all three passes.
type Result struct {
	ExpiredTerminated int
	OrphanTasksStopped int
	StuckProvisioningFailed int
	Errors            []string
	Duration          time.Duration
}

// Store is the narrow slice of the Session Store Adapter the Reconciler
// calls; satisfied by *store.Store in production and a fake in tests.
type Store interface {
	ScanExpiringNonTerminal(ctx context.Context, cutoff time.Time) ([]types.Session, error)
	ScanStuckProvisioning(ctx context.Context, cutoff time.Time) ([]types.Session, error)
	Get(ctx context.Context, sessionID string) (types.Session, error)
	UpdateIf(ctx context.Context, sessionID string, expectedInternal types.InternalStatus, patch store.Patch) (types.Session, error)
}

// Platform is the narrow slice of the container platform the Reconciler
// calls; satisfied by *awsx.ContainerPlatform in production.
type Platform interface {
	StopTask(ctx context.Context, cluster, taskID, reason string) error
	ListRunningTaskIDs(ctx context.Context, cluster string) ([]string, error)
	DescribeTaskSessionID(ctx context.Context, cluster, taskID string) (string, error)
}

// Reconciler runs the three-pass sweep of spec.md §4.8.
type Reconciler struct {
	store             Store
	platform          Platform
	archive           *artifacts.Store
	cluster           string
	stuckProvisioning time.Duration
}

// Config bundles the Reconciler's deployment-specific settings.
type Config struct {
	Cluster           string
	StuckProvisioning time.Duration
}

// New builds a Reconciler over its collaborators. archive may be nil, in
// which case failed sessions are not diagnostically archived to S3.
func New(st Store, platform Platform, archive *artifacts.Store, cfg Config) *Reconciler {
	stuck := cfg.StuckProvisioning
	if stuck == 0 {
		stuck = 10 * time.Minute
	}
	return &Reconciler{store: st, platform: platform, archive: archive, cluster: cfg.Cluster, stuckProvisioning: stuck}
}

// Sweep runs all three passes once and returns their combined result. Each
// pass is independent: a failure in one does not stop the others.
func (r *Reconciler) Sweep(ctx context.Context) Result {
	start := time.Now()
	var res Result

	if n, err := r.ttlSweep(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("ttl sweep: %v", err))
	} else {
		res.ExpiredTerminated = n
	}

	if n, err := r.orphanTaskSweep(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("orphan sweep: %v", err))
	} else {
		res.OrphanTasksStopped = n
	}

	if n, err := r.stuckProvisioningSweep(ctx); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("stuck provisioning sweep: %v", err))
	} else {
		res.StuckProvisioningFailed = n
	}

	res.Duration = time.Since(start)
	obslog.ReconcileSweep("full", res.ExpiredTerminated+res.OrphanTasksStopped+res.StuckProvisioningFailed, res.Duration)
	return res
}

// ttlSweep terminates non-terminal sessions whose expiresAt has passed,
// the fallback for sessions no client released. Per §3's status
// mapping ("TTL expiry -> TIMED_OUT"), this lands on internalStatus=FAILED
// with timedOut=true, not STOPPED.
func (r *Reconciler) ttlSweep(ctx context.Context) (int, error) {
	sessions, err := r.store.ScanExpiringNonTerminal(ctx, time.Now())
	if err != nil {
		return 0, err
	}

	terminated := 0
	for _, s := range sessions {
		_, err := r.store.UpdateIf(ctx, s.SessionID, s.InternalStatus, func(cur types.Session) types.Session {
			cur.InternalStatus = types.InternalFailed
			cur.TimedOut = true
			cur.Status = statemachine.ClientStatus(types.InternalFailed, true)
			cur.TerminatedAt = time.Now().UTC().Format(time.RFC3339)
			cur.AppendEvent(types.EventEnvelope{Type: "TIMED_OUT", Reason: "ttl_expired"})
			return cur
		})
		if err != nil {
			continue // lost the race to another writer (UpdateIf, conditional) or already terminal: fine
		}
		if s.TaskID != "" {
			_ = r.platform.StopTask(ctx, r.cluster, s.TaskID, "session ttl expired")
		}
		terminated++
	}
	return terminated, nil
}

// orphanTaskSweep stops ECS tasks that are running in the cluster but
// whose SESSION_ID tag no longer resolves to a non-terminal session
// record — the container-side half of a failed or already-cleaned-up
// session.
func (r *Reconciler) orphanTaskSweep(ctx context.Context) (int, error) {
	taskIDs, err := r.platform.ListRunningTaskIDs(ctx, r.cluster)
	if err != nil {
		return 0, err
	}

	stopped := 0
	for _, taskID := range taskIDs {
		sessionID, err := r.platform.DescribeTaskSessionID(ctx, r.cluster, taskID)
		if err != nil || sessionID == "" {
			continue
		}

		sess, err := r.store.Get(ctx, sessionID)
		if err != nil || sess.InternalStatus.Terminal() {
			if err := r.platform.StopTask(ctx, r.cluster, taskID, "orphaned: no active session record"); err == nil {
				stopped++
			}
		}
	}
	return stopped, nil
}

// stuckProvisioningSweep fails sessions that have sat in CREATING or
// PROVISIONING for longer than stuckProvisioning AND have no matching
// running task (spec.md §4.8 pass 3) — covering the case where a
// Provisioning Coordinator call itself crashed before it could resolve
// its own wait (the 45s deadline only protects a live caller). A record
// whose TaskID still resolves to a running task is a container that is
// genuinely still starting up (slow ECS placement, slow chrome boot) and
// is left alone; if it never reports ready, the TTL sweep fails it and
// stops its task once its expiresAt passes.
func (r *Reconciler) stuckProvisioningSweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.stuckProvisioning)
	sessions, err := r.store.ScanStuckProvisioning(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	runningTasks, err := r.platform.ListRunningTaskIDs(ctx, r.cluster)
	if err != nil {
		return 0, err
	}
	running := make(map[string]bool, len(runningTasks))
	for _, t := range runningTasks {
		running[t] = true
	}

	failed := 0
	for _, s := range sessions {
		if s.TaskID != "" && running[s.TaskID] {
			continue
		}
		updated, err := r.store.UpdateIf(ctx, s.SessionID, s.InternalStatus, func(cur types.Session) types.Session {
			cur.InternalStatus = types.InternalFailed
			cur.Status = statemachine.ClientStatus(types.InternalFailed, false)
			cur.TerminatedAt = time.Now().UTC().Format(time.RFC3339)
			cur.RetryCount++
			cur.AppendEvent(types.EventEnvelope{Type: "FAILED", Reason: "stuck_provisioning"})
			return cur
		})
		if err != nil {
			continue
		}
		if s.TaskID != "" {
			_ = r.platform.StopTask(ctx, r.cluster, s.TaskID, "session stuck in provisioning")
		}
		if r.archive != nil {
			_ = r.archive.ArchiveEventHistory(ctx, updated)
		}
		failed++
	}
	return failed, nil
}
