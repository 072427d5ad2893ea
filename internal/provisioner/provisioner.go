// Package provisioner is the Provisioning Coordinator (C5): turns the
// asynchronous container lifecycle into one blocking CreateSession call
// with timeout and failure semantics.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"github.com/wallcrawler/sessioncore/internal/admission"
	"github.com/wallcrawler/sessioncore/internal/awsx"
	"github.com/wallcrawler/sessioncore/internal/broker"
	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/ids"
	"github.com/wallcrawler/sessioncore/internal/obslog"
	"github.com/wallcrawler/sessioncore/internal/statemachine"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
	"github.com/wallcrawler/sessioncore/internal/types"
)

// CreateInput is the caller-supplied shape of a create request, already
// authenticated (projectId resolved by Admission Control upstream).
type CreateInput struct {
	ProjectID    string
	APIKeyID     string
	Timeout      int // seconds; 0 means "use project default"
	KeepAlive    bool
	ContextID    string
	UserMetadata map[string]string
}

const maxReserveAttempts = 3

// Store is the narrow slice of the Session Store Adapter the Coordinator
// calls; satisfied by *store.Store in production and a fake in tests.
type Store interface {
	Create(ctx context.Context, sess types.Session) error
	Get(ctx context.Context, sessionID string) (types.Session, error)
	UpdateIf(ctx context.Context, sessionID string, expectedInternal types.InternalStatus, patch store.Patch) (types.Session, error)
}

// Platform is the narrow slice of the container platform the Coordinator
// calls; satisfied by *awsx.ContainerPlatform in production.
type Platform interface {
	RunTask(ctx context.Context, spec awsx.LaunchSpec) (taskID string, err error)
	StopTask(ctx context.Context, cluster, taskID, reason string) error
}

// Admission is the narrow slice of Admission Control the Coordinator
// calls; satisfied by *admission.Control in production.
type Admission interface {
	Project(ctx context.Context, projectID string) (types.Project, error)
	CheckConcurrency(ctx context.Context, project types.Project) error
}

// Coordinator is the Provisioning Coordinator.
type Coordinator struct {
	store             Store
	broker            *broker.Broker
	tokens            *token.Service
	admission         Admission
	platform          Platform
	cluster           string
	taskDefinition    string
	containerName     string
	provisionDeadline time.Duration
}

// Config bundles the Coordinator's deployment-specific settings.
type Config struct {
	Cluster           string
	TaskDefinition    string
	ContainerName     string
	ProvisionDeadline time.Duration
}

// New builds a Coordinator over its collaborators.
func New(st Store, br *broker.Broker, tokens *token.Service, adm Admission, platform Platform, cfg Config) *Coordinator {
	return &Coordinator{
		store: st, broker: br, tokens: tokens, admission: adm, platform: platform,
		cluster: cfg.Cluster, taskDefinition: cfg.TaskDefinition, containerName: cfg.ContainerName,
		provisionDeadline: cfg.ProvisionDeadline,
	}
}

// CreateSession implements the eight-step operation of §4.5.
func (c *Coordinator) CreateSession(ctx context.Context, input CreateInput) (types.Session, error) {
	// 1. Admit.
	project, err := c.admission.Project(ctx, input.ProjectID)
	if err != nil {
		return types.Session{}, err
	}
	if err := c.admission.CheckConcurrency(ctx, project); err != nil {
		return types.Session{}, err
	}
	if err := admission.ValidateUserMetadata(input.UserMetadata); err != nil {
		return types.Session{}, err
	}

	timeoutSeconds := admission.NormalizeTimeout(input.Timeout, project.DefaultTimeout, project.MaxTimeout)
	expiresAt := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)

	// 2. Issue token.
	sessionID, signedToken, err := c.reserveWithToken(ctx, input, expiresAt)
	if err != nil {
		return types.Session{}, err
	}

	started := time.Now()
	obslog.SessionCreated(sessionID, input.ProjectID, map[string]interface{}{"timeout_seconds": timeoutSeconds})

	// 4. Subscribe-before-launch.
	waiterCh := c.broker.Subscribe(sessionID)
	defer c.broker.Unsubscribe(sessionID) // 8. Finally.

	// 5. Launch.
	taskID, err := c.platform.RunTask(ctx, awsx.LaunchSpec{
		Cluster:        c.cluster,
		TaskDefinition: c.taskDefinition,
		ContainerName:  c.containerName,
		Env: map[string]string{
			"SESSION_ID": sessionID,
			"PROJECT_ID": input.ProjectID,
			"SIGNING_KEY": signedToken,
		},
	})
	if err != nil {
		_, _ = c.store.UpdateIf(ctx, sessionID, types.InternalCreating, func(s types.Session) types.Session {
			s.InternalStatus = types.InternalFailed
			s.Status = statemachine.ClientStatus(types.InternalFailed, false)
			s.TerminatedAt = time.Now().UTC().Format(time.RFC3339)
			s.AppendEvent(types.EventEnvelope{Type: "FAILED", Reason: "launch_error"})
			return s
		})
		return types.Session{}, errs.ProvisioningFailed(sessionID, "launch_error: "+err.Error())
	}

	_, _ = c.store.UpdateIf(ctx, sessionID, types.InternalCreating, func(s types.Session) types.Session {
		s.InternalStatus = types.InternalProvisioning
		s.TaskID = taskID
		s.StartedAt = time.Now().UTC().Format(time.RFC3339)
		s.AppendEvent(types.EventEnvelope{Type: "PROVISIONING"})
		return s
	})

	// 6. Poll-then-wait.
	current, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return types.Session{}, err
	}
	if current.InternalStatus == types.InternalReady {
		// The caller here is the session's own creator, so signingKey is
		// returned unredacted (I4), as in the poll-then-wait path below.
		return current, nil
	}
	if current.InternalStatus == types.InternalFailed {
		return types.Session{}, errs.ProvisioningFailed(sessionID, "container_failed_before_wait")
	}

	deadline := time.Now().Add(c.provisionDeadline)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case ev, ok := <-waiterCh:
		if !ok {
			return types.Session{}, errs.FatalErr("readiness channel closed unexpectedly", nil)
		}
		return c.resolve(ctx, sessionID, ev, started)

	case <-waitCtx.Done():
		return c.resolveTimeout(ctx, sessionID, taskID, started)
	}
}

// reserveWithToken performs steps 2-3: mint a token and reserve the
// record, retrying with a fresh session id up to maxReserveAttempts on
// unique-key collision.
func (c *Coordinator) reserveWithToken(ctx context.Context, input CreateInput, expiresAt time.Time) (sessionID, signedToken string, err error) {
	for attempt := 0; attempt < maxReserveAttempts; attempt++ {
		sessionID = ids.NewSessionID()

		signedToken, err = c.tokens.Issue(ctx, sessionID, input.ProjectID, expiresAt)
		if err != nil {
			return "", "", err
		}

		now := time.Now().UTC().Format(time.RFC3339)
		sess := types.Session{
			SessionID:      sessionID,
			ProjectID:      input.ProjectID,
			APIKeyID:       input.APIKeyID,
			Status:         statemachine.ClientStatus(types.InternalCreating, false),
			InternalStatus: types.InternalCreating,
			CreatedAt:      now,
			UpdatedAt:      now,
			ExpiresAt:      expiresAt.Unix(),
			SigningKey:     signedToken,
			KeepAlive:      input.KeepAlive,
			ContextID:      input.ContextID,
			UserMetadata:   input.UserMetadata,
			RetryCount:     attempt, // §4.5 step 3: counts prior unique-key collisions on this create call
		}
		sess.AppendEvent(types.EventEnvelope{Type: "CREATING", Timestamp: now})

		err = c.store.Create(ctx, sess)
		if err == nil {
			return sessionID, signedToken, nil
		}
		if !errs.Is(err, errs.KindConflict) {
			return "", "", err
		}
		// unique-key collision: retry with a fresh id.
	}
	return "", "", errs.FatalErr("could not reserve a unique session id", err)
}

func (c *Coordinator) resolve(ctx context.Context, sessionID string, ev types.ReadyEvent, started time.Time) (types.Session, error) {
	switch ev.Kind {
	case types.ReadyEventReady:
		fresh, err := c.store.Get(ctx, sessionID)
		if err != nil {
			return types.Session{}, err
		}
		obslog.SessionReady(sessionID, fresh.ProjectID, fresh.PublicAddress, time.Since(started))
		// The caller is this session's own creator: return signingKey
		// unredacted (I4), unlike cross-session listings.
		return fresh, nil

	case types.ReadyEventFailed:
		c.bestEffortStop(ctx, sessionID)
		return types.Session{}, errs.ProvisioningFailed(sessionID, ev.Reason)

	default:
		return c.resolveTimeout(ctx, sessionID, "", started)
	}
}

func (c *Coordinator) resolveTimeout(ctx context.Context, sessionID, taskID string, started time.Time) (types.Session, error) {
	obslog.SessionTimeout(sessionID, "", time.Since(started))

	current, err := c.store.Get(ctx, sessionID)
	if err == nil && !current.InternalStatus.Terminal() {
		_, _ = c.store.UpdateIf(ctx, sessionID, current.InternalStatus, func(s types.Session) types.Session {
			s.InternalStatus = types.InternalFailed
			s.TimedOut = true
			s.Status = statemachine.ClientStatus(types.InternalFailed, true)
			s.TerminatedAt = time.Now().UTC().Format(time.RFC3339)
			s.AppendEvent(types.EventEnvelope{Type: "TIMED_OUT", Reason: "provisioning_deadline_exceeded"})
			return s
		})
	}

	c.bestEffortStop(ctx, sessionID)
	return types.Session{}, errs.ProvisioningTimeout(sessionID)
}

func (c *Coordinator) bestEffortStop(ctx context.Context, sessionID string) {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil || sess.TaskID == "" {
		return
	}
	_ = c.platform.StopTask(ctx, c.cluster, sess.TaskID, fmt.Sprintf("session %s provisioning did not complete", sessionID))
}
