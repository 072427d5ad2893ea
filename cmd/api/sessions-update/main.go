// Command sessions-update implements POST /v1/sessions/{id}: the only
// supported body shape is {"status":"REQUEST_RELEASE"}, an early client
// release per the Open Question decision narrowing the teacher's wider
// update surface.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/wallcrawler/sessioncore/internal/admission"
	"github.com/wallcrawler/sessioncore/internal/apigw"
	"github.com/wallcrawler/sessioncore/internal/awsx"
	wcconfig "github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/statemachine"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/types"
)

type sessionUpdateRequest struct {
	Status string `json:"status"`
}

var (
	sessionStore *store.Store
	adm          *admission.Control
	platform     *awsx.ContainerPlatform
	cluster      string
)

func init() {
	ctx := context.Background()
	cfg := wcconfig.Load()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	sessionStore = store.New(ddb, cfg.SessionsTableName, cfg.ProjectCreatedIndex, cfg.StatusExpiresAtIndex)
	adm = admission.New(ddb, sessionStore, cfg.APIKeysTableName, cfg.ProjectsTableName, admission.WithRedisAddr(cfg.RedisAddr))
	platform = awsx.NewContainerPlatform(awsCfg)
	cluster = wcconfig.GetEnv("ECS_CLUSTER_NAME", "")
}

// Handler processes POST /v1/sessions/{id}, transitioning a READY or ACTIVE
// session to TERMINATING and stopping its container, best-effort. A session
// already in a terminal state is returned unchanged; any other state is a
// ConflictError.
func Handler(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	sessionID := request.PathParameters["id"]
	if sessionID == "" {
		return apigw.FromError(errs.Validation("missing session id path parameter"))
	}

	var req sessionUpdateRequest
	if err := apigw.DecodeJSON(request, &req); err != nil {
		return apigw.FromError(err)
	}
	if req.Status != "REQUEST_RELEASE" {
		return apigw.FromError(errs.Validation("only REQUEST_RELEASE is supported"))
	}

	apiKey := apigw.APIKey(request)
	if apiKey == "" {
		return apigw.FromError(errs.Auth("missing x-wc-api-key header"))
	}
	res, err := adm.Resolve(ctx, apiKey)
	if err != nil {
		return apigw.FromError(err)
	}

	sess, err := sessionStore.Get(ctx, sessionID)
	if err != nil {
		return apigw.FromError(err)
	}

	allowed := false
	for _, id := range res.AllowedProjectIDs {
		if id == sess.ProjectID {
			allowed = true
			break
		}
	}
	if !allowed {
		return apigw.FromError(errs.Forbidden("project id does not match api key"))
	}

	if sess.InternalStatus.Terminal() {
		return apigw.Success(200, sess)
	}
	if !statemachine.AllowedOn(sess.InternalStatus, types.InternalTerminating, statemachine.TriggerReleaseRequested) {
		return apigw.FromError(errs.Conflict(sessionID, "session is not in a releasable state: "+string(sess.InternalStatus)))
	}

	updated, err := sessionStore.UpdateIf(ctx, sessionID, sess.InternalStatus, func(cur types.Session) types.Session {
		cur.InternalStatus = types.InternalTerminating
		cur.Status = statemachine.ClientStatus(types.InternalTerminating, false)
		cur.AppendEvent(types.EventEnvelope{Type: "TERMINATING", Reason: "request_release"})
		return cur
	})
	if err != nil {
		return apigw.FromError(err)
	}

	// The container's own lifecycle STOPPED event, routed through the
	// Event Router, carries TERMINATING through to STOPPED (§4.6); this
	// call only kicks that off.
	if sess.TaskID != "" {
		_ = platform.StopTask(ctx, cluster, sess.TaskID, "client requested release")
	}

	return apigw.Success(200, updated)
}

func main() {
	lambda.Start(Handler)
}
