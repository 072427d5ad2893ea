// Command sessions-get implements GET /v1/sessions/{id}: retrieval of a
// single session's record, signingKey included, for a key that owns the
// session's project.
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
	wcconfig "github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/store"
)

var (
	sessionStore *store.Store
	adm          *admission.Control
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
}

// Handler processes GET /v1/sessions/{id}, rejecting access to a session
// owned by a project the caller's API key does not authorize.
func Handler(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	sessionID := request.PathParameters["id"]
	if sessionID == "" {
		return apigw.FromError(errs.Validation("missing session id path parameter"))
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

	// The caller's key was just verified to authorize sess.ProjectID, so
	// it is the owning project's key (I4): return signingKey unredacted,
	// unlike the list endpoint which spans sessions across the key's
	// allowed projects without per-session ownership proof beyond that.
	return apigw.Success(200, sess)
}

func main() {
	lambda.Start(Handler)
}
