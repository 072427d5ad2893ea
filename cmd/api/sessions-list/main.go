// Command sessions-list implements GET /v1/sessions: paginated listing of
// a project's sessions, optionally filtered by status.
package main

import (
	"context"
	"log"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/wallcrawler/sessioncore/internal/admission"
	"github.com/wallcrawler/sessioncore/internal/apigw"
	wcconfig "github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/types"
)

const defaultPageSize = 100

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

// listResponse is one page of redacted sessions plus whether the store
// holds more; the status filter matches the client-visible status, not
// the internal one.
type listResponse struct {
	Sessions []types.Session `json:"sessions"`
	HasMore  bool            `json:"hasMore"`
}

// Handler processes GET /v1/sessions, scoping results to the API key's
// authorized project and optionally filtering by the status query
// parameter.
func Handler(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	apiKey := apigw.APIKey(request)
	if apiKey == "" {
		return apigw.FromError(errs.Auth("missing x-wc-api-key header"))
	}
	res, err := adm.Resolve(ctx, apiKey)
	if err != nil {
		return apigw.FromError(err)
	}

	projectID := res.ProjectID
	var statusFilter string
	if request.QueryStringParameters != nil {
		if q := request.QueryStringParameters["projectId"]; q != "" {
			projectID = q
		}
		statusFilter = request.QueryStringParameters["status"]
	}

	allowed := false
	for _, id := range res.AllowedProjectIDs {
		if id == projectID {
			allowed = true
			break
		}
	}
	if !allowed {
		return apigw.FromError(errs.Forbidden("project id does not match api key"))
	}

	page, err := sessionStore.ListByProject(ctx, projectID, defaultPageSize, nil)
	if err != nil {
		return apigw.FromError(err)
	}

	out := make([]types.Session, 0, len(page.Sessions))
	for _, s := range page.Sessions {
		if statusFilter != "" && !strings.EqualFold(string(s.Status), statusFilter) {
			continue
		}
		out = append(out, s.Redacted())
	}

	return apigw.Success(200, listResponse{Sessions: out, HasMore: page.Cursor != nil})
}

func main() {
	lambda.Start(Handler)
}
