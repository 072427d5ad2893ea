// Command sessions-debug implements GET /v1/sessions/{id}/debug: the CDP
// debugger URLs plus, per the supplemented debug-endpoint behavior,
// presigned download links for any recorded session artifacts.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wallcrawler/sessioncore/internal/admission"
	"github.com/wallcrawler/sessioncore/internal/apigw"
	"github.com/wallcrawler/sessioncore/internal/artifacts"
	wcconfig "github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/store"
)

type debugPage struct {
	ID                    string `json:"id"`
	DebuggerFullscreenURL string `json:"debuggerFullscreenUrl"`
	DebuggerURL           string `json:"debuggerUrl"`
	FaviconURL            string `json:"faviconUrl"`
	Title                 string `json:"title"`
	URL                   string `json:"url"`
}

type debugResponse struct {
	DebuggerFullscreenURL string                `json:"debuggerFullscreenUrl"`
	DebuggerURL           string                `json:"debuggerUrl"`
	WsURL                 string                `json:"wsUrl"`
	Pages                 []debugPage           `json:"pages"`
	Artifacts             []artifacts.Artifact  `json:"artifacts"`
}

var (
	sessionStore   *store.Store
	adm            *admission.Control
	artifactsStore *artifacts.Store
	connectURLBase string
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
	if cfg.ArtifactsBucketName != "" {
		artifactsStore = artifacts.New(s3.NewFromConfig(awsCfg), cfg.ArtifactsBucketName, cfg.ArtifactsURLTTL)
	}
	connectURLBase = wcconfig.GetEnv("CONNECT_URL_BASE", "https://api.wallcrawler.dev")
}

// Handler processes GET /v1/sessions/{id}/debug.
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

	if sess.PublicAddress == "" {
		return apigw.FromError(errs.Validation("session browser is not ready yet"))
	}

	debuggerURL := fmt.Sprintf("%s/debug/%s?token=%s", connectURLBase, sessionID, sess.SigningKey)
	debuggerFullscreenURL := fmt.Sprintf("%s/debug/%s/fullscreen?token=%s", connectURLBase, sessionID, sess.SigningKey)

	resp := debugResponse{
		DebuggerFullscreenURL: debuggerFullscreenURL,
		DebuggerURL:           debuggerURL,
		WsURL:                 sess.ConnectURL,
		Pages: []debugPage{
			{
				ID:                    fmt.Sprintf("page_%s", sessionID),
				DebuggerFullscreenURL: debuggerFullscreenURL,
				DebuggerURL:           debuggerURL,
				Title:                 "Browser Session",
				URL:                   "about:blank",
			},
		},
	}

	if artifactsStore != nil {
		list, err := artifactsStore.List(ctx, sessionID)
		if err != nil {
			log.Printf("list session artifacts for %s: %v", sessionID, err)
		} else {
			resp.Artifacts = list
		}
	}

	return apigw.Success(200, resp)
}

func main() {
	lambda.Start(Handler)
}
