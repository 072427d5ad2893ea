// Command sessions-create implements POST /v1/sessions: the synchronous,
// blocking session-creation endpoint backed by the Provisioning
// Coordinator.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/wallcrawler/sessioncore/internal/admission"
	"github.com/wallcrawler/sessioncore/internal/apigw"
	"github.com/wallcrawler/sessioncore/internal/awsx"
	"github.com/wallcrawler/sessioncore/internal/broker"
	wcconfig "github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/errs"
	"github.com/wallcrawler/sessioncore/internal/obslog"
	"github.com/wallcrawler/sessioncore/internal/provisioner"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
)

// sessionCreateRequest is the API Gateway request body.
type sessionCreateRequest struct {
	ProjectID    string            `json:"projectId,omitempty"`
	Timeout      int               `json:"timeout,omitempty"`
	KeepAlive    bool              `json:"keepAlive,omitempty"`
	ContextID    string            `json:"contextId,omitempty"`
	UserMetadata map[string]string `json:"userMetadata,omitempty"`
}

var (
	coordinator *provisioner.Coordinator
	adm         *admission.Control
	readyBroker *broker.Broker
)

func init() {
	ctx := context.Background()
	cfg := wcconfig.Load()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	st := store.New(ddb, cfg.SessionsTableName, cfg.ProjectCreatedIndex, cfg.StatusExpiresAtIndex)
	adm = admission.New(ddb, st, cfg.APIKeysTableName, cfg.ProjectsTableName, admission.WithRedisAddr(cfg.RedisAddr))
	tokens := token.New(token.NewSecretsManagerSource(secretsmanager.NewFromConfig(awsCfg), cfg.TokenSigningKeyRef), cfg.TokenKeyRefreshEvry)
	fanout := broker.NewSNSFanout(sns.NewFromConfig(awsCfg), cfg.ReadyTopicARN)
	readyBroker = broker.New(fanout)
	platform := awsx.NewContainerPlatform(awsCfg)

	coordinator = provisioner.New(st, readyBroker, tokens, adm, platform, provisioner.Config{
		Cluster:           wcconfig.GetEnv("ECS_CLUSTER_NAME", ""),
		TaskDefinition:    wcconfig.GetEnv("ECS_TASK_DEFINITION", ""),
		ContainerName:     wcconfig.GetEnv("ECS_CONTAINER_NAME", "browser"),
		ProvisionDeadline: cfg.ProvisionDeadline,
	})
}

// resolveProjectID validates apiKey against Admission Control and
// reconciles it with an explicitly requested projectId: an empty
// request defaults to the key's primary project, an explicit one must
// be among the key's allowed projects.
func resolveProjectID(ctx context.Context, apiKey, requested string) (string, error) {
	if apiKey == "" {
		return "", errs.Auth("missing x-wc-api-key header")
	}
	res, err := adm.Resolve(ctx, apiKey)
	if err != nil {
		return "", err
	}
	if requested == "" {
		return res.ProjectID, nil
	}
	for _, id := range res.AllowedProjectIDs {
		if id == requested {
			return requested, nil
		}
	}
	return "", errs.Forbidden("project id does not match api key")
}

// Handler processes a single POST /v1/sessions request end to end,
// blocking on the Provisioning Coordinator until the session is ready,
// failed, or the provisioning deadline expires.
func Handler(ctx context.Context, request events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	var req sessionCreateRequest
	if err := apigw.DecodeJSON(request, &req); err != nil {
		return apigw.FromError(err)
	}

	apiKey := apigw.APIKey(request)
	projectID, err := resolveProjectID(ctx, apiKey, req.ProjectID)
	if err != nil {
		return apigw.FromError(err)
	}

	sess, err := coordinator.CreateSession(ctx, provisioner.CreateInput{
		ProjectID:    projectID,
		APIKeyID:     admission.KeyID(apiKey),
		Timeout:      req.Timeout,
		KeepAlive:    req.KeepAlive,
		ContextID:    req.ContextID,
		UserMetadata: req.UserMetadata,
	})
	if err != nil {
		obslog.SessionError("", projectID, err, "sessions-create")
		return apigw.FromError(err)
	}

	return apigw.Success(200, sess)
}

// snsHandler delivers a cross-instance readiness notification to this
// warm instance's local waiters, mirroring the teacher's dual
// API-Gateway/SNS Lambda shape so a waiter blocked on an instance other
// than the one that observed the container becoming ready still wakes.
func snsHandler(ctx context.Context, snsEvent events.SNSEvent) error {
	for _, record := range snsEvent.Records {
		ev, err := broker.DecodeSNSMessage(record.SNS.Message)
		if err != nil {
			log.Printf("decode readiness notification: %v", err)
			continue
		}
		readyBroker.Deliver(ev)
	}
	return nil
}

// isSNSEvent sniffs a raw Lambda event for the SNS envelope shape
// without committing to either concrete events type up front.
func isSNSEvent(raw json.RawMessage) bool {
	var probe struct {
		Records []struct {
			EventSource string `json:"EventSource"`
		} `json:"Records"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return len(probe.Records) > 0 && probe.Records[0].EventSource == "aws:sns"
}

func main() {
	lambda.Start(func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		if isSNSEvent(raw) {
			var snsEvent events.SNSEvent
			if err := json.Unmarshal(raw, &snsEvent); err != nil {
				return nil, fmt.Errorf("unmarshal sns event: %w", err)
			}
			return nil, snsHandler(ctx, snsEvent)
		}

		var apiReq events.APIGatewayProxyRequest
		if err := json.Unmarshal(raw, &apiReq); err != nil {
			return nil, fmt.Errorf("unmarshal api gateway request: %w", err)
		}
		return Handler(ctx, apiReq)
	})
}
