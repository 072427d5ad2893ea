// Command streamprocessor is the Lambda entrypoint for the Event
// Router's (C3) second ingress path: it subscribes to the Session
// Store's DynamoDB Streams feed and normalizes before/after images into
// internal/eventrouter.Router.HandleStateChange calls.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ddbstreamattr "github.com/aws/aws-sdk-go-v2/feature/dynamodbstreams/attributevalue"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/wallcrawler/sessioncore/internal/awsx"
	"github.com/wallcrawler/sessioncore/internal/broker"
	wcconfig "github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/eventrouter"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
	"github.com/wallcrawler/sessioncore/internal/types"
)

var router *eventrouter.Router

func init() {
	ctx := context.Background()
	cfg := wcconfig.Load()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	st := store.New(ddb, cfg.SessionsTableName, cfg.ProjectCreatedIndex, cfg.StatusExpiresAtIndex)
	tokens := token.New(token.NewSecretsManagerSource(secretsmanager.NewFromConfig(awsCfg), cfg.TokenSigningKeyRef), cfg.TokenKeyRefreshEvry)
	fanout := broker.NewSNSFanout(sns.NewFromConfig(awsCfg), cfg.ReadyTopicARN)
	br := broker.New(fanout)
	platform := awsx.NewContainerPlatform(awsCfg)

	router = eventrouter.New(st, br, tokens, platform, wcconfig.GetEnv("ECS_CLUSTER_NAME", ""))
}

// Handler decodes each DynamoDB Streams record's before/after images
// into types.Session and hands the pair to the Router, which filters for
// transitions into READY/FAILED and publishes the readiness notification
// this module's Provisioning Coordinator waits on (§4.3, §4.4).
func Handler(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if record.EventName != "MODIFY" && record.EventName != "INSERT" {
			continue
		}
		if record.Change.NewImage == nil {
			continue
		}

		var after types.Session
		if err := ddbstreamattr.UnmarshalStreamImage(record.Change.NewImage, &after); err != nil {
			log.Printf("unmarshal new image: %v", err)
			continue
		}

		var before types.Session
		if record.Change.OldImage != nil {
			if err := ddbstreamattr.UnmarshalStreamImage(record.Change.OldImage, &before); err != nil {
				log.Printf("unmarshal old image: %v", err)
				continue
			}
		}

		router.HandleStateChange(ctx, types.StateChangeRecord{
			SessionID: after.SessionID,
			Before:    before,
			After:     after,
		})
	}
	return nil
}

func main() {
	lambda.Start(Handler)
}
