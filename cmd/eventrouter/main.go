// Command eventrouter is the Lambda entrypoint for the Event Router
// (C3): it subscribes to EventBridge "ECS Task State Change" events and
// normalizes them into internal/eventrouter.Router transitions.
package main

import (
	"context"
	"log"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
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

// ecsEventBridgeEvent is the subset of an EventBridge "ECS Task State
// Change" event this router needs.
type ecsEventBridgeEvent struct {
	DetailType string    `json:"detail-type"`
	Time       time.Time `json:"time"`
	Detail     struct {
		TaskArn       string `json:"taskArn"`
		LastStatus    string `json:"lastStatus"`
		StoppedReason string `json:"stoppedReason"`
		Containers    []struct {
			ExitCode *int `json:"exitCode"`
		} `json:"containers"`
		Attachments []struct {
			Type    string `json:"type"`
			Details []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"details"`
		} `json:"attachments"`
	} `json:"detail"`
}

func (e ecsEventBridgeEvent) eniID() string {
	for _, att := range e.Detail.Attachments {
		if att.Type != "eni" {
			continue
		}
		for _, d := range att.Details {
			if d.Name == "networkInterfaceId" {
				return d.Value
			}
		}
	}
	return ""
}

func (e ecsEventBridgeEvent) exitCode() *int {
	for _, c := range e.Detail.Containers {
		if c.ExitCode != nil {
			return c.ExitCode
		}
	}
	return nil
}

var (
	router   *eventrouter.Router
	platform *awsx.ContainerPlatform
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
	tokens := token.New(token.NewSecretsManagerSource(secretsmanager.NewFromConfig(awsCfg), cfg.TokenSigningKeyRef), cfg.TokenKeyRefreshEvry)
	fanout := broker.NewSNSFanout(sns.NewFromConfig(awsCfg), cfg.ReadyTopicARN)
	br := broker.New(fanout)
	platform = awsx.NewContainerPlatform(awsCfg)

	router = eventrouter.New(st, br, tokens, platform, wcconfig.GetEnv("ECS_CLUSTER_NAME", ""))
}

// Handler normalizes one ECS Task State Change event into a
// LifecycleEvent and hands it to the Router.
func Handler(ctx context.Context, event ecsEventBridgeEvent) error {
	if event.DetailType != "ECS Task State Change" {
		return nil
	}
	if event.Detail.TaskArn == "" {
		return nil
	}

	var phase types.LifecyclePhase
	switch event.Detail.LastStatus {
	case "PROVISIONING", "PENDING":
		phase = types.PhaseProvisioning
	case "RUNNING":
		phase = types.PhaseRunning
	case "STOPPED", "DEPROVISIONING":
		phase = types.PhaseStopped
	default:
		return nil
	}

	var publicAddress string
	if phase == types.PhaseRunning {
		if eni := event.eniID(); eni != "" {
			addr, err := platform.ENIPublicIP(ctx, eni)
			if err != nil {
				log.Printf("resolve eni %s public ip: %v", eni, err)
			} else {
				publicAddress = addr
			}
		}
	}

	return router.HandleLifecycleEvent(ctx, types.LifecycleEvent{
		TaskID:        event.Detail.TaskArn,
		Phase:         phase,
		Reason:        event.Detail.StoppedReason,
		PublicAddress: publicAddress,
		ExitCode:      event.exitCode(),
	})
}

func main() {
	lambda.Start(Handler)
}
