// Command reconciler is the Lambda entrypoint for the Lifecycle
// Reconciler (C8), invoked on a fixed schedule (EventBridge Scheduler,
// default every 5 minutes per RECONCILE_INTERVAL_SECONDS).
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wallcrawler/sessioncore/internal/artifacts"
	"github.com/wallcrawler/sessioncore/internal/awsx"
	wcconfig "github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/reconciler"
	"github.com/wallcrawler/sessioncore/internal/store"
)

var sweeper *reconciler.Reconciler

func init() {
	ctx := context.Background()
	cfg := wcconfig.Load()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}

	ddb := dynamodb.NewFromConfig(awsCfg)
	st := store.New(ddb, cfg.SessionsTableName, cfg.ProjectCreatedIndex, cfg.StatusExpiresAtIndex)
	platform := awsx.NewContainerPlatform(awsCfg)

	var archive *artifacts.Store
	if cfg.ArtifactsBucketName != "" {
		archive = artifacts.New(s3.NewFromConfig(awsCfg), cfg.ArtifactsBucketName, cfg.ArtifactsURLTTL)
	}

	sweeper = reconciler.New(st, platform, archive, reconciler.Config{
		Cluster:           wcconfig.GetEnv("ECS_CLUSTER_NAME", ""),
		StuckProvisioning: cfg.StuckProvisioning,
	})
}

// Handler runs one sweep. The scheduler event's shape carries nothing the
// sweep needs, so it is accepted but ignored.
func Handler(ctx context.Context, _ map[string]interface{}) error {
	result := sweeper.Sweep(ctx)
	if len(result.Errors) > 0 {
		log.Printf("reconcile sweep completed with errors: %v", result.Errors)
	}
	log.Printf("reconcile sweep: %d expired, %d orphan tasks stopped, %d stuck provisioning failed, took %s",
		result.ExpiredTerminated, result.OrphanTasksStopped, result.StuckProvisioningFailed, result.Duration)
	return nil
}

func main() {
	lambda.Start(Handler)
}
