// Command cdpproxy is the thin binary wiring for the CDP Auth Proxy
// (C7): a long-running sidecar process, one per session's container,
// unlike the rest of this module's Lambda entrypoints.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/wallcrawler/sessioncore/internal/cdpproxy"
	wcconfig "github.com/wallcrawler/sessioncore/internal/config"
	"github.com/wallcrawler/sessioncore/internal/store"
	"github.com/wallcrawler/sessioncore/internal/token"
)

func main() {
	cfg := wcconfig.Load()
	sessionID := wcconfig.GetEnvRequired("SESSION_ID")
	projectID := wcconfig.GetEnvRequired("PROJECT_ID")
	chromeAddr := wcconfig.GetEnv("BROWSER_CDP_ADDR", "")
	if chromeAddr == "" {
		chromeAddr = "localhost:" + wcconfig.GetEnv("BROWSER_CDP_PORT", "9222")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("load aws config: %v", err)
	}
	tokens := token.New(token.NewSecretsManagerSource(secretsmanager.NewFromConfig(awsCfg), cfg.TokenSigningKeyRef), cfg.TokenKeyRefreshEvry)
	sessionStore := store.New(dynamodb.NewFromConfig(awsCfg), cfg.SessionsTableName, cfg.ProjectCreatedIndex, cfg.StatusExpiresAtIndex)

	keepAlive := false
	if sess, err := sessionStore.Get(ctx, sessionID); err != nil {
		log.Printf("cdp proxy: could not read session %s at startup, keepAlive defaults false: %v", sessionID, err)
	} else {
		keepAlive = sess.KeepAlive
	}

	proxy := cdpproxy.New(tokens, cdpproxy.Config{
		ChromeAddr:     chromeAddr,
		SessionID:      sessionID,
		ProjectID:      projectID,
		KeepAlive:      keepAlive,
		IdleGrace:      cfg.IdleGrace,
		MinLifetime:    cfg.MinLifetime,
		WatchdogPeriod: cfg.WatchdogPeriod,
		Store:          sessionStore,
		Shutdown: func(reason string) {
			log.Printf("cdp proxy shutting down: %s", reason)
			cancel()
		},
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("cdp proxy received signal %s, shutting down", sig)
		cancel()
	}()

	log.Printf("starting cdp auth proxy for session %s on port %d, chrome at %s", sessionID, cfg.CDPProxyPort, chromeAddr)
	if err := proxy.Serve(ctx, cfg.CDPProxyPort); err != nil {
		log.Fatalf("cdp proxy server error: %v", err)
	}
}
