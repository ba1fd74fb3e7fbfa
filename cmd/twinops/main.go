// Command twinops runs the Safety Kernel agent service: it loads
// configuration, wires the Shadow Twin, CovenantTwin policy loader, Twin
// Client, Safety Kernel, approval store and orchestrator together, and
// serves the chat/approval HTTP surface. Wiring order and logging style
// follow the teacher's cmd/bootstrap/main.go (sequential init, Fatal on an
// unrecoverable step, Printf progress lines); the HTTP surface follows the
// original Python prototype's agent/main.py AgentServer.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/twinops/twinops/internal/approval"
	"github.com/twinops/twinops/internal/archive"
	"github.com/twinops/twinops/internal/audit"
	"github.com/twinops/twinops/internal/config"
	"github.com/twinops/twinops/internal/identity"
	"github.com/twinops/twinops/internal/kernel"
	"github.com/twinops/twinops/internal/llmselector"
	"github.com/twinops/twinops/internal/orchestrator"
	"github.com/twinops/twinops/internal/policy"
	"github.com/twinops/twinops/internal/shadow"
	"github.com/twinops/twinops/internal/twinclient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[twinops] config: %v", err)
	}

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		log.Fatalf("[twinops] audit log: %v", err)
	}
	defer func() { _ = auditLog.Close() }()
	log.Printf("[twinops] audit log opened at %s", cfg.AuditLogPath)

	idemStore, closeIdem, err := buildIdempotencyStore(cfg)
	if err != nil {
		log.Fatalf("[twinops] idempotency store: %v", err)
	}
	if closeIdem != nil {
		defer closeIdem()
	}

	twinClient := twinclient.New(twinclient.Config{
		BaseURL:        cfg.TwinBaseURL,
		HTTPTimeout:    30 * time.Second,
		MaxConcurrency: cfg.TwinClientMaxConcurrency,

		RetryMaxAttempts: cfg.ToolRetryMaxAttempts,
		RetryBaseDelay:   cfg.ToolRetryBaseDelay,
		RetryMaxDelay:    cfg.ToolRetryMaxDelay,
		RetryJitter:      cfg.ToolRetryJitter,

		ExecutionTimeout: cfg.ToolExecutionTimeout,

		CircuitFailureThreshold: cfg.TwinClientFailureThreshold,
		CircuitRecoveryTimeout:  cfg.TwinClientRecoveryTimeout,
		CircuitHalfOpenMaxCalls: cfg.TwinClientHalfOpenMaxCalls,

		JobPollInterval:    cfg.JobPollInterval,
		JobPollMaxInterval: cfg.JobPollMaxInterval,
		JobPollJitter:      cfg.JobPollJitter,
		JobTimeout:         cfg.JobTimeout,

		HMACSecret:       cfg.OpServiceHMACSecret,
		HMACHeader:       cfg.OpServiceHMACHeader,
		HMACTimestampHdr: cfg.OpServiceHMACTimestampHeader,
	}, idemStore, cfg.ToolIdempotencyTTL)
	log.Printf("[twinops] twin client targeting %s", cfg.TwinBaseURL)

	shadowTwin := shadow.New(twinClient)
	if err := shadowTwin.Refresh(context.Background(), cfg.PolicySubmodelID); err != nil {
		log.Printf("[twinops] WARNING: initial policy submodel snapshot failed: %v", err)
	}

	keys, err := loadTrustedKeys(cfg.PolicyTrustedKeys)
	if err != nil {
		log.Fatalf("[twinops] policy trusted keys: %v", err)
	}
	policyStore, err := policy.New(twinClient, policy.Ed25519Verifier{}, keys, cfg.PolicySubmodelID, cfg.PolicyCacheTTL, cfg.PolicyMaxAge, cfg.PolicyAcceptedSchemaVers)
	if err != nil {
		log.Fatalf("[twinops] policy store: %v", err)
	}

	var mqttSub *shadow.Subscription
	if cfg.MQTTBrokerHost != "" {
		mqttSub, err = shadow.Connect(context.Background(), shadowTwin, shadow.MQTTConfig{
			BrokerHost:     cfg.MQTTBrokerHost,
			BrokerPort:     cfg.MQTTBrokerPort,
			ClientID:       cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			TLSEnabled:     cfg.MQTTTLSEnabled,
			AASRepoID:      cfg.AASRepoID,
			SubmodelRepoID: cfg.SubmodelRepoID,
			AASID:          cfg.AASID,
			SubmodelIDs:    []string{cfg.PolicySubmodelID},
		})
		if err != nil {
			log.Printf("[twinops] WARNING: MQTT connect failed, shadow twin will rely on periodic HTTP refresh only: %v", err)
		} else {
			defer mqttSub.Close()
			log.Printf("[twinops] MQTT subscription established to %s:%d", cfg.MQTTBrokerHost, cfg.MQTTBrokerPort)
		}
	}

	// The Kernel and the Approval Store each need a callback into the
	// other (resubmit-on-approve, approval-gate-on-evaluate), so neither
	// can own the other outright. Construct the Kernel with its approval
	// sink nil, hand it to the Approval Store as its resubmitter, then
	// close the cycle with SetApprovals.
	safetyKernel := kernel.New(policyStore, shadowTwin, nil, auditLog, cfg.InterlockFailSafe, twinClient)
	approvalStore := approval.New(cfg.ApprovalTimeout, auditLog, safetyKernel, policyStore)
	safetyKernel.SetApprovals(approvalStore)

	selector := llmselector.NewRulesSelector()
	orch := orchestrator.New(selector, safetyKernel, twinClient, auditLog, float64(cfg.ToolConcurrencyLimit), cfg.ToolConcurrencyLimit*2)
	safetyKernel.SetToolResolver(orch)

	registerTools(orch, twinClient, cfg)

	var archiver archive.Archiver
	if cfg.ArchiveBackend == "s3" {
		archiver, err = archive.NewS3Archiver(context.Background(), archive.S3Config{
			Bucket: cfg.ArchiveBucket,
			Region: cfg.ArchiveRegion,
			Prefix: cfg.ArchivePrefix,
		})
		if err != nil {
			log.Printf("[twinops] WARNING: S3 archiver unavailable: %v", err)
			archiver = nil
		} else {
			log.Printf("[twinops] audit archival to s3://%s/%s enabled, every %s", cfg.ArchiveBucket, cfg.ArchivePrefix, cfg.ArchiveInterval)
		}
	}
	if archiver != nil {
		rotateCtx, rotateCancel := context.WithCancel(context.Background())
		rotator := archive.NewRotator(archiver, auditLog, cfg.ArchiveInterval)
		go rotator.Run(rotateCtx)
		defer rotateCancel()
	}

	var idVerifier *identity.Verifier
	if cfg.IdentityJWTSecret != "" {
		idVerifier = identity.NewVerifier(cfg.IdentityJWTSecret, cfg.IdentityJWTIssuer)
	}

	srv := newServer(orch, approvalStore, idVerifier, cfg)

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: srv,
	}

	go func() {
		log.Printf("[twinops] listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[twinops] http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("[twinops] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Printf("[twinops] graceful shutdown error: %v", err)
	}
}
