package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lexvault/lexvault-server/internal/audit"
	"github.com/lexvault/lexvault-server/internal/config"
	"github.com/lexvault/lexvault-server/internal/crypto"
	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
	"github.com/lexvault/lexvault-server/internal/policy"
	"github.com/lexvault/lexvault-server/internal/repository/postgres"
	"github.com/lexvault/lexvault-server/internal/service"
	storage "github.com/lexvault/lexvault-server/internal/storage/minio"
	"github.com/lexvault/lexvault-server/internal/token"
	"github.com/lexvault/lexvault-server/internal/vector/sqlite"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

const auditVerifyInterval = time.Hour

// app holds the wired retrieval core. The services are the embedding
// surface; a transport in front of them mounts these fields.
type app struct {
	logger    *logger.Logger
	accounts  *service.User
	documents *service.Document
	retrieval *service.Retrieval
	credits   *service.Credit
	auditLog  *audit.Log
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)

	db, err := postgres.NewConnection(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}
	defer db.Close()

	userRepo := postgres.NewUserRepository(db)
	documentRepo := postgres.NewDocumentRepository(db)
	datasetRepo := postgres.NewDatasetRepository(db)
	dataKeyRepo := postgres.NewDataKeyRepository(db)
	creditRepo := postgres.NewCreditRepository(db)
	auditRepo := postgres.NewAuditRepository(db)
	tokenManager := token.NewJWT(cfg.JWT.Secret)

	minioClient, err := minio.New(cfg.Storage.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
		Secure: cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatal("failed to create minio client", "error", err)
	}
	payloadStore, err := storage.NewClient(ctx, minioClient, cfg.Storage.Bucket)
	if err != nil {
		logger.Fatal("failed to initialize payload store", "error", err)
	}

	vectorStore, err := sqlite.NewStore(cfg.Vector.Path)
	if err != nil {
		logger.Fatal("failed to initialize vector store", "error", err)
	}
	defer vectorStore.Close()

	keyManager := crypto.NewKeyManager(masterKeySource(cfg.Crypto), dataKeyRepo, logger.WithComponent("keys"))
	cipher := crypto.NewCipher()

	auditLog, err := audit.NewLog(ctx, auditRepo, logger.WithComponent("audit"))
	if err != nil {
		logger.Fatal("failed to initialize audit log", "error", err)
	}

	policyEngine := policy.NewEngine(userRepo, datasetRepo, creditRepo, tokenManager, logger)

	a := &app{
		logger:    logger,
		accounts:  service.NewUser(userRepo, creditRepo, tokenManager, auditLog, logger, cfg.Credits.SignupGrant),
		documents: service.NewDocument(documentRepo, datasetRepo, payloadStore, vectorStore, keyManager, cipher, policyEngine, auditLog, logger),
		retrieval: service.NewRetrieval(policyEngine, vectorStore, documentRepo, datasetRepo, payloadStore, keyManager, cipher, auditLog, logger, cfg.Credits.QueryCost, cfg.Vector.MaxRetries),
		credits:   service.NewCredit(creditRepo, policyEngine, auditLog, logger),
		auditLog:  auditLog,
	}

	logAppVersion()
	a.run(ctx)

	logger.Info("shutdown complete")
}

// run verifies the audit chain on startup, re-verifies it periodically and
// blocks until the context is cancelled.
func (a *app) run(ctx context.Context) {
	a.verifyAuditChain(ctx)
	a.logger.Info("retrieval core is up")

	ticker := time.NewTicker(auditVerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.verifyAuditChain(ctx)
		case <-ctx.Done():
			a.logger.Info("received interruption signal, shutting down")
			return
		}
	}
}

// verifyAuditChain checks the persisted chain end to end. A broken chain is
// loud but not fatal: the operator must investigate, the log itself keeps
// appending from the stored tail.
func (a *app) verifyAuditChain(ctx context.Context) {
	tail := a.auditLog.TailSeq()
	if tail == 0 {
		return
	}

	brokenAt, err := a.auditLog.VerifyChain(ctx, 1, tail)
	if err != nil {
		a.logger.Error("failed to verify audit chain", "error", err)
		return
	}
	if brokenAt != 0 {
		a.logger.Error("audit chain integrity violation", "broken_at_seq", brokenAt)
		return
	}
	a.logger.Info("audit chain verified", "entries", tail)
}

// masterKeySource picks the configured master key source. A file path wins
// over the environment variable when both are set.
func masterKeySource(cfg config.Crypto) model.MasterKeySource {
	if cfg.MasterKeyFile != "" {
		return &crypto.FileKeySource{Path: cfg.MasterKeyFile}
	}
	return &crypto.EnvKeySource{Variable: cfg.MasterKeyEnv}
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	fmt.Printf(tmpl, buildVersion, buildDate, buildCommit)
}
