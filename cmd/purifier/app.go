package main

import (
	"fmt"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/backend"
	"github.com/apk-purifier/apk-purifier-go/internal/backup"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/repository"
	"github.com/apk-purifier/apk-purifier-go/internal/service"
	"github.com/apk-purifier/apk-purifier-go/internal/signer"
	"github.com/apk-purifier/apk-purifier-go/internal/toolprobe"
	"github.com/apk-purifier/apk-purifier-go/internal/worker"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// app 进程内的流水线组件
type app struct {
	cfg          *config.Config
	logger       *logrus.Logger
	db           *gorm.DB
	repo         repository.JobRepository
	registry     *toolprobe.Registry
	orchestrator *worker.Orchestrator
	pool         *worker.Pool
	jobs         service.JobService
}

func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	logger.Info("Database connected successfully")

	backends, err := backend.FromConfig(cfg.Tools.Backends, logger)
	if err != nil {
		return nil, fmt.Errorf("configure backends: %w", err)
	}
	registry := toolprobe.NewRegistry(backends, time.Duration(cfg.Tools.ProbeTimeoutSeconds)*time.Second, logger)

	uber := signer.NewUberSigner(cfg.Signer, logger)
	if err := uber.Check(); err != nil {
		// 扫描任务不需要签名，只提示
		logger.WithError(err).Warn("Signer not found, purify jobs will fail at SIGNING")
	}
	if uber.Debug() {
		logger.Warn("No keystore configured, using debug signing")
	}

	repo := repository.NewJobRepository(db, logger)
	orch := worker.NewOrchestrator(
		repo,
		registry,
		backup.NewManager(cfg.Workspace.BackupDir, logger),
		signer.NewPipeline(uber, logger),
		cfg,
		logger,
	)
	pool := worker.NewPool(cfg.Worker.Concurrency, cfg.Worker.QueueSize, orch, logger)

	return &app{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		repo:         repo,
		registry:     registry,
		orchestrator: orch,
		pool:         pool,
		jobs:         service.NewJobService(repo, pool, logger),
	}, nil
}

// close 停止 Worker 池并关闭数据库
func (a *app) close() {
	a.pool.Stop()
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
}
