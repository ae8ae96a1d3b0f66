package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/api"
	"github.com/apk-purifier/apk-purifier-go/internal/api/handlers"
	"github.com/apk-purifier/apk-purifier-go/internal/apkinfo"
	"github.com/apk-purifier/apk-purifier-go/internal/config"
	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/middleware"
	"github.com/apk-purifier/apk-purifier-go/internal/queue"
	"github.com/apk-purifier/apk-purifier-go/internal/retry"
	"github.com/apk-purifier/apk-purifier-go/internal/service"
	"github.com/apk-purifier/apk-purifier-go/internal/watcher"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, inbox watcher and queue consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Infof("Starting APK Purifier %s (build %s, commit %s)", Version, BuildTime, GitCommit)
			logger.Infof("Config loaded from: %s", configPath)
			return serve(cfg.Server.Port, logger, cfg)
		},
	}
}

func serve(port int, logger *logrus.Logger, cfg *config.Config) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := a.db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 指标和事件推送
	promMetrics := middleware.NewPrometheusMetrics(logger, "apk_purifier")
	hub := handlers.NewEventHub(logger)
	hub.Start()
	defer hub.Stop()
	a.orchestrator.AddListener(hub)
	a.orchestrator.AddListener(promMetrics)

	// 2. 探测外部工具
	descs := a.registry.Probe(ctx)
	promMetrics.UpdateToolAvailability(descs)
	for _, d := range descs {
		entry := logger.WithFields(logrus.Fields{"tool": d.ID, "kind": d.Kind})
		if d.Available {
			entry.WithField("version", d.Version).Info("Tool available")
		} else {
			entry.WithField("reason", d.Reason).Warn("Tool unavailable")
		}
	}

	// 3. Worker 池；关闭超时后取消运行中的任务
	poolCtx, cancelPool := context.WithCancel(context.Background())
	defer cancelPool()
	a.pool.Start(poolCtx)

	if n, err := a.jobs.RecoverUnfinished(ctx); err != nil {
		logger.WithError(err).Warn("Failed to recover unfinished jobs")
	} else if n > 0 {
		logger.WithField("count", n).Info("Recovered unfinished jobs")
	}

	// 4. 资源监控
	memMonitor := middleware.NewMemoryMonitor(logger, 30*time.Second, promMetrics,
		func() {
			promMetrics.UpdateWorkerPoolStats(cfg.Worker.Concurrency, a.pool.Running(), a.pool.GetQueueSize())
		},
		func() {
			if sqlDB, err := a.db.DB(); err == nil {
				s := sqlDB.Stats()
				promMetrics.UpdateDBStats(s.OpenConnections, s.Idle, s.InUse)
			}
		},
	)
	go memMonitor.Run(ctx)

	// 收件目录和队列先于 Worker 池关闭
	var intake []func()
	stopIntake := func() {
		for i := len(intake) - 1; i >= 0; i-- {
			intake[i]()
		}
		intake = nil
	}
	defer func() { stopIntake() }()

	// 5. 收件目录监控
	if cfg.Watcher.Enabled {
		fw, err := watcher.NewFileWatcher(cfg.Watcher, inboxHandler(a.jobs, logger), logger)
		if err != nil {
			return fmt.Errorf("create file watcher: %w", err)
		}
		intake = append(intake, func() { fw.Stop() })
		if err := fw.Start(ctx, cfg.Watcher.ScanExisting); err != nil {
			return fmt.Errorf("start file watcher: %w", err)
		}
		logger.Infof("File watcher started for directory: %s", fw.GetWatchDir())
	}

	// 6. 队列消费
	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMQ(ctx, cfg.RabbitMQ, cfg.Worker.QueueSize, logger)
		if err != nil {
			return err
		}
		intake = append(intake, func() { mq.Close() })

		consumer := queue.NewConsumer(mq, jobMessageHandler(a.jobs), logger)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		intake = append(intake, consumer.Stop)
	}

	// 7. HTTP Server
	router := api.SetupRouter(cfg, logger, api.Deps{
		Jobs:       a.jobs,
		Tools:      a.registry,
		Events:     hub,
		Metrics:    promMetrics,
		MemMonitor: memMonitor,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Minute, // 大文件上传
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.WithError(err).Error("HTTP server error")
		stop()
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	stopIntake()

	stopped := make(chan struct{})
	go func() {
		a.pool.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		// 排队中的任务保持 QUEUED，下次启动时重新提交
		logger.Warn("Shutdown timeout, cancelling running jobs")
		cancelPool()
		<-stopped
	}

	logger.Info("Server stopped")
	return nil
}

// inboxHandler 收件目录中的新 APK 创建净化任务
func inboxHandler(jobs service.JobService, logger *logrus.Logger) watcher.FileHandler {
	return func(ctx context.Context, path string) error {
		job, err := jobs.CreateJob(ctx, service.CreateRequest{SourcePath: path})
		if errors.Is(err, service.ErrDuplicateJob) {
			logger.WithField("file", path).Info("Job already in progress for file")
			return nil
		}
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"file": path, "job_id": job.ID}).Info("Job created from inbox")
		return nil
	}
}

// jobMessageHandler 队列消息创建任务；输入本身有问题的消息不再重试
func jobMessageHandler(jobs service.JobService) queue.JobHandler {
	return func(ctx context.Context, msg *queue.JobMessage) error {
		_, err := jobs.CreateJob(ctx, service.CreateRequest{
			Operation:  domain.Operation(msg.Operation),
			SourcePath: msg.SourcePath,
			OutputPath: msg.OutputPath,
			Force:      msg.Force,
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, service.ErrDuplicateJob),
			errors.Is(err, service.ErrUnknownOperation),
			errors.Is(err, apkinfo.ErrInvalidArchive):
			return retry.Permanent(err)
		default:
			return err
		}
	}
}
