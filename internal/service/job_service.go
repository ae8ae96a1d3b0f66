package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/apk-purifier/apk-purifier-go/internal/apkinfo"
	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	// ErrJobNotFound 任务不存在
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob 同一 APK 已有未结束的任务
	ErrDuplicateJob = errors.New("an unfinished job already exists for this archive")
	// ErrUnknownOperation 不支持的任务类型
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrJobFinished 任务已结束，无法取消
	ErrJobFinished = errors.New("job already finished")
)

// Dispatcher 任务调度方，worker.Pool 实现该接口
type Dispatcher interface {
	Submit(jobID string) error
	Cancel(jobID string) bool
}

// CreateRequest 创建任务参数
type CreateRequest struct {
	Operation  domain.Operation `json:"operation"`
	SourcePath string           `json:"source_path" binding:"required"`
	OutputPath string           `json:"output_path"`
	Force      bool             `json:"force"`
}

// JobService 任务服务接口
type JobService interface {
	// 校验输入、落库并提交到 Worker 池
	CreateJob(ctx context.Context, req CreateRequest) (*domain.Job, error)

	GetJob(ctx context.Context, jobID string) (*domain.Job, error)

	ListJobs(ctx context.Context, page, pageSize int, state string) ([]*domain.Job, int64, error)

	// 取消任务：运行中的任务杀掉外部进程并回滚
	CancelJob(ctx context.Context, jobID string) error

	GetStateCounts(ctx context.Context) (map[string]int64, int64, error)

	// 把上次进程退出时未结束的任务标记为失败
	RecoverUnfinished(ctx context.Context) (int, error)
}

type jobService struct {
	repo       repository.JobRepository
	dispatcher Dispatcher
	logger     *logrus.Logger
}

// NewJobService 创建任务服务实例
func NewJobService(repo repository.JobRepository, dispatcher Dispatcher, logger *logrus.Logger) JobService {
	return &jobService{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

func (s *jobService) CreateJob(ctx context.Context, req CreateRequest) (*domain.Job, error) {
	if req.Operation == "" {
		req.Operation = domain.OperationPurify
	}
	if req.Operation != domain.OperationPurify && req.Operation != domain.OperationScan {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, req.Operation)
	}

	source, err := filepath.Abs(req.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("resolve source path: %w", err)
	}
	if err := apkinfo.Validate(source); err != nil {
		return nil, err
	}

	// 防重复：同一 APK 的并发任务会争用备份和输出
	if active, err := s.repo.FindActiveBySource(ctx, source); err == nil {
		s.logger.WithFields(logrus.Fields{
			"source":   source,
			"existing": active.ID,
		}).Warn("Duplicate job creation blocked")
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, active.ID)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.WithError(err).WithField("source", source).Warn("Failed to check active jobs, continuing anyway")
	}

	job := &domain.Job{
		ID:         uuid.New().String(),
		Operation:  req.Operation,
		SourcePath: source,
		OutputPath: req.OutputPath,
		Force:      req.Force,
		State:      domain.JobStateQueued,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		s.logger.WithError(err).Error("Failed to create job")
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.dispatcher.Submit(job.ID); err != nil {
		// 未进入队列的任务直接结束，避免残留 QUEUED 记录
		if markErr := s.repo.MarkFailed(context.WithoutCancel(ctx), job.ID, domain.JobStateQueued, domain.FailureKindInternal, err.Error()); markErr != nil {
			s.logger.WithError(markErr).WithField("job_id", job.ID).Error("Failed to mark rejected job")
		}
		return nil, fmt.Errorf("submit job %s: %w", job.ID, err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"operation": job.Operation,
		"source":    source,
	}).Info("Job created successfully")
	return job, nil
}

func (s *jobService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := s.repo.FindByID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to get job")
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *jobService) ListJobs(ctx context.Context, page, pageSize int, state string) ([]*domain.Job, int64, error) {
	jobs, total, err := s.repo.ListWithPagination(ctx, page, pageSize, state)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list jobs")
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

func (s *jobService) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.State.IsTerminal() {
		return ErrJobFinished
	}

	if s.dispatcher.Cancel(jobID) {
		s.logger.WithField("job_id", jobID).Info("Job cancellation requested")
		return nil
	}

	// 不在池中（例如进程重启后）的任务没有执行者，直接结束
	if err := s.repo.MarkFailed(ctx, jobID, job.State, domain.FailureKindCancelled, "cancelled before execution"); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	s.logger.WithField("job_id", jobID).Info("Orphaned job cancelled")
	return nil
}

func (s *jobService) GetStateCounts(ctx context.Context) (map[string]int64, int64, error) {
	return s.repo.GetStateCounts(ctx)
}

func (s *jobService) RecoverUnfinished(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished jobs: %w", err)
	}

	recovered := 0
	for _, job := range jobs {
		// 排队中的任务重新提交，执行中断的任务无法续跑
		if job.State == domain.JobStateQueued {
			if err := s.dispatcher.Submit(job.ID); err == nil {
				recovered++
				continue
			}
		}
		if err := s.repo.MarkFailed(ctx, job.ID, job.State, domain.FailureKindInternal, "interrupted by process restart"); err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to mark interrupted job")
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.WithField("count", recovered).Info("Recovered unfinished jobs")
	}
	return recovered, nil
}
