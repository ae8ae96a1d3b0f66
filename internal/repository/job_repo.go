package repository

import (
	"context"
	"time"

	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type JobRepository interface {
	Create(ctx context.Context, job *domain.Job) error
	FindByID(ctx context.Context, id string) (*domain.Job, error)
	ListWithPagination(ctx context.Context, page int, pageSize int, stateFilter string) ([]*domain.Job, int64, error)
	// 状态迁移，终止状态自动写入 completed_at
	UpdateState(ctx context.Context, id string, state domain.JobState) error
	MarkStarted(ctx context.Context, id string, workDir string) error
	// 记录后端选择结果
	UpdateSelection(ctx context.Context, id string, backend string, fallbackUsed bool) error
	UpdatePackageName(ctx context.Context, id string, packageName string) error
	UpdateBackupPath(ctx context.Context, id string, backupPath string) error
	UpdateStats(ctx context.Context, id string, applied, skipped, findings int) error
	MarkDone(ctx context.Context, id string, artifactPath string) error
	// 记录失败阶段和原因
	MarkFailed(ctx context.Context, id string, stage domain.JobState, kind domain.FailureKind, reason string) error
	SaveFindings(ctx context.Context, jobID string, findings []domain.JobFinding) error
	GetStateCounts(ctx context.Context) (map[string]int64, int64, error)
	// 同一源 APK 上未结束的任务
	FindActiveBySource(ctx context.Context, sourcePath string) (*domain.Job, error)
	// 进程重启后遗留的未结束任务
	ListUnfinished(ctx context.Context) ([]*domain.Job, error)
}

type jobRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewJobRepository(db *gorm.DB, logger *logrus.Logger) JobRepository {
	return &jobRepo{
		db:     db,
		logger: logger,
	}
}

func (r *jobRepo) Create(ctx context.Context, job *domain.Job) error {
	job.CreatedAt = time.Now().UTC()
	if job.State == "" {
		job.State = domain.JobStateQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepo) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Preload("Findings", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		First(&job, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) ListWithPagination(ctx context.Context, page int, pageSize int, stateFilter string) ([]*domain.Job, int64, error) {
	var jobs []*domain.Job
	var total int64

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&domain.Job{})
	if stateFilter != "" {
		query = query.Where("state = ?", stateFilter)
	}

	// 先统计总数
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&jobs).Error

	return jobs, total, err
}

func (r *jobRepo) UpdateState(ctx context.Context, id string, state domain.JobState) error {
	updates := map[string]interface{}{
		"state": state,
	}

	if state.IsTerminal() {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}

	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRepo) MarkStarted(ctx context.Context, id string, workDir string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":      domain.JobStateSelectBackend,
			"work_dir":   workDir,
			"started_at": &now,
		}).Error
}

func (r *jobRepo) UpdateSelection(ctx context.Context, id string, backend string, fallbackUsed bool) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"backend":       backend,
			"fallback_used": fallbackUsed,
		}).Error
}

func (r *jobRepo) UpdatePackageName(ctx context.Context, id string, packageName string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Update("package_name", packageName).Error
}

func (r *jobRepo) UpdateBackupPath(ctx context.Context, id string, backupPath string) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Update("backup_path", backupPath).Error
}

func (r *jobRepo) UpdateStats(ctx context.Context, id string, applied, skipped, findings int) error {
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"applied":       applied,
			"skipped":       skipped,
			"finding_count": findings,
		}).Error
}

func (r *jobRepo) MarkDone(ctx context.Context, id string, artifactPath string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":         domain.JobStateDone,
			"artifact_path": artifactPath,
			"completed_at":  &now,
		}).Error
}

func (r *jobRepo) MarkFailed(ctx context.Context, id string, stage domain.JobState, kind domain.FailureKind, reason string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"state":         domain.JobStateFailed,
			"failed_stage":  stage,
			"failure_kind":  kind,
			"reason":        reason,
			"artifact_path": "",
			"completed_at":  &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithFields(logrus.Fields{
			"job_id": id,
			"stage":  stage,
		}).Error("Failed to update job failure")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"job_id":       id,
		"stage":        stage,
		"failure_kind": kind,
		"display_name": kind.GetDisplayName(),
	}).Warn("❌ Job marked as failed")

	return nil
}

func (r *jobRepo) SaveFindings(ctx context.Context, jobID string, findings []domain.JobFinding) error {
	if len(findings) == 0 {
		return nil
	}
	for i := range findings {
		findings[i].JobID = jobID
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 重复执行时覆盖旧结果
		if err := tx.Where("job_id = ?", jobID).Delete(&domain.JobFinding{}).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(findings, 100).Error
	})
}

func (r *jobRepo) GetStateCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StateCount struct {
		State string
		Count int64
	}

	var results []StateCount
	err := r.db.WithContext(ctx).
		Model(&domain.Job{}).
		Select("state, COUNT(*) as count").
		Group("state").
		Scan(&results).Error

	if err != nil {
		r.logger.WithError(err).Error("Failed to get state counts")
		return nil, 0, err
	}

	counts := make(map[string]int64)
	var total int64
	for _, sc := range results {
		counts[sc.State] = sc.Count
		total += sc.Count
	}

	return counts, total, nil
}

func (r *jobRepo) FindActiveBySource(ctx context.Context, sourcePath string) (*domain.Job, error) {
	var job domain.Job
	err := r.db.WithContext(ctx).
		Where("source_path = ? AND state NOT IN ?", sourcePath, []domain.JobState{domain.JobStateDone, domain.JobStateFailed}).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) ListUnfinished(ctx context.Context) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := r.db.WithContext(ctx).
		Where("state NOT IN ?", []domain.JobState{domain.JobStateDone, domain.JobStateFailed}).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}
