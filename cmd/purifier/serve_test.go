package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/apk-purifier/apk-purifier-go/internal/apkinfo"
	"github.com/apk-purifier/apk-purifier-go/internal/domain"
	"github.com/apk-purifier/apk-purifier-go/internal/queue"
	"github.com/apk-purifier/apk-purifier-go/internal/retry"
	"github.com/apk-purifier/apk-purifier-go/internal/service"
	"github.com/apk-purifier/apk-purifier-go/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockJobService struct {
	mock.Mock
}

func (m *MockJobService) CreateJob(ctx context.Context, req service.CreateRequest) (*domain.Job, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Job), args.Error(1)
}

func (m *MockJobService) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	args := m.Called(ctx, jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Job), args.Error(1)
}

func (m *MockJobService) ListJobs(ctx context.Context, page, pageSize int, state string) ([]*domain.Job, int64, error) {
	args := m.Called(ctx, page, pageSize, state)
	return args.Get(0).([]*domain.Job), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) CancelJob(ctx context.Context, jobID string) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *MockJobService) GetStateCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockJobService) RecoverUnfinished(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestJobMessageHandler_ErrorClassification(t *testing.T) {
	jobs := new(MockJobService)
	handler := jobMessageHandler(jobs)
	ctx := context.Background()

	jobs.On("CreateJob", ctx, service.CreateRequest{
		Operation:  domain.OperationScan,
		SourcePath: "/in/ok.apk",
		OutputPath: "/out/ok.apk",
		Force:      true,
	}).Return(&domain.Job{ID: "job-1"}, nil)
	jobs.On("CreateJob", ctx, mock.MatchedBy(func(r service.CreateRequest) bool { return r.SourcePath == "/in/dup.apk" })).
		Return(nil, fmt.Errorf("%w: job-0", service.ErrDuplicateJob))
	jobs.On("CreateJob", ctx, mock.MatchedBy(func(r service.CreateRequest) bool { return r.SourcePath == "/in/broken.apk" })).
		Return(nil, fmt.Errorf("%w: no classes*.dex found", apkinfo.ErrInvalidArchive))
	jobs.On("CreateJob", ctx, mock.MatchedBy(func(r service.CreateRequest) bool { return r.SourcePath == "/in/busy.apk" })).
		Return(nil, fmt.Errorf("submit job job-2: %w", worker.ErrQueueFull))

	assert.NoError(t, handler(ctx, &queue.JobMessage{SourcePath: "/in/ok.apk", Operation: "scan", OutputPath: "/out/ok.apk", Force: true}))

	err := handler(ctx, &queue.JobMessage{SourcePath: "/in/dup.apk"})
	assert.ErrorIs(t, err, service.ErrDuplicateJob)
	assert.False(t, retry.IsRetryable(err))

	err = handler(ctx, &queue.JobMessage{SourcePath: "/in/broken.apk"})
	assert.False(t, retry.IsRetryable(err))

	err = handler(ctx, &queue.JobMessage{SourcePath: "/in/busy.apk"})
	assert.ErrorIs(t, err, worker.ErrQueueFull)
	assert.True(t, retry.IsRetryable(err))

	jobs.AssertExpectations(t)
}

func TestInboxHandler_IgnoresDuplicates(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	jobs := new(MockJobService)
	handler := inboxHandler(jobs, logger)
	ctx := context.Background()

	jobs.On("CreateJob", ctx, service.CreateRequest{SourcePath: "/inbox/a.apk"}).Return(&domain.Job{ID: "job-a"}, nil)
	jobs.On("CreateJob", ctx, service.CreateRequest{SourcePath: "/inbox/b.apk"}).Return(nil, service.ErrDuplicateJob)
	jobs.On("CreateJob", ctx, service.CreateRequest{SourcePath: "/inbox/c.apk"}).Return(nil, errors.New("disk full"))

	assert.NoError(t, handler(ctx, "/inbox/a.apk"))
	assert.NoError(t, handler(ctx, "/inbox/b.apk"))
	assert.EqualError(t, handler(ctx, "/inbox/c.apk"), "disk full")
}
