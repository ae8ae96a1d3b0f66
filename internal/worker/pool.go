package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("job queue is full")

// ErrPoolStopped 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Executor 执行单个任务，Orchestrator 实现该接口
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Result 任务执行结果，按完成顺序发出
type Result struct {
	JobID    string
	Err      error
	Duration time.Duration
}

// Task 排队中的任务
type Task struct {
	ID       string
	resultCh chan error // 同步等待时使用
}

// Pool 有界 Worker 池：每个 worker 同时只持有一个任务
type Pool struct {
	workers  int
	taskChan chan *Task
	results  chan Result
	executor Executor
	logger   *logrus.Logger
	wg       sync.WaitGroup

	mu        sync.Mutex
	running   map[string]context.CancelFunc
	queued    map[string]int  // 排队中的任务（同一 ID 可排队多次）
	cancelled map[string]bool // 排队中已被取消的任务
	stopped   bool
}

// NewPool 创建 Worker 池，queueSize 同时决定结果通道的缓冲
func NewPool(workers, queueSize int, executor Executor, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 100
	}
	return &Pool{
		workers:   workers,
		taskChan:  make(chan *Task, queueSize),
		results:   make(chan Result, queueSize+workers),
		executor:  executor,
		logger:    logger,
		running:   make(map[string]context.CancelFunc),
		queued:    make(map[string]int),
		cancelled: make(map[string]bool),
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	p.logger.WithField("worker_id", id).Debug("Worker started")

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				p.logger.WithField("worker_id", id).Debug("Task channel closed, worker exiting")
				return
			}
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, workerID int, task *Task) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.queued[task.ID]--; p.queued[task.ID] <= 0 {
		delete(p.queued, task.ID)
	}
	if p.cancelled[task.ID] {
		delete(p.cancelled, task.ID)
		// 仍交给 executor，使任务以 cancelled 结束并留下记录
		cancel()
	}
	p.running[task.ID] = cancel
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.running, task.ID)
		p.mu.Unlock()
	}()

	p.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    task.ID,
	}).Info("Processing job")

	start := time.Now()
	err := p.executor.Execute(jobCtx, task.ID)
	res := Result{JobID: task.ID, Err: err, Duration: time.Since(start)}

	entry := p.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"job_id":    task.ID,
		"duration":  res.Duration.String(),
	})
	if err != nil {
		entry.WithError(err).Warn("Job execution failed")
	} else {
		entry.Info("Job completed successfully")
	}

	if task.resultCh != nil {
		task.resultCh <- err
		close(task.resultCh)
	}

	select {
	case p.results <- res:
	default:
		// 没有消费者时丢弃，任务结果已持久化
		p.logger.WithField("job_id", task.ID).Debug("Results channel full, result dropped")
	}
}

// Results 完成顺序的结果通道
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(jobID string) error {
	return p.enqueue(&Task{ID: jobID})
}

func (p *Pool) enqueue(task *Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.queued[task.ID]++
		p.logger.WithField("job_id", task.ID).Debug("Job submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, jobID string) error {
	task := &Task{ID: jobID, resultCh: make(chan error, 1)}
	if err := p.enqueue(task); err != nil {
		return err
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel 取消任务：运行中的任务立即取消其上下文（杀掉外部进程并回滚），
// 排队中的任务在被取出时直接以取消结束。任务不在池中时返回 false。
func (p *Pool) Cancel(jobID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.running[jobID]; ok {
		cancel()
		p.logger.WithField("job_id", jobID).Info("Running job cancelled")
		return true
	}
	if p.queued[jobID] > 0 {
		p.cancelled[jobID] = true
		p.logger.WithField("job_id", jobID).Info("Queued job marked as cancelled")
		return true
	}
	return false
}

// Running 正在执行的任务数
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// Stop 停止接收任务，等待已排队任务执行完毕
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskChan)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}
