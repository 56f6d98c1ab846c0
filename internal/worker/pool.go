package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull 队列已满
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolStopped 池已停止
var ErrPoolStopped = errors.New("worker pool is stopped")

// Job 一次分析任务
type Job struct {
	AnalysisID string
	APKPath    string
	resultCh   chan error // 用于同步等待任务完成
}

// Handler 处理单个任务
type Handler func(ctx context.Context, job Job) error

// Pool Worker 池
type Pool struct {
	workers int
	jobs    chan *Job
	handler Handler
	logger  *logrus.Logger
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	// OnQueueChange 队列长度变化时回调（用于指标）
	OnQueueChange func(size int)
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, handler Handler, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan *Job, queueSize),
		handler: handler,
		logger:  logger,
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

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.queueChanged()

			err := p.run(ctx, id, job)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"worker_id":   id,
					"analysis_id": job.AnalysisID,
				}).Warn("Job failed")
			}

			if job.resultCh != nil {
				job.resultCh <- err
				close(job.resultCh)
			}
		}
	}
}

// run 调用 handler，panic 转为错误，避免单个样本拖垮 worker
func (p *Pool) run(ctx context.Context, id int, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"worker_id":   id,
				"analysis_id": job.AnalysisID,
				"panic":       r,
			}).Error("Job panicked")
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	p.logger.WithFields(logrus.Fields{
		"worker_id":   id,
		"analysis_id": job.AnalysisID,
		"apk_path":    job.APKPath,
	}).Debug("Processing job")

	return p.handler(ctx, *job)
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- &job:
		p.queueChanged()
		return nil
	default:
		return ErrQueueFull
	}
}

// Dispatch 按 ID 和路径提交分析任务
func (p *Pool) Dispatch(ctx context.Context, analysisID, apkPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.Submit(Job{AnalysisID: analysisID, APKPath: apkPath})
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job Job) error {
	job.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.jobs <- &job:
		p.mu.RUnlock()
		p.queueChanged()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务，等待已排队任务处理完
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Stopping worker pool")
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.jobs)
}

func (p *Pool) queueChanged() {
	if p.OnQueueChange != nil {
		p.OnQueueChange(len(p.jobs))
	}
}
