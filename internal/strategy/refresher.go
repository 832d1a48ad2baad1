package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// RefreshJob 是一次后台刷新任务；Key 相同的任务在执行期间只会运行一次。
type RefreshJob struct {
	Key string
	Run func(ctx context.Context) error

	ctx context.Context
}

// RefresherOptions 控制后台刷新的 worker 数、队列长度与单次超时。
type RefresherOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Logger    *logrus.Logger
}

// Refresher 在请求生命周期之外执行 stale-while-revalidate 的回源刷新。
// 队列满时丢弃新任务，失败只写日志。
type Refresher struct {
	opts    RefresherOptions
	queue   chan RefreshJob
	group   singleflight.Group
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRefresher 创建并启动 worker。
func NewRefresher(opts RefresherOptions) *Refresher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	r := &Refresher{opts: opts, queue: make(chan RefreshJob, opts.QueueSize)}
	for i := 0; i < opts.Workers; i++ {
		r.workers.Add(1)
		go r.loop()
	}
	return r
}

// Enqueue 提交任务，返回是否被接受。ctx 只提供 value，取消信号会被剥离。
func (r *Refresher) Enqueue(ctx context.Context, job RefreshJob) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	job.ctx = context.WithoutCancel(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	r.pending.Add(1)
	select {
	case r.queue <- job:
		return true
	default:
		r.pending.Done()
		r.opts.Logger.WithFields(logrus.Fields{
			"action": "refresh",
			"key":    job.Key,
		}).Warn("refresh queue full, job dropped")
		return false
	}
}

// Wait 阻塞直到当前已接受的任务全部完成。
func (r *Refresher) Wait() {
	r.pending.Wait()
}

// Close 停止接收任务并等待队列排空。
func (r *Refresher) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.workers.Wait()
}

func (r *Refresher) loop() {
	defer r.workers.Done()
	for job := range r.queue {
		r.run(job)
	}
}

func (r *Refresher) run(job RefreshJob) {
	defer r.pending.Done()
	start := time.Now()
	_, err, _ := r.group.Do(job.Key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(job.ctx, r.opts.Timeout)
		defer cancel()
		return nil, job.Run(ctx)
	})
	fields := logrus.Fields{
		"action":     "refresh",
		"key":        job.Key,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		r.opts.Logger.WithFields(fields).Warn(err.Error())
		return
	}
	r.opts.Logger.WithFields(fields).Debug("refresh completed")
}
