package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/ticketsync/internal/lock"
)

const lockPrefix = "reconcile:"

// ErrLockHeld 另一个实例正在执行同名对账任务
var ErrLockHeld = errors.New("对账锁被其他实例持有")

// Scheduler 定时执行对账任务，每次执行前抢占分布式锁，执行期间持续续约
type Scheduler struct {
	jobs    *Jobs
	lock    lock.Lock
	lockTTL time.Duration
	logger  *zap.Logger
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(jobs *Jobs, l lock.Lock, lockTTL time.Duration, logger *zap.Logger) *Scheduler {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	logger = logger.Named("scheduler")
	return &Scheduler{
		jobs:    jobs,
		lock:    l,
		lockTTL: lockTTL,
		logger:  logger,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
	}
}

// Add 注册一个定时任务，spec 为 cron 表达式或 @every 形式
func (s *Scheduler) Add(spec, job string) error {
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.RunOnce(s.ctx, job); err != nil && !errors.Is(err, ErrLockHeld) {
			s.logger.Error("定时对账失败", zap.String("job", job), zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("注册对账任务 %s 失败: %w", job, err)
	}
	s.logger.Info("已注册对账任务", zap.String("job", job), zap.String("schedule", spec))
	return nil
}

// Start 启动调度，ctx 结束后正在执行的任务会收到取消信号
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
}

// Stop 停止调度并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-done.Done()
	s.wg.Wait()
}

// RunOnce 抢锁后执行一次对账任务；锁被占用时返回 ErrLockHeld
func (s *Scheduler) RunOnce(ctx context.Context, job string) ([]*Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	name := lockPrefix + job
	ok, err := s.lock.AcquireLock(ctx, name, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("获取对账锁失败: %w", err)
	}
	if !ok {
		s.logger.Info("对账锁被占用，跳过本次执行", zap.String("job", job))
		return nil, ErrLockHeld
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.keepLock(jobCtx, cancel, name)
	}()

	defer func() {
		cancel()
		if err := s.lock.ReleaseLock(context.WithoutCancel(ctx), name); err != nil {
			s.logger.Warn("释放对账锁失败", zap.String("job", job), zap.Error(err))
		}
	}()

	s.logger.Info("开始对账", zap.String("job", job))
	return s.jobs.Run(jobCtx, job)
}

// keepLock 每隔三分之一 TTL 续约一次，锁丢失时取消任务
func (s *Scheduler) keepLock(ctx context.Context, cancel context.CancelFunc, name string) {
	ticker := time.NewTicker(s.lockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := s.lock.RefreshLock(ctx, name, s.lockTTL)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("续约对账锁失败", zap.String("lock", name), zap.Error(err))
				continue
			}
			if !ok {
				s.logger.Error("对账锁已丢失，停止当前任务", zap.String("lock", name))
				cancel()
				return
			}
		}
	}
}

// cronLogger 把 cron 的日志接到 zap
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
