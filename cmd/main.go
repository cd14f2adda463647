package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvdashuaibi/ticketsync/config"
	"github.com/lvdashuaibi/ticketsync/internal/api/graph"
	"github.com/lvdashuaibi/ticketsync/internal/ingest"
	intkafka "github.com/lvdashuaibi/ticketsync/internal/kafka"
	"github.com/lvdashuaibi/ticketsync/internal/ledger"
	"github.com/lvdashuaibi/ticketsync/internal/lock"
	"github.com/lvdashuaibi/ticketsync/internal/logging"
	"github.com/lvdashuaibi/ticketsync/internal/metrics"
	"github.com/lvdashuaibi/ticketsync/internal/reconcile"
	"github.com/lvdashuaibi/ticketsync/internal/repository"
	"github.com/lvdashuaibi/ticketsync/internal/service"
)

const (
	modeServe     = "serve"
	modeBackfill  = "backfill"
	modeReconcile = "reconcile"
)

var (
	configPath = flag.String("config", "config/config.yaml", "配置文件路径")
	instanceID = flag.Int("instance", 1, "实例ID，用于区分多个实例")
	mode       = flag.String("mode", modeServe, "运行模式: serve | backfill | reconcile")
	fromBlock  = flag.Uint64("from", 0, "回填起始区块，默认 ledger.start_block")
	toBlock    = flag.Uint64("to", 0, "回填结束区块，默认当前链头")
	jobName    = flag.String("job", reconcile.JobSupply, "对账任务: supply | aggregates | projection")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.Int("instance", *instanceID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("初始化失败", zap.Error(err))
	}
	defer a.close()

	switch *mode {
	case modeServe:
		err = a.serve(ctx)
	case modeBackfill:
		err = a.backfill(ctx, *fromBlock, *toBlock)
	case modeReconcile:
		err = a.reconcileOnce(ctx, *jobName)
	default:
		err = fmt.Errorf("未知的运行模式: %s", *mode)
	}
	if err != nil {
		logger.Error("运行失败", zap.String("mode", *mode), zap.Error(err))
		a.close()
		os.Exit(1)
	}
	logger.Info("已退出", zap.String("mode", *mode))
}

// app 持有各组件，close 按创建的逆序释放
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	store    *repository.MySQLRepository
	cache    *repository.SupplyCache
	reader   *ledger.EthReader
	producer *intkafka.ReplayProducer
	consumer *intkafka.ReplayConsumer
	engine   *ingest.Engine
	jobs     *reconcile.Jobs
	lock     lock.Lock
	sched    *reconcile.Scheduler
	closers  []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.metrics, err = metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, err
	}

	a.store, err = repository.NewMySQLRepository(cfg.MySQL, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化MySQL仓库失败: %w", err)
	}
	a.onClose(func() { a.store.Close() })
	if cfg.MySQL.AutoMigrate {
		if err = a.store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("建表失败: %w", err)
		}
	}
	logger.Info("MySQL仓库初始化成功")

	a.cache, err = repository.NewSupplyCache(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化供应量缓存失败: %w", err)
	}
	a.onClose(func() { a.cache.Close() })
	logger.Info("Redis供应量缓存初始化成功")

	a.reader, err = ledger.NewEthReader(ctx, cfg.Ledger, logger)
	if err != nil {
		return nil, fmt.Errorf("连接账本失败: %w", err)
	}
	a.onClose(a.reader.Close)
	logger.Info("账本连接成功", zap.String("contract", cfg.Ledger.ContractAddress))

	opts := []ingest.Option{
		ingest.WithLogger(logger),
		ingest.WithMetrics(a.metrics),
		ingest.WithSupplyCache(a.cache),
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithBackfillChunk(cfg.Ledger.BackfillChunk),
	}
	if cfg.Kafka.Enabled {
		a.producer, err = intkafka.NewReplayProducer(ctx, cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("初始化重放生产者失败: %w", err)
		}
		a.onClose(func() { a.producer.Close() })
		opts = append(opts, ingest.WithReplayer(a.producer, cfg.Kafka.MaxAttempts))
		logger.Info("Kafka重放生产者初始化成功", zap.String("topic", cfg.Kafka.ReplayTopic))
	}
	a.engine = ingest.NewEngine(a.store, a.reader, opts...)

	a.jobs = reconcile.NewJobs(a.store, a.reader,
		reconcile.WithLogger(logger),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithSupplyCache(a.cache),
		reconcile.WithStartBlock(cfg.Ledger.StartBlock),
		reconcile.WithLogChunk(cfg.Ledger.BackfillChunk),
		reconcile.WithLedgerTimeout(cfg.Ledger.RequestTimeout),
	)

	a.lock, err = lock.New(ctx, cfg, fmt.Sprintf("instance-%d", *instanceID), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化分布式锁失败: %w", err)
	}
	a.onClose(func() {
		a.lock.ReleaseAllLocks(context.Background())
		a.lock.Close()
	})
	a.sched = reconcile.NewScheduler(a.jobs, a.lock, cfg.Reconcile.LockTTL, logger)
	return a, nil
}

func (a *app) onClose(f func()) {
	a.closers = append(a.closers, f)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// serve 运行实时同步、重放消费、定时对账与查询接口，直到收到退出信号
func (a *app) serve(ctx context.Context) error {
	if a.cfg.Reconcile.Enabled {
		if err := a.sched.Add(a.cfg.Reconcile.SupplySchedule, reconcile.JobSupply); err != nil {
			return err
		}
		if err := a.sched.Add(a.cfg.Reconcile.ProjectionSchedule, reconcile.JobProjection); err != nil {
			return err
		}
		a.sched.Start(ctx)
		defer a.sched.Stop()
	}

	if a.cfg.Kafka.Enabled {
		consumer, err := intkafka.NewReplayConsumer(ctx, a.cfg.Kafka, a.logger)
		if err != nil {
			return fmt.Errorf("初始化重放消费者失败: %w", err)
		}
		consumer.Start(ctx, a.engine.HandleReplay)
		defer consumer.Stop()
	}

	svc := service.NewQueryService(a.store, a.reader, a.cache, a.jobs, a.metrics, a.logger, a.cfg.Ledger.RequestTimeout)
	server, err := graph.NewServer(a.cfg, svc, prometheus.DefaultGatherer, a.store.Ping, a.logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	if a.cfg.Ingest.BackfillOnStart {
		g.Go(func() error {
			err := a.backfill(gctx, 0, 0)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("正在关闭服务...")
		return server.Shutdown(context.Background())
	})
	return g.Wait()
}

// backfill 回放 [from, to] 区间，from 为0时从 ledger.start_block 开始，to 为0时到当前链头
func (a *app) backfill(ctx context.Context, from, to uint64) error {
	if from == 0 {
		from = a.cfg.Ledger.StartBlock
	}
	if to == 0 {
		head, err := a.reader.LatestBlock(ctx)
		if err != nil {
			return fmt.Errorf("读取链头失败: %w", err)
		}
		to = head
	}
	report, err := a.engine.Backfill(ctx, from, to)
	if report != nil {
		a.logger.Info("回填结束",
			zap.Uint64("from", report.From),
			zap.Uint64("to", report.To),
			zap.Uint64("lastBlock", report.LastBlock),
			zap.Int("events", report.Events),
			zap.Int("applied", report.Applied),
			zap.Int("duplicates", report.Duplicates),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed))
	}
	return err
}

func (a *app) reconcileOnce(ctx context.Context, job string) error {
	reports, err := a.sched.RunOnce(ctx, job)
	for _, r := range reports {
		a.logger.Info("对账结束",
			zap.String("job", r.Job),
			zap.Int("checked", r.Checked),
			zap.Int("updated", r.Updated),
			zap.Int("failed", r.Failed),
			zap.Duration("duration", r.Duration))
	}
	return err
}
