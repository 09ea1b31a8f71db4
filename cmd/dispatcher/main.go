package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"judgedispatch/internal/common/cache"
	"judgedispatch/internal/common/db"
	"judgedispatch/internal/common/mq"
	"judgedispatch/internal/common/storage"
	"judgedispatch/internal/dispatcher/controller"
	"judgedispatch/internal/dispatcher/judgeclient"
	"judgedispatch/internal/dispatcher/metrics"
	"judgedispatch/internal/dispatcher/repository"
	"judgedispatch/internal/dispatcher/semaphore"
	"judgedispatch/internal/dispatcher/service"
	"judgedispatch/pkg/utils/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConfigPath = "configs/dispatcher.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "dispatcher exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio: %w", err)
	}

	var mqClient *mq.KafkaQueue
	if appCfg.Kafka.Enabled() {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.KafkaConfig)
		if err != nil {
			return fmt.Errorf("init kafka: %w", err)
		}
		defer func() {
			_ = mqClient.Close()
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	submissionRepo := repository.NewSubmissionRepository(mysqlDB)
	problemRepo := repository.NewProblemRepository(mysqlDB, redisCache, appCfg.Cache.ProblemTTL)
	contestRepo := repository.NewContestRepository(mysqlDB, redisCache, appCfg.Cache.ContestTTL)
	nodeRepo := repository.NewNodeRepository(mysqlDB)
	syncRepo := repository.NewSyncStatusRepository(mysqlDB)
	standings := repository.NewStandingsCache(redisCache, appCfg.Standings.KeyPrefix)

	judgeClient, err := judgeclient.New(appCfg.Judge)
	if err != nil {
		return fmt.Errorf("init judge client: %w", err)
	}
	sem, err := semaphore.New(redisCache, appCfg.Semaphore)
	if err != nil {
		return fmt.Errorf("init admission semaphore: %w", err)
	}

	hub := service.NewWatchHub(0)
	applierDeps := service.ApplierDeps{
		DB:          mysqlDB,
		Submissions: submissionRepo,
		Problems:    problemRepo,
		Contests:    contestRepo,
		Standings:   standings,
		Hub:         hub,
		Metrics:     collector,
	}
	if mqClient != nil {
		applierDeps.Publisher = repository.NewMQStatusEventPublisher(mqClient, appCfg.Kafka.StatusTopic)
	}
	applier, err := service.NewApplier(applierDeps)
	if err != nil {
		return fmt.Errorf("init applier: %w", err)
	}

	syncer, err := service.NewDataSyncer(service.DataSyncerDeps{
		SyncStatus: syncRepo,
		Nodes:      nodeRepo,
		Problems:   problemRepo,
		Storage:    objStorage,
		Lock:       redisCache,
		Uploader:   judgeClient,
		Metrics:    collector,
	}, appCfg.Sync)
	if err != nil {
		return fmt.Errorf("init data syncer: %w", err)
	}

	dispatcher, err := service.NewDispatcher(service.DispatcherDeps{
		Submissions: submissionRepo,
		Problems:    problemRepo,
		Contests:    contestRepo,
		Nodes:       nodeRepo,
		Selector:    service.NewNodeSelector(nodeRepo, sem, appCfg.Dispatch.AdmissionWait, collector),
		Syncer:      syncer,
		Client:      judgeClient,
		Applier:     applier,
		Semaphore:   sem,
		Metrics:     collector,
	}, appCfg.Dispatch)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	submissionService, err := service.NewSubmissionService(submissionRepo, problemRepo, contestRepo, redisCache, dispatcher, appCfg.Ingest)
	if err != nil {
		return fmt.Errorf("init submission service: %w", err)
	}
	rejudgeService, err := service.NewRejudgeService(submissionRepo, problemRepo, applier, dispatcher, appCfg.Rejudge.Concurrency)
	if err != nil {
		return fmt.Errorf("init rejudge service: %w", err)
	}
	sweeper, err := service.NewSweeper(submissionRepo, dispatcher, appCfg.Sweep)
	if err != nil {
		return fmt.Errorf("init sweeper: %w", err)
	}
	nodeService, err := service.NewNodeService(nodeRepo, judgeClient, collector, appCfg.Health.Interval)
	if err != nil {
		return fmt.Errorf("init node service: %w", err)
	}

	nodeService.OnCapacityChange(dispatcher)

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}
	defer dispatcher.Stop()

	if mqClient != nil {
		opts := appCfg.Kafka.TaskConsumer.toSubscribeOptions()
		opts.SetDefaults()
		consumer, err := service.NewTaskConsumer(mqClient, dispatcher, appCfg.Kafka.TaskTopic, opts)
		if err != nil {
			return fmt.Errorf("init task consumer: %w", err)
		}
		if err := consumer.Subscribe(ctx); err != nil {
			return fmt.Errorf("subscribe task topic: %w", err)
		}
		if err := mqClient.Start(); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
		defer func() {
			_ = mqClient.Stop()
		}()
	}

	router := controller.NewRouter(controller.Handlers{
		Submissions: controller.NewSubmissionController(submissionService, rejudgeService),
		Watch:       controller.NewWatchController(submissionService, hub),
		Nodes:       controller.NewNodeController(nodeService),
		Dispatch:    controller.NewDispatchController(dispatcher, sweeper),
		Gatherer:    registry,
	})
	httpServer := &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(gctx, "dispatcher http server started", zap.String("addr", appCfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info(context.Background(), "shutting down dispatcher")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		return nodeService.RunHealthChecks(gctx)
	})
	return g.Wait()
}
