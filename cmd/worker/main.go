package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"codegram-judge/core"
)

func main() {
	_ = godotenv.Load()
	cfg := core.Load()

	consumeCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logCloser, err := core.SetupLogging(cfg)
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer logCloser.Close()

	registry, err := core.NewLanguageRegistryFromFile(cfg.LanguagesFile)
	if err != nil {
		log.Fatalf("failed to load language registry: %v", err)
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	db, err := core.Connect(consumeCtx, cfg.DatabaseURL, concurrency)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer db.Close()

	redisClient, err := core.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	defer redisClient.Close()

	broker := core.NewRabbitMQClient(cfg.RabbitMQURL)
	if err := broker.Connect(consumeCtx); err != nil {
		log.Fatalf("failed to connect rabbitmq: %v", err)
	}
	defer broker.Close()

	workerID := core.NewWorkerID()
	hostname, _ := os.Hostname()
	state := core.NewHeartbeatState(workerID, hostname, concurrency)
	go state.Start(consumeCtx, redisClient)

	repo := core.NewPgProblemRepository(db)
	sandbox := core.NewNsjailRunner(cfg.NsjailPath)
	grader := core.NewGrader(registry, repo, sandbox, cfg)
	processor := core.NewWorkerProcessor(grader, broker, cfg.ResultQueue, state)

	if cfg.StatusPort != "" {
		router := core.NewStatusRouter(state, redisClient)
		go core.RunStatusServer(consumeCtx, cfg.StatusPort, router)
	}

	log.Printf("worker started. id=%s concurrency=%d consume=%s publish=%s langs=%v",
		workerID, concurrency, cfg.JobQueue, cfg.ResultQueue, registry.Tags())

	// Jobs get their own context so in-flight grading survives the consume
	// context during the drain window. jobCancel kills remaining sandboxes.
	jobCtx, jobCancel := context.WithCancel(context.Background())
	defer jobCancel()

	handler := func(_ context.Context, body []byte) error {
		return processor.Handle(jobCtx, body)
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := broker.Consume(consumeCtx, cfg.JobQueue, handler)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[worker %d] consumer stopped: %v", n, err)
			}
		}(i + 1)
	}

	<-consumeCtx.Done()
	log.Printf("shutdown signal received, draining in-flight jobs (grace=%s)", cfg.ShutdownGrace())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("all jobs drained")
	case <-time.After(cfg.ShutdownGrace()):
		log.Printf("drain window expired, killing remaining jobs")
		jobCancel()
		wg.Wait()
	}

	log.Printf("worker stopped")
}
