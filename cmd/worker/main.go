package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ToughenFlat/chatgpt-back/internal/app"
	"github.com/ToughenFlat/chatgpt-back/internal/chat"
	"github.com/ToughenFlat/chatgpt-back/internal/config"
	"github.com/ToughenFlat/chatgpt-back/internal/store/rabbitmq"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func workerMaxAttempts() int {
	n, err := strconv.Atoi(os.Getenv("WORKER_MAX_ATTEMPTS"))
	if err != nil || n <= 0 {
		return 3
	}
	return n
}

// handleJob adapts RunJob to the consumer: failures recorded on the job
// are final, anything else goes back through the retry queue.
func handleJob(svc *chat.Service) rabbitmq.HandlerFunc {
	return func(ctx context.Context, jobID string) error {
		err := svc.RunJob(ctx, jobID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, chat.ErrJobFailed), errors.Is(err, chat.ErrJobNotFound):
			return fmt.Errorf("%w: %w", rabbitmq.ErrPermanent, err)
		default:
			return err
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer a.Close()

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, rabbitmq.ConsumerConfig{
		Concurrency: workerConcurrency(),
		MaxAttempts: workerMaxAttempts(),
		RetryDelay:  5 * time.Second,
	})
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer consumer.Close()

	if err := consumer.Run(ctx, handleJob(a.Service)); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
