// Command worker runs the notes stream worker: it consumes notes_stream
// entries under a consumer group, converts at-least-once delivery into
// effectively-once business effects, and redelivers failed records with
// exponential backoff before dead-lettering them.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notesworker/internal/app"
	"notesworker/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	worker, err := app.NewWorker(cfg)
	if err != nil {
		log.Fatalf("failed to initialize worker: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- worker.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Println("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := worker.Shutdown(ctx); err != nil {
			log.Printf("worker forced to shutdown: %v", err)
		}
		<-done

	case err := <-done:
		if err != nil {
			log.Printf("worker exited unexpectedly: %v", err)
		}
	}

	log.Println("worker stopped")
}
