package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"geovisio/internal/blur"
	"geovisio/internal/events"
	"geovisio/internal/imagefs"
	"geovisio/internal/models"
	"geovisio/internal/server"
	"geovisio/internal/storage"
	"geovisio/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	db, err := storage.NewStorage(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer db.Close()

	fses, err := imagefs.NewFilesystems(cfg.PermanentPath, cfg.TemporaryPath, cfg.DerivatesPath)
	if err != nil {
		log.Fatalf("failed to init filesystems: %v", err)
	}

	var blurClient *blur.Client
	if cfg.BlurURL != "" {
		blurClient = blur.NewClient(cfg.BlurURL)
	}

	var notifier *events.Notifier
	if cfg.KafkaBroker != "" {
		notifier = events.NewNotifier(cfg.KafkaBroker, cfg.KafkaTopic)
		defer notifier.Close()
	}

	// Embedded workers. With workers = 0 the API still accepts uploads,
	// processing is left to a standalone worker process.
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	workers := make([]*worker.Worker, 0, cfg.Workers)
	if cfg.Workers == 0 {
		log.Println("no embedded worker configured, pictures will only be processed by a standalone worker")
	}
	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(worker.NewStore(db), fses, blurClient, notifier, cfg.DerivatesStrategy)
		workers = append(workers, w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	srv := server.NewServer(cfg, db, fses)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("stopping, waiting for running jobs to finish...")
	for _, w := range workers {
		w.Stop()
	}
	cancel()
	wg.Wait()
}
