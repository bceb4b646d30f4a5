package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"geovisio/internal/blur"
	"geovisio/internal/events"
	"geovisio/internal/imagefs"
	"geovisio/internal/models"
	"geovisio/internal/storage"
	"geovisio/internal/worker"
)

// Standalone picture worker. Several instances can run against the same
// database, the queue claim protocol keeps them from stepping on each
// other.
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

	w := worker.New(worker.NewStore(db), fses, blurClient, notifier, cfg.DerivatesStrategy)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("stopping worker, waiting for last picture processing to finish...")
		w.Stop()
	}()

	w.Run(context.Background())
}
