// Command worker runs the test dispatcher daemon (spec §4.4).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/Near-One/nayduck/blobstore"
	"github.com/Near-One/nayduck/config"
	"github.com/Near-One/nayduck/store"
	"github.com/Near-One/nayduck/worker"
)

func main() {
	var configPath, hostname string
	var mocknet bool
	flag.StringVar(&configPath, "c", "", "filepath to config")
	flag.StringVar(&hostname, "hostname", "", "this worker's hostname, as recorded in claims")
	flag.BoolVar(&mocknet, "mocknet", false, "whether this worker prefers mocknet-category tests when claiming")
	flag.Parse()

	if configPath == "" || hostname == "" {
		log.Fatal("Usage: worker -c <config> -hostname <host> [-mocknet]")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pg, err := store.Open(context.Background(), cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer pg.Close()

	workDir := cfg.BuilderWorkDir
	if workDir == "" {
		workDir = "/datadrive/nayduck/worker"
	}

	d := worker.NewDaemon(pg, blobstore.NewMemory(), scpFetch, hostname, workDir, mocknet)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("worker exited: %v", err)
	}
}
