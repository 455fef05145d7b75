// Command nightly runs the singleton periodic nightly scheduler (spec
// §4.5).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/Near-One/nayduck/admission"
	"github.com/Near-One/nayduck/commitresolver"
	"github.com/Near-One/nayduck/config"
	"github.com/Near-One/nayduck/nightly"
	"github.com/Near-One/nayduck/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "c", "", "filepath to config")
	flag.Parse()

	if configPath == "" {
		log.Fatal("Usage: nightly -c <config>")
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

	resolver := commitresolver.New(cfg.RepoDir, cfg.UpstreamRepoURL)
	admitter := &admission.Admitter{Store: pg, Resolver: resolver}

	s := &nightly.Scheduler{
		Store:     pg,
		Resolver:  resolver,
		Admitter:  admitter,
		Branch:    "master",
		Requester: "NayDuck",
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	s.Run(ctx)
}
