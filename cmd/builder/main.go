// Command builder runs the build dispatcher daemon (spec §4.3).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/Near-One/nayduck/builder"
	"github.com/Near-One/nayduck/commitresolver"
	"github.com/Near-One/nayduck/config"
	"github.com/Near-One/nayduck/store"
)

func main() {
	var configPath string
	var builderIP string
	flag.StringVar(&configPath, "c", "", "filepath to config")
	flag.StringVar(&builderIP, "ip", "", "this builder's IPv4 address, as seen by workers")
	flag.Parse()

	if configPath == "" {
		log.Fatal("Usage: builder -c <config> -ip <ipv4>")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ip, err := parseIPv4(builderIP)
	if err != nil {
		log.Fatalf("parse -ip: %v", err)
	}

	pg, err := store.Open(context.Background(), cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer pg.Close()

	resolver := commitresolver.New(cfg.RepoDir, cfg.UpstreamRepoURL)

	workDir := cfg.BuilderWorkDir
	if workDir == "" {
		workDir = "/datadrive/nayduck"
	}
	lowWater := cfg.DiskLowWaterMarkBytes
	if lowWater == 0 {
		lowWater = config.DefaultDiskLowWaterMarkBytes
	}

	d := builder.NewDaemon(pg, resolver, ip, workDir, lowWater, diskFreeBytes)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := d.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("builder exited: %v", err)
	}
}

func parseIPv4(s string) (uint32, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid ipv4 address %q", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("not an ipv4 address: %q", s)
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3]), nil
}
