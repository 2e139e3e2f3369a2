// webproxy - reverse proxy and static file server
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	_ "net/http/pprof"
	"os"

	"github.com/carlosrabelo/webproxy/internal/config"
	"github.com/carlosrabelo/webproxy/internal/worker"
)

func main() {
	cfgFile := flag.String("config", "webproxy.conf", "Path to configuration file")
	credFile := flag.String("credentials", "", "Path to OAuth-HMAC credential file (optional)")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Println("webproxy v0.1.0")
		os.Exit(0)
	}

	rec, creds, err := loadConfig(*cfgFile, *credFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	w, err := worker.New(rec, creds)
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Run(ctx); err != nil {
		log.Fatalf("Worker exited with error: %v", err)
	}
}

func loadConfig(path, credPath string) (*config.Record, map[string]config.Credential, error) {
	rec, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config file: %w", err)
	}

	creds := map[string]config.Credential{}
	if credPath != "" {
		creds, err = config.LoadCredentials(credPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading credential file: %w", err)
		}
	}

	return rec, creds, nil
}
