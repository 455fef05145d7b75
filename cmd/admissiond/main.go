// Command admissiond implements the CLI run/new protocol of spec §6: it
// reads a run-request JSON object from stdin, submits it through Admission,
// and writes a {code, response} JSON result to stdout. The HTTP/JSON façade
// that would normally front this is an external collaborator (spec §1) and
// is not implemented here; this binary is the admission entrypoint that
// façade would shell out to or proxy.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/Near-One/nayduck/admission"
	"github.com/Near-One/nayduck/commitresolver"
	"github.com/Near-One/nayduck/config"
	"github.com/Near-One/nayduck/store"
)

// runRequest mirrors spec §6's run-request JSON binding.
type runRequest struct {
	Branch string   `json:"branch"`
	SHA    string   `json:"sha"`
	Tests  []string `json:"tests"`
}

// result mirrors spec §6's {code, response} CLI protocol.
type result struct {
	Code     int    `json:"code"`
	Response string `json:"response"`
}

func main() {
	var configPath, requester string
	flag.StringVar(&configPath, "c", "", "filepath to config")
	flag.StringVar(&requester, "requester", "", "identity string from the authentication collaborator")
	flag.Parse()

	if configPath == "" || requester == "" {
		log.Fatal("Usage: admissiond -c <config> -requester <identity> < request.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var req runRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		emit(result{Code: 1, Response: fmt.Sprintf("invalid request JSON: %v", err)})
		return
	}

	pg, err := store.Open(context.Background(), cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer pg.Close()

	admitter := &admission.Admitter{
		Store:    pg,
		Resolver: commitresolver.New(cfg.RepoDir, cfg.UpstreamRepoURL),
	}

	runID, err := admitter.Submit(context.Background(), admission.Request{
		Branch:    req.Branch,
		SHA:       req.SHA,
		Requester: requester,
		Tests:     req.Tests,
	})
	if err != nil {
		emit(result{Code: 1, Response: err.Error()})
		return
	}

	url := cfg.UIBaseURL
	if url == "" {
		url = "/"
	}
	emit(result{Code: 0, Response: fmt.Sprintf("%s#/run/%d", url, runID)})
}

func emit(r result) {
	json.NewEncoder(os.Stdout).Encode(r)
}
