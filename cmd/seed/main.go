// cmd/seed — submits realistic demo facts to a running ledgerd for development.
//
// Running twice is safe: the ledger deduplicates on content key, so every
// fact after the first run comes back as a duplicate receipt pointing at the
// original entry.
//
// Usage:
//
//	go run ./cmd/seed
//	SERVICE_URL=http://localhost:8080 PRODUCER_ID=scanner-7 API_KEY=... go run ./cmd/seed
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/factrail/factrail/pkg/client"
)

const (
	defaultService  = "http://localhost:8080"
	defaultProducer = "seed-dev"
	defaultAPIKey   = "factrail_dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

type seedFact struct {
	Stream     string
	FactType   string
	ContentKey map[string]any
	Payload    map[string]any
}

var facts = []seedFact{
	{
		Stream:     "scans",
		FactType:   "host-observed",
		ContentKey: map[string]any{"host": "10.0.0.4", "scan": "2026-08-20"},
		Payload:    map[string]any{"host": "10.0.0.4", "os": "linux", "ttl": 64},
	},
	{
		Stream:     "scans",
		FactType:   "host-observed",
		ContentKey: map[string]any{"host": "10.0.0.9", "scan": "2026-08-20"},
		Payload:    map[string]any{"host": "10.0.0.9", "os": "freebsd", "ttl": 64},
	},
	{
		Stream:     "scans",
		FactType:   "port-open",
		ContentKey: map[string]any{"host": "10.0.0.4", "port": 22},
		Payload:    map[string]any{"host": "10.0.0.4", "port": 22, "service": "ssh", "banner": "OpenSSH_9.6"},
	},
	{
		Stream:     "scans",
		FactType:   "port-open",
		ContentKey: map[string]any{"host": "10.0.0.4", "port": 443},
		Payload:    map[string]any{"host": "10.0.0.4", "port": 443, "service": "https"},
	},
	{
		Stream:     "incidents",
		FactType:   "alert-raised",
		ContentKey: map[string]any{"alert": "INC-2041"},
		Payload:    map[string]any{"alert": "INC-2041", "severity": "high", "source": "10.0.0.9"},
	},
	{
		Stream:     "incidents",
		FactType:   "alert-resolved",
		ContentKey: map[string]any{"alert": "INC-2041", "state": "resolved"},
		Payload:    map[string]any{"alert": "INC-2041", "resolved_by": "oncall"},
	},
}

func run() error {
	base := envOr("SERVICE_URL", defaultService)
	producer := envOr("PRODUCER_ID", defaultProducer)
	apiKey := envOr("API_KEY", defaultAPIKey)

	c, err := client.New(base, client.WithCredentials(producer, apiKey))
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx := context.Background()
	if _, err := c.FetchToken(ctx); err != nil {
		return fmt.Errorf("authenticate as %s: %w", producer, err)
	}
	fmt.Printf("authenticated as %s against %s\n", producer, base)

	accepted, duplicates := 0, 0
	for _, f := range facts {
		receipt, err := c.SubmitFact(ctx, f.Stream, f.FactType, f.Payload, f.ContentKey)
		if err != nil {
			return fmt.Errorf("submit %s to %s: %w", f.FactType, f.Stream, err)
		}
		switch receipt.Status {
		case client.StatusAccepted:
			accepted++
			fmt.Printf("  accept    %-12s %-16s seq=%d\n", f.Stream, f.FactType, receipt.Seq)
		case client.StatusDuplicate:
			duplicates++
			fmt.Printf("  duplicate %-12s %-16s seq=%d\n", f.Stream, f.FactType, receipt.Seq)
		default:
			return fmt.Errorf("submit %s to %s: %s (%s)", f.FactType, f.Stream, receipt.Status, receipt.Reason)
		}
	}

	for _, stream := range []string{"scans", "incidents"} {
		head, err := c.Head(ctx, stream)
		if err != nil {
			return fmt.Errorf("head %s: %w", stream, err)
		}
		fmt.Printf("  head      %-12s seq=%d root=%s\n", stream, head.Seq, head.Root[:12])
	}

	fmt.Printf("\nseed complete: %d accepted, %d duplicate\n", accepted, duplicates)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
