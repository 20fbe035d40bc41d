// Package client is the Factrail Go SDK.
//
// It provides everything a producer or auditor needs to work with a Factrail
// ledger service: exchanging producer credentials for submit tokens,
// appending facts with at-most-once semantics, and reading, verifying, and
// replaying streams — all in one coherent API.
//
// # Submitting facts (most common case)
//
// After registering a producer, write its credentials to a file and load
// them in one call:
//
//	c, err := client.NewFromCredentialsFile(
//	    "http://ledger.internal:8080",
//	    os.ExpandEnv("$HOME/.factrail/credentials.json"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	rcpt, err := c.SubmitFact(ctx, "scans", "host-observed",
//	    map[string]any{"host": "10.0.0.4", "open_ports": []int{22, 443}, "scanned_at": t},
//	    map[string]any{"host": "10.0.0.4", "scan_id": "2026-08-23-nightly"},
//	)
//
// The content key identifies the fact for deduplication: resubmitting the
// same fact type and content key returns a "duplicate" receipt pointing at
// the original entry instead of appending a second one. Every service
// verdict — accepted, duplicate, rejected, unavailable — comes back as a
// Receipt; check rcpt.Status rather than relying on the error.
//
// Submit tokens are fetched automatically and refreshed 60 seconds before
// expiry. For manual control:
//
//	token, err := c.FetchToken(ctx)
//
// # Reading streams (no credentials required)
//
// The read API is public — a bare client suffices:
//
//	c, _ := client.New("http://ledger.internal:8080")
//	head, err := c.Head(ctx, "scans")
//	fmt.Println(head.Seq, head.Root)
//
// Entries returns one page at a time; ScanAll walks a whole stream in order:
//
//	err = c.ScanAll(ctx, "scans", 1, func(e client.Entry) error {
//	    fmt.Println(e.Seq, e.FactType, e.Hash)
//	    return nil
//	})
//
// # Verifying and replaying
//
// VerifyChain asks the service to recompute every hash, link, and signature
// over a range; Replay folds a range through a built-in projector:
//
//	result, _ := c.VerifyChain(ctx, "scans", 1, 0) // 0 = tip
//	if !result.Valid {
//	    log.Fatalf("chain broken at seq %d: %s", result.BrokenSeq, result.Reason)
//	}
//
//	counts, _ := c.Replay(ctx, "scans", client.ReplayRequest{Projector: "type_count"})
//	fmt.Println(string(counts.State))
package client
