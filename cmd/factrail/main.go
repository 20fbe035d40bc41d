package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/factrail/factrail/internal/signing"
	"github.com/factrail/factrail/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serviceURL string
	cfgFile    string
	credsPath  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "factrail",
	Short: "Factrail evidence ledger CLI",
	Long: `factrail is the command-line interface for a Factrail ledger service.

It allows producers to submit facts and auditors to inspect, verify, and
replay the append-only evidence streams the service maintains.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.factrail")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serviceURL == "" {
			serviceURL = viper.GetString("service_url")
		}
		if serviceURL == "" {
			serviceURL = "http://localhost:8080"
		}
		if credsPath == "" {
			credsPath = viper.GetString("credentials")
		}
		if credsPath == "" {
			home, _ := os.UserHomeDir()
			credsPath = filepath.Join(home, ".factrail", "credentials.json")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.factrail/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serviceURL, "service", "", "Factrail service URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&credsPath, "credentials", "", "producer credentials file (default ~/.factrail/credentials.json)")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(headCmd)
	rootCmd.AddCommand(entriesCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(versionCmd)
}

// readClient builds an unauthenticated SDK client for the read API.
func readClient() (*client.Client, error) {
	return client.New(serviceURL)
}

// writeClient builds an SDK client carrying producer credentials.
func writeClient() (*client.Client, error) {
	return client.NewFromCredentialsFile(serviceURL, credsPath)
}

// ── submit ───────────────────────────────────────────────────────────────────

var (
	submitFactType    string
	submitContentKey  string
	submitPayload     string
	submitPayloadFile string
)

var submitCmd = &cobra.Command{
	Use:   "submit <stream>",
	Short: "Submit a fact to a stream",
	Long: `submit appends one fact to a stream through the ingest pipeline.

The payload is read from --payload (inline JSON object) or --file. The
content key is a JSON object holding the fields that identify the fact for
deduplication: resubmitting the same fact type and content key returns the
original entry instead of appending a new one.

  factrail submit scans --type host-observed \
      --key '{"host":"10.0.0.4","scan_id":"2026-08-23-nightly"}' \
      --payload '{"host":"10.0.0.4","open_ports":[22,443]}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		switch {
		case submitPayload != "":
			raw = []byte(submitPayload)
		case submitPayloadFile != "":
			b, err := os.ReadFile(submitPayloadFile)
			if err != nil {
				return fmt.Errorf("read payload file: %w", err)
			}
			raw = b
		default:
			return fmt.Errorf("one of --payload or --file is required")
		}

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
		var contentKey map[string]any
		if err := json.Unmarshal([]byte(submitContentKey), &contentKey); err != nil {
			return fmt.Errorf("--key must be a JSON object: %w", err)
		}

		c, err := writeClient()
		if err != nil {
			return err
		}

		rcpt, err := c.SubmitFact(context.Background(), args[0], submitFactType, payload, contentKey)
		if err != nil {
			return fmt.Errorf("submit fact: %w", err)
		}

		switch rcpt.Status {
		case client.StatusAccepted:
			fmt.Printf("✓ Fact accepted\n\n")
			fmt.Printf("  Seq:  %d\n", rcpt.Seq)
			fmt.Printf("  Hash: %s\n", rcpt.EntryHash)
		case client.StatusDuplicate:
			// Duplicate receipts carry only the original sequence number.
			fmt.Printf("= Duplicate of existing entry\n\n")
			fmt.Printf("  Seq:  %d\n", rcpt.Seq)
		default:
			return fmt.Errorf("fact %s: %s", rcpt.Status, rcpt.Reason)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitFactType, "type", "", "Fact type (e.g. host-observed)")
	submitCmd.Flags().StringVar(&submitContentKey, "key", "", "JSON object of content-key fields identifying the fact for deduplication")
	submitCmd.Flags().StringVar(&submitPayload, "payload", "", "Inline JSON payload")
	submitCmd.Flags().StringVar(&submitPayloadFile, "file", "", "Path to a JSON payload file")

	_ = submitCmd.MarkFlagRequired("type")
	_ = submitCmd.MarkFlagRequired("key")
}

// ── head ─────────────────────────────────────────────────────────────────────

var headCmd = &cobra.Command{
	Use:   "head <stream>",
	Short: "Show the current tip of a stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := readClient()
		if err != nil {
			return err
		}
		head, err := c.Head(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("stream head: %w", err)
		}
		fmt.Printf("Stream: %s\n", args[0])
		fmt.Printf("Seq:    %d\n", head.Seq)
		fmt.Printf("Root:   %s\n", head.Root)
		return nil
	},
}

// ── entries ──────────────────────────────────────────────────────────────────

var (
	entriesFrom   uint64
	entriesTo     uint64
	entriesLimit  uint64
	entriesType   string
	entriesFormat string
)

var entriesCmd = &cobra.Command{
	Use:   "entries <stream>",
	Short: "List entries of a stream in sequence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := readClient()
		if err != nil {
			return err
		}
		entries, next, err := c.Entries(context.Background(), args[0], client.ScanOptions{
			From:     entriesFrom,
			To:       entriesTo,
			Limit:    entriesLimit,
			FactType: entriesType,
		})
		if err != nil {
			return fmt.Errorf("list entries: %w", err)
		}

		if entriesFormat == "json" {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTYPE\tHASH\tRECORDED")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%.16s…\t%s\n",
				e.Seq, e.FactType, e.Hash, e.RecordedAt.Format("2006-01-02 15:04:05"))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if next != 0 {
			fmt.Printf("\nMore entries available: --from %d\n", next)
		}
		return nil
	},
}

func init() {
	entriesCmd.Flags().Uint64Var(&entriesFrom, "from", 1, "First sequence number")
	entriesCmd.Flags().Uint64Var(&entriesTo, "to", 0, "Last sequence number (0 = stream tip)")
	entriesCmd.Flags().Uint64Var(&entriesLimit, "limit", 100, "Page size")
	entriesCmd.Flags().StringVar(&entriesType, "type", "", "Filter by fact type")
	entriesCmd.Flags().StringVar(&entriesFormat, "format", "text", "Output format: text or json")
}

// ── get ──────────────────────────────────────────────────────────────────────

var getCmd = &cobra.Command{
	Use:   "get <stream> <seq>",
	Short: "Fetch a single ledger entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var seq uint64
		if _, err := fmt.Sscanf(args[1], "%d", &seq); err != nil || seq == 0 {
			return fmt.Errorf("seq must be a positive integer")
		}

		c, err := readClient()
		if err != nil {
			return err
		}
		entry, err := c.GetEntry(context.Background(), args[0], seq)
		if err != nil {
			return fmt.Errorf("get entry: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entry)
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyFrom uint64
	verifyTo   uint64
)

var verifyCmd = &cobra.Command{
	Use:   "verify <stream>",
	Short: "Verify the hash chain and signatures of a stream",
	Long: `verify asks the service to recompute every entry hash, chain link, and
signature over a range of the stream. A broken chain reports the first
failing sequence number and the reason.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := readClient()
		if err != nil {
			return err
		}
		result, err := c.VerifyChain(context.Background(), args[0], verifyFrom, verifyTo)
		if err != nil {
			return fmt.Errorf("verify chain: %w", err)
		}

		if result.Valid {
			fmt.Printf("✓ Chain valid (%d entries checked)\n", result.Checked)
			return nil
		}
		fmt.Printf("✗ Chain BROKEN at seq %d\n\n", result.BrokenSeq)
		fmt.Printf("  Reason: %s\n", result.Reason)
		if result.Detail != "" {
			fmt.Printf("  Detail: %s\n", result.Detail)
		}
		os.Exit(1)
		return nil
	},
}

func init() {
	verifyCmd.Flags().Uint64Var(&verifyFrom, "from", 1, "First sequence number")
	verifyCmd.Flags().Uint64Var(&verifyTo, "to", 0, "Last sequence number (0 = stream tip)")
}

// ── replay ───────────────────────────────────────────────────────────────────

var (
	replayProjector   string
	replayEntityField string
	replayFrom        uint64
	replayTo          uint64
)

var replayCmd = &cobra.Command{
	Use:   "replay <stream>",
	Short: "Fold a stream through a projector and print the derived state",
	Long: `replay re-derives state from the authoritative ledger by folding a range
of entries through a built-in projector:

  type_count     — count of entries per fact type
  current_state  — latest payload per entity (see --entity-field)

The same range always produces byte-identical state.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := readClient()
		if err != nil {
			return err
		}
		result, err := c.Replay(context.Background(), args[0], client.ReplayRequest{
			Projector:   replayProjector,
			EntityField: replayEntityField,
			From:        replayFrom,
			To:          replayTo,
		})
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}

		var pretty any
		if err := json.Unmarshal(result.State, &pretty); err != nil {
			return fmt.Errorf("decode state: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pretty)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayProjector, "projector", "type_count", "Projector: type_count or current_state")
	replayCmd.Flags().StringVar(&replayEntityField, "entity-field", "", "Payload field identifying the entity (current_state only)")
	replayCmd.Flags().Uint64Var(&replayFrom, "from", 1, "First sequence number")
	replayCmd.Flags().Uint64Var(&replayTo, "to", 0, "Last sequence number (0 = stream tip)")
}

// ── login ────────────────────────────────────────────────────────────────────

var (
	loginProducerID string
	loginAPIKey     string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store producer credentials for submit commands",
	Long: `login verifies producer credentials against the service's token endpoint
and stores them in the credentials file for later submit commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(serviceURL, client.WithCredentials(loginProducerID, loginAPIKey))
		if err != nil {
			return err
		}
		if _, err := c.FetchToken(context.Background()); err != nil {
			return fmt.Errorf("credentials rejected by %s: %w", serviceURL, err)
		}

		if err := os.MkdirAll(filepath.Dir(credsPath), 0o700); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
		b, err := json.MarshalIndent(client.Credentials{
			ProducerID: loginProducerID,
			APIKey:     loginAPIKey,
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(credsPath, append(b, '\n'), 0o600); err != nil {
			return fmt.Errorf("write credentials: %w", err)
		}

		fmt.Printf("✓ Credentials verified and saved to %s\n", credsPath)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginProducerID, "producer", "", "Producer ID")
	loginCmd.Flags().StringVar(&loginAPIKey, "api-key", "", "Producer API key")

	_ = loginCmd.MarkFlagRequired("producer")
	_ = loginCmd.MarkFlagRequired("api-key")
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenDir string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a ledger signing key pair",
	Long: `keygen creates the ed25519 key pair the ledger service signs entries with.
Run it once before first start, or point the service at the directory and it
will generate the pair itself.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		km := signing.NewKeyManager(keygenDir)
		if err := km.LoadOrCreate(); err != nil {
			return fmt.Errorf("generate signing key: %w", err)
		}
		fmt.Printf("✓ Signing key ready\n\n")
		fmt.Printf("  Dir:    %s\n", keygenDir)
		fmt.Printf("  Key ID: %s\n", signing.KeyID(km.PublicKey()))
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenDir, "dir", "keys", "Directory for the key pair")
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the factrail CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("factrail %s\n", version)
	},
}
