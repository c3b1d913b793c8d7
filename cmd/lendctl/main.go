package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"debtledger/cmd/internal/passphrase"
	"debtledger/config"
	"debtledger/crypto"
	"debtledger/native/lending"
	"debtledger/services/lendingd/eventstore"
	"debtledger/integrations/exports"
	"debtledger/services/lendingd/server"
	"debtledger/storage"
)

const (
	keygenCommand  = "keygen"
	addressCommand = "address"
	tokenCommand   = "token"
	exportCommand  = "export"
	initCommand    = "init-config"

	defaultPassEnv   = "LENDCTL_PASSPHRASE"
	defaultSecretEnv = "LENDINGD_JWT_SECRET"
	exportPageSize   = 1000
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case keygenCommand:
		err = runKeygen(os.Args[2:], os.Stdout)
	case addressCommand:
		err = runAddress(os.Args[2:], os.Stdout)
	case tokenCommand:
		err = runToken(os.Args[2:], os.Stdout)
	case exportCommand:
		err = runExport(os.Args[2:], os.Stdout)
	case initCommand:
		err = runInitConfig(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(keygenCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", "lendctl.keystore", "Output path for the encrypted keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use --force to overwrite)", *keystorePath)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	pass, err := passphrase.NewSource(*passEnv, "").Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	if err := crypto.SaveToKeystore(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(out, "Wrote %s\nAddress: %s\n", *keystorePath, key.PubKey().Address())
	return nil
}

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	keystorePath := fs.String("keystore", "lendctl.keystore", "Path to the encrypted keystore")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	module := fs.String("module", "", "Print the custody address of a module name instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if name := strings.TrimSpace(*module); name != "" {
		fmt.Fprintln(out, crypto.ModuleAddress(name))
		return nil
	}
	addr, err := keystoreAddress(*keystorePath, *passEnv)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, addr)
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(tokenCommand, flag.ContinueOnError)
	subject := fs.String("subject", "", "Bech32 address to embed as the token subject")
	keystorePath := fs.String("keystore", "", "Derive the subject from this keystore instead")
	passEnv := fs.String("pass-env", defaultPassEnv, "Environment variable containing the keystore passphrase")
	secretEnv := fs.String("secret-env", defaultSecretEnv, "Environment variable containing the HMAC secret")
	issuer := fs.String("issuer", "lendctl", "Token issuer claim")
	audience := fs.String("audience", "lendingd", "Token audience claim")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var addr crypto.Address
	var err error
	switch {
	case strings.TrimSpace(*subject) != "":
		addr, err = crypto.DecodeAddress(strings.TrimSpace(*subject))
	case strings.TrimSpace(*keystorePath) != "":
		addr, err = keystoreAddress(*keystorePath, *passEnv)
	default:
		err = errors.New("either -subject or -keystore is required")
	}
	if err != nil {
		return err
	}
	secret, ok := os.LookupEnv(*secretEnv)
	if !ok || strings.TrimSpace(secret) == "" {
		return fmt.Errorf("environment variable %s is not set", *secretEnv)
	}
	token, err := server.IssueToken(secret, addr, *issuer, *audience, *ttl, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runExport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	driver := fs.String("driver", eventstore.DriverSQLite, "Event store driver (sqlite or postgres)")
	dsn := fs.String("dsn", "", "Event store DSN")
	format := fs.String("format", exports.FormatCSV, "Output format: csv, jsonl or parquet")
	eventType := fs.String("type", "", "Only export events of this type")
	account := fs.String("account", "", "Only export events touching this account")
	after := fs.Uint64("after", 0, "Only export events with a greater sequence")
	limit := fs.Int("limit", 0, "Maximum events to export (0 exports everything)")
	output := fs.String("out", "", "Output file (defaults to stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, err := eventstore.Open(*driver, *dsn, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := collectEvents(context.Background(), store, eventstore.Filter{
		Type:    strings.TrimSpace(*eventType),
		Account: strings.TrimSpace(*account),
		After:   *after,
	}, *limit)
	if err != nil {
		return err
	}

	if path := strings.TrimSpace(*output); path != "" {
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		digest := sha256.New()
		if err := exports.Write(io.MultiWriter(file, digest), *format, records); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return err
		}
		fmt.Fprintf(out, "Exported %d events to %s\nsha256: %s\n", len(records), path, hex.EncodeToString(digest.Sum(nil)))
		return nil
	}
	return exports.Write(out, *format, records)
}

type eventLister interface {
	List(ctx context.Context, f eventstore.Filter) ([]eventstore.Record, error)
}

// collectEvents pages through the store until it is exhausted or limit
// records have been read.
func collectEvents(ctx context.Context, store eventLister, filter eventstore.Filter, limit int) ([]eventstore.Record, error) {
	var records []eventstore.Record
	for {
		page := exportPageSize
		if limit > 0 && limit-len(records) < page {
			page = limit - len(records)
		}
		if page <= 0 {
			return records, nil
		}
		filter.Limit = page
		batch, err := store.List(ctx, filter)
		if err != nil {
			return nil, err
		}
		records = append(records, batch...)
		if len(batch) < page {
			return records, nil
		}
		filter.After = batch[len(batch)-1].Sequence
	}
}

func runInitConfig(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(initCommand, flag.ContinueOnError)
	path := fs.String("out", "ledger.toml", "Path of the ledger config to write")
	owner := fs.String("owner", "", "Address owning the vault and debt token")
	treasury := fs.String("treasury", "", "Address receiving borrow fees")
	dataDir := fs.String("data", "data/ledger", "Storage path, relative to the config file")
	force := fs.Bool("force", false, "Overwrite an existing config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("config file %s already exists (use --force to overwrite)", *path)
		}
	}
	cfg := &config.Ledger{
		ModuleName: config.DefaultModuleName,
		Storage:    config.Storage{Backend: storage.BackendLevelDB, Path: *dataDir},
		Lending: lending.Config{
			Treasury:             strings.TrimSpace(*treasury),
			BorrowFeeRate:        5,
			ApprovalDelaySeconds: 86400,
			Policy:               lending.PolicyStandard,
			PolicyBufferBps:      500,
		},
		Vault: config.Vault{
			Owner:         strings.TrimSpace(*owner),
			PricePerShare: lending.Scale.Dec(),
			InterestRate:  "0",
			LTVCap:        "800000000000000000",
		},
		DebtToken: config.DebtToken{
			Owner:       strings.TrimSpace(*owner),
			MintCeiling: "1000000000000000000000000",
		},
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := config.SaveLedger(*path, cfg); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	fmt.Fprintf(out, "Wrote %s\nLedger address: %s\n", *path, cfg.LedgerAddress())
	return nil
}

func keystoreAddress(path, passEnv string) (crypto.Address, error) {
	pass, err := passphrase.NewSource(passEnv, "").Get()
	if err != nil {
		return crypto.Address{}, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("load keystore: %w", err)
	}
	return key.PubKey().Address(), nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: lendctl <command> [flags]

Commands:
  %-12s generate an encrypted account keystore
  %-12s print the address held in a keystore or owned by a module
  %-12s issue a bearer token for lendingd
  %-12s export persisted ledger events as csv, jsonl or parquet
  %-12s write a ledger config template
`, keygenCommand, addressCommand, tokenCommand, exportCommand, initCommand)
}
