package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"debtledger/crypto"
	"debtledger/native/lending"
	"debtledger/storage"
)

func testAddress(b byte) string {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength)).String()
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfig() string {
	return fmt.Sprintf(`[storage]
path = "data/ledger"

[lending]
manager = "%[1]s"
treasury = "%[2]s"
borrow_fee_rate = 5
approval_delay_seconds = 86400
policy = "buffered"
policy_buffer_bps = 250

[vault]
owner = "%[1]s"
price_per_share = "1000000000000000000"
interest_rate = "100000000000000000"
ltv_cap = "800000000000000000"

[debt_token]
owner = "%[1]s"
mint_ceiling = "1000000000000000000000000"

[pauses]
lending = true
`, testAddress(1), testAddress(2))
}

func TestLoadLedgerParsesSections(t *testing.T) {
	path := writeConfig(t, validConfig())
	cfg, err := LoadLedger(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ModuleName != DefaultModuleName {
		t.Fatalf("module name: %q", cfg.ModuleName)
	}
	if cfg.Storage.Backend != storage.BackendLevelDB {
		t.Fatalf("backend: %q", cfg.Storage.Backend)
	}
	if want := filepath.Join(filepath.Dir(path), "data/ledger"); cfg.Storage.Path != want {
		t.Fatalf("storage path: expected %q, got %q", want, cfg.Storage.Path)
	}
	if !cfg.Pauses.Lending {
		t.Fatal("expected lending to start paused")
	}

	params, err := cfg.Lending.InitParams()
	if err != nil {
		t.Fatalf("init params: %v", err)
	}
	if params.BorrowFeeRate != 5 || params.ApprovalDelay != 86400 || params.Policy != lending.PolicyBuffered {
		t.Fatalf("unexpected params: %+v", params)
	}
	if params.Treasury.String() != testAddress(2) {
		t.Fatalf("treasury: %s", params.Treasury)
	}

	vaultParams, err := cfg.Vault.Params()
	if err != nil {
		t.Fatalf("vault params: %v", err)
	}
	if vaultParams.LTVCap.Dec() != "800000000000000000" {
		t.Fatalf("ltv cap: %s", vaultParams.LTVCap.Dec())
	}
	_, ceiling, err := cfg.DebtToken.Parse()
	if err != nil {
		t.Fatalf("debt token: %v", err)
	}
	if ceiling.Dec() != "1000000000000000000000000" {
		t.Fatalf("ceiling: %s", ceiling.Dec())
	}
	if cfg.LedgerAddress().Prefix() != crypto.ModulePrefix {
		t.Fatalf("ledger address prefix: %s", cfg.LedgerAddress().Prefix())
	}
}

func TestLoadLedgerRejectsInvalidSections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(string) string
		wantErr string
	}{
		{
			name:    "fee above cap",
			mutate:  func(s string) string { return strings.Replace(s, "borrow_fee_rate = 5", "borrow_fee_rate = 51", 1) },
			wantErr: "lending",
		},
		{
			name:    "unknown policy",
			mutate:  func(s string) string { return strings.Replace(s, `policy = "buffered"`, `policy = "aggressive"`, 1) },
			wantErr: "lending",
		},
		{
			name:    "ltv above one",
			mutate:  func(s string) string { return strings.Replace(s, `ltv_cap = "800000000000000000"`, `ltv_cap = "1000000000000000001"`, 1) },
			wantErr: "vault",
		},
		{
			name:    "bad amount",
			mutate:  func(s string) string { return strings.Replace(s, `mint_ceiling = "1000000000000000000000000"`, `mint_ceiling = "lots"`, 1) },
			wantErr: "debt_token",
		},
		{
			name:    "unknown backend",
			mutate:  func(s string) string { return strings.Replace(s, "[storage]\n", "[storage]\nbackend = \"tape\"\n", 1) },
			wantErr: "storage",
		},
		{
			name:    "unknown key",
			mutate:  func(s string) string { return s + "\n[extra]\nvalue = 1\n" },
			wantErr: "unknown key",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadLedger(writeConfig(t, tc.mutate(validConfig())))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSaveLedgerRoundTrip(t *testing.T) {
	cfg, err := LoadLedger(writeConfig(t, validConfig()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Storage = Storage{Backend: storage.BackendMemory}
	path := filepath.Join(t.TempDir(), "nested", "ledger.toml")
	if err := SaveLedger(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	reloaded, err := LoadLedger(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Lending != cfg.Lending || reloaded.Vault != cfg.Vault || reloaded.DebtToken != cfg.DebtToken {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", cfg, reloaded)
	}
}
