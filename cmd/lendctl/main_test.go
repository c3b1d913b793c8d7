package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"debtledger/config"
	"debtledger/core/events"
	"debtledger/crypto"
	"debtledger/services/lendingd/eventstore"
)

func testAddress(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func TestKeygenAndAddress(t *testing.T) {
	t.Setenv(defaultPassEnv, "correct horse battery staple")
	path := filepath.Join(t.TempDir(), "operator.keystore")

	var out bytes.Buffer
	require.NoError(t, runKeygen([]string{"-keystore", path}, &out))
	require.Contains(t, out.String(), "Address: cdp1")

	err := runKeygen([]string{"-keystore", path}, &bytes.Buffer{})
	require.ErrorContains(t, err, "already exists")

	var addrOut bytes.Buffer
	require.NoError(t, runAddress([]string{"-keystore", path}, &addrOut))
	require.Contains(t, out.String(), strings.TrimSpace(addrOut.String()))

	addrOut.Reset()
	require.NoError(t, runAddress([]string{"-module", "lending"}, &addrOut))
	require.Equal(t, crypto.ModuleAddress("lending").String(), strings.TrimSpace(addrOut.String()))
}

func TestTokenRequiresSecretAndSubject(t *testing.T) {
	t.Setenv(defaultSecretEnv, "")
	err := runToken([]string{"-subject", testAddress(1).String()}, &bytes.Buffer{})
	require.ErrorContains(t, err, defaultSecretEnv)

	t.Setenv(defaultSecretEnv, "0123456789abcdef0123456789abcdef")
	require.Error(t, runToken(nil, &bytes.Buffer{}))

	var out bytes.Buffer
	require.NoError(t, runToken([]string{"-subject", testAddress(1).String()}, &out))
	require.Len(t, strings.Split(strings.TrimSpace(out.String()), "."), 3)
}

func TestInitConfigWritesLoadableLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.toml")
	args := []string{"-out", path, "-owner", testAddress(1).String(), "-treasury", testAddress(2).String()}

	var out bytes.Buffer
	require.NoError(t, runInitConfig(args, &out))
	require.Contains(t, out.String(), crypto.ModuleAddress(config.DefaultModuleName).String())

	cfg, err := config.LoadLedger(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(filepath.Dir(path), "data/ledger"), cfg.Storage.Path)
	require.Equal(t, testAddress(2).String(), cfg.Lending.Treasury)

	require.ErrorContains(t, runInitConfig(args, &bytes.Buffer{}), "already exists")
	require.Error(t, runInitConfig([]string{"-out", filepath.Join(t.TempDir(), "bad.toml")}, &bytes.Buffer{}))
}

func TestExportPagesThroughStore(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := eventstore.Open(eventstore.DriverSQLite, dsn, nil)
	require.NoError(t, err)
	defer store.Close()

	alice := testAddress(1)
	for i := 0; i < 5; i++ {
		_, err := store.Append(context.Background(), events.LendingBorrow{Account: alice, Amount: uint256.NewInt(uint64(i + 1)), Timestamp: uint64(100 + i)})
		require.NoError(t, err)
	}

	records, err := collectEvents(context.Background(), store, eventstore.Filter{}, 3)
	require.NoError(t, err)
	require.Len(t, records, 3)

	outPath := filepath.Join(t.TempDir(), "events.jsonl")
	var out bytes.Buffer
	require.NoError(t, runExport([]string{"-dsn", dsn, "-format", "jsonl", "-after", "2", "-out", outPath}, &out))
	require.Contains(t, out.String(), "Exported 3 events")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)
	sum := sha256.Sum256(data)
	require.Contains(t, out.String(), "sha256: "+hex.EncodeToString(sum[:]))
}
