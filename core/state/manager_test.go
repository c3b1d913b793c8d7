package state

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"debtledger/crypto"
	"debtledger/storage"
)

func testAddress(prefix crypto.AddressPrefix, b byte) crypto.Address {
	return crypto.NewAddress(prefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func TestKVAppendDeduplicates(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	key := []byte("index")

	require.NoError(t, m.KVAppend(key, []byte("a")))
	require.NoError(t, m.KVAppend(key, []byte("b")))
	require.NoError(t, m.KVAppend(key, []byte("a")))

	var list [][]byte
	require.NoError(t, m.KVGetList(key, &list))
	require.Equal(t, [][]byte{[]byte("a"), []byte("b")}, list)
}

func TestKVGetListEmpty(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	var list [][]byte
	require.NoError(t, m.KVGetList([]byte("missing"), &list))
	require.NotNil(t, list)
	require.Empty(t, list)
}

func TestKVDeleteAndMissing(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	key := []byte("value")
	require.NoError(t, m.KVPut(key, big.NewInt(9)))

	var out big.Int
	ok, err := m.KVGet(key, &out)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(9), out.Int64())

	require.NoError(t, m.KVDelete(key))
	ok, err = m.KVGet(key, &out)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = m.KVGet(nil, &out)
	require.Error(t, err)
}

func TestAmountsDefaultToZero(t *testing.T) {
	m := NewManager(storage.NewMemDB())
	addr := testAddress(crypto.AccountPrefix, 0x01)

	shares, err := m.VaultShares(addr)
	require.NoError(t, err)
	require.True(t, shares.IsZero())

	require.NoError(t, m.PutDebtTokenBalance(addr, uint256.NewInt(42)))
	balance, err := m.DebtTokenBalance(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(42), balance.Uint64())

	other := testAddress(crypto.AccountPrefix, 0x02)
	require.NoError(t, m.PutDebtTokenAllowance(addr, other, uint256.NewInt(7)))
	allowance, err := m.DebtTokenAllowance(other, addr)
	require.NoError(t, err)
	require.True(t, allowance.IsZero(), "allowances are directional")
}

func TestIndexEntryKeepsPrefix(t *testing.T) {
	module := testAddress(crypto.ModulePrefix, 0x0A)
	decoded, err := decodeIndexEntry(encodeIndexEntry(module))
	require.NoError(t, err)
	require.True(t, decoded.Equal(module))

	_, err = decodeIndexEntry([]byte{9, 'x'})
	require.ErrorIs(t, err, errCorruptIndex)
}
