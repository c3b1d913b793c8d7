package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"debtledger/crypto"
)

type storedAddress struct {
	Prefix string
	Bytes  []byte
}

func newStoredAddress(addr crypto.Address) storedAddress {
	return storedAddress{Prefix: string(addr.Prefix()), Bytes: append([]byte(nil), addr.Bytes()...)}
}

func (s storedAddress) address() (crypto.Address, error) {
	if len(s.Bytes) == 0 {
		return crypto.Address{}, nil
	}
	if len(s.Bytes) != crypto.AddressLength {
		return crypto.Address{}, fmt.Errorf("state: stored address has %d bytes", len(s.Bytes))
	}
	return crypto.NewAddress(crypto.AddressPrefix(s.Prefix), s.Bytes), nil
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func fromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("state: stored amount exceeds 256 bits")
	}
	return out, nil
}

func (m *Manager) getAmount(key []byte) (*uint256.Int, error) {
	var stored big.Int
	ok, err := m.KVGet(key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return fromBig(&stored)
}

func (m *Manager) putAmount(key []byte, amount *uint256.Int) error {
	return m.KVPut(key, toBig(amount))
}
