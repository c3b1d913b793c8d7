package state

import (
	"math/big"

	"github.com/holiman/uint256"

	"debtledger/crypto"
	"debtledger/native/debttoken"
)

type storedIssuer struct {
	Address storedAddress
	Ceiling *big.Int
	Minted  *big.Int
}

// DebtTokenOwner returns the address allowed to manage issuers.
func (m *Manager) DebtTokenOwner() (crypto.Address, bool, error) {
	var stored storedAddress
	ok, err := m.KVGet(tokenOwnerKey, &stored)
	if err != nil || !ok {
		return crypto.Address{}, false, err
	}
	owner, err := stored.address()
	if err != nil {
		return crypto.Address{}, false, err
	}
	return owner, true, nil
}

func (m *Manager) PutDebtTokenOwner(owner crypto.Address) error {
	stored := newStoredAddress(owner)
	return m.KVPut(tokenOwnerKey, &stored)
}

func (m *Manager) DebtTokenBalance(addr crypto.Address) (*uint256.Int, error) {
	return m.getAmount(tokenBalanceKey(addr))
}

func (m *Manager) PutDebtTokenBalance(addr crypto.Address, amount *uint256.Int) error {
	return m.putAmount(tokenBalanceKey(addr), amount)
}

func (m *Manager) DebtTokenAllowance(owner, spender crypto.Address) (*uint256.Int, error) {
	return m.getAmount(tokenAllowanceKey(owner, spender))
}

func (m *Manager) PutDebtTokenAllowance(owner, spender crypto.Address, amount *uint256.Int) error {
	return m.putAmount(tokenAllowanceKey(owner, spender), amount)
}

func (m *Manager) DebtTokenSupply() (*uint256.Int, error) {
	return m.getAmount(tokenSupplyKey)
}

func (m *Manager) PutDebtTokenSupply(amount *uint256.Int) error {
	return m.putAmount(tokenSupplyKey, amount)
}

// DebtTokenIssuer loads an issuer's ceiling and outstanding issuance.
func (m *Manager) DebtTokenIssuer(addr crypto.Address) (*debttoken.Issuer, bool, error) {
	var stored storedIssuer
	ok, err := m.KVGet(tokenIssuerKey(addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	issuer := &debttoken.Issuer{}
	if issuer.Address, err = stored.Address.address(); err != nil {
		return nil, false, err
	}
	if issuer.Ceiling, err = fromBig(stored.Ceiling); err != nil {
		return nil, false, err
	}
	if issuer.Minted, err = fromBig(stored.Minted); err != nil {
		return nil, false, err
	}
	return issuer, true, nil
}

func (m *Manager) PutDebtTokenIssuer(issuer *debttoken.Issuer) error {
	return m.KVPut(tokenIssuerKey(issuer.Address), &storedIssuer{
		Address: newStoredAddress(issuer.Address),
		Ceiling: toBig(issuer.Ceiling),
		Minted:  toBig(issuer.Minted),
	})
}
