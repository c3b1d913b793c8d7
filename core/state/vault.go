package state

import (
	"math/big"

	"github.com/holiman/uint256"

	"debtledger/crypto"
	"debtledger/native/vault"
)

type storedVaultParams struct {
	Owner         storedAddress
	PricePerShare *big.Int
	InterestRate  *big.Int
	LTVCap        *big.Int
}

// GetVaultParams loads the reference vault's market parameters.
func (m *Manager) GetVaultParams() (*vault.Params, bool, error) {
	var stored storedVaultParams
	ok, err := m.KVGet(vaultParamsKey, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	owner, err := stored.Owner.address()
	if err != nil {
		return nil, false, err
	}
	params := &vault.Params{Owner: owner}
	if params.PricePerShare, err = fromBig(stored.PricePerShare); err != nil {
		return nil, false, err
	}
	if params.InterestRate, err = fromBig(stored.InterestRate); err != nil {
		return nil, false, err
	}
	if params.LTVCap, err = fromBig(stored.LTVCap); err != nil {
		return nil, false, err
	}
	return params, true, nil
}

// PutVaultParams writes the reference vault's market parameters.
func (m *Manager) PutVaultParams(p *vault.Params) error {
	return m.KVPut(vaultParamsKey, &storedVaultParams{
		Owner:         newStoredAddress(p.Owner),
		PricePerShare: toBig(p.PricePerShare),
		InterestRate:  toBig(p.InterestRate),
		LTVCap:        toBig(p.LTVCap),
	})
}

// VaultShares returns the share balance of addr, zero when unset.
func (m *Manager) VaultShares(addr crypto.Address) (*uint256.Int, error) {
	return m.getAmount(vaultSharesKey(addr))
}

// PutVaultShares writes the share balance of addr.
func (m *Manager) PutVaultShares(addr crypto.Address, amount *uint256.Int) error {
	return m.putAmount(vaultSharesKey(addr), amount)
}
