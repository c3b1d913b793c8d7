package state

import (
	"errors"
	"math/big"

	"debtledger/crypto"
	"debtledger/native/lending"
)

var errCorruptIndex = errors.New("state: corrupt account index entry")

type storedLendingAccount struct {
	Address    storedAddress
	Borrowed   *big.Int
	BorrowTime uint64
	Collateral *big.Int
}

type storedLendingMeta struct {
	BorrowFeeRate uint64
	Treasury      storedAddress
	ApprovalDelay uint64
	Manager       storedAddress
	ActivePolicy  string
	Candidate     string
	CandidateTime uint64
}

// GetLendingAccount loads a borrower record.
func (m *Manager) GetLendingAccount(addr crypto.Address) (*lending.Account, bool, error) {
	var stored storedLendingAccount
	ok, err := m.KVGet(lendingAccountKey(addr), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	borrowed, err := fromBig(stored.Borrowed)
	if err != nil {
		return nil, false, err
	}
	collateral, err := fromBig(stored.Collateral)
	if err != nil {
		return nil, false, err
	}
	owner, err := stored.Address.address()
	if err != nil {
		return nil, false, err
	}
	return &lending.Account{
		Address:          owner,
		BorrowedAmount:   borrowed,
		BorrowTime:       stored.BorrowTime,
		CollateralAmount: collateral,
	}, true, nil
}

// PutLendingAccount writes a borrower record and indexes its address.
func (m *Manager) PutLendingAccount(acc *lending.Account) error {
	stored := storedLendingAccount{
		Address:    newStoredAddress(acc.Address),
		Borrowed:   toBig(acc.BorrowedAmount),
		BorrowTime: acc.BorrowTime,
		Collateral: toBig(acc.CollateralAmount),
	}
	if err := m.KVPut(lendingAccountKey(acc.Address), &stored); err != nil {
		return err
	}
	return m.KVAppend(lendingAccountIndex, encodeIndexEntry(acc.Address))
}

// LendingAccounts lists every address that ever held a borrower record.
func (m *Manager) LendingAccounts() ([]crypto.Address, error) {
	var raw [][]byte
	if err := m.KVGetList(lendingAccountIndex, &raw); err != nil {
		return nil, err
	}
	out := make([]crypto.Address, 0, len(raw))
	for _, entry := range raw {
		addr, err := decodeIndexEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// GetLendingMeta loads the ledger's governance singleton.
func (m *Manager) GetLendingMeta() (*lending.Meta, bool, error) {
	var stored storedLendingMeta
	ok, err := m.KVGet(lendingMetaKey, &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	treasury, err := stored.Treasury.address()
	if err != nil {
		return nil, false, err
	}
	manager, err := stored.Manager.address()
	if err != nil {
		return nil, false, err
	}
	return &lending.Meta{
		Config: lending.LedgerConfig{
			BorrowFeeRate: stored.BorrowFeeRate,
			Treasury:      treasury,
			ApprovalDelay: stored.ApprovalDelay,
			Manager:       manager,
		},
		ActivePolicy: stored.ActivePolicy,
		Candidate: lending.PolicyCandidate{
			Implementation: stored.Candidate,
			ProposedTime:   stored.CandidateTime,
		},
	}, true, nil
}

// PutLendingMeta writes the ledger's governance singleton.
func (m *Manager) PutLendingMeta(meta *lending.Meta) error {
	stored := storedLendingMeta{
		BorrowFeeRate: meta.Config.BorrowFeeRate,
		Treasury:      newStoredAddress(meta.Config.Treasury),
		ApprovalDelay: meta.Config.ApprovalDelay,
		Manager:       newStoredAddress(meta.Config.Manager),
		ActivePolicy:  meta.ActivePolicy,
		Candidate:     meta.Candidate.Implementation,
		CandidateTime: meta.Candidate.ProposedTime,
	}
	return m.KVPut(lendingMetaKey, &stored)
}

// encodeIndexEntry stores the prefix length, prefix and raw bytes so index
// entries decode back into full addresses.
func encodeIndexEntry(addr crypto.Address) []byte {
	prefix := []byte(addr.Prefix())
	out := make([]byte, 0, 1+len(prefix)+len(addr.Bytes()))
	out = append(out, byte(len(prefix)))
	out = append(out, prefix...)
	return append(out, addr.Bytes()...)
}

func decodeIndexEntry(entry []byte) (crypto.Address, error) {
	if len(entry) == 0 {
		return crypto.Address{}, nil
	}
	n := int(entry[0])
	if len(entry) < 1+n {
		return crypto.Address{}, errCorruptIndex
	}
	return storedAddress{Prefix: string(entry[1 : 1+n]), Bytes: entry[1+n:]}.address()
}
