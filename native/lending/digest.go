package lending

import (
	"bytes"
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"lukechampine.com/blake3"
)

// Snapshot is a point-in-time copy of every ledger record.
type Snapshot struct {
	Initialized bool
	Meta        Meta
	Accounts    []*Account
}

// Snapshot copies the ledger's governance state and every known account,
// ordered by address bytes.
func (e *Engine) Snapshot(ctx context.Context) (*Snapshot, error) {
	_, release, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.snapshot()
}

// StateDigest hashes the rlp encoding of Snapshot with blake3. Two ledgers
// with identical records share a digest.
func (e *Engine) StateDigest(ctx context.Context) ([32]byte, error) {
	snap, err := e.Snapshot(ctx)
	if err != nil {
		return [32]byte{}, err
	}
	return snap.Digest()
}

func (e *Engine) snapshot() (*Snapshot, error) {
	if e.state == nil {
		return nil, errNilState
	}
	snap := &Snapshot{Initialized: e.initialized, Meta: Meta{Config: e.config, Candidate: e.candidate}}
	if e.policy != nil {
		snap.Meta.ActivePolicy = e.policy.Name()
	}
	addrs, err := e.state.LendingAccounts()
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		acc, ok, err := e.state.GetLendingAccount(addr)
		if err != nil {
			return nil, err
		}
		// Zero-valued records are indistinguishable from lazily created ones.
		if ok && acc != nil && !acc.pristine() {
			snap.Accounts = append(snap.Accounts, acc.Clone())
		}
	}
	sort.Slice(snap.Accounts, func(i, j int) bool {
		return bytes.Compare(snap.Accounts[i].Address.Bytes(), snap.Accounts[j].Address.Bytes()) < 0
	})
	return snap, nil
}

type digestAccount struct {
	Address    []byte
	Borrowed   *big.Int
	BorrowTime uint64
	Collateral *big.Int
}

type digestRecord struct {
	Initialized   bool
	FeeRate       uint64
	Treasury      []byte
	ApprovalDelay uint64
	Manager       []byte
	Policy        string
	Candidate     string
	ProposedTime  uint64
	Accounts      []digestAccount
}

// Digest returns the blake3 hash of the snapshot's canonical rlp encoding.
func (s *Snapshot) Digest() ([32]byte, error) {
	rec := digestRecord{
		Initialized:   s.Initialized,
		FeeRate:       s.Meta.Config.BorrowFeeRate,
		Treasury:      s.Meta.Config.Treasury.Bytes(),
		ApprovalDelay: s.Meta.Config.ApprovalDelay,
		Manager:       s.Meta.Config.Manager.Bytes(),
		Policy:        s.Meta.ActivePolicy,
		Candidate:     s.Meta.Candidate.Implementation,
		ProposedTime:  s.Meta.Candidate.ProposedTime,
		Accounts:      make([]digestAccount, 0, len(s.Accounts)),
	}
	for _, acc := range s.Accounts {
		rec.Accounts = append(rec.Accounts, digestAccount{
			Address:    acc.Address.Bytes(),
			Borrowed:   orZero(acc.BorrowedAmount).ToBig(),
			BorrowTime: acc.BorrowTime,
			Collateral: orZero(acc.CollateralAmount).ToBig(),
		})
	}
	encoded, err := rlp.EncodeToBytes(&rec)
	if err != nil {
		return [32]byte{}, err
	}
	return blake3.Sum256(encoded), nil
}
