package lending

import (
	"context"

	"github.com/holiman/uint256"

	"debtledger/crypto"
)

// Vault is the yield-bearing collateral vault seen from the ledger's custody
// address. Transfers move shares between an account and that custody address.
type Vault interface {
	PricePerShare(ctx context.Context) (*uint256.Int, error)
	InterestRate(ctx context.Context) (*uint256.Int, error)
	LTVCap(ctx context.Context) (*uint256.Int, error)
	TransferIn(ctx context.Context, from crypto.Address, amount *uint256.Int) error
	TransferOut(ctx context.Context, to crypto.Address, amount *uint256.Int) error
}

// DebtToken is the pegged debt-token ledger seen from the lending ledger acting
// as issuer. Burn and Transfer draw on the ledger's own balance; TransferFrom
// spends an allowance granted to the ledger. Clawback returns a payout the
// ledger made back to its own balance.
type DebtToken interface {
	Mint(ctx context.Context, to crypto.Address, amount *uint256.Int) error
	Burn(ctx context.Context, amount *uint256.Int) error
	BalanceOf(ctx context.Context, account crypto.Address) (*uint256.Int, error)
	Transfer(ctx context.Context, to crypto.Address, amount *uint256.Int) error
	TransferFrom(ctx context.Context, from, to crypto.Address, amount *uint256.Int) error
	Clawback(ctx context.Context, from crypto.Address, amount *uint256.Int) error
	AvailableToMint(ctx context.Context) (*uint256.Int, error)
}

// Env is the read surface a policy sees while evaluating a request. Now is
// fixed for the duration of a single engine call.
type Env interface {
	Now() uint64
	Vault() Vault
	DebtToken() DebtToken
	Address() crypto.Address
}

type callEnv struct {
	engine *Engine
	now    uint64
}

func (c callEnv) Now() uint64             { return c.now }
func (c callEnv) Vault() Vault            { return c.engine.vault }
func (c callEnv) DebtToken() DebtToken    { return c.engine.token }
func (c callEnv) Address() crypto.Address { return c.engine.address }
