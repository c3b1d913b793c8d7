package debttoken

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"debtledger/crypto"
)

var (
	ErrNotAuthorized         = errors.New("debttoken: caller not authorized")
	ErrInsufficientBalance   = errors.New("debttoken: insufficient balance")
	ErrInsufficientAllowance = errors.New("debttoken: insufficient allowance")
	ErrMintCeiling           = errors.New("debttoken: issuer mint ceiling reached")
	ErrInvalidAmount         = errors.New("debttoken: amount must be positive")
	ErrInvalidAddress        = errors.New("debttoken: invalid address")
	ErrOverflow              = errors.New("debttoken: balance overflow")
)

var errNilState = errors.New("debttoken: state not configured")

// Issuer tracks a minter's ceiling and its outstanding issuance.
type Issuer struct {
	Address crypto.Address
	Ceiling *uint256.Int
	Minted  *uint256.Int
}

// Available returns how much the issuer may still mint.
func (i *Issuer) Available() *uint256.Int {
	if i == nil || i.Ceiling == nil {
		return new(uint256.Int)
	}
	minted := i.Minted
	if minted == nil {
		minted = new(uint256.Int)
	}
	if !i.Ceiling.Gt(minted) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(i.Ceiling, minted)
}

type tokenState interface {
	DebtTokenOwner() (crypto.Address, bool, error)
	PutDebtTokenOwner(owner crypto.Address) error
	DebtTokenBalance(addr crypto.Address) (*uint256.Int, error)
	PutDebtTokenBalance(addr crypto.Address, amount *uint256.Int) error
	DebtTokenAllowance(owner, spender crypto.Address) (*uint256.Int, error)
	PutDebtTokenAllowance(owner, spender crypto.Address, amount *uint256.Int) error
	DebtTokenIssuer(addr crypto.Address) (*Issuer, bool, error)
	PutDebtTokenIssuer(issuer *Issuer) error
	DebtTokenSupply() (*uint256.Int, error)
	PutDebtTokenSupply(amount *uint256.Int) error
}

// Token is a pegged debt-token ledger with an owner-managed issuer allow-list.
// Each issuer carries a mint ceiling; burns free up ceiling headroom.
type Token struct {
	mu    sync.Mutex
	state tokenState
}

// New returns a token backed by state.
func New(state tokenState) *Token {
	return &Token{state: state}
}

// Bootstrap records the token owner when none is set yet and reports the
// effective owner.
func (t *Token) Bootstrap(owner crypto.Address) (crypto.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return crypto.Address{}, errNilState
	}
	current, ok, err := t.state.DebtTokenOwner()
	if err != nil {
		return crypto.Address{}, err
	}
	if ok {
		return current, nil
	}
	if owner.IsZero() {
		return crypto.Address{}, fmt.Errorf("%w: owner required", ErrInvalidAddress)
	}
	if err := t.state.PutDebtTokenOwner(owner); err != nil {
		return crypto.Address{}, err
	}
	return owner, nil
}

// SetValidIssuer grants or updates an issuer's mint ceiling. A zero ceiling
// revokes minting while keeping the outstanding tally.
func (t *Token) SetValidIssuer(caller, issuer crypto.Address, ceiling *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.requireOwner(caller); err != nil {
		return err
	}
	if issuer.IsZero() {
		return fmt.Errorf("%w: issuer required", ErrInvalidAddress)
	}
	record, ok, err := t.state.DebtTokenIssuer(issuer)
	if err != nil {
		return err
	}
	if !ok {
		record = &Issuer{Address: issuer, Minted: new(uint256.Int)}
	}
	record.Ceiling = orZero(ceiling).Clone()
	return t.state.PutDebtTokenIssuer(record)
}

// AvailableToMint returns the remaining ceiling for issuer. Unknown issuers
// have none.
func (t *Token) AvailableToMint(issuer crypto.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil, errNilState
	}
	record, ok, err := t.state.DebtTokenIssuer(issuer)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return record.Available(), nil
}

// Mint issues amount to the recipient against the issuer's ceiling.
func (t *Token) Mint(issuer, to crypto.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("%w: recipient required", ErrInvalidAddress)
	}
	record, err := t.requireIssuer(issuer)
	if err != nil {
		return err
	}
	if record.Available().Lt(amount) {
		return ErrMintCeiling
	}
	supply, err := t.state.DebtTokenSupply()
	if err != nil {
		return err
	}
	balance, err := t.state.DebtTokenBalance(to)
	if err != nil {
		return err
	}
	nextSupply, overflow := new(uint256.Int).AddOverflow(supply, amount)
	if overflow {
		return ErrOverflow
	}
	record.Minted = new(uint256.Int).Add(orZero(record.Minted), amount)
	if err := t.state.PutDebtTokenIssuer(record); err != nil {
		return err
	}
	if err := t.state.PutDebtTokenSupply(nextSupply); err != nil {
		return err
	}
	return t.state.PutDebtTokenBalance(to, new(uint256.Int).Add(balance, amount))
}

// Burn destroys amount from the issuer's own balance.
func (t *Token) Burn(issuer crypto.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := checkAmount(amount); err != nil {
		return err
	}
	record, err := t.requireIssuer(issuer)
	if err != nil {
		return err
	}
	balance, err := t.state.DebtTokenBalance(issuer)
	if err != nil {
		return err
	}
	if balance.Lt(amount) {
		return ErrInsufficientBalance
	}
	supply, err := t.state.DebtTokenSupply()
	if err != nil {
		return err
	}
	minted := orZero(record.Minted)
	if minted.Lt(amount) {
		record.Minted = new(uint256.Int)
	} else {
		record.Minted = new(uint256.Int).Sub(minted, amount)
	}
	if err := t.state.PutDebtTokenIssuer(record); err != nil {
		return err
	}
	if err := t.state.PutDebtTokenSupply(saturatingSub(supply, amount)); err != nil {
		return err
	}
	return t.state.PutDebtTokenBalance(issuer, new(uint256.Int).Sub(balance, amount))
}

// Transfer moves amount from one holder to another.
func (t *Token) Transfer(from, to crypto.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transfer(from, to, amount)
}

// Clawback moves amount from a holder back to a listed issuer, unwinding a
// payout that issuer made.
func (t *Token) Clawback(issuer, from crypto.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := checkAmount(amount); err != nil {
		return err
	}
	if _, err := t.requireIssuer(issuer); err != nil {
		return err
	}
	return t.transfer(from, issuer, amount)
}

// Approve sets the amount spender may pull from owner.
func (t *Token) Approve(owner, spender crypto.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return errNilState
	}
	if owner.IsZero() || spender.IsZero() {
		return fmt.Errorf("%w: owner and spender required", ErrInvalidAddress)
	}
	return t.state.PutDebtTokenAllowance(owner, spender, orZero(amount).Clone())
}

// Allowance returns the amount spender may still pull from owner.
func (t *Token) Allowance(owner, spender crypto.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil, errNilState
	}
	return t.state.DebtTokenAllowance(owner, spender)
}

// TransferFrom spends spender's allowance over from's balance.
func (t *Token) TransferFrom(spender, from, to crypto.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := checkAmount(amount); err != nil {
		return err
	}
	if t.state == nil {
		return errNilState
	}
	allowance, err := t.state.DebtTokenAllowance(from, spender)
	if err != nil {
		return err
	}
	if allowance.Lt(amount) {
		return ErrInsufficientAllowance
	}
	if err := t.transfer(from, to, amount); err != nil {
		return err
	}
	return t.state.PutDebtTokenAllowance(from, spender, new(uint256.Int).Sub(allowance, amount))
}

// BalanceOf returns the holder's balance.
func (t *Token) BalanceOf(addr crypto.Address) (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil, errNilState
	}
	return t.state.DebtTokenBalance(addr)
}

// TotalSupply returns the outstanding token supply.
func (t *Token) TotalSupply() (*uint256.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == nil {
		return nil, errNilState
	}
	return t.state.DebtTokenSupply()
}

func (t *Token) transfer(from, to crypto.Address, amount *uint256.Int) error {
	if t.state == nil {
		return errNilState
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("%w: recipient required", ErrInvalidAddress)
	}
	fromBal, err := t.state.DebtTokenBalance(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return ErrInsufficientBalance
	}
	if from.Key() == to.Key() {
		return nil
	}
	toBal, err := t.state.DebtTokenBalance(to)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return ErrOverflow
	}
	if err := t.state.PutDebtTokenBalance(from, new(uint256.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	if err := t.state.PutDebtTokenBalance(to, nextTo); err != nil {
		_ = t.state.PutDebtTokenBalance(from, fromBal)
		return err
	}
	return nil
}

func (t *Token) requireOwner(caller crypto.Address) error {
	if t.state == nil {
		return errNilState
	}
	owner, ok, err := t.state.DebtTokenOwner()
	if err != nil {
		return err
	}
	if !ok || caller.IsZero() || caller.Key() != owner.Key() {
		return ErrNotAuthorized
	}
	return nil
}

func (t *Token) requireIssuer(issuer crypto.Address) (*Issuer, error) {
	if t.state == nil {
		return nil, errNilState
	}
	record, ok, err := t.state.DebtTokenIssuer(issuer)
	if err != nil {
		return nil, err
	}
	if !ok || record.Ceiling == nil || record.Ceiling.IsZero() {
		return nil, ErrNotAuthorized
	}
	return record, nil
}

// As returns the view of the token used by an issuer. Mint, Burn and Transfer
// act on the issuer's behalf and TransferFrom spends allowances granted to it.
func (t *Token) As(issuer crypto.Address) *IssuerView {
	return &IssuerView{token: t, issuer: issuer}
}

// IssuerView binds the token to one issuer address.
type IssuerView struct {
	token  *Token
	issuer crypto.Address
}

func (v *IssuerView) Mint(_ context.Context, to crypto.Address, amount *uint256.Int) error {
	return v.token.Mint(v.issuer, to, amount)
}

func (v *IssuerView) Burn(_ context.Context, amount *uint256.Int) error {
	return v.token.Burn(v.issuer, amount)
}

func (v *IssuerView) BalanceOf(_ context.Context, account crypto.Address) (*uint256.Int, error) {
	return v.token.BalanceOf(account)
}

func (v *IssuerView) Transfer(_ context.Context, to crypto.Address, amount *uint256.Int) error {
	return v.token.Transfer(v.issuer, to, amount)
}

func (v *IssuerView) TransferFrom(_ context.Context, from, to crypto.Address, amount *uint256.Int) error {
	return v.token.TransferFrom(v.issuer, from, to, amount)
}

func (v *IssuerView) Clawback(_ context.Context, from crypto.Address, amount *uint256.Int) error {
	return v.token.Clawback(v.issuer, from, amount)
}

func (v *IssuerView) AvailableToMint(context.Context) (*uint256.Int, error) {
	return v.token.AvailableToMint(v.issuer)
}

func checkAmount(amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	return nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func saturatingSub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}
