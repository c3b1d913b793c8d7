package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"debtledger/crypto"
)

var (
	ErrNotAuthorized      = errors.New("vault: caller not authorized")
	ErrInsufficientShares = errors.New("vault: insufficient shares")
	ErrInvalidParams      = errors.New("vault: invalid parameters")
	ErrInvalidAmount      = errors.New("vault: amount must be positive")
	ErrNotConfigured      = errors.New("vault: not configured")
)

var errNilState = errors.New("vault: state not configured")

// scale is the 1e18 fixed-point unit used for prices, rates and caps.
var scale = uint256.NewInt(1_000_000_000_000_000_000)

// Params are the owner-controlled market parameters published by the vault.
type Params struct {
	Owner         crypto.Address
	PricePerShare *uint256.Int
	InterestRate  *uint256.Int
	LTVCap        *uint256.Int
}

// Clone returns a deep copy of the parameters.
func (p *Params) Clone() *Params {
	if p == nil {
		return nil
	}
	return &Params{
		Owner:         p.Owner,
		PricePerShare: copyInt(p.PricePerShare),
		InterestRate:  copyInt(p.InterestRate),
		LTVCap:        copyInt(p.LTVCap),
	}
}

// Validate checks the parameters are usable for collateral valuation.
func (p *Params) Validate() error {
	if p == nil || p.Owner.IsZero() {
		return fmt.Errorf("%w: owner required", ErrInvalidParams)
	}
	if p.PricePerShare == nil || p.PricePerShare.IsZero() {
		return fmt.Errorf("%w: price per share must be positive", ErrInvalidParams)
	}
	if p.LTVCap == nil || p.LTVCap.Gt(scale) {
		return fmt.Errorf("%w: ltv cap must be within [0, 1e18]", ErrInvalidParams)
	}
	return nil
}

type vaultState interface {
	GetVaultParams() (*Params, bool, error)
	PutVaultParams(p *Params) error
	VaultShares(addr crypto.Address) (*uint256.Int, error)
	PutVaultShares(addr crypto.Address, amount *uint256.Int) error
}

// Vault is a single-asset share ledger publishing a price per share, a borrow
// interest rate and an LTV cap. It stands in for the external yield vault.
type Vault struct {
	mu     sync.Mutex
	state  vaultState
	params *Params
}

// New returns a vault backed by state.
func New(state vaultState) *Vault {
	return &Vault{state: state}
}

// Load restores persisted parameters. It reports whether any were found.
func (v *Vault) Load() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == nil {
		return false, errNilState
	}
	params, ok, err := v.state.GetVaultParams()
	if err != nil || !ok {
		return false, err
	}
	v.params = params
	return true, nil
}

// Configure installs the initial parameters. Once configured only the owner
// may change them.
func (v *Vault) Configure(caller crypto.Address, params *Params) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == nil {
		return errNilState
	}
	if v.params != nil && !caller.Equal(v.params.Owner) {
		return ErrNotAuthorized
	}
	if err := params.Validate(); err != nil {
		return err
	}
	next := params.Clone()
	if next.InterestRate == nil {
		next.InterestRate = new(uint256.Int)
	}
	if err := v.state.PutVaultParams(next); err != nil {
		return err
	}
	v.params = next
	return nil
}

// Params returns a copy of the published parameters.
func (v *Vault) Params() (*Params, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.params == nil {
		return nil, ErrNotConfigured
	}
	return v.params.Clone(), nil
}

// SetPricePerShare updates the share price.
func (v *Vault) SetPricePerShare(caller crypto.Address, price *uint256.Int) error {
	return v.update(caller, func(p *Params) { p.PricePerShare = copyInt(price) })
}

// SetInterestRate updates the yearly borrow rate.
func (v *Vault) SetInterestRate(caller crypto.Address, rate *uint256.Int) error {
	return v.update(caller, func(p *Params) { p.InterestRate = copyInt(rate) })
}

// SetLTVCap updates the maximum loan-to-value ratio.
func (v *Vault) SetLTVCap(caller crypto.Address, ltvCap *uint256.Int) error {
	return v.update(caller, func(p *Params) { p.LTVCap = copyInt(ltvCap) })
}

func (v *Vault) update(caller crypto.Address, mutate func(*Params)) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.params == nil {
		return ErrNotConfigured
	}
	if !caller.Equal(v.params.Owner) {
		return ErrNotAuthorized
	}
	next := v.params.Clone()
	mutate(next)
	if err := next.Validate(); err != nil {
		return err
	}
	if err := v.state.PutVaultParams(next); err != nil {
		return err
	}
	v.params = next
	return nil
}

// Mint credits freshly issued shares to an account. Only the owner may mint.
func (v *Vault) Mint(caller, to crypto.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.params == nil {
		return ErrNotConfigured
	}
	if !caller.Equal(v.params.Owner) {
		return ErrNotAuthorized
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	balance, err := v.state.VaultShares(to)
	if err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, amount)
	if overflow {
		return fmt.Errorf("%w: share balance overflow", ErrInvalidAmount)
	}
	return v.state.PutVaultShares(to, next)
}

// SharesOf returns the share balance held by addr.
func (v *Vault) SharesOf(addr crypto.Address) (*uint256.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == nil {
		return nil, errNilState
	}
	return v.state.VaultShares(addr)
}

// Transfer moves shares between two accounts.
func (v *Vault) Transfer(from, to crypto.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transfer(from, to, amount)
}

func (v *Vault) transfer(from, to crypto.Address, amount *uint256.Int) error {
	if v.state == nil {
		return errNilState
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if to.IsZero() {
		return fmt.Errorf("%w: recipient required", ErrInvalidParams)
	}
	fromBal, err := v.state.VaultShares(from)
	if err != nil {
		return err
	}
	if fromBal.Lt(amount) {
		return ErrInsufficientShares
	}
	toBal, err := v.state.VaultShares(to)
	if err != nil {
		return err
	}
	nextTo, overflow := new(uint256.Int).AddOverflow(toBal, amount)
	if overflow {
		return fmt.Errorf("%w: share balance overflow", ErrInvalidAmount)
	}
	if err := v.state.PutVaultShares(from, new(uint256.Int).Sub(fromBal, amount)); err != nil {
		return err
	}
	if err := v.state.PutVaultShares(to, nextTo); err != nil {
		// Restore the sender so the pair stays balanced.
		_ = v.state.PutVaultShares(from, fromBal)
		return err
	}
	return nil
}

func (v *Vault) market() (*Params, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.params == nil {
		return nil, ErrNotConfigured
	}
	return v.params.Clone(), nil
}

// Custody returns the view of the vault held by a custodian such as the
// lending ledger. Transfers move shares into and out of the custodian.
func (v *Vault) Custody(custodian crypto.Address) *Custody {
	return &Custody{vault: v, custodian: custodian}
}

// Custody binds the vault to a custodian address.
type Custody struct {
	vault     *Vault
	custodian crypto.Address
}

func (c *Custody) PricePerShare(context.Context) (*uint256.Int, error) {
	p, err := c.vault.market()
	if err != nil {
		return nil, err
	}
	return p.PricePerShare, nil
}

func (c *Custody) InterestRate(context.Context) (*uint256.Int, error) {
	p, err := c.vault.market()
	if err != nil {
		return nil, err
	}
	return p.InterestRate, nil
}

func (c *Custody) LTVCap(context.Context) (*uint256.Int, error) {
	p, err := c.vault.market()
	if err != nil {
		return nil, err
	}
	return p.LTVCap, nil
}

// TransferIn pulls shares from an account into custody.
func (c *Custody) TransferIn(_ context.Context, from crypto.Address, amount *uint256.Int) error {
	return c.vault.Transfer(from, c.custodian, amount)
}

// TransferOut releases custodied shares to an account.
func (c *Custody) TransferOut(_ context.Context, to crypto.Address, amount *uint256.Int) error {
	return c.vault.Transfer(c.custodian, to, amount)
}

func copyInt(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}
