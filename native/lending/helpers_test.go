package lending

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"debtledger/core/events"
	"debtledger/crypto"
)

var errInjected = errors.New("injected failure")

func makeAddress(prefix crypto.AddressPrefix, b byte) crypto.Address {
	return crypto.NewAddress(prefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

// tokens returns n whole units at 1e18 precision.
func tokens(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), Scale)
}

// milli returns n thousandths of a unit at 1e18 precision.
func milli(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000))
}

func percent(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(10_000_000_000_000_000))
}

type mockState struct {
	accounts map[string]*Account
	order    []crypto.Address
	meta     *Meta
	failPuts bool
}

func newMockState() *mockState {
	return &mockState{accounts: make(map[string]*Account)}
}

func (m *mockState) GetLendingAccount(addr crypto.Address) (*Account, bool, error) {
	acc, ok := m.accounts[addr.Key()]
	if !ok {
		return nil, false, nil
	}
	return acc.Clone(), true, nil
}

func (m *mockState) PutLendingAccount(acc *Account) error {
	if m.failPuts {
		return errInjected
	}
	key := acc.Address.Key()
	if _, ok := m.accounts[key]; !ok {
		m.order = append(m.order, acc.Address)
	}
	m.accounts[key] = acc.Clone()
	return nil
}

func (m *mockState) LendingAccounts() ([]crypto.Address, error) {
	return append([]crypto.Address(nil), m.order...), nil
}

func (m *mockState) GetLendingMeta() (*Meta, bool, error) {
	if m.meta == nil {
		return nil, false, nil
	}
	meta := *m.meta
	return &meta, true, nil
}

func (m *mockState) PutLendingMeta(meta *Meta) error {
	if m.failPuts {
		return errInjected
	}
	stored := *meta
	m.meta = &stored
	return nil
}

type fakeVault struct {
	custody  crypto.Address
	price    *uint256.Int
	rate     *uint256.Int
	cap      *uint256.Int
	shares   map[string]*uint256.Int
	failIn   bool
	failOut  bool
	onMove   func(ctx context.Context)
	transfer int
}

func newFakeVault(custody crypto.Address) *fakeVault {
	return &fakeVault{
		custody: custody,
		price:   new(uint256.Int).Set(Scale),
		rate:    percent(10),
		cap:     percent(80),
		shares:  make(map[string]*uint256.Int),
	}
}

func (v *fakeVault) PricePerShare(context.Context) (*uint256.Int, error) { return clone(v.price), nil }
func (v *fakeVault) InterestRate(context.Context) (*uint256.Int, error)  { return clone(v.rate), nil }
func (v *fakeVault) LTVCap(context.Context) (*uint256.Int, error)        { return clone(v.cap), nil }

func (v *fakeVault) balance(addr crypto.Address) *uint256.Int {
	return clone(v.shares[addr.Key()])
}

func (v *fakeVault) move(from, to crypto.Address, amount *uint256.Int) error {
	have := v.balance(from)
	if have.Lt(amount) {
		return errors.New("vault: insufficient shares")
	}
	v.shares[from.Key()] = have.Sub(have, amount)
	v.shares[to.Key()] = new(uint256.Int).Add(v.balance(to), amount)
	return nil
}

func (v *fakeVault) TransferIn(ctx context.Context, from crypto.Address, amount *uint256.Int) error {
	v.transfer++
	if v.onMove != nil {
		v.onMove(ctx)
	}
	if v.failIn {
		return errInjected
	}
	return v.move(from, v.custody, amount)
}

func (v *fakeVault) TransferOut(ctx context.Context, to crypto.Address, amount *uint256.Int) error {
	v.transfer++
	if v.onMove != nil {
		v.onMove(ctx)
	}
	if v.failOut {
		return errInjected
	}
	return v.move(v.custody, to, amount)
}

type fakeToken struct {
	issuer     crypto.Address
	balances   map[string]*uint256.Int
	allowances map[string]*uint256.Int
	available  *uint256.Int
	failMint   bool
	failBurn   bool
	failTo     map[string]bool
}

func newFakeToken(issuer crypto.Address) *fakeToken {
	return &fakeToken{
		issuer:     issuer,
		balances:   make(map[string]*uint256.Int),
		allowances: make(map[string]*uint256.Int),
		available:  tokens(1_000_000),
		failTo:     make(map[string]bool),
	}
}

func (t *fakeToken) balance(addr crypto.Address) *uint256.Int {
	return clone(t.balances[addr.Key()])
}

func (t *fakeToken) credit(addr crypto.Address, amount *uint256.Int) {
	t.balances[addr.Key()] = new(uint256.Int).Add(t.balance(addr), amount)
}

func (t *fakeToken) debit(addr crypto.Address, amount *uint256.Int) error {
	have := t.balance(addr)
	if have.Lt(amount) {
		return errors.New("token: insufficient balance")
	}
	t.balances[addr.Key()] = have.Sub(have, amount)
	return nil
}

func (t *fakeToken) approve(owner crypto.Address, amount *uint256.Int) {
	t.allowances[owner.Key()] = clone(amount)
}

func (t *fakeToken) Mint(_ context.Context, to crypto.Address, amount *uint256.Int) error {
	if t.failMint {
		return errInjected
	}
	if t.available.Lt(amount) {
		return errors.New("token: mint ceiling reached")
	}
	t.available.Sub(t.available, amount)
	t.credit(to, amount)
	return nil
}

func (t *fakeToken) Burn(_ context.Context, amount *uint256.Int) error {
	if t.failBurn {
		return errInjected
	}
	if err := t.debit(t.issuer, amount); err != nil {
		return err
	}
	t.available.Add(t.available, amount)
	return nil
}

func (t *fakeToken) BalanceOf(_ context.Context, account crypto.Address) (*uint256.Int, error) {
	return t.balance(account), nil
}

func (t *fakeToken) Transfer(_ context.Context, to crypto.Address, amount *uint256.Int) error {
	if t.failTo[to.Key()] {
		return errInjected
	}
	if err := t.debit(t.issuer, amount); err != nil {
		return err
	}
	t.credit(to, amount)
	return nil
}

func (t *fakeToken) TransferFrom(_ context.Context, from, to crypto.Address, amount *uint256.Int) error {
	allowance := clone(t.allowances[from.Key()])
	if allowance.Lt(amount) {
		return errors.New("token: allowance exceeded")
	}
	if err := t.debit(from, amount); err != nil {
		return err
	}
	t.allowances[from.Key()] = allowance.Sub(allowance, amount)
	t.credit(to, amount)
	return nil
}

func (t *fakeToken) Clawback(_ context.Context, from crypto.Address, amount *uint256.Int) error {
	if err := t.debit(from, amount); err != nil {
		return err
	}
	t.credit(t.issuer, amount)
	return nil
}

func (t *fakeToken) AvailableToMint(context.Context) (*uint256.Int, error) {
	return clone(t.available), nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) advance(seconds int64) {
	c.now = c.now.Add(time.Duration(seconds) * time.Second)
}

type stubPauseView struct {
	modules map[string]bool
}

func (s stubPauseView) IsPaused(module string) bool {
	return s.modules[module]
}

const (
	testStart         = 1_700_000_000
	testApprovalDelay = 3_600
	testFeeRate       = 5
)

type fixture struct {
	engine   *Engine
	state    *mockState
	vault    *fakeVault
	token    *fakeToken
	clock    *testClock
	emitter  *recordingEmitter
	registry *Registry
	ledger   crypto.Address
	manager  crypto.Address
	treasury crypto.Address
	user     crypto.Address
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		state:    newMockState(),
		clock:    &testClock{now: time.Unix(testStart, 0)},
		emitter:  &recordingEmitter{},
		registry: DefaultRegistry(),
		ledger:   makeAddress(crypto.ModulePrefix, 0x01),
		manager:  makeAddress(crypto.AccountPrefix, 0x02),
		treasury: makeAddress(crypto.AccountPrefix, 0x03),
		user:     makeAddress(crypto.AccountPrefix, 0x04),
	}
	f.vault = newFakeVault(f.ledger)
	f.token = newFakeToken(f.ledger)
	f.vault.shares[f.user.Key()] = tokens(1_000)

	f.engine = NewEngine(f.ledger, f.vault, f.token, f.registry)
	f.engine.SetState(f.state)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(f.clock.Now)
	if err := f.engine.Initialize(context.Background(), f.manager, InitParams{
		Treasury:      f.treasury,
		BorrowFeeRate: testFeeRate,
		ApprovalDelay: testApprovalDelay,
	}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return f
}

func (f *fixture) digest(t *testing.T) [32]byte {
	t.Helper()
	d, err := f.engine.StateDigest(context.Background())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return d
}

func (f *fixture) account(t *testing.T, addr crypto.Address) *Account {
	t.Helper()
	acc, ok, err := f.state.GetLendingAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !ok {
		return newAccount(addr)
	}
	return acc
}

func requireEqual(t *testing.T, label string, got, want *uint256.Int) {
	t.Helper()
	if got == nil || !got.Eq(want) {
		t.Fatalf("%s: got %v want %s", label, got, want.Dec())
	}
}
