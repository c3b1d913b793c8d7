package lending

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"debtledger/crypto"
)

func TestRegistryLookup(t *testing.T) {
	reg := DefaultRegistry()
	if got := reg.Names(); !reflect.DeepEqual(got, []string{PolicyBuffered, PolicyStandard}) {
		t.Fatalf("names: %v", got)
	}
	p, err := reg.Lookup(" buffered ")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if buffered, ok := p.(BufferedPolicy); !ok || buffered.BufferBps != DefaultBufferBps {
		t.Fatalf("unexpected policy %#v", p)
	}
	if _, err := reg.Lookup("nope"); !errors.Is(err, ErrUnknownPolicy) {
		t.Fatalf("expected ErrUnknownPolicy, got %v", err)
	}
	if err := reg.Register(nil); err == nil {
		t.Fatalf("expected nil policy to be rejected")
	}
}

func TestPolicyProposalsUseEnvClock(t *testing.T) {
	f := newFixture(t)
	env := f.engine.env(42)
	ctx := context.Background()

	proposal, err := StandardPolicy{}.ProposeBorrow(ctx, env, tokens(10), tokens(100), nil, nil)
	if err != nil {
		t.Fatalf("propose borrow: %v", err)
	}
	if proposal.Time != 42 {
		t.Fatalf("time: got %d", proposal.Time)
	}
	requireEqual(t, "debt", proposal.Debt, tokens(10))
	requireEqual(t, "collateral", proposal.Collateral, tokens(100))

	repay, err := StandardPolicy{}.ProposeRepay(ctx, env, tokens(4), tokens(10))
	if err != nil {
		t.Fatalf("propose repay: %v", err)
	}
	requireEqual(t, "debt after repay", repay.Debt, tokens(6))

	withdraw, err := StandardPolicy{}.ProposeWithdraw(ctx, env, tokens(25), tokens(100), tokens(10))
	if err != nil {
		t.Fatalf("propose withdraw: %v", err)
	}
	requireEqual(t, "collateral after withdraw", withdraw.Collateral, tokens(75))
	requireEqual(t, "debt unchanged", withdraw.Debt, tokens(10))
}

func TestConfigInitParams(t *testing.T) {
	treasury := makeAddress(crypto.AccountPrefix, 0x05)
	cfg := Config{Treasury: treasury.String(), BorrowFeeRate: 5, ApprovalDelaySeconds: 86_400, Policy: PolicyBuffered, PolicyBufferBps: 250}
	params, err := cfg.InitParams()
	if err != nil {
		t.Fatalf("init params: %v", err)
	}
	if !params.Treasury.Equal(treasury) || params.ApprovalDelay != 86_400 || params.Policy != PolicyBuffered {
		t.Fatalf("unexpected params %+v", params)
	}
	p, err := cfg.Registry().Lookup(PolicyBuffered)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.(BufferedPolicy).BufferBps != 250 {
		t.Fatalf("buffer not applied: %#v", p)
	}

	cfg.BorrowFeeRate = MaxBorrowFeeRate + 1
	if err := cfg.Validate(); !errors.Is(err, ErrFeeCapExceeded) {
		t.Fatalf("expected ErrFeeCapExceeded, got %v", err)
	}
}
