package debttoken_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/holiman/uint256"

	"debtledger/core/state"
	"debtledger/crypto"
	"debtledger/native/debttoken"
	"debtledger/storage"
)

func addr(b byte) crypto.Address {
	return crypto.NewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{b}, crypto.AddressLength))
}

func newToken(t *testing.T, owner crypto.Address) *debttoken.Token {
	t.Helper()
	tok := debttoken.New(state.NewManager(storage.NewMemDB()))
	if _, err := tok.Bootstrap(owner); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return tok
}

func TestIssuerAllowList(t *testing.T) {
	owner, issuer, user := addr(1), addr(2), addr(3)
	tok := newToken(t, owner)

	if err := tok.Mint(issuer, user, uint256.NewInt(1)); !errors.Is(err, debttoken.ErrNotAuthorized) {
		t.Fatalf("unlisted issuer minted: %v", err)
	}
	if err := tok.SetValidIssuer(issuer, issuer, uint256.NewInt(100)); !errors.Is(err, debttoken.ErrNotAuthorized) {
		t.Fatalf("non-owner listed an issuer: %v", err)
	}
	if err := tok.SetValidIssuer(owner, issuer, uint256.NewInt(100)); err != nil {
		t.Fatalf("set issuer: %v", err)
	}
	if err := tok.Mint(issuer, user, uint256.NewInt(70)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := tok.Mint(issuer, user, uint256.NewInt(31)); !errors.Is(err, debttoken.ErrMintCeiling) {
		t.Fatalf("expected ErrMintCeiling, got %v", err)
	}
	available, _ := tok.AvailableToMint(issuer)
	if available.Uint64() != 30 {
		t.Fatalf("available: %s", available.Dec())
	}

	if err := tok.SetValidIssuer(owner, issuer, nil); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := tok.Mint(issuer, user, uint256.NewInt(1)); !errors.Is(err, debttoken.ErrNotAuthorized) {
		t.Fatalf("revoked issuer minted: %v", err)
	}
}

func TestIssuerViewRepaymentFlow(t *testing.T) {
	owner, issuer, user := addr(1), addr(2), addr(3)
	tok := newToken(t, owner)
	if err := tok.SetValidIssuer(owner, issuer, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("set issuer: %v", err)
	}
	view := tok.As(issuer)
	ctx := context.Background()

	if err := view.Mint(ctx, user, uint256.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := view.TransferFrom(ctx, user, issuer, uint256.NewInt(20)); !errors.Is(err, debttoken.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if err := tok.Approve(user, issuer, uint256.NewInt(20)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := view.TransferFrom(ctx, user, issuer, uint256.NewInt(20)); err != nil {
		t.Fatalf("transfer from: %v", err)
	}
	if err := view.Burn(ctx, uint256.NewInt(20)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	supply, _ := tok.TotalSupply()
	balance, _ := view.BalanceOf(ctx, user)
	allowance, _ := tok.Allowance(user, issuer)
	available, _ := view.AvailableToMint(ctx)
	if supply.Uint64() != 30 || balance.Uint64() != 30 || !allowance.IsZero() || available.Uint64() != 970 {
		t.Fatalf("supply %s balance %s allowance %s available %s", supply.Dec(), balance.Dec(), allowance.Dec(), available.Dec())
	}
}

func TestTransferRequiresBalance(t *testing.T) {
	tok := newToken(t, addr(1))
	if err := tok.Transfer(addr(2), addr(3), uint256.NewInt(1)); !errors.Is(err, debttoken.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := tok.Transfer(addr(2), crypto.Address{}, uint256.NewInt(1)); !errors.Is(err, debttoken.ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestClawbackRequiresIssuer(t *testing.T) {
	owner, issuer, treasury := addr(1), addr(2), addr(3)
	tok := newToken(t, owner)
	if err := tok.SetValidIssuer(owner, issuer, uint256.NewInt(1_000)); err != nil {
		t.Fatalf("set issuer: %v", err)
	}
	view := tok.As(issuer)
	ctx := context.Background()
	if err := view.Mint(ctx, issuer, uint256.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := view.Transfer(ctx, treasury, uint256.NewInt(4)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if err := tok.Clawback(treasury, treasury, uint256.NewInt(4)); !errors.Is(err, debttoken.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if err := view.Clawback(ctx, treasury, uint256.NewInt(5)); !errors.Is(err, debttoken.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := view.Clawback(ctx, treasury, uint256.NewInt(4)); err != nil {
		t.Fatalf("clawback: %v", err)
	}
	if err := view.Burn(ctx, uint256.NewInt(10)); err != nil {
		t.Fatalf("burn after clawback: %v", err)
	}
	balance, _ := tok.BalanceOf(treasury)
	supply, _ := tok.TotalSupply()
	if !balance.IsZero() || !supply.IsZero() {
		t.Fatalf("balance %s supply %s", balance.Dec(), supply.Dec())
	}
}
