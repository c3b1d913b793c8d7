package lending

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestAccruedInterestOneYear(t *testing.T) {
	got, err := AccruedInterest(percent(10), tokens(70), 0, SecondsPerYear)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	requireEqual(t, "interest", got, tokens(7))
}

func TestAccruedInterestClockSkew(t *testing.T) {
	got, err := AccruedInterest(percent(10), tokens(70), 100, 50)
	if err != nil {
		t.Fatalf("accrue: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("expected zero interest when now precedes since, got %s", got.Dec())
	}
}

func TestAccruedInterestOverflow(t *testing.T) {
	huge := new(uint256.Int).SetAllOne()
	if _, err := AccruedInterest(huge, huge, 0, 1); !errors.Is(err, ErrArithmeticOverflow) {
		t.Fatalf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestTotalDebtAddsInterestToPrincipal(t *testing.T) {
	acc := &Account{BorrowedAmount: tokens(70), BorrowTime: 1_000, CollateralAmount: tokens(100)}
	got, err := TotalDebt(acc, percent(10), 1_000+SecondsPerYear/2)
	if err != nil {
		t.Fatalf("total debt: %v", err)
	}
	requireEqual(t, "debt", got, milli(73_500))
}

func TestLoanToValue(t *testing.T) {
	cases := []struct {
		name       string
		borrow     *uint256.Int
		debt       *uint256.Int
		delta      *uint256.Int
		collateral *uint256.Int
		price      *uint256.Int
		want       *uint256.Int
	}{
		{"fresh borrow", tokens(70), nil, tokens(100), nil, Scale, percent(70)},
		{"existing debt", tokens(10), tokens(30), nil, tokens(100), Scale, percent(40)},
		{"appreciated shares", tokens(60), nil, nil, tokens(50), tokens(2), percent(60)},
		{"zero debt", nil, nil, nil, nil, Scale, new(uint256.Int)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LoanToValue(tc.borrow, tc.debt, tc.delta, tc.collateral, tc.price)
			if err != nil {
				t.Fatalf("ltv: %v", err)
			}
			requireEqual(t, "ltv", got, tc.want)
		})
	}
}

func TestLoanToValueZeroCollateral(t *testing.T) {
	if _, err := LoanToValue(tokens(1), nil, nil, nil, Scale); !errors.Is(err, ErrZeroCollateralValue) {
		t.Fatalf("expected ErrZeroCollateralValue, got %v", err)
	}
}

func TestBorrowFeeConservesAmount(t *testing.T) {
	amounts := []*uint256.Int{uint256.NewInt(1), uint256.NewInt(999), tokens(70), milli(12_345)}
	for _, rate := range []uint64{0, 1, 5, MaxBorrowFeeRate} {
		for _, amount := range amounts {
			fee, net, err := BorrowFee(amount, rate)
			if err != nil {
				t.Fatalf("fee: %v", err)
			}
			sum := new(uint256.Int).Add(fee, net)
			if !sum.Eq(amount) {
				t.Fatalf("rate %d amount %s: fee %s + net %s != amount", rate, amount.Dec(), fee.Dec(), net.Dec())
			}
		}
	}
}

func TestBorrowFeeFloors(t *testing.T) {
	fee, net, err := BorrowFee(uint256.NewInt(999), 5)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	requireEqual(t, "fee", fee, uint256.NewInt(4))
	requireEqual(t, "net", net, uint256.NewInt(995))
}

func TestMinCollateral(t *testing.T) {
	got, err := MinCollateral(tokens(40), percent(80), Scale)
	if err != nil {
		t.Fatalf("min collateral: %v", err)
	}
	requireEqual(t, "min", got, tokens(50))

	got, err = MinCollateral(tokens(40), percent(80), tokens(2))
	if err != nil {
		t.Fatalf("min collateral: %v", err)
	}
	requireEqual(t, "min at price 2", got, tokens(25))

	if _, err := MinCollateral(tokens(1), new(uint256.Int), Scale); !errors.Is(err, ErrZeroCollateralValue) {
		t.Fatalf("expected ErrZeroCollateralValue for zero cap, got %v", err)
	}
}

func TestApplyBuffer(t *testing.T) {
	got, err := applyBuffer(percent(80), 500)
	if err != nil {
		t.Fatalf("buffer: %v", err)
	}
	requireEqual(t, "buffered", got, percent(76))
}
