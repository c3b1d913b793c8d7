package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

const (
	// SecondsPerYear is the accrual denominator; a year is 365 days.
	SecondsPerYear = 31_536_000
	// FeeDenominator expresses borrow fee rates in parts per thousand.
	FeeDenominator = 1_000
	// MaxBorrowFeeRate is the immutable fee ceiling (5%).
	MaxBorrowFeeRate = 50
	// withdrawAllKeepPerMille is applied to WithdrawAll results to shave 0.1%.
	withdrawAllKeepPerMille = 999
	basisPoints             = 10_000
)

var (
	// Scale is the 1e18 fixed-point unit shared by prices, rates and ratios.
	Scale = uint256.NewInt(1_000_000_000_000_000_000)

	yearScale = new(uint256.Int).Mul(Scale, uint256.NewInt(SecondsPerYear))
)

// AccruedInterest returns simple interest on principal between since and now:
// principal * rate * elapsed / (1e18 * SecondsPerYear). rate is a 1e18-scaled
// yearly fraction. A clock that runs backwards counts as zero elapsed.
func AccruedInterest(rate, principal *uint256.Int, since, now uint64) (*uint256.Int, error) {
	if isZero(rate) || isZero(principal) || now <= since {
		return new(uint256.Int), nil
	}
	elapsed := uint256.NewInt(now - since)
	scaled, overflow := new(uint256.Int).MulOverflow(principal, rate)
	if overflow {
		return nil, fmt.Errorf("%w: principal * rate", ErrArithmeticOverflow)
	}
	return mulDiv(scaled, elapsed, yearScale)
}

// TotalDebt returns the account principal plus interest accrued since the
// account was last touched.
func TotalDebt(acc *Account, rate *uint256.Int, now uint64) (*uint256.Int, error) {
	if acc == nil {
		return new(uint256.Int), nil
	}
	principal := orZero(acc.BorrowedAmount)
	interest, err := AccruedInterest(rate, principal, acc.BorrowTime, now)
	if err != nil {
		return nil, err
	}
	return add(principal, interest)
}

// CollateralValue converts collateral shares into underlying value.
func CollateralValue(shares, pricePerShare *uint256.Int) (*uint256.Int, error) {
	return mulDiv(orZero(shares), orZero(pricePerShare), Scale)
}

// LoanToValue computes (borrow + debt) / value(collateral + delta) as a 1e18
// scaled ratio. Zero debt is a zero ratio; nonzero debt against zero
// collateral value fails with ErrZeroCollateralValue.
func LoanToValue(requestedBorrow, existingDebt, collateralDelta, existingCollateral, pricePerShare *uint256.Int) (*uint256.Int, error) {
	debt, err := add(orZero(requestedBorrow), orZero(existingDebt))
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return new(uint256.Int), nil
	}
	collateral, err := add(orZero(existingCollateral), orZero(collateralDelta))
	if err != nil {
		return nil, err
	}
	value, err := CollateralValue(collateral, pricePerShare)
	if err != nil {
		return nil, err
	}
	if value.IsZero() {
		return nil, ErrZeroCollateralValue
	}
	return mulDiv(debt, Scale, value)
}

// BorrowFee splits a borrow into the treasury fee and the borrower's net
// receipt. fee + net always equals amount.
func BorrowFee(amount *uint256.Int, feeRate uint64) (fee, net *uint256.Int, err error) {
	amount = orZero(amount)
	fee, err = mulDiv(amount, uint256.NewInt(feeRate), uint256.NewInt(FeeDenominator))
	if err != nil {
		return nil, nil, err
	}
	net, err = sub(amount, fee)
	if err != nil {
		return nil, nil, err
	}
	return fee, net, nil
}

// MinCollateral returns the smallest share balance that keeps debt at or
// under maxLTV at the given price: (debt / maxLTV) / pricePerShare.
func MinCollateral(debt, maxLTV, pricePerShare *uint256.Int) (*uint256.Int, error) {
	if isZero(debt) {
		return new(uint256.Int), nil
	}
	if isZero(maxLTV) || isZero(pricePerShare) {
		return nil, ErrZeroCollateralValue
	}
	value, err := mulDiv(debt, Scale, maxLTV)
	if err != nil {
		return nil, err
	}
	return mulDiv(value, Scale, pricePerShare)
}

// applyBuffer reduces ceiling by bufferBps basis points.
func applyBuffer(ceiling *uint256.Int, bufferBps uint64) (*uint256.Int, error) {
	if bufferBps >= basisPoints {
		return new(uint256.Int), nil
	}
	return mulDiv(ceiling, uint256.NewInt(basisPoints-bufferBps), uint256.NewInt(basisPoints))
}

func mulDiv(x, y, d *uint256.Int) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, fmt.Errorf("%w: division by zero", ErrArithmeticOverflow)
	}
	out, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func add(x, y *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func sub(x, y *uint256.Int) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

func isZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
