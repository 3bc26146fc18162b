// LMSR (logarithmic market scoring rule) cost function over the fixed-point
// helpers in this package. The AMM acts as counterparty-of-last-resort when
// the order book cannot fill: its loss is bounded by b·ln(2) for a binary
// market.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package fixed

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrInvalidLiquidity is returned when the liquidity parameter b is zero.
var ErrInvalidLiquidity = errors.New("fixed: liquidity parameter b must be positive")

// LsmrCost computes the LMSR cost function
//
//	C(q) = b · ln(exp(qYes/b) + exp(qNo/b))
//
// qYes, qNo and b are raw share quantities (unscaled); the result is a raw
// quote amount. The exp arguments and the ln result are fixed-point.
func LsmrCost(qYes, qNo, b *uint256.Int) (uint256.Int, error) {
	if b.IsZero() {
		return uint256.Int{}, ErrInvalidLiquidity
	}

	xYes, err := Div(qYes, b)
	if err != nil {
		return uint256.Int{}, err
	}
	xNo, err := Div(qNo, b)
	if err != nil {
		return uint256.Int{}, err
	}

	expYes, err := ExpApprox(&xYes)
	if err != nil {
		return uint256.Int{}, err
	}
	expNo, err := ExpApprox(&xNo)
	if err != nil {
		return uint256.Int{}, err
	}

	sum, err := Add(&expYes, &expNo)
	if err != nil {
		return uint256.Int{}, err
	}
	lnSum, err := LnApprox(&sum)
	if err != nil {
		return uint256.Int{}, err
	}

	return MulDiv(b, &lnSum, scaleInt)
}

// CostToYes returns the marginal cost of buying deltaQ YES shares:
//
//	C(qYes + Δq, qNo) − C(qYes, qNo)
//
// Non-negative for Δq ≥ 0 since the cost function is monotonic.
func CostToYes(qYes, qNo, b *uint256.Int, deltaQ uint64) (uint256.Int, error) {
	delta := uint256.NewInt(deltaQ)
	newYes, err := Add(qYes, delta)
	if err != nil {
		return uint256.Int{}, err
	}
	after, err := LsmrCost(&newYes, qNo, b)
	if err != nil {
		return uint256.Int{}, err
	}
	before, err := LsmrCost(qYes, qNo, b)
	if err != nil {
		return uint256.Int{}, err
	}
	return Sub(&after, &before)
}

// CostToNo returns the marginal cost of buying deltaQ NO shares. Uses the
// symmetry C(a, b) = C(b, a).
func CostToNo(qYes, qNo, b *uint256.Int, deltaQ uint64) (uint256.Int, error) {
	return CostToYes(qNo, qYes, b, deltaQ)
}

// PricePerToken returns the instantaneous probability-weighted price of one
// outcome share, in fixed-point:
//
//	p_yes = exp(qYes/b) / (exp(qYes/b) + exp(qNo/b))
//	p_no  = Scale − p_yes
//
// The two outcome prices always sum to exactly Scale (complementarity).
func PricePerToken(qYes, qNo, b *uint256.Int, yes bool) (uint256.Int, error) {
	if b.IsZero() {
		return uint256.Int{}, ErrMath
	}

	xYes, err := Div(qYes, b)
	if err != nil {
		return uint256.Int{}, err
	}
	xNo, err := Div(qNo, b)
	if err != nil {
		return uint256.Int{}, err
	}

	expYes, err := ExpApprox(&xYes)
	if err != nil {
		return uint256.Int{}, err
	}
	expNo, err := ExpApprox(&xNo)
	if err != nil {
		return uint256.Int{}, err
	}

	sum, err := Add(&expYes, &expNo)
	if err != nil {
		return uint256.Int{}, err
	}
	if sum.IsZero() {
		return uint256.Int{}, ErrMath
	}

	probYes, err := MulDiv(&expYes, scaleInt, &sum)
	if err != nil {
		return uint256.Int{}, err
	}
	if yes {
		return probYes, nil
	}
	return Sub(scaleInt, &probYes)
}

// AmmBuy prices a buy of quantity shares of one outcome against the virtual
// reserves and returns the quote cost together with the updated reserves.
// The reserves are returned rather than mutated so a failed numeric step
// commits nothing.
func AmmBuy(qYes, qNo, b *uint256.Int, yes bool, quantity uint64) (cost, newYes, newNo uint256.Int, err error) {
	if quantity == 0 {
		return uint256.Int{}, *qYes, *qNo, nil
	}

	if yes {
		cost, err = CostToYes(qYes, qNo, b, quantity)
	} else {
		cost, err = CostToNo(qYes, qNo, b, quantity)
	}
	if err != nil {
		return uint256.Int{}, uint256.Int{}, uint256.Int{}, err
	}

	delta := uint256.NewInt(quantity)
	newYes, newNo = *qYes, *qNo
	if yes {
		newYes, err = Add(qYes, delta)
	} else {
		newNo, err = Add(qNo, delta)
	}
	if err != nil {
		return uint256.Int{}, uint256.Int{}, uint256.Int{}, err
	}
	return cost, newYes, newNo, nil
}

// AmmSell prices a sale of quantity shares back to the AMM and returns the
// quote payout together with the updated reserves. Fails with ErrMath when
// the reserves cannot absorb the sale.
func AmmSell(qYes, qNo, b *uint256.Int, yes bool, quantity uint64) (payout, newYes, newNo uint256.Int, err error) {
	if quantity == 0 {
		return uint256.Int{}, *qYes, *qNo, nil
	}

	delta := uint256.NewInt(quantity)
	newYes, newNo = *qYes, *qNo
	if yes {
		newYes, err = Sub(qYes, delta)
	} else {
		newNo, err = Sub(qNo, delta)
	}
	if err != nil {
		return uint256.Int{}, uint256.Int{}, uint256.Int{}, err
	}

	before, err := LsmrCost(qYes, qNo, b)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, uint256.Int{}, err
	}
	after, err := LsmrCost(&newYes, &newNo, b)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, uint256.Int{}, err
	}
	payout, err = Sub(&before, &after)
	if err != nil {
		return uint256.Int{}, uint256.Int{}, uint256.Int{}, err
	}
	return payout, newYes, newNo, nil
}
