package vault

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	// unlockPrecision is the fixed-point scale applied to the per-second
	// unlocking rate so sub-share rates survive integer division.
	unlockPrecision = mustBigInt("1000000000000") // 1e12
	maxUint256      = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// UnlimitedCap returns the sentinel deposit cap that disables the limit.
func UnlimitedCap() *big.Int { return new(big.Int).Set(maxUint256) }

func isUnlimited(v *big.Int) bool {
	return v != nil && v.Cmp(maxUint256) >= 0
}

// mulDivDown computes a*b/den rounding toward zero. A zero denominator yields
// zero rather than trapping; the degenerate supply cases are special-cased by
// the conversion helpers before division is reached.
func mulDivDown(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, den)
}

// mulDivUp computes a*b/den rounding away from zero.
func mulDivUp(a, b, den *big.Int) *big.Int {
	if a == nil || b == nil || den == nil || den.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, den, new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// bpsOf returns amount*bps/10_000 rounded down.
func bpsOf(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	return mulDivDown(amount, new(big.Int).SetUint64(bps), basisPoints)
}

func minBigInt(a, b *big.Int) *big.Int {
	if a == nil {
		return cloneBigInt(b)
	}
	if b == nil {
		return cloneBigInt(a)
	}
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

// subFloor returns a-b floored at zero.
func subFloor(a, b *big.Int) *big.Int {
	diff := new(big.Int).Sub(cloneBigInt(a), cloneBigInt(b))
	if diff.Sign() < 0 {
		return big.NewInt(0)
	}
	return diff
}
