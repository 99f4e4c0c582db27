package subplatform

const (
	// FeeDenominator is the basis-point denominator for fee rates.
	FeeDenominator = 10_000

	// MaxPlatformFeeBPS caps the platform fee at 10%.
	MaxPlatformFeeBPS = 1_000

	// DefaultPlatformFeeBPS is the fee rate seeded when none is configured (5%).
	DefaultPlatformFeeBPS = 500
)

// splitFee divides a settled amount into the platform fee and creator
// proceeds. Truncating division; the remainder of the split goes to the
// creator so that fee + proceeds == amount exactly.
func splitFee(amount, feeBPS int64) (fee, creatorProceeds int64) {
	fee = amount * feeBPS / FeeDenominator
	return fee, amount - fee
}
