package query

import (
	"math/big"
	"strings"
)

// FormatUnits renders value as a fixed-point decimal string with decimals
// fractional digits, the way wei is conventionally rendered in token
// units. Trailing fractional zeros are trimmed; a value that divides
// evenly renders with no decimal point at all.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		value = new(big.Int)
	}

	neg := value.Sign() < 0
	abs := new(big.Int).Abs(value)

	digits := abs.String()
	if decimals == 0 {
		if neg {
			return "-" + digits
		}
		return digits
	}

	for len(digits) <= int(decimals) {
		digits = "0" + digits
	}

	intPart := digits[:len(digits)-int(decimals)]
	fracPart := strings.TrimRight(digits[len(digits)-int(decimals):], "0")

	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg {
		out = "-" + out
	}
	return out
}
