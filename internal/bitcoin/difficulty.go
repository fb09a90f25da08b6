package bitcoin

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/bardlex/poolcore/pkg/errors"
)

const (
	// TargetHexLen is the width of every target string: 256 bits.
	TargetHexLen = 64
	// leadingZeroScale converts a count of leading zero hex digits into the
	// coarse leading-zero difficulty carried on jobs.
	leadingZeroScale = 10
	// fallbackNBits is returned for an all-zero target.
	fallbackNBits = "1d00ffff"
)

// ErrInvalidDifficulty is returned for difficulties that are not finite and
// strictly positive.
var ErrInvalidDifficulty = errors.New(errors.ErrorTypeValidation, "target_from_difficulty", "difficulty must be finite and positive")

var (
	// maxTarget is 0xFFFF * 2^208, the difficulty-1 target.
	maxTarget = new(big.Int).Lsh(big.NewInt(0xFFFF), 208)
	// targetCeiling is the largest 256-bit value.
	targetCeiling = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// TargetFromDifficulty converts a difficulty into the 64-hex-character target
// floor(maxTarget / difficulty) and the leading-zero count derived from it.
//
// Returns:
//   - int: count of leading '0' characters of the target, divided by 10
//   - string: the target as 64 lowercase hex characters
//   - error: ErrInvalidDifficulty for zero, negative, NaN or infinite input
func TargetFromDifficulty(difficulty float64) (int, string, error) {
	if math.IsNaN(difficulty) || math.IsInf(difficulty, 0) || difficulty <= 0 {
		return 0, "", ErrInvalidDifficulty
	}

	quo := new(big.Float).SetPrec(512).SetInt(maxTarget)
	quo.Quo(quo, new(big.Float).SetPrec(512).SetFloat64(difficulty))

	target, _ := quo.Int(nil)
	if target.Cmp(targetCeiling) > 0 {
		target.Set(targetCeiling)
	}

	targetHex := fmt.Sprintf("%0*x", TargetHexLen, target)
	return LeadingZeroCount(targetHex), targetHex, nil
}

// LeadingZeroCount returns the number of leading '0' hex digits of targetHex
// divided by the fixed scale factor.
func LeadingZeroCount(targetHex string) int {
	return (len(targetHex) - len(strings.TrimLeft(targetHex, "0"))) / leadingZeroScale
}

// NBitsFromTarget encodes targetHex in the compact 8-hex-character form: a
// one-byte exponent counting the significant bytes, followed by the first
// three significant bytes.
func NBitsFromTarget(targetHex string) string {
	significant := strings.TrimLeft(targetHex, "0")
	if significant == "" {
		return fallbackNBits
	}

	exponent := (len(significant) + 1) / 2
	coefficient := significant
	if len(coefficient) > 6 {
		coefficient = coefficient[:6]
	}
	coefficient += strings.Repeat("0", 6-len(coefficient))

	return fmt.Sprintf("%02x%s", exponent, strings.ToLower(coefficient))
}
