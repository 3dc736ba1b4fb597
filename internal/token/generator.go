package token

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

const (
	codeDigits = 16
	groupSize  = 4
)

// Generator produces candidate redemption codes.
type Generator interface {
	Generate() (string, error)
}

// RandomGenerator draws codes from a cryptographically secure source.
type RandomGenerator struct {
	src io.Reader
}

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *RandomGenerator {
	return &RandomGenerator{src: rand.Reader}
}

// Generate returns 16 uniformly distributed digits formatted as XXXX-XXXX-XXXX-XXXX.
func (g *RandomGenerator) Generate() (string, error) {
	digits := make([]byte, 0, codeDigits)
	buf := make([]byte, codeDigits)
	for len(digits) < codeDigits {
		if _, err := io.ReadFull(g.src, buf); err != nil {
			return "", fmt.Errorf("read random source: %w", err)
		}
		for _, b := range buf {
			// 250 is the largest multiple of 10 below 256; rejecting the rest keeps digits unbiased.
			if b >= 250 {
				continue
			}
			digits = append(digits, '0'+b%10)
			if len(digits) == codeDigits {
				break
			}
		}
	}
	return formatDigits(string(digits)), nil
}

// ValidCode reports whether code has the XXXX-XXXX-XXXX-XXXX shape.
func ValidCode(code string) bool {
	if len(code) != codeDigits+codeDigits/groupSize-1 {
		return false
	}
	for i, r := range code {
		if (i+1)%(groupSize+1) == 0 {
			if r != '-' {
				return false
			}
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Normalize accepts codes typed with spaces or without separators and returns
// the canonical hyphenated form. Input that cannot be normalised is returned trimmed.
func Normalize(code string) string {
	code = strings.TrimSpace(code)
	compact := strings.NewReplacer(" ", "", "-", "").Replace(code)
	if len(compact) != codeDigits {
		return code
	}
	for _, r := range compact {
		if r < '0' || r > '9' {
			return code
		}
	}
	return formatDigits(compact)
}

func formatDigits(digits string) string {
	groups := make([]string, 0, codeDigits/groupSize)
	for i := 0; i < len(digits); i += groupSize {
		groups = append(groups, digits[i:i+groupSize])
	}
	return strings.Join(groups, "-")
}
