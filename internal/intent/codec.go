package intent

import (
	"errors"
	"math"
	"strings"
)

// alphabet holds the symbols an intent id is written in. They survive the
// speech pipeline untouched and are never pronounced.
const alphabet = ",.:"

const base = len(alphabet)

// ErrInvalidEncoding is returned when a string is not a valid encoded id
var ErrInvalidEncoding = errors.New("invalid intent id encoding")

// Encode writes n in base 3 over the codec alphabet, most significant digit first.
// Zero encodes to the first alphabet symbol.
func Encode(n uint64) string {
	if n == 0 {
		return alphabet[:1]
	}

	var digits []byte
	for n > 0 {
		digits = append(digits, alphabet[n%uint64(base)])
		n /= uint64(base)
	}

	// reverse to most-significant first
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	return string(digits)
}

// Decode is the inverse of Encode. Any symbol outside the alphabet, an empty
// string or an overflowing value is an error.
func Decode(s string) (int, error) {
	if s == "" {
		return 0, ErrInvalidEncoding
	}

	x := 0
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(alphabet, s[i])
		if d < 0 {
			return 0, ErrInvalidEncoding
		}
		if x > (math.MaxInt-d)/base {
			return 0, ErrInvalidEncoding
		}
		x = x*base + d
	}
	return x, nil
}
