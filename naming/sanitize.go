package naming

import (
	"strconv"
	"strings"
)

const (
	// Prefix is prepended to every sanitized identifier
	Prefix = "ros2_"

	// MaxLength bounds the total length of an identifier built with Prefix
	MaxLength = 256

	// ChecksumModulus keeps the rolling checksum within ten decimal digits
	ChecksumModulus = 1_000_000_007
)

// Sanitize maps input to a deterministic identifier of the form
// Prefix + sanitized text + decimal checksum, at most MaxLength bytes long.
func Sanitize(input string) string {
	return SanitizeWithPrefix(Prefix, input)
}

// SanitizeWithPrefix is Sanitize with a caller supplied prefix. The prefix and
// checksum are never cut; when they alone reach MaxLength the sanitized
// segment is dropped entirely. The result is at most MaxLength bytes only
// while len(prefix)+len(checksum) <= MaxLength, which always holds for Prefix
// since the checksum has at most ten digits.
func SanitizeWithPrefix(prefix, input string) string {
	sanitized := sanitizeRunes(input)
	sum := strconv.FormatUint(Checksum(input), 10)

	budget := MaxLength - len(prefix) - len(sum)
	if budget < 0 {
		budget = 0
	}
	// sanitized is pure ASCII, so byte length equals character count
	if len(sanitized) > budget {
		sanitized = sanitized[:budget]
	}

	var b strings.Builder
	b.Grow(len(prefix) + len(sanitized) + len(sum))
	b.WriteString(prefix)
	b.WriteString(sanitized)
	b.WriteString(sum)
	return b.String()
}

// Checksum computes the polynomial rolling hash of the raw bytes of input,
// sum = (sum*31 + b) mod ChecksumModulus.
func Checksum(input string) uint64 {
	var sum uint64
	for i := 0; i < len(input); i++ {
		sum = (sum*31 + uint64(input[i])) % ChecksumModulus
	}
	return sum
}

// sanitizeRunes replaces every rune that is not an ASCII letter or digit with
// a single underscore. Ranging over the string decodes runes, so a multi-byte
// character becomes one underscore; each invalid byte decodes to U+FFFD and
// becomes one underscore as well.
func sanitizeRunes(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if isASCIIAlphanumeric(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func isASCIIAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
