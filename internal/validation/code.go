package validation

import (
	"encoding/base32"
	"fmt"
	"net/url"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// CodeLength is the length of a validation code: 128 random bits in base32
// without padding.
const CodeLength = 26

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewCode returns a fresh URL-safe validation code backed by a random UUID.
func NewCode() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate validation code: %w", err)
	}
	return codeEncoding.EncodeToString(id[:]), nil
}

// Normalize upper-cases user input and drops the dashes and spaces people add
// when copying a code by hand.
func Normalize(code string) string {
	return strings.ToUpper(strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, code))
}

// WellFormed reports whether code could have been produced by NewCode.
func WellFormed(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	_, err := codeEncoding.DecodeString(code)
	return err == nil
}

// URL composes the public verification link that is embedded in the rendered
// certificate's QR code.
func URL(baseURL, code string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return "/" + url.PathEscape(code)
	}
	return base + "/" + url.PathEscape(code)
}
