package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns the NFKC form of s so visually identical input compares equal.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

// NormalizeEmail trims, NFKC-normalizes and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(Normalize(email)))
}
