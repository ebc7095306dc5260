package otp

import (
	"crypto/rand"
)

const (
	alphaChars    = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	numChars      = "0123456789"
	alphaNumChars = alphaChars + numChars
)

// generateRandomString generates a cryptographically random string of
// length n from chars. Bytes that would bias the modulo are rejected so
// every char is equally likely.
func generateRandomString(n int, chars string) (string, error) {
	var (
		out = make([]byte, 0, n)
		buf = make([]byte, n)

		// Largest multiple of len(chars) that fits in a byte.
		limit = 256 - 256%len(chars)
	)

	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, v := range buf {
			if int(v) >= limit {
				continue
			}
			out = append(out, chars[int(v)%len(chars)])
			if len(out) == n {
				break
			}
		}
	}

	return string(out), nil
}
