// Package codegen produces the short public codes that identify stored files.
package codegen

import (
	"crypto/rand"
	"fmt"

	"relaybox/internal/models"
)

const maxAttempts = 20

// unbiasedLimit is the largest multiple of the alphabet size that fits in a byte.
// Bytes at or above it are discarded so every symbol is equally likely.
const unbiasedLimit = 256 - 256%len(models.RetrievalCodeAlphabet)

// New returns a random retrieval code drawn uniformly from A-Z0-9.
func New() (string, error) {
	out := make([]byte, 0, models.RetrievalCodeLength)
	buf := make([]byte, models.RetrievalCodeLength*2)
	for len(out) < models.RetrievalCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= unbiasedLimit {
				continue
			}
			out = append(out, models.RetrievalCodeAlphabet[int(b)%len(models.RetrievalCodeAlphabet)])
			if len(out) == models.RetrievalCodeLength {
				break
			}
		}
	}
	return string(out), nil
}

// Unique draws codes from gen until exists reports one is free.
// A nil gen uses New.
func Unique(gen func() (string, error), exists func(string) (bool, error)) (string, error) {
	if gen == nil {
		gen = New
	}
	for i := 0; i < maxAttempts; i++ {
		code, err := gen()
		if err != nil {
			return "", err
		}
		if exists == nil {
			return code, nil
		}
		taken, err := exists(code)
		if err != nil {
			return "", err
		}
		if !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("unable to generate unique retrieval code")
}

// Valid reports whether code has the shape of a retrieval code.
func Valid(code string) bool {
	return models.IsRetrievalCode(code)
}
