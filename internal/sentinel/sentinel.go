package sentinel

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by stores, the gallery and the recognition engine.
// Callers wrap them with context and match with errors.Is.
//
//   - ErrNotFound: identity, photo or presence event does not exist
//   - ErrInvalidInput: blank tag, undecodable image, malformed payload
//   - ErrQuotaExceeded: identity already holds the maximum number of reference photos
//   - ErrVerifier: a single verifier comparison failed or timed out
//   - ErrStorage: a database or object-store write failed
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrVerifier      = errors.New("verifier failure")
	ErrStorage       = errors.New("storage failure")
)

// Storage marks err as a storage failure for operation op.
// A nil err yields nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

// Invalid builds an ErrInvalidInput with a human readable reason.
func Invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, reason)
}
