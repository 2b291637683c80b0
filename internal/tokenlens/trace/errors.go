package trace

import "errors"

var (
	// ErrCapabilityUnsupported marks a tokenization form the server does
	// not offer; the fallback chain recovers from it.
	ErrCapabilityUnsupported = errors.New("tokenization capability unsupported")

	// ErrTokenizeExhausted means every tokenization form failed for a text.
	ErrTokenizeExhausted = errors.New("all tokenize attempts failed")

	// ErrMalformedResponse marks a structurally invalid server payload.
	ErrMalformedResponse = errors.New("malformed server response")
)
