package timeline

import "errors"

var (
	// ErrInvalidPayload marks entry content rejected before any digest work.
	ErrInvalidPayload = errors.New("invalid timeline payload")
	// ErrDigest marks content that could not be canonicalized or digested.
	ErrDigest = errors.New("timeline digest failed")
)

const (
	ErrorChainBroken  = "Hash chain broken"
	ErrorHashMismatch = "Entry hash mismatch"
)
