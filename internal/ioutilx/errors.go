package ioutilx

import "errors"

var (
	// ErrHashMismatch indicates the in-memory write hash did not match the
	// read hash, suggesting corruption during in-memory I/O.
	ErrHashMismatch = errors.New("in-memory hash mismatch; possible corruption during in-memory I/O")

	// ErrVerifyMismatch indicates a post-write re-read of the destination
	// did not match the source hash, suggesting corruption during the
	// disk write itself.
	ErrVerifyMismatch = errors.New("verify pass hash mismatch; possible corruption during disk-write I/O")
)
