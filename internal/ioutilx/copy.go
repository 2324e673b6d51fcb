// Package ioutilx holds the buffered, hash-verified file copy routine
// shared by the worker and restore packages, generalized from the
// teacher's copyAndRemove in mode_move.go.
package ioutilx

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// copyBufSize is the buffered-stream chunk size used for file copies
// (spec.md §4.B suggests 128 KiB).
const copyBufSize = 128 * 1024

// contextReader wraps an io.Reader so a mid-transfer context cancellation
// is observed on the next Read, the same pattern as the teacher's
// contextReader in util.go.
type contextReader struct {
	ctx    context.Context //nolint:containedctx
	reader io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
		return cr.reader.Read(p)
	}
}

// CopyResult carries the hashes computed during a verified copy.
type CopyResult struct {
	SrcHash    string
	DstHash    string
	VerifyHash string
}

// CopyFile copies src to dst on fsys using a buffered stream, hashing both
// sides with blake3 and, when verify is true, re-reading dst afterward to
// verify the write landed intact (the teacher's --verify flow, generalized from
// promote-via-rename to mirror-via-copy). dst is truncated/created as
// needed; it is the caller's responsibility to have removed any
// conflicting non-regular entry first (worker/restore unified removal).
func CopyFile(ctx context.Context, fsys afero.Fs, src, dst string, verify bool) (CopyResult, error) {
	var result CopyResult

	in, err := fsys.Open(src)
	if err != nil {
		return result, fmt.Errorf("failed to open: %q (%w)", src, err)
	}
	defer in.Close()

	out, err := fsys.Create(dst)
	if err != nil {
		return result, fmt.Errorf("failed to create: %q (%w)", dst, err)
	}
	defer out.Close()

	srcHasher := blake3.New()
	dstHasher := blake3.New()

	reader := &contextReader{ctx: ctx, reader: io.TeeReader(in, srcHasher)}
	writer := io.MultiWriter(out, dstHasher)

	buf := make([]byte, copyBufSize)
	if _, err := io.CopyBuffer(writer, reader, buf); err != nil {
		return result, fmt.Errorf("failed during copy: %q -> %q (%w)", src, dst, err)
	}

	if syncer, ok := out.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return result, fmt.Errorf("failed to sync: %q (%w)", dst, err)
		}
	}

	if err := out.Close(); err != nil {
		return result, fmt.Errorf("failed to close: %q (%w)", dst, err)
	}

	if err := in.Close(); err != nil {
		return result, fmt.Errorf("failed to close: %q (%w)", src, err)
	}

	result.SrcHash = encodeHash(srcHasher)
	result.DstHash = encodeHash(dstHasher)

	if result.SrcHash != result.DstHash {
		return result, fmt.Errorf("%w: %q (src) != %q (dst)", ErrHashMismatch, result.SrcHash, result.DstHash)
	}

	if verify {
		verifyHasher := blake3.New()

		verifier, err := fsys.Open(dst)
		if err != nil {
			return result, fmt.Errorf("failed to re-open for verify pass: %q (%w)", dst, err)
		}
		defer verifier.Close()

		vreader := &contextReader{ctx: ctx, reader: verifier}
		if _, err := io.CopyBuffer(verifyHasher, vreader, buf); err != nil {
			return result, fmt.Errorf("failed to re-read for verify pass: %q (%w)", dst, err)
		}

		if err := verifier.Close(); err != nil {
			return result, fmt.Errorf("failed to close after verify pass: %q (%w)", dst, err)
		}

		result.VerifyHash = encodeHash(verifyHasher)

		if result.SrcHash != result.VerifyHash {
			return result, fmt.Errorf("%w: %q (src) != %q (verify)", ErrVerifyMismatch, result.SrcHash, result.VerifyHash)
		}
	}

	return result, nil
}

func encodeHash(h *blake3.Hasher) string {
	sum := h.Sum(nil)
	const hexDigits = "0123456789abcdef"

	out := make([]byte, len(sum)*2)
	for i, b := range sum {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}

	return string(out)
}
