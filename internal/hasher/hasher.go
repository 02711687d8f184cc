// Package hasher computes the progressive fingerprints the scan pipeline
// uses to narrow duplicate candidates before paying for a full read
// (spec §4.2 Hasher).
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HeadBytes is the number of leading bytes read for the quick hash stage.
// Two files with different head hashes can never be duplicates; matching
// head hashes only narrow the candidate set (spec §4.2).
const HeadBytes = 64 * 1024

// streamChunk is the buffer size used when hashing an entire file, chosen to
// bound peak memory independent of file size.
const streamChunk = 4096

// Algorithm names the digest used throughout the catalog. It is fixed
// process-wide: mixing algorithms within one catalog would make full_hash
// columns incomparable across files hashed by different runs.
const Algorithm = "sha256"

// QuickHash returns the hex-encoded SHA-256 of the first HeadBytes of the
// file at path, along with the number of bytes actually read. Files shorter
// than HeadBytes are hashed in full; this is intentional — a short file's
// quick hash already equals its full hash, so the full-hash stage for it is
// a cheap no-op re-read rather than a skipped stage, keeping the pipeline's
// stage contract uniform.
func QuickHash(path string) (digest string, bytesRead int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("hasher: open %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.CopyN(h, f, HeadBytes)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", n, fmt.Errorf("hasher: read %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// FullHash returns the hex-encoded SHA-256 of the entire file at path.
//
// Zero-byte files are hashed like any other file — they are not
// special-cased or skipped — because spec §8 (Testable Properties)
// requires every zero-byte file to hash to the fixed SHA-256-of-empty-input
// digest (e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855)
// and cluster together as duplicates when more than one exists.
func FullHash(path string) (digest string, bytesRead int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("hasher: open %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, streamChunk)
	n, err := io.CopyBuffer(h, f, buf)
	if err != nil {
		return "", n, fmt.Errorf("hasher: read %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// HashFile computes both the quick and full hashes in a single pass,
// avoiding opening the file twice when the caller already knows it needs
// both (e.g. re-hashing a cache-miss file end to end).
func HashFile(path string) (quick, full string, bytesRead int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", 0, fmt.Errorf("hasher: open %q: %w", path, err)
	}
	defer f.Close()

	fullHasher := sha256.New()
	head := make([]byte, HeadBytes)
	buf := make([]byte, streamChunk)

	var total int64
	headN, err := io.ReadFull(f, head)
	switch err {
	case nil, io.ErrUnexpectedEOF, io.EOF:
		// ErrUnexpectedEOF/EOF mean the file is shorter than HeadBytes; headN
		// still holds the bytes actually read.
	default:
		return "", "", 0, fmt.Errorf("hasher: read %q: %w", path, err)
	}
	quickHasher := sha256.New()
	quickHasher.Write(head[:headN])
	fullHasher.Write(head[:headN])
	total += int64(headN)

	n, err := io.CopyBuffer(fullHasher, f, buf)
	if err != nil {
		return "", "", total, fmt.Errorf("hasher: read %q: %w", path, err)
	}
	total += n

	return hex.EncodeToString(quickHasher.Sum(nil)), hex.EncodeToString(fullHasher.Sum(nil)), total, nil
}
