// Package checksum computes the content hashes used to verify artifacts at
// each pipeline hand-off. MD5 is fixed by the S3 ETag format; these values
// are integrity checks against accidental corruption, not authentication.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

const readBuf = 8192

// ContentHash returns the streaming MD5 of the file at path as a hex string.
// The same algorithm and chunking are used at dump time and at verification
// time so the digests compare byte-for-byte.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, readBuf)); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CompositeHash predicts the S3 multipart ETag for the file at path uploaded
// with fixed-size parts of chunkSize bytes: the MD5 of the concatenated
// per-chunk MD5s, expressed as "<hex>-<chunkCount>". Files no larger than one
// chunk degenerate to the plain content hash so the prediction stays valid
// for single-part uploads.
func CompositeHash(path string, chunkSize int64) (string, int, error) {
	if chunkSize <= 0 {
		return "", 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var parts [][]byte
	for {
		h := md5.New()
		n, err := io.CopyN(h, f, chunkSize)
		if n > 0 {
			parts = append(parts, h.Sum(nil))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, fmt.Errorf("hash chunk of %s: %w", path, err)
		}
	}

	if len(parts) <= 1 {
		digest, err := ContentHash(path)
		if err != nil {
			return "", 0, err
		}
		return digest, len(parts), nil
	}

	outer := md5.New()
	for _, p := range parts {
		outer.Write(p)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(outer.Sum(nil)), len(parts)), len(parts), nil
}

// TagsMatch reports whether the provider-returned tag equals either the plain
// content digest or the composite prediction. Quotes are stripped because S3
// returns ETags quoted. Missing values skip the check rather than fail it:
// callers without all three hashes cannot assert a mismatch.
func TagsMatch(remoteTag, plainDigest, compositeDigest string) bool {
	if remoteTag == "" || plainDigest == "" || compositeDigest == "" {
		return true
	}
	tag := strings.Trim(remoteTag, `"`)
	return tag == plainDigest || tag == compositeDigest
}
