// Package checksum provides the hex digests used for archive verification.
package checksum

import (
	"crypto/md5" //nolint:gosec // dump mirrors publish md5sums, not a security boundary
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// MD5Reader returns the hex-encoded MD5 digest of everything readable from r.
func MD5Reader(r io.Reader) (string, error) {
	h := md5.New() //nolint:gosec
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("checksum: read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MD5File returns the hex-encoded MD5 digest of the file at path.
func MD5File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checksum: open %s: %w", path, err)
	}
	defer f.Close()
	return MD5Reader(f)
}
