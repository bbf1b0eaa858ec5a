package media

import (
	"fmt"
	"io"
)

const (
	// MaxFileBytes is the largest file the Bot API lets a bot download.
	MaxFileBytes int64 = 20 * 1024 * 1024
)

// CopyWithLimit copies src to dst and rejects payloads larger than maxBytes.
// On ErrFileTooLarge dst has received up to maxBytes+1 bytes and should be
// discarded.
func CopyWithLimit(dst io.Writer, src io.Reader, maxBytes int64) (int64, error) {
	if src == nil {
		return 0, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		return 0, fmt.Errorf("max bytes must be greater than 0")
	}
	n, err := io.Copy(dst, &io.LimitedReader{R: src, N: maxBytes + 1})
	if err != nil {
		return n, err
	}
	if n > maxBytes {
		return n, fmt.Errorf("%w: max %d bytes", ErrFileTooLarge, maxBytes)
	}
	return n, nil
}
