package media

import "errors"

var (
	// ErrFileTooLarge indicates the payload exceeds the configured max file size.
	ErrFileTooLarge = errors.New("media file too large")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
)
