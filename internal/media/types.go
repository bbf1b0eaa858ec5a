package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// Kind classifies an inbound attachment.
type Kind string

const (
	KindPhoto    Kind = "photo"
	KindVoice    Kind = "voice"
	KindDocument Kind = "document"
)

// BaseMime strips parameters and lowercases a Content-Type value.
func BaseMime(contentType string) string {
	v := strings.TrimSpace(contentType)
	if idx := strings.Index(v, ";"); idx >= 0 {
		v = v[:idx]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// ExtensionFromMime returns a file extension (with dot) for a mime type.
func ExtensionFromMime(contentType string) string {
	switch BaseMime(contentType) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "video/mp4":
		return ".mp4"
	case "application/pdf":
		return ".pdf"
	case "text/plain":
		return ".txt"
	case "":
		return ""
	default:
		return ".bin"
	}
}

// MimeFromName guesses a mime type from a file name, falling back to
// application/octet-stream.
func MimeFromName(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return BaseMime(t)
	}
	return "application/octet-stream"
}
