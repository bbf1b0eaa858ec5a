package downloader

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// DownloadError reports a failed fetch. Status is the HTTP status of the
// failing request, or zero when no response was received.
type DownloadError struct {
	Status int
	Body   string
	URL    string
	Err    error

	transient bool
}

func (e *DownloadError) Error() string {
	var msg string
	switch {
	case e.Status != 0:
		msg = fmt.Sprintf("download %s: status %d: %s", e.URL, e.Status, e.Body)
	case e.Err != nil:
		msg = fmt.Sprintf("download %s: %v", e.URL, e.Err)
	default:
		msg = fmt.Sprintf("download %s failed", e.URL)
	}
	return redactToken(msg)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (e *DownloadError) Retryable() bool {
	if e.Status != 0 {
		return e.Status >= http.StatusInternalServerError || e.Status == http.StatusTooManyRequests
	}
	return e.transient
}

// botToken matches the token segment Telegram puts in file URLs.
var botToken = regexp.MustCompile(`bot\d+:[A-Za-z0-9_-]+`)

// redactToken hides every bot token in s.
func redactToken(s string) string {
	return botToken.ReplaceAllString(s, "bot***")
}

// stripURL drops the request URL net/http embeds in transport errors. The
// cause chain is kept for errors.Is.
func stripURL(err error) error {
	var uerr *url.Error
	if !errors.As(err, &uerr) {
		return err
	}
	return fmt.Errorf("%s: %w", strings.ToLower(uerr.Op), uerr.Err)
}
