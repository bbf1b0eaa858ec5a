package notes

import (
	"crypto/md5"
	"encoding/hex"
	"html"
	"strings"
)

const (
	enmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` +
		`<!DOCTYPE en-note SYSTEM "http://xml.evernote.com/pub/enml2.dtd">`
)

// Resource is an attachment encoded for upload.
type Resource struct {
	Mime     string `json:"mime"`
	FileName string `json:"file_name,omitempty"`
	Hash     string `json:"hash"`
	Data     []byte `json:"data"`
}

// NewResource hashes data the way the en-media tag references it.
func NewResource(mime, name string, data []byte) Resource {
	sum := md5.Sum(data)
	return Resource{Mime: mime, FileName: name, Hash: hex.EncodeToString(sum[:]), Data: data}
}

// BodyFragment renders text and media references without the en-note wrapper.
func BodyFragment(text string, isHTML bool, resources []Resource) string {
	var b strings.Builder
	if text != "" {
		if isHTML {
			b.WriteString(text)
		} else {
			b.WriteString(escapeText(text))
		}
	}
	for _, r := range resources {
		if b.Len() > 0 {
			b.WriteString("<br/>")
		}
		b.WriteString(`<en-media type="`)
		b.WriteString(html.EscapeString(r.Mime))
		b.WriteString(`" hash="`)
		b.WriteString(r.Hash)
		b.WriteString(`"/>`)
	}
	return b.String()
}

// Document wraps a fragment into a full ENML document.
func Document(fragment string) string {
	return enmlHeader + "<en-note>" + fragment + "</en-note>"
}

func escapeText(text string) string {
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	return strings.ReplaceAll(escaped, "\n", "<br/>")
}
