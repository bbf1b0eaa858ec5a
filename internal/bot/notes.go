package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/memohai/evernoterobot/internal/media"
	"github.com/memohai/evernoterobot/internal/notes"
	"github.com/memohai/evernoterobot/internal/queue"
	"github.com/memohai/evernoterobot/internal/telegram"
)

const maxTitleRunes = 64

func (r *Router) textNote(_ context.Context, msg telegram.Message) (notes.NoteInput, error) {
	return notes.NoteInput{Title: titleFromText(msg.Text), Text: msg.Text}, nil
}

func (r *Router) photoNote(ctx context.Context, msg telegram.Message) (notes.NoteInput, error) {
	photo, ok := msg.LargestPhoto()
	if !ok {
		return notes.NoteInput{}, errors.New("photo has no sizes")
	}
	task, err := r.download(ctx, queue.Request{
		FileID:     photo.FileID,
		OwnerRef:   ownerRef(msg),
		Kind:       string(media.KindPhoto),
		SourceMime: "image/jpeg",
	})
	if err != nil {
		return notes.NoteInput{}, err
	}
	return notes.NoteInput{
		Title: firstNonEmpty(msg.Caption, "Photo"),
		Text:  msg.Caption,
		Files: []notes.Attachment{{Path: task.LocalPath, Mime: task.Mime}},
	}, nil
}

func (r *Router) voiceNote(ctx context.Context, msg telegram.Message) (notes.NoteInput, error) {
	if msg.Voice == nil {
		return notes.NoteInput{}, errors.New("voice message has no file")
	}
	task, err := r.download(ctx, queue.Request{
		FileID:     msg.Voice.FileID,
		OwnerRef:   ownerRef(msg),
		Kind:       string(media.KindVoice),
		SourceMime: firstNonEmpty(msg.Voice.MimeType, "audio/ogg"),
		TargetMime: r.opts.VoiceTarget,
	})
	if err != nil {
		return notes.NoteInput{}, err
	}
	return notes.NoteInput{
		Title: firstNonEmpty(msg.Caption, "Voice"),
		Text:  msg.Caption,
		Files: []notes.Attachment{{Path: task.LocalPath, Mime: task.Mime}},
	}, nil
}

func (r *Router) documentNote(ctx context.Context, msg telegram.Message) (notes.NoteInput, error) {
	if msg.Document == nil {
		return notes.NoteInput{}, errors.New("document message has no file")
	}
	doc := msg.Document
	task, err := r.download(ctx, queue.Request{
		FileID:     doc.FileID,
		OwnerRef:   ownerRef(msg),
		Kind:       string(media.KindDocument),
		FileName:   doc.FileName,
		SourceMime: doc.MimeType,
	})
	if err != nil {
		return notes.NoteInput{}, err
	}
	return notes.NoteInput{
		Title: firstNonEmpty(doc.FileName, "Document"),
		Text:  msg.Caption,
		Files: []notes.Attachment{{Path: task.LocalPath, Mime: task.Mime, Name: doc.FileName}},
	}, nil
}

func (r *Router) locationNote(_ context.Context, msg telegram.Message) (notes.NoteInput, error) {
	if msg.Location == nil {
		return notes.NoteInput{}, errors.New("location message has no coordinates")
	}
	mapsURL := fmt.Sprintf("https://maps.google.com/maps?q=%f,%f", msg.Location.Latitude, msg.Location.Longitude)
	title := "Location"
	body := link(mapsURL)

	if v := msg.Venue; v != nil {
		title = firstNonEmpty(v.Title, title)
		parts := []string{html.EscapeString(v.Title), html.EscapeString(v.Address), link(mapsURL)}
		if v.FoursquareID != "" {
			parts = append(parts, link("https://foursquare.com/v/"+v.FoursquareID))
		}
		body = strings.Join(parts, "<br/>")
	}
	return notes.NoteInput{Title: title, Text: body, HTML: true}, nil
}

func link(url string) string {
	u := html.EscapeString(url)
	return `<a href="` + u + `">` + u + `</a>`
}

// titleFromText uses the first line of text, cut to a readable length.
func titleFromText(text string) string {
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimRightFunc(string(runes[:maxTitleRunes]), unicode.IsSpace) + "…"
}

func capitalize(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
