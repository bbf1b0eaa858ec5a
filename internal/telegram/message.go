package telegram

import (
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Kind is the routing category of an inbound message.
type Kind string

const (
	KindCommand     Kind = "command"
	KindText        Kind = "text"
	KindPhoto       Kind = "photo"
	KindVoice       Kind = "voice"
	KindLocation    Kind = "location"
	KindDocument    Kind = "document"
	KindUnsupported Kind = "unsupported"
)

type PhotoSize struct {
	FileID   string
	FileSize int
	Width    int
	Height   int
}

type File struct {
	FileID   string
	FileName string
	MimeType string
	FileSize int
}

type Location struct {
	Latitude  float64
	Longitude float64
}

type Venue struct {
	Title        string
	Address      string
	FoursquareID string
	Location     Location
}

// Message is the platform-neutral view of an inbound Telegram message.
type Message struct {
	ID          int
	ChatID      int64
	UserID      int64
	Username    string
	Kind        Kind
	Text        string
	Caption     string
	Command     string
	CommandArgs string
	Photos      []PhotoSize
	Voice       *File
	Document    *File
	Location    *Location
	Venue       *Venue
	Date        time.Time
}

// FromAPI normalizes a Bot API message. It returns false for messages without
// a sender or chat.
func FromAPI(msg *tgbotapi.Message) (Message, bool) {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return Message{}, false
	}
	m := Message{
		ID:       msg.MessageID,
		ChatID:   msg.Chat.ID,
		UserID:   msg.From.ID,
		Username: strings.TrimSpace(msg.From.UserName),
		Text:     strings.TrimSpace(msg.Text),
		Caption:  strings.TrimSpace(msg.Caption),
		Date:     time.Unix(int64(msg.Date), 0).UTC(),
	}
	switch {
	case msg.IsCommand():
		m.Kind = KindCommand
		m.Command = msg.Command()
		m.CommandArgs = strings.TrimSpace(msg.CommandArguments())
	case len(msg.Photo) > 0:
		m.Kind = KindPhoto
		for _, p := range msg.Photo {
			m.Photos = append(m.Photos, PhotoSize{FileID: p.FileID, FileSize: p.FileSize, Width: p.Width, Height: p.Height})
		}
	case msg.Voice != nil:
		m.Kind = KindVoice
		m.Voice = &File{FileID: msg.Voice.FileID, MimeType: msg.Voice.MimeType, FileSize: msg.Voice.FileSize}
	case msg.Venue != nil:
		m.Kind = KindLocation
		m.Venue = &Venue{
			Title:        msg.Venue.Title,
			Address:      msg.Venue.Address,
			FoursquareID: msg.Venue.FoursquareID,
			Location:     Location{Latitude: msg.Venue.Location.Latitude, Longitude: msg.Venue.Location.Longitude},
		}
		m.Location = &m.Venue.Location
	case msg.Location != nil:
		m.Kind = KindLocation
		m.Location = &Location{Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}
	case msg.Document != nil:
		m.Kind = KindDocument
		m.Document = &File{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MimeType: msg.Document.MimeType,
			FileSize: msg.Document.FileSize,
		}
	case m.Text != "":
		m.Kind = KindText
	default:
		m.Kind = KindUnsupported
	}
	return m, true
}

// LargestPhoto picks the size with the largest file size, breaking ties by
// pixel area.
func (m Message) LargestPhoto() (PhotoSize, bool) {
	if len(m.Photos) == 0 {
		return PhotoSize{}, false
	}
	best := m.Photos[0]
	for _, p := range m.Photos[1:] {
		if p.FileSize > best.FileSize {
			best = p
			continue
		}
		if p.FileSize == best.FileSize && p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best, true
}
