package users

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("start session not found")
)

// Mode controls whether every message becomes its own note or all messages
// are appended to a single note.
type Mode string

const (
	ModeMultipleNotes Mode = "multiple_notes"
	ModeOneNote       Mode = "one_note"
)

func (m Mode) Valid() bool {
	return m == ModeMultipleNotes || m == ModeOneNote
}

// PendingState names the prompt a user is expected to answer next.
type PendingState string

const (
	PendingNone           PendingState = ""
	PendingSelectNotebook PendingState = "select_notebook"
	PendingSwitchMode     PendingState = "switch_mode"
)

func (p PendingState) Valid() bool {
	switch p {
	case PendingNone, PendingSelectNotebook, PendingSwitchMode:
		return true
	}
	return false
}

// User is the durable per-user record.
type User struct {
	ID           int64        `json:"user_id" validate:"required"`
	ChatID       int64        `json:"chat_id" validate:"required"`
	Username     string       `json:"username,omitempty"`
	AccessToken  string       `json:"access_token,omitempty"`
	NotebookGUID string       `json:"notebook_guid,omitempty"`
	NotebookName string       `json:"notebook_name,omitempty"`
	Mode         Mode         `json:"mode" validate:"required,oneof=one_note multiple_notes"`
	PendingState PendingState `json:"pending_state,omitempty" validate:"omitempty,oneof=select_notebook switch_mode"`
	OneNoteGUID  string       `json:"one_note_guid,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Linked reports whether the user finished the OAuth flow.
func (u User) Linked() bool {
	return u.AccessToken != ""
}

// StartSession tracks an OAuth linking attempt until the callback arrives.
type StartSession struct {
	UserID           int64     `json:"user_id" validate:"required"`
	ChatID           int64     `json:"chat_id" validate:"required"`
	OAuthToken       string    `json:"oauth_token" validate:"required"`
	OAuthTokenSecret string    `json:"oauth_token_secret"`
	OAuthURL         string    `json:"oauth_url,omitempty"`
	CallbackKey      string    `json:"callback_key" validate:"required"`
	CreatedAt        time.Time `json:"created_at"`
}
