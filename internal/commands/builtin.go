package commands

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/memohai/evernoterobot/internal/notes"
	"github.com/memohai/evernoterobot/internal/telegram"
	"github.com/memohai/evernoterobot/internal/users"
)

const (
	modeOneNoteLabel       = "One note"
	modeMultipleNotesLabel = "Multiple notes"

	notLinkedText = "Please, sign in to Evernote first: /start"
)

// Messenger sends chat messages.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts ...telegram.SendOption) (int, error)
}

// UserWriter persists user records and keeps the credential cache in step.
type UserWriter interface {
	Save(ctx context.Context, u users.User) (users.User, error)
}

type SessionWriter interface {
	SaveStartSession(ctx context.Context, sess users.StartSession) error
}

// NotesAuth is the slice of the note service the commands use.
type NotesAuth interface {
	RequestToken(ctx context.Context, callbackURL string) (notes.RequestToken, error)
	ListNotebooks(ctx context.Context, accessToken string) ([]notes.Notebook, error)
}

type Deps struct {
	Messenger   Messenger
	Users       UserWriter
	Sessions    SessionWriter
	Notes       NotesAuth
	CallbackURL string
	NewKey      func() string
}

// Builtin returns the compiled-in command table.
func Builtin(d Deps) []Command {
	if d.NewKey == nil {
		d.NewKey = uuid.NewString
	}
	return []Command{
		&startCommand{deps: d},
		&helpCommand{deps: d},
		&notebookCommand{deps: d},
		&switchModeCommand{deps: d},
	}
}

type startCommand struct{ deps Deps }

func (c *startCommand) Name() string        { return "start" }
func (c *startCommand) Description() string { return "Connect your Evernote account" }

func (c *startCommand) Execute(ctx context.Context, user users.User, msg telegram.Message) error {
	key := c.deps.NewKey()
	callback, err := withQuery(c.deps.CallbackURL, "key", key)
	if err != nil {
		return err
	}
	token, err := c.deps.Notes.RequestToken(ctx, callback)
	if err != nil {
		return fmt.Errorf("request oauth token: %w", err)
	}
	err = c.deps.Sessions.SaveStartSession(ctx, users.StartSession{
		UserID:           msg.UserID,
		ChatID:           msg.ChatID,
		OAuthToken:       token.Token,
		OAuthTokenSecret: token.Secret,
		OAuthURL:         token.AuthURL,
		CallbackKey:      key,
	})
	if err != nil {
		return err
	}

	user.ID = msg.UserID
	user.ChatID = msg.ChatID
	if msg.Username != "" {
		user.Username = msg.Username
	}
	if user.Mode == "" {
		user.Mode = users.ModeMultipleNotes
	}
	user.PendingState = users.PendingNone
	if _, err := c.deps.Users.Save(ctx, user); err != nil {
		return err
	}

	text := "Welcome! Please, authorize the bot to use your Evernote account:\n" + token.AuthURL
	_, err = c.deps.Messenger.SendMessage(ctx, msg.ChatID, text, telegram.WithURLButton("Sign in to Evernote", token.AuthURL))
	return err
}

type helpCommand struct{ deps Deps }

func (c *helpCommand) Name() string        { return "help" }
func (c *helpCommand) Description() string { return "Show help" }

func (c *helpCommand) Execute(ctx context.Context, _ users.User, msg telegram.Message) error {
	text := strings.Join([]string{
		"This bot saves your messages to Evernote.",
		"Send text, photos, voice messages, locations or files and each becomes a note.",
		"",
		"/start - connect your Evernote account",
		"/notebook - choose the notebook for new notes",
		"/switch_mode - one note for everything or a note per message",
		"/help - this message",
	}, "\n")
	_, err := c.deps.Messenger.SendMessage(ctx, msg.ChatID, text)
	return err
}

type notebookCommand struct{ deps Deps }

func (c *notebookCommand) Name() string        { return "notebook" }
func (c *notebookCommand) Description() string { return "Select the current notebook" }

func (c *notebookCommand) Execute(ctx context.Context, user users.User, msg telegram.Message) error {
	if !user.Linked() {
		_, err := c.deps.Messenger.SendMessage(ctx, msg.ChatID, notLinkedText)
		return err
	}
	notebooks, err := c.deps.Notes.ListNotebooks(ctx, user.AccessToken)
	if err != nil {
		return fmt.Errorf("list notebooks: %w", err)
	}
	names := make([]string, 0, len(notebooks))
	for _, nb := range notebooks {
		names = append(names, nb.Name)
	}
	user.PendingState = users.PendingSelectNotebook
	if _, err := c.deps.Users.Save(ctx, user); err != nil {
		return err
	}
	_, err = c.deps.Messenger.SendMessage(ctx, msg.ChatID, "Please, select notebook", telegram.WithKeyboard(names))
	return err
}

type switchModeCommand struct{ deps Deps }

func (c *switchModeCommand) Name() string        { return "switch_mode" }
func (c *switchModeCommand) Description() string { return "Switch between one note and multiple notes" }

func (c *switchModeCommand) Execute(ctx context.Context, user users.User, msg telegram.Message) error {
	if !user.Linked() {
		_, err := c.deps.Messenger.SendMessage(ctx, msg.ChatID, notLinkedText)
		return err
	}
	buttons := []string{
		ModeLabel(users.ModeOneNote, user.Mode),
		ModeLabel(users.ModeMultipleNotes, user.Mode),
	}
	user.PendingState = users.PendingSwitchMode
	if _, err := c.deps.Users.Save(ctx, user); err != nil {
		return err
	}
	_, err := c.deps.Messenger.SendMessage(ctx, msg.ChatID, "Please, select mode", telegram.WithKeyboard(buttons))
	return err
}

// ModeLabel is the keyboard label for mode, marked "> … <" when current.
func ModeLabel(mode, current users.Mode) string {
	label := modeMultipleNotesLabel
	if mode == users.ModeOneNote {
		label = modeOneNoteLabel
	}
	if mode == current {
		return "> " + label + " <"
	}
	return label
}

// ParseModeLabel maps a keyboard reply back to a mode.
func ParseModeLabel(text string) (users.Mode, bool) {
	label := strings.TrimSpace(text)
	label = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(label, ">"), "<"))
	switch strings.ToLower(label) {
	case strings.ToLower(modeOneNoteLabel), string(users.ModeOneNote):
		return users.ModeOneNote, true
	case strings.ToLower(modeMultipleNotesLabel), string(users.ModeMultipleNotes):
		return users.ModeMultipleNotes, true
	}
	return "", false
}

func withQuery(raw, key, value string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse callback url: %w", err)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
