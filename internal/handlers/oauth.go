package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/evernoterobot/internal/bot"
	"github.com/memohai/evernoterobot/internal/notes"
	"github.com/memohai/evernoterobot/internal/telegram"
	"github.com/memohai/evernoterobot/internal/users"
)

const (
	connectedText     = "Evernote account is connected.\nNow you can just send message and note be created.\nCurrent notebook: %s"
	declinedText      = "We are sorry, but you declined authorization 😢"
	connectFailedText = "❌ Failed to connect Evernote account. Please, try /start again"
)

type SessionReader interface {
	StartSessionByKey(ctx context.Context, key string) (users.StartSession, error)
}

type UserReader interface {
	Get(ctx context.Context, userID int64) (users.User, error)
}

// CredentialWriter stores the linked user through the credential cache.
type CredentialWriter interface {
	Save(ctx context.Context, u users.User) (users.User, error)
}

// OAuthNotes is the note service surface the callback needs.
type OAuthNotes interface {
	AccessToken(ctx context.Context, token, secret, verifier string) (string, error)
	DefaultNotebook(ctx context.Context, accessToken string) (notes.Notebook, error)
	bot.NoteWriter
}

type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts ...telegram.SendOption) (int, error)
}

type OAuthHandler struct {
	sessions  SessionReader
	users     UserReader
	creds     CredentialWriter
	notes     OAuthNotes
	messenger Messenger
	botURL    string
	logger    *slog.Logger
}

func NewOAuthHandler(log *slog.Logger, sessions SessionReader, userReader UserReader, creds CredentialWriter, noteService OAuthNotes, messenger Messenger, botURL string) *OAuthHandler {
	return &OAuthHandler{
		sessions:  sessions,
		users:     userReader,
		creds:     creds,
		notes:     noteService,
		messenger: messenger,
		botURL:    botURL,
		logger:    log.With(slog.String("handler", "oauth")),
	}
}

func (h *OAuthHandler) Register(e *echo.Echo) {
	e.GET("/evernote/oauth", h.Callback)
}

// Callback completes or declines account linking for the session named by
// key, then redirects to the bot.
func (h *OAuthHandler) Callback(c echo.Context) error {
	ctx := c.Request().Context()
	sess, err := h.sessions.StartSessionByKey(ctx, c.QueryParam("key"))
	if err != nil {
		if errors.Is(err, users.ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusForbidden, "unknown session")
		}
		h.logger.Error("load start session failed", slog.Any("error", err))
		return c.Redirect(http.StatusFound, h.botURL)
	}
	logger := h.logger.With(slog.Int64("user_id", sess.UserID))

	verifier := c.QueryParam("oauth_verifier")
	if verifier == "" {
		logger.Info("authorization declined")
		h.send(ctx, logger, sess.ChatID, declinedText)
		return c.Redirect(http.StatusFound, h.botURL)
	}

	notebook, err := h.link(ctx, sess, verifier)
	if err != nil {
		logger.Error("link account failed", slog.Any("error", err))
		h.send(ctx, logger, sess.ChatID, connectFailedText)
		return c.Redirect(http.StatusFound, h.botURL)
	}
	logger.Info("account linked", slog.String("notebook", notebook.GUID))
	h.send(ctx, logger, sess.ChatID, fmt.Sprintf(connectedText, notebook.Name))
	return c.Redirect(http.StatusFound, h.botURL)
}

func (h *OAuthHandler) link(ctx context.Context, sess users.StartSession, verifier string) (notes.Notebook, error) {
	token, err := h.notes.AccessToken(ctx, sess.OAuthToken, sess.OAuthTokenSecret, verifier)
	if err != nil {
		return notes.Notebook{}, fmt.Errorf("access token: %w", err)
	}
	notebook, err := h.notes.DefaultNotebook(ctx, token)
	if err != nil {
		return notes.Notebook{}, fmt.Errorf("default notebook: %w", err)
	}

	user, err := h.users.Get(ctx, sess.UserID)
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		user = users.User{ID: sess.UserID, Mode: users.ModeMultipleNotes}
	case err != nil:
		return notes.Notebook{}, err
	}
	user.ChatID = sess.ChatID
	user.AccessToken = token
	user.NotebookGUID = notebook.GUID
	user.NotebookName = notebook.Name
	user.PendingState = users.PendingNone
	user.OneNoteGUID = ""
	if user.Mode == users.ModeOneNote {
		guid, err := bot.CreateOneNote(ctx, h.notes, token, notebook.GUID)
		if err != nil {
			return notes.Notebook{}, err
		}
		user.OneNoteGUID = guid
	}
	if _, err := h.creds.Save(ctx, user); err != nil {
		return notes.Notebook{}, err
	}
	return notebook, nil
}

func (h *OAuthHandler) send(ctx context.Context, logger *slog.Logger, chatID int64, text string) {
	if _, err := h.messenger.SendMessage(context.WithoutCancel(ctx), chatID, text); err != nil {
		logger.Error("notify user failed", slog.Any("error", err))
	}
}
