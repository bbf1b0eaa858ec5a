// Package bot routes inbound Telegram messages: commands go to the command
// registry, prompt replies update the user, everything else becomes a note.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/evernoterobot/internal/commands"
	"github.com/memohai/evernoterobot/internal/credentials"
	"github.com/memohai/evernoterobot/internal/notes"
	"github.com/memohai/evernoterobot/internal/queue"
	"github.com/memohai/evernoterobot/internal/telegram"
	"github.com/memohai/evernoterobot/internal/users"
)

const (
	DefaultDownloadWait = 10 * time.Minute
	DefaultAbandonWait  = 30 * time.Minute
	DefaultVoiceTarget  = "audio/wav"

	// OneNoteTitle is the title of the note collecting messages in one_note mode.
	OneNoteTitle = "Note for Evernoterobot"

	acceptedText    = "🔄 Accepted"
	notLinkedText   = "Please, sign in to Evernote first: /start"
	unknownCmdText  = "Unknown command. Type /help to see what I can do"
	unsupportedText = "Sorry, I can't save this kind of message yet"
	commandFailText = "❌ Something went wrong. Please, try again later"
)

type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts ...telegram.SendOption) (int, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text string) error
}

type UserReader interface {
	Get(ctx context.Context, userID int64) (users.User, error)
}

// Credentials resolves tokens and notebooks through the credential cache.
type Credentials interface {
	Get(ctx context.Context, userID int64) (credentials.Credential, error)
	NotebookGUID(ctx context.Context, userID int64, name string) (string, error)
	Save(ctx context.Context, u users.User) (users.User, error)
}

type NoteWriter interface {
	CreateNote(ctx context.Context, accessToken string, in notes.NoteInput) (notes.Note, error)
	AppendNote(ctx context.Context, accessToken, noteGUID string, in notes.NoteInput) error
}

// Downloads is the router's view of the download queue.
type Downloads interface {
	Enqueue(ctx context.Context, req queue.Request) (queue.Task, error)
	Wait(ctx context.Context, id string) (queue.Task, error)
	Cancel(ctx context.Context, id string, cause error) error
	Archive(ctx context.Context, id string) error
}

type Deps struct {
	Messenger   Messenger
	Users       UserReader
	Credentials Credentials
	Notes       NoteWriter
	Downloads   Downloads
	Commands    *commands.Registry
}

type Options struct {
	DownloadWait time.Duration
	// AbandonWait bounds how long a task a worker was still running when the
	// router gave up is watched so it can be archived.
	AbandonWait time.Duration
	VoiceTarget string
}

type Router struct {
	messenger Messenger
	users     UserReader
	creds     Credentials
	notes     NoteWriter
	downloads Downloads
	commands  *commands.Registry
	opts      Options
	oneNote   singleflight.Group
	logger    *slog.Logger
}

func New(log *slog.Logger, d Deps, opts Options) *Router {
	if log == nil {
		log = slog.Default()
	}
	if opts.DownloadWait <= 0 {
		opts.DownloadWait = DefaultDownloadWait
	}
	if opts.AbandonWait <= 0 {
		opts.AbandonWait = DefaultAbandonWait
	}
	if opts.VoiceTarget == "" {
		opts.VoiceTarget = DefaultVoiceTarget
	}
	return &Router{
		messenger: d.Messenger,
		users:     d.Users,
		creds:     d.Credentials,
		notes:     d.Notes,
		downloads: d.Downloads,
		commands:  d.Commands,
		opts:      opts,
		logger:    log.With(slog.String("service", "router")),
	}
}

// Handle processes one inbound message.
func (r *Router) Handle(ctx context.Context, msg telegram.Message) error {
	if msg.Kind == telegram.KindCommand {
		return r.handleCommand(ctx, msg)
	}

	user, err := r.users.Get(ctx, msg.UserID)
	if err != nil && !errors.Is(err, users.ErrUserNotFound) {
		return fmt.Errorf("load user %d: %w", msg.UserID, err)
	}
	if err != nil || !user.Linked() {
		return r.reply(ctx, msg.ChatID, notLinkedText)
	}

	if msg.Kind == telegram.KindText {
		switch user.PendingState {
		case users.PendingSelectNotebook:
			return r.selectNotebook(ctx, user, msg)
		case users.PendingSwitchMode:
			return r.switchMode(ctx, user, msg)
		}
	}

	switch msg.Kind {
	case telegram.KindText:
		return r.saveNote(ctx, user, msg, "text", r.textNote)
	case telegram.KindPhoto:
		return r.saveNote(ctx, user, msg, "image", r.photoNote)
	case telegram.KindVoice:
		return r.saveNote(ctx, user, msg, "voice", r.voiceNote)
	case telegram.KindLocation:
		return r.saveNote(ctx, user, msg, "location", r.locationNote)
	case telegram.KindDocument:
		return r.saveNote(ctx, user, msg, "document", r.documentNote)
	default:
		return r.reply(ctx, msg.ChatID, unsupportedText)
	}
}

func (r *Router) handleCommand(ctx context.Context, msg telegram.Message) error {
	cmd, ok := r.commands.Lookup(msg.Command)
	if !ok {
		return r.reply(ctx, msg.ChatID, unknownCmdText)
	}
	user, err := r.users.Get(ctx, msg.UserID)
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		user = users.User{ID: msg.UserID, ChatID: msg.ChatID, Username: msg.Username}
	case err != nil:
		return fmt.Errorf("load user %d: %w", msg.UserID, err)
	}
	if err := cmd.Execute(ctx, user, msg); err != nil {
		r.logger.Error("command failed",
			slog.String("command", cmd.Name()),
			slog.Int64("user_id", msg.UserID),
			slog.Any("error", err),
		)
		_ = r.reply(context.WithoutCancel(ctx), msg.ChatID, commandFailText)
		return fmt.Errorf("command %s: %w", cmd.Name(), err)
	}
	return nil
}

func (r *Router) selectNotebook(ctx context.Context, user users.User, msg telegram.Message) error {
	name := msg.Text
	guid, err := r.creds.NotebookGUID(ctx, user.ID, name)
	if err != nil {
		if errors.Is(err, credentials.ErrNotebookNotFound) {
			return r.reply(ctx, msg.ChatID, fmt.Sprintf("Notebook %q not found. Please, select another one", name))
		}
		_ = r.reply(context.WithoutCancel(ctx), msg.ChatID, commandFailText)
		return err
	}
	if user.NotebookGUID != guid {
		user.OneNoteGUID = ""
	}
	user.NotebookGUID = guid
	user.NotebookName = name
	user.PendingState = users.PendingNone
	if _, err := r.creds.Save(ctx, user); err != nil {
		_ = r.reply(context.WithoutCancel(ctx), msg.ChatID, commandFailText)
		return err
	}
	r.logger.Info("notebook selected", slog.Int64("user_id", user.ID), slog.String("notebook", guid))
	_, err = r.messenger.SendMessage(ctx, msg.ChatID, "From now your current notebook is: "+name, telegram.WithRemoveKeyboard())
	return err
}

func (r *Router) switchMode(ctx context.Context, user users.User, msg telegram.Message) error {
	mode, ok := commands.ParseModeLabel(msg.Text)
	if !ok {
		return r.reply(ctx, msg.ChatID, "Please, select mode")
	}
	if mode == users.ModeOneNote && user.Mode != users.ModeOneNote {
		user.OneNoteGUID = ""
	}
	user.Mode = mode
	user.PendingState = users.PendingNone
	if _, err := r.creds.Save(ctx, user); err != nil {
		_ = r.reply(context.WithoutCancel(ctx), msg.ChatID, commandFailText)
		return err
	}
	label := commands.ModeLabel(mode, "")
	_, err := r.messenger.SendMessage(ctx, msg.ChatID, "From now this bot in mode: "+label, telegram.WithRemoveKeyboard())
	return err
}

// noteBuilder produces the note for a message. It may block on downloads.
type noteBuilder func(ctx context.Context, msg telegram.Message) (notes.NoteInput, error)

// saveNote acknowledges the message, builds and stores the note, then edits
// the acknowledgment to the outcome. The acknowledgment is always resolved.
func (r *Router) saveNote(ctx context.Context, user users.User, msg telegram.Message, label string, build noteBuilder) error {
	statusID, err := r.messenger.SendMessage(ctx, msg.ChatID, acceptedText)
	if err != nil {
		return fmt.Errorf("send acknowledgment: %w", err)
	}
	logger := r.logger.With(slog.Int64("user_id", user.ID), slog.Int("message_id", msg.ID), slog.String("kind", label))

	err = r.storeNote(ctx, user, msg, build)
	status := "✅ " + capitalize(label) + " saved"
	if err != nil {
		logger.Error("save note failed", slog.Any("error", err))
		status = "❌ Failed to save " + label
	} else {
		logger.Info("note saved")
	}
	if editErr := r.messenger.EditMessageText(context.WithoutCancel(ctx), msg.ChatID, statusID, status); editErr != nil {
		logger.Error("edit status failed", slog.Any("error", editErr))
		if err == nil {
			err = editErr
		}
	}
	return err
}

func (r *Router) storeNote(ctx context.Context, user users.User, msg telegram.Message, build noteBuilder) error {
	in, err := build(ctx, msg)
	if err != nil {
		return err
	}
	cred, err := r.creds.Get(ctx, user.ID)
	if err != nil {
		return err
	}
	in.NotebookGUID = cred.NotebookGUID

	if user.Mode != users.ModeOneNote {
		_, err := r.notes.CreateNote(ctx, cred.AccessToken, in)
		return err
	}
	guid, err := r.oneNoteGUID(ctx, user, cred)
	if err != nil {
		return err
	}
	return r.notes.AppendNote(ctx, cred.AccessToken, guid, in)
}

// oneNoteGUID returns the user's collecting note, creating it on first use.
func (r *Router) oneNoteGUID(ctx context.Context, user users.User, cred credentials.Credential) (string, error) {
	if user.OneNoteGUID != "" {
		return user.OneNoteGUID, nil
	}
	v, err, _ := r.oneNote.Do(strconv.FormatInt(user.ID, 10), func() (any, error) {
		// Another message may have created it since user was loaded.
		if latest, err := r.users.Get(ctx, user.ID); err == nil && latest.OneNoteGUID != "" {
			return latest.OneNoteGUID, nil
		}
		guid, err := CreateOneNote(ctx, r.notes, cred.AccessToken, cred.NotebookGUID)
		if err != nil {
			return "", err
		}
		user.OneNoteGUID = guid
		if _, err := r.creds.Save(ctx, user); err != nil {
			return "", err
		}
		return guid, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// CreateOneNote creates the empty note that one_note mode appends to.
func CreateOneNote(ctx context.Context, w NoteWriter, accessToken, notebookGUID string) (string, error) {
	note, err := w.CreateNote(ctx, accessToken, notes.NoteInput{Title: OneNoteTitle, NotebookGUID: notebookGUID})
	if err != nil {
		return "", fmt.Errorf("create one note: %w", err)
	}
	return note.GUID, nil
}

// download enqueues a task and blocks until it is terminal or the wait
// bound expires. An abandoned task is failed if no worker has claimed it, and
// archived in the background once the worker finishes if one has.
func (r *Router) download(ctx context.Context, req queue.Request) (queue.Task, error) {
	task, err := r.downloads.Enqueue(ctx, req)
	if err != nil {
		return queue.Task{}, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, r.opts.DownloadWait)
	defer cancel()

	done, err := r.downloads.Wait(waitCtx, task.ID)
	cleanup := context.WithoutCancel(ctx)
	if err != nil {
		r.abandon(cleanup, task.ID, err)
		return queue.Task{}, fmt.Errorf("wait for download %s: %w", task.ID, err)
	}
	r.archive(cleanup, task.ID)
	if done.State != queue.StateCompleted {
		return queue.Task{}, fmt.Errorf("download %s %s: %s", task.ID, done.State, done.Error)
	}
	return done, nil
}

func (r *Router) abandon(ctx context.Context, id string, cause error) {
	cancelErr := r.downloads.Cancel(ctx, id, cause)
	var terr *queue.TransitionError
	switch {
	case cancelErr == nil:
		r.archive(ctx, id)
	case errors.As(cancelErr, &terr) && terr.Actual.Terminal():
		r.archive(ctx, id)
	case errors.As(cancelErr, &terr) && terr.Actual == queue.StateInProgress:
		go r.archiveWhenDone(ctx, id)
	default:
		r.logger.Warn("cancel abandoned task failed", slog.String("task_id", id), slog.Any("error", cancelErr))
	}
}

// archiveWhenDone waits for a claimed task the router no longer needs and
// archives it once terminal.
func (r *Router) archiveWhenDone(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.AbandonWait)
	defer cancel()
	if _, err := r.downloads.Wait(ctx, id); err != nil {
		r.logger.Warn("abandoned task did not finish", slog.String("task_id", id), slog.Any("error", err))
		return
	}
	r.archive(context.WithoutCancel(ctx), id)
}

func (r *Router) archive(ctx context.Context, id string) {
	if err := r.downloads.Archive(ctx, id); err != nil {
		r.logger.Warn("archive task failed", slog.String("task_id", id), slog.Any("error", err))
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) error {
	_, err := r.messenger.SendMessage(ctx, chatID, text)
	return err
}

func ownerRef(msg telegram.Message) string {
	return fmt.Sprintf("chat:%d:msg:%d", msg.ChatID, msg.ID)
}
