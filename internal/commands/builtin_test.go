package commands

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/evernoterobot/internal/notes"
	"github.com/memohai/evernoterobot/internal/telegram"
	"github.com/memohai/evernoterobot/internal/users"
)

type sentMessage struct {
	chatID int64
	config tgbotapi.MessageConfig
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string, opts ...telegram.SendOption) (int, error) {
	cfg := tgbotapi.NewMessage(chatID, text)
	for _, opt := range opts {
		opt(&cfg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: chatID, config: cfg})
	return len(f.sent), nil
}

func (f *fakeMessenger) last(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1].config
}

type fakeUsers struct {
	saved []users.User
}

func (f *fakeUsers) Save(_ context.Context, u users.User) (users.User, error) {
	f.saved = append(f.saved, u)
	return u, nil
}

type fakeSessions struct {
	saved []users.StartSession
}

func (f *fakeSessions) SaveStartSession(_ context.Context, s users.StartSession) error {
	f.saved = append(f.saved, s)
	return nil
}

type fakeNotes struct {
	callback  string
	notebooks []notes.Notebook
	err       error
}

func (f *fakeNotes) RequestToken(_ context.Context, callbackURL string) (notes.RequestToken, error) {
	f.callback = callbackURL
	return notes.RequestToken{Token: "req-tok", Secret: "req-secret", AuthURL: "https://notes.example/authorize?oauth_token=req-tok"}, f.err
}

func (f *fakeNotes) ListNotebooks(context.Context, string) ([]notes.Notebook, error) {
	return f.notebooks, f.err
}

type fixture struct {
	messenger *fakeMessenger
	users     *fakeUsers
	sessions  *fakeSessions
	notes     *fakeNotes
	registry  *Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		messenger: &fakeMessenger{},
		users:     &fakeUsers{},
		sessions:  &fakeSessions{},
		notes:     &fakeNotes{},
	}
	r, err := Discover(Builtin(Deps{
		Messenger:   f.messenger,
		Users:       f.users,
		Sessions:    f.sessions,
		Notes:       f.notes,
		CallbackURL: "https://bot.example/evernote/oauth",
		NewKey:      func() string { return "key-1" },
	})...)
	require.NoError(t, err)
	f.registry = r
	return f
}

func (f fixture) run(t *testing.T, name string, u users.User) error {
	t.Helper()
	cmd, ok := f.registry.Lookup(name)
	require.True(t, ok)
	return cmd.Execute(context.Background(), u, telegram.Message{ChatID: 10, UserID: 1, Username: "alice", Kind: telegram.KindCommand, Command: name})
}

func keyboardLabels(t *testing.T, cfg tgbotapi.MessageConfig) []string {
	t.Helper()
	kb, ok := cfg.ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	require.True(t, ok, "expected reply keyboard, got %T", cfg.ReplyMarkup)
	assert.True(t, kb.OneTimeKeyboard)
	var labels []string
	for _, row := range kb.Keyboard {
		for _, b := range row {
			labels = append(labels, b.Text)
		}
	}
	return labels
}

func TestStartCreatesSessionAndUser(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.run(t, "start", users.User{}))

	u, err := url.Parse(f.notes.callback)
	require.NoError(t, err)
	assert.Equal(t, "key-1", u.Query().Get("key"))
	assert.Equal(t, "/evernote/oauth", u.Path)

	require.Len(t, f.sessions.saved, 1)
	sess := f.sessions.saved[0]
	assert.Equal(t, "key-1", sess.CallbackKey)
	assert.Equal(t, "req-tok", sess.OAuthToken)
	assert.Equal(t, "req-secret", sess.OAuthTokenSecret)
	assert.EqualValues(t, 10, sess.ChatID)

	require.Len(t, f.users.saved, 1)
	saved := f.users.saved[0]
	assert.EqualValues(t, 1, saved.ID)
	assert.Equal(t, users.ModeMultipleNotes, saved.Mode)
	assert.Equal(t, "alice", saved.Username)

	msg := f.messenger.last(t)
	assert.Contains(t, msg.Text, "https://notes.example/authorize")
	_, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	assert.True(t, ok)
}

func TestStartKeepsExistingMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.run(t, "start", users.User{ID: 1, ChatID: 10, Mode: users.ModeOneNote, AccessToken: "tok", PendingState: users.PendingSwitchMode}))
	saved := f.users.saved[0]
	assert.Equal(t, users.ModeOneNote, saved.Mode)
	assert.Equal(t, users.PendingNone, saved.PendingState)
}

func TestStartFailsWhenTokenRequestFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.notes.err = errors.New("unavailable")
	require.Error(t, f.run(t, "start", users.User{}))
	assert.Empty(t, f.sessions.saved)
	assert.Empty(t, f.users.saved)
}

func TestNotebookOffersNotebooks(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.notes.notebooks = []notes.Notebook{{GUID: "1", Name: "Inbox"}, {GUID: "2", Name: "Work"}}

	require.NoError(t, f.run(t, "notebook", users.User{ID: 1, ChatID: 10, AccessToken: "tok", Mode: users.ModeMultipleNotes}))

	msg := f.messenger.last(t)
	assert.Equal(t, "Please, select notebook", msg.Text)
	assert.Equal(t, []string{"Inbox", "Work"}, keyboardLabels(t, msg))
	require.Len(t, f.users.saved, 1)
	assert.Equal(t, users.PendingSelectNotebook, f.users.saved[0].PendingState)
}

func TestNotebookRequiresLink(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.run(t, "notebook", users.User{ID: 1, ChatID: 10}))
	assert.Contains(t, f.messenger.last(t).Text, "/start")
	assert.Empty(t, f.users.saved)
}

func TestSwitchModeMarksCurrentMode(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	require.NoError(t, f.run(t, "switch_mode", users.User{ID: 1, ChatID: 10, AccessToken: "tok", Mode: users.ModeMultipleNotes}))

	msg := f.messenger.last(t)
	assert.Equal(t, "Please, select mode", msg.Text)
	assert.Equal(t, []string{"One note", "> Multiple notes <"}, keyboardLabels(t, msg))
	assert.Equal(t, users.PendingSwitchMode, f.users.saved[0].PendingState)
}

func TestHelp(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.run(t, "help", users.User{}))
	assert.Contains(t, f.messenger.last(t).Text, "/switch_mode")
}

func TestParseModeLabel(t *testing.T) {
	t.Parallel()
	cases := map[string]users.Mode{
		"One note":           users.ModeOneNote,
		"> One note <":       users.ModeOneNote,
		"Multiple notes":     users.ModeMultipleNotes,
		"> Multiple notes <": users.ModeMultipleNotes,
		"one_note":           users.ModeOneNote,
	}
	for in, want := range cases {
		got, ok := ParseModeLabel(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseModeLabel("Inbox")
	assert.False(t, ok)
}
