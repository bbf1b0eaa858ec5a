package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBotAPI struct {
	mu    sync.Mutex
	calls map[string][]map[string]string
	reply map[string]string
}

func newFakeBotAPI(t *testing.T) (*fakeBotAPI, *httptest.Server) {
	t.Helper()
	f := &fakeBotAPI{
		calls: map[string][]map[string]string{},
		reply: map[string]string{
			"getMe":       `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Robot","username":"evernoterobot"}}`,
			"sendMessage": `{"ok":true,"result":{"message_id":42,"date":0,"chat":{"id":5,"type":"private"}}}`,
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		_ = r.ParseForm()
		params := map[string]string{}
		for k := range r.Form {
			params[k] = r.Form.Get(k)
		}
		f.mu.Lock()
		f.calls[method] = append(f.calls[method], params)
		body, ok := f.reply[method]
		f.mu.Unlock()
		if !ok {
			body = `{"ok":false,"error_code":404,"description":"Not Found"}`
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBotAPI) set(method, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply[method] = body
}

func (f *fakeBotAPI) last(method string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.calls[method]
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

func newTestClient(t *testing.T) (*Client, *fakeBotAPI) {
	t.Helper()
	f, srv := newFakeBotAPI(t)
	c, err := NewClientWithEndpoint(nil, "tok", srv.URL+"/bot%s/%s", srv.Client(), 1)
	require.NoError(t, err)
	return c, f
}

func TestClientIdentity(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t)
	assert.Equal(t, "evernoterobot", c.Username())
	assert.Equal(t, "https://t.me/evernoterobot", c.URL())
}

func TestSendMessageWithKeyboard(t *testing.T) {
	t.Parallel()
	c, f := newTestClient(t)

	id, err := c.SendMessage(context.Background(), 5, "Please, select notebook", WithKeyboard([]string{"Inbox", "Work"}))
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	params := f.last("sendMessage")
	require.NotNil(t, params)
	assert.Equal(t, "5", params["chat_id"])
	assert.Equal(t, "Please, select notebook", params["text"])
	assert.Contains(t, params["reply_markup"], `"one_time_keyboard":true`)
	assert.Contains(t, params["reply_markup"], "Inbox")
}

func TestSendMessageOptions(t *testing.T) {
	t.Parallel()
	c, f := newTestClient(t)
	ctx := context.Background()

	_, err := c.SendMessage(ctx, 5, "<b>hi</b>", WithHTML(), WithRemoveKeyboard())
	require.NoError(t, err)
	params := f.last("sendMessage")
	assert.Equal(t, "HTML", params["parse_mode"])
	assert.Contains(t, params["reply_markup"], `"remove_keyboard":true`)

	_, err = c.SendMessage(ctx, 5, "Connect", WithURLButton("Sign in", "https://example.com/oauth"))
	require.NoError(t, err)
	assert.Contains(t, f.last("sendMessage")["reply_markup"], "https://example.com/oauth")
}

func TestEditMessageTextIgnoresNotModified(t *testing.T) {
	t.Parallel()
	c, f := newTestClient(t)

	f.set("editMessageText", `{"ok":false,"error_code":400,"description":"Bad Request: message is not modified: specified new message content and reply markup are exactly the same"}`)
	require.NoError(t, c.EditMessageText(context.Background(), 5, 42, "✅ Text saved"))
	assert.Equal(t, "42", f.last("editMessageText")["message_id"])

	f.set("editMessageText", `{"ok":false,"error_code":400,"description":"Bad Request: message to edit not found"}`)
	err := c.EditMessageText(context.Background(), 5, 42, "✅ Text saved")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Status)
}

func TestFileURL(t *testing.T) {
	t.Parallel()
	c, f := newTestClient(t)
	ctx := context.Background()

	f.set("getFile", `{"ok":true,"result":{"file_id":"abc","file_unique_id":"u","file_size":10,"file_path":"photos/a.jpg"}}`)
	url, err := c.FileURL(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, "/file/bottok/photos/a.jpg"), url)
	assert.Equal(t, "abc", f.last("getFile")["file_id"])

	f.set("getFile", `{"ok":false,"error_code":400,"description":"Bad Request: invalid file_id"}`)
	_, err = c.FileURL(ctx, "zzz")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr), fmt.Sprint(err))
	assert.Equal(t, 400, apiErr.Status)
	assert.Contains(t, apiErr.Body, "invalid file_id")

	_, err = c.FileURL(ctx, " ")
	require.Error(t, err)
}

func TestSetCommands(t *testing.T) {
	t.Parallel()
	c, f := newTestClient(t)

	f.set("setMyCommands", `{"ok":true,"result":true}`)
	err := c.SetCommands(context.Background(), []CommandInfo{
		{Name: "start", Description: "Connect your Evernote account"},
		{Name: "notebook", Description: "Select notebook"},
	})
	require.NoError(t, err)
	params := f.last("setMyCommands")
	require.NotNil(t, params)
	assert.Contains(t, params["commands"], `"command":"start"`)
	assert.Contains(t, params["commands"], `"command":"notebook"`)

	f.set("setMyCommands", `{"ok":false,"error_code":400,"description":"Bad Request: BOT_COMMAND_INVALID"}`)
	err = c.SetCommands(context.Background(), []CommandInfo{{Name: "x", Description: "y"}})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 400, apiErr.Status)
}
