package notes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/evernoterobot/internal/media"
)

const maxErrorBody = 4096

// HTTPClient talks JSON to the note service gateway. Attachments are read from
// disk and sent inline with their en-media hashes.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(log *slog.Logger, baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("service", "notes")),
	}
}

func (c *HTTPClient) RequestToken(ctx context.Context, callbackURL string) (RequestToken, error) {
	var out RequestToken
	err := c.do(ctx, "request_token", http.MethodPost, "/oauth/request_token", "",
		map[string]string{"callback_url": callbackURL}, &out)
	if err != nil {
		return RequestToken{}, err
	}
	if out.Token == "" {
		return RequestToken{}, fmt.Errorf("notes request_token: empty oauth_token")
	}
	return out, nil
}

func (c *HTTPClient) AccessToken(ctx context.Context, token, secret, verifier string) (string, error) {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	err := c.do(ctx, "access_token", http.MethodPost, "/oauth/access_token", "", map[string]string{
		"oauth_token":        token,
		"oauth_token_secret": secret,
		"oauth_verifier":     verifier,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("notes access_token: empty access_token")
	}
	return out.AccessToken, nil
}

func (c *HTTPClient) ListNotebooks(ctx context.Context, accessToken string) ([]Notebook, error) {
	var out []Notebook
	if err := c.do(ctx, "list_notebooks", http.MethodGet, "/notebooks", accessToken, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) DefaultNotebook(ctx context.Context, accessToken string) (Notebook, error) {
	var out Notebook
	if err := c.do(ctx, "default_notebook", http.MethodGet, "/notebooks/default", accessToken, nil, &out); err != nil {
		return Notebook{}, err
	}
	return out, nil
}

type notePayload struct {
	Title        string     `json:"title,omitempty"`
	Content      string     `json:"content"`
	NotebookGUID string     `json:"notebook_guid,omitempty"`
	Resources    []Resource `json:"resources,omitempty"`
}

func (c *HTTPClient) CreateNote(ctx context.Context, accessToken string, in NoteInput) (Note, error) {
	resources, err := loadResources(in.Files)
	if err != nil {
		return Note{}, err
	}
	payload := notePayload{
		Title:        noteTitle(in.Title),
		Content:      Document(BodyFragment(in.Text, in.HTML, resources)),
		NotebookGUID: in.NotebookGUID,
		Resources:    resources,
	}
	var out Note
	if err := c.do(ctx, "create_note", http.MethodPost, "/notes", accessToken, payload, &out); err != nil {
		return Note{}, err
	}
	c.logger.Info("note created", slog.String("guid", out.GUID), slog.Int("resources", len(resources)))
	return out, nil
}

// AppendNote adds content to the end of an existing note.
func (c *HTTPClient) AppendNote(ctx context.Context, accessToken, noteGUID string, in NoteInput) error {
	resources, err := loadResources(in.Files)
	if err != nil {
		return err
	}
	fragment := BodyFragment(in.Text, in.HTML, resources)
	if in.Title != "" {
		fragment = "<div><b>" + escapeText(in.Title) + "</b></div>" + fragment
	}
	payload := notePayload{Content: fragment, Resources: resources}
	path := "/notes/" + url.PathEscape(noteGUID) + "/append"
	return c.do(ctx, "append_note", http.MethodPost, path, accessToken, payload, nil)
}

func (c *HTTPClient) do(ctx context.Context, op, method, path, accessToken string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("notes %s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("notes %s: build request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("notes %s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data)), Op: op}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("notes %s: decode response: %w", op, err)
	}
	return nil
}

func loadResources(files []Attachment) ([]Resource, error) {
	resources := make([]Resource, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, fmt.Errorf("read attachment: %w", err)
		}
		mime := media.BaseMime(f.Mime)
		if mime == "" {
			mime = media.MimeFromName(f.Path)
		}
		name := f.Name
		if name == "" {
			name = filepath.Base(f.Path)
		}
		resources = append(resources, NewResource(mime, name, data))
	}
	return resources, nil
}

func noteTitle(title string) string {
	title = strings.TrimSpace(title)
	if title == "" {
		return "Telegram note"
	}
	return title
}
