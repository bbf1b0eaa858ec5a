package notes

import (
	"context"
	"fmt"
)

// Notebook identifies a notebook in the user's account.
type Notebook struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

// Attachment is a local file to embed in a note.
type Attachment struct {
	Path string
	Mime string
	Name string
}

// NoteInput describes note content. Text is plain text unless HTML is set, in
// which case it is inserted into the note body as markup.
type NoteInput struct {
	Title        string
	Text         string
	HTML         bool
	Files        []Attachment
	NotebookGUID string
}

type Note struct {
	GUID string `json:"guid"`
}

// RequestToken is the temporary credential issued at the start of OAuth.
type RequestToken struct {
	Token   string `json:"oauth_token"`
	Secret  string `json:"oauth_token_secret"`
	AuthURL string `json:"oauth_url"`
}

// Client is the note service collaborator.
type Client interface {
	RequestToken(ctx context.Context, callbackURL string) (RequestToken, error)
	AccessToken(ctx context.Context, token, secret, verifier string) (string, error)
	ListNotebooks(ctx context.Context, accessToken string) ([]Notebook, error)
	DefaultNotebook(ctx context.Context, accessToken string) (Notebook, error)
	CreateNote(ctx context.Context, accessToken string, in NoteInput) (Note, error)
	AppendNote(ctx context.Context, accessToken, noteGUID string, in NoteInput) error
}

// APIError carries the status and body of a failed note service call.
type APIError struct {
	Status int
	Body   string
	Op     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("notes %s: status %d: %s", e.Op, e.Status, e.Body)
}
