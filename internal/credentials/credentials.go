// Package credentials resolves per-user access tokens and notebook guids
// through the cache tiers, falling back to the durable user record.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/evernoterobot/internal/cache"
	"github.com/memohai/evernoterobot/internal/notes"
	"github.com/memohai/evernoterobot/internal/users"
)

// Credential is what the note service needs to act for a user.
type Credential struct {
	AccessToken  string
	NotebookGUID string
}

type UserStore interface {
	Get(ctx context.Context, userID int64) (users.User, error)
	Save(ctx context.Context, u users.User) (users.User, error)
}

type NotebookLister interface {
	ListNotebooks(ctx context.Context, accessToken string) ([]notes.Notebook, error)
}

// Cache is a read-through cache over the user store. Saves hold the write
// lock across the durable write and both cache writes, and miss population
// holds the read lock, so a miss never overwrites a newer save.
type Cache struct {
	cache  cache.Cache
	users  UserStore
	notes  NotebookLister
	logger *slog.Logger

	mu    sync.RWMutex
	group singleflight.Group
}

func New(log *slog.Logger, c cache.Cache, store UserStore, lister NotebookLister) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		cache:  c,
		users:  store,
		notes:  lister,
		logger: log.With(slog.String("service", "credentials")),
	}
}

func tokenKey(userID int64) string    { return "token:" + strconv.FormatInt(userID, 10) }
func notebookKey(userID int64) string { return "notebook:" + strconv.FormatInt(userID, 10) }
func notebookNameKey(userID int64, name string) string {
	return "notebook_name:" + strconv.FormatInt(userID, 10) + ":" + name
}

// Get returns the user's credential, reading the durable store only on a miss.
func (c *Cache) Get(ctx context.Context, userID int64) (Credential, error) {
	if cred, ok := c.cached(ctx, userID); ok {
		return cred, nil
	}
	v, err, _ := c.group.Do(tokenKey(userID), func() (any, error) {
		if cred, ok := c.cached(ctx, userID); ok {
			return cred, nil
		}
		return c.load(ctx, userID)
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

func (c *Cache) cached(ctx context.Context, userID int64) (Credential, bool) {
	token, ok, err := c.cache.Get(ctx, tokenKey(userID))
	if err != nil || !ok {
		return Credential{}, false
	}
	guid, ok, err := c.cache.Get(ctx, notebookKey(userID))
	if err != nil || !ok {
		return Credential{}, false
	}
	return Credential{AccessToken: token, NotebookGUID: guid}, true
}

func (c *Cache) load(ctx context.Context, userID int64) (Credential, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	u, err := c.users.Get(ctx, userID)
	if err != nil {
		return Credential{}, err
	}
	if !u.Linked() {
		return Credential{}, ErrNotLinked
	}
	cred := Credential{AccessToken: u.AccessToken, NotebookGUID: u.NotebookGUID}
	c.put(ctx, userID, cred)
	return cred, nil
}

func (c *Cache) put(ctx context.Context, userID int64, cred Credential) {
	if err := c.cache.Set(ctx, tokenKey(userID), cred.AccessToken); err != nil {
		c.logger.Warn("cache token failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
	if err := c.cache.Set(ctx, notebookKey(userID), cred.NotebookGUID); err != nil {
		c.logger.Warn("cache notebook failed", slog.Int64("user_id", userID), slog.Any("error", err))
	}
}

// NotebookGUID resolves a notebook name for the user. On a miss it lists all
// notebooks and caches every name. A failed listing leaves the cache untouched.
func (c *Cache) NotebookGUID(ctx context.Context, userID int64, name string) (string, error) {
	key := notebookNameKey(userID, name)
	if guid, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return guid, nil
	}

	cred, err := c.Get(ctx, userID)
	if err != nil {
		return "", &NotebookResolutionError{UserID: userID, Name: name, Err: err}
	}
	list, err := c.notes.ListNotebooks(ctx, cred.AccessToken)
	if err != nil {
		return "", &NotebookResolutionError{UserID: userID, Name: name, Err: err}
	}

	found := ""
	for _, nb := range list {
		if err := c.cache.Set(ctx, notebookNameKey(userID, nb.Name), nb.GUID); err != nil {
			c.logger.Warn("cache notebook name failed", slog.String("name", nb.Name), slog.Any("error", err))
		}
		if nb.Name == name {
			found = nb.GUID
		}
	}
	if guid, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return guid, nil
	}
	if found != "" {
		return found, nil
	}
	return "", &NotebookResolutionError{UserID: userID, Name: name, Err: ErrNotebookNotFound}
}

// Save writes the user record and then overwrites both cache entries.
func (c *Cache) Save(ctx context.Context, u users.User) (users.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	saved, err := c.users.Save(ctx, u)
	if err != nil {
		return users.User{}, fmt.Errorf("save credential: %w", err)
	}
	if !saved.Linked() {
		_ = c.cache.Delete(ctx, tokenKey(saved.ID))
		_ = c.cache.Delete(ctx, notebookKey(saved.ID))
		return saved, nil
	}
	c.put(ctx, saved.ID, Credential{AccessToken: saved.AccessToken, NotebookGUID: saved.NotebookGUID})
	if saved.NotebookName != "" && saved.NotebookGUID != "" {
		_ = c.cache.Set(ctx, notebookNameKey(saved.ID, saved.NotebookName), saved.NotebookGUID)
	}
	return saved, nil
}
