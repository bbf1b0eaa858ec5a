// Package commands holds the bot's slash commands and the registry the
// router dispatches through.
package commands

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/memohai/evernoterobot/internal/telegram"
	"github.com/memohai/evernoterobot/internal/users"
)

var (
	ErrDuplicateCommand = errors.New("command already registered")
	ErrInvalidCommand   = errors.New("invalid command")
)

var commandName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// Command is a slash command. user is the sender's record, or a fresh
// unsaved record when the sender is unknown.
type Command interface {
	Name() string
	Description() string
	Execute(ctx context.Context, user users.User, msg telegram.Message) error
}

// Registry maps command names to commands. It must be created via
// NewRegistry or Discover and passed explicitly.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]Command
}

func NewRegistry() *Registry {
	return &Registry{commands: map[string]Command{}}
}

// Discover builds a registry from a fixed command table. Any malformed or
// duplicate command aborts with an error.
func Discover(cmds ...Command) (*Registry, error) {
	r := NewRegistry()
	for _, cmd := range cmds {
		if err := r.Register(cmd); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a command. Names are unique.
func (r *Registry) Register(cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: command is nil", ErrInvalidCommand)
	}
	name := cmd.Name()
	if !commandName.MatchString(name) {
		return fmt.Errorf("%w: bad name %q", ErrInvalidCommand, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commands[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCommand, name)
	}
	r.commands[name] = cmd
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(cmd Command) {
	if err := r.Register(cmd); err != nil {
		panic(err)
	}
}

// Lookup finds a command by name. A leading slash and a trailing @botname
// are ignored.
func (r *Registry) Lookup(name string) (Command, bool) {
	name = normalizeName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// List returns all commands sorted by name.
func (r *Registry) List() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		items = append(items, cmd)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name() < items[j].Name() })
	return items
}

// Infos describes every command for the Bot API command menu.
func (r *Registry) Infos() []telegram.CommandInfo {
	cmds := r.List()
	infos := make([]telegram.CommandInfo, 0, len(cmds))
	for _, cmd := range cmds {
		infos = append(infos, telegram.CommandInfo{Name: cmd.Name(), Description: cmd.Description()})
	}
	return infos
}

func normalizeName(raw string) string {
	name := strings.TrimPrefix(strings.TrimSpace(raw), "/")
	if idx := strings.Index(name, "@"); idx >= 0 {
		name = name[:idx]
	}
	return strings.ToLower(name)
}
