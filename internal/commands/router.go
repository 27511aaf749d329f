// Package commands turns inbound chat text into bot responses: subscribing
// to districts, on-demand reports, help and account deletion.
package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"covidbot/internal/delivery"
	"covidbot/internal/format"
	"covidbot/internal/storage"
	"covidbot/pkg/logx"
)

// Store is the part of the registry the commands need.
type Store interface {
	EnsureUser(ctx context.Context, id delivery.Recipient) (int64, error)
	User(ctx context.Context, id delivery.Recipient) (storage.User, error)
	AddSubscription(ctx context.Context, id delivery.Recipient, rs int) (bool, error)
	RemoveSubscription(ctx context.Context, id delivery.Recipient, rs int) (bool, error)
	RemoveRecipient(ctx context.Context, id delivery.Recipient) error
	District(ctx context.Context, rs int) (storage.District, error)
	FindDistricts(ctx context.Context, query string) ([]storage.District, error)
	LastDataUpdate(ctx context.Context) (time.Time, error)
	Statistics(ctx context.Context, n int) (storage.Statistics, error)
}

// Reporter renders report bodies for a set of districts.
type Reporter interface {
	Report(ctx context.Context, date time.Time, subscriptions []int) (format.Response, error)
}

// HandlerFunc handles one command. args is the text after the command word.
type HandlerFunc func(ctx context.Context, from delivery.Recipient, args string) ([]format.Response, error)

type Command struct {
	Name        string
	Aliases     []string
	Description string // shown in the platform menu; empty hides the command
	HasArgs     bool
	Handle      HandlerFunc
}

// Menu is one visible entry of the command menu.
type Menu struct {
	Name        string
	Description string
}

// confirmTTL bounds how long a pending deletion waits for "ja".
const confirmTTL = 5 * time.Minute

type Router struct {
	store    Store
	reporter Reporter
	log      logx.Logger
	now      func() time.Time
	cmds     []Command

	mu            sync.Mutex
	pendingDelete map[delivery.Recipient]time.Time
}

func NewRouter(store Store, reporter Reporter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		store:         store,
		reporter:      reporter,
		log:           log.With(logx.String("comp", "commands")),
		now:           time.Now,
		pendingDelete: map[delivery.Recipient]time.Time{},
	}
	r.cmds = r.builtin()
	return r
}

// Menu lists the commands that carry a description.
func (r *Router) Menu() []Menu {
	var out []Menu
	for _, c := range r.cmds {
		if c.Description != "" {
			out = append(out, Menu{Name: c.Name, Description: c.Description})
		}
	}
	return out
}

// Handle routes one inbound text. A leading "/" and a "@botname" suffix on
// the command word are ignored. Text that matches no command is treated as
// a district query.
func (r *Router) Handle(ctx context.Context, from delivery.Recipient, text string) []format.Response {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), "/"))
	if text == "" {
		return nil
	}

	if r.takePendingDelete(from) {
		if strings.EqualFold(text, "ja") {
			return r.run(ctx, "loeschmich", from, func() ([]format.Response, error) { return r.deleteUser(ctx, from) })
		}
		return []format.Response{reply("Deine Daten werden nicht gelöscht.")}
	}

	u, err := r.store.User(ctx, from)
	switch {
	case err == nil && !u.Activated:
		return []format.Response{reply("Dein Account ist deaktiviert. Bitte wende dich an die Entwickler, " +
			"bis dahin kannst du den Bot leider nicht nutzen.")}
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		r.log.Error("load user failed", logx.String("user", string(from)), logx.Err(err))
		return []format.Response{errorResponse()}
	}

	word, args, _ := strings.Cut(text, " ")
	word = strings.ToLower(word)
	if i := strings.IndexByte(word, '@'); i > 0 {
		word = word[:i]
	}
	args = strings.TrimSpace(args)

	for _, c := range r.cmds {
		if !c.matches(word) {
			continue
		}
		if !c.HasArgs && args != "" {
			break
		}
		return r.run(ctx, c.Name, from, func() ([]format.Response, error) { return c.Handle(ctx, from, args) })
	}
	return r.run(ctx, "daten", from, func() ([]format.Response, error) { return r.districtData(ctx, from, text) })
}

func (c Command) matches(word string) bool {
	if word == c.Name {
		return true
	}
	for _, a := range c.Aliases {
		if word == a {
			return true
		}
	}
	return false
}

func (r *Router) run(ctx context.Context, name string, from delivery.Recipient, fn func() ([]format.Response, error)) []format.Response {
	start := time.Now()
	out, err := fn()
	if err != nil {
		if ctx.Err() == nil {
			r.log.Error("command failed", logx.String("cmd", name), logx.String("user", string(from)), logx.Err(err))
		}
		return []format.Response{errorResponse()}
	}
	r.log.Debug("command handled", logx.String("cmd", name), logx.Duration("took", time.Since(start)), logx.Int("responses", len(out)))
	return out
}

func (r *Router) askDelete(from delivery.Recipient) {
	r.mu.Lock()
	r.pendingDelete[from] = r.now().Add(confirmTTL)
	r.mu.Unlock()
}

// takePendingDelete reports and clears an unexpired deletion request.
func (r *Router) takePendingDelete(from delivery.Recipient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.pendingDelete[from]
	if !ok {
		return false
	}
	delete(r.pendingDelete, from)
	return r.now().Before(until)
}

func reply(msg string, choices ...format.Choice) format.Response {
	return format.Response{Message: msg, Choices: choices, Format: format.TargetHTML}
}

func errorResponse() format.Response {
	return reply("Leider ist ein unvorhergesehener Fehler aufgetreten. Bitte versuche es erneut.")
}
