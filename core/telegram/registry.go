package telegram

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/m3rciful/shopfleet/core/logger"
	"github.com/m3rciful/shopfleet/core/tenant"

	tele "gopkg.in/telebot.v4"
)

// Command is one entry of the bot command menu.
type Command struct {
	Description string
	// Hidden commands work but are not listed in the menu.
	Hidden bool
}

// Registry holds the built-in commands shared by every store's bot. Stores
// add their own commands through settings.
type Registry struct {
	commands map[string]Command
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]Command)}
}

// RegisterCommand adds a built-in command. Invalid and duplicate names are
// skipped with a warning.
func (r *Registry) RegisterCommand(name string, cmd Command) {
	reason := ""
	switch {
	case !strings.HasPrefix(name, "/"):
		reason = "no_slash_prefix"
	case cmd.Description == "":
		reason = "no_description"
	}
	if _, exists := r.commands[name]; exists && reason == "" {
		reason = "duplicate"
	}
	if reason != "" {
		logger.Warn(context.Background(), logger.CompTGWire, "register_command",
			slog.String("status", "skip"),
			slog.String("name", name),
			slog.String("reason", reason),
		)
		return
	}
	r.commands[name] = cmd
}

// Menu returns the command menu of a store: the visible built-in commands
// followed by the store's own. A store command never shadows a built-in one.
func (r *Registry) Menu(s *tenant.Settings) []tele.Command {
	var list []tele.Command
	for name, cmd := range r.commands {
		if cmd.Hidden {
			continue
		}
		list = append(list, tele.Command{Text: strings.TrimPrefix(name, "/"), Description: cmd.Description})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Text < list[j].Text })

	if s == nil {
		return list
	}
	for _, cc := range s.CustomCommands {
		if _, builtin := r.commands[cc.Command]; builtin {
			continue
		}
		desc := cc.Description
		if desc == "" {
			desc = cc.Command
		}
		list = append(list, tele.Command{Text: strings.TrimPrefix(cc.Command, "/"), Description: desc})
	}
	return list
}
