package tui

import (
	"fmt"
	"strings"

	"github.com/fleetdesk/convsync/internal/model"
)

// Command is a parsed ":" command.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string without the leading ':'. Aliases are
// expanded to their full names.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	cmd := Command{Name: strings.ToLower(parts[0])}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	switch cmd.Name {
	case "q", "q!", "exit":
		cmd.Name = "quit"
	case "h":
		cmd.Name = "help"
	case "o":
		cmd.Name = "open"
	case "f":
		cmd.Name = "filter"
	}
	return cmd
}

// ParseAlert splits ":alert" arguments into a kind and the alert text.
func ParseAlert(args string) (model.AlertKind, string, error) {
	kind, text, _ := strings.Cut(strings.TrimSpace(args), " ")
	k := model.AlertKind(strings.ToLower(kind))
	if !k.Valid() {
		return "", "", fmt.Errorf("unknown alert kind %q (warning, alert, info, success)", kind)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", fmt.Errorf("alert text is required")
	}
	return k, text, nil
}
