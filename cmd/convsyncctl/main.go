package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fleetdesk/convsync/internal/api"
	"github.com/fleetdesk/convsync/internal/codec"
	"github.com/fleetdesk/convsync/internal/config"
	"github.com/fleetdesk/convsync/internal/lock"
	"github.com/fleetdesk/convsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	alertFlag := flag.String("alert", "", "send as an alert of this kind (warning, alert, info, success)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c, err := api.Dial(session.SocketPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "watch" {
		namespace := ""
		if len(args) > 1 {
			namespace = args[1]
		}
		cmdWatch(c, namespace, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, sessionName, *jsonFlag)
	case "conversations":
		filter := ""
		if len(args) > 1 {
			filter = args[1]
		}
		cmdConversations(ctx, c, filter, *jsonFlag)
	case "window", "older", "focus":
		need(args, 2, args[0]+" <conversation-id>")
		cmdWindow(ctx, c, sessionName, args[0], args[1], *jsonFlag)
	case "release":
		need(args, 2, "release <conversation-id>")
		check(c.Release(ctx, args[1]))
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		tempID, err := c.Send(ctx, api.SendRequest{
			ConversationID: args[1],
			Content:        strings.Join(args[2:], " "),
			AlertType:      *alertFlag,
		})
		check(err)
		fmt.Println(tempID)
	case "retry":
		need(args, 3, "retry <conversation-id> <temp-id>")
		tempID, err := c.Retry(ctx, args[1], args[2])
		check(err)
		fmt.Println(tempID)
	case "read":
		need(args, 2, "read <conversation-id>")
		check(c.MarkRead(ctx, args[1]))
	case "delete":
		need(args, 2, "delete <conversation-id>")
		check(c.Delete(ctx, args[1]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: convsyncctl [-session <name>] [-json] [-alert <kind>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                  Show daemon and live channel status")
	fmt.Fprintln(os.Stderr, "  conversations [filter]  List conversations (driver, company)")
	fmt.Fprintln(os.Stderr, "  window <id>             Show the loaded message window")
	fmt.Fprintln(os.Stderr, "  older <id>              Load the previous page")
	fmt.Fprintln(os.Stderr, "  focus <id>              Join the conversation's live room")
	fmt.Fprintln(os.Stderr, "  release <id>            Leave the conversation's live room")
	fmt.Fprintln(os.Stderr, "  send <id> <text>        Send a message (or an alert with -alert)")
	fmt.Fprintln(os.Stderr, "  retry <id> <temp-id>    Resend a failed message")
	fmt.Fprintln(os.Stderr, "  read <id>               Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  delete <id>             Delete a conversation")
	fmt.Fprintln(os.Stderr, "  watch [prefix]          Stream engine events")
}

func cmdStatus(ctx context.Context, c *api.Client, sessionName string, jsonOut bool) {
	st, err := c.Status(ctx)
	check(err)
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Self:    %s\n", st.SelfID)
	fmt.Printf("Live:    %s\n", st.State)
	fmt.Printf("Uptime:  %s\n", st.Uptime)
	fmt.Printf("Rooms:   %s\n", strings.Join(st.Rooms, ", "))
	fmt.Printf("Windows: %s\n", strings.Join(st.Windows, ", "))
	if h, ok, err := lock.Inspect(session.Dir(sessionName)); err == nil && ok {
		fmt.Printf("Daemon:  PID %d since %s (%s)\n", h.PID, h.Started.Local().Format(time.DateTime), h.APIURL)
	}
}

func cmdConversations(ctx context.Context, c *api.Client, filter string, jsonOut bool) {
	convs, err := c.ListConversations(ctx, filter, true)
	check(err)
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, conv := range convs {
		who := conv.Recipient()
		typing := ""
		if conv.Typing {
			typing = " (typing)"
		}
		fmt.Printf("%-36s %-7s %-12s %3d msg %3d alert  %s%s\n", conv.ID, who.Kind, who.ID,
			conv.UnreadMessageCount, conv.UnreadAlertCount, conv.LastMessageContent, typing)
	}
}

func cmdWindow(ctx context.Context, c *api.Client, sessionName, op, id string, jsonOut bool) {
	var (
		w   api.WindowReply
		err error
	)
	switch op {
	case "older":
		w, err = c.LoadOlder(ctx, id)
	case "focus":
		w, err = c.Focus(ctx, id)
	default:
		w, err = c.GetWindow(ctx, id)
	}
	check(err)
	if jsonOut {
		outputJSON(w)
		return
	}

	resolver := filesResolver(sessionName)
	now := time.Now()
	bucket := ""
	for _, m := range w.Messages {
		d := resolver.Display(m, now)
		if d.DateBucket != bucket {
			bucket = d.DateBucket
			fmt.Printf("-- %s --\n", bucket)
		}
		line := fmt.Sprintf("%s %-12s %s", d.Clock, m.SenderID, d.Text)
		if d.AlertKind != "" {
			line = fmt.Sprintf("%s %-12s [%s] %s", d.Clock, m.SenderID, d.AlertKind, d.Text)
		}
		if d.AttachmentURL != "" {
			line += fmt.Sprintf(" <%s %s>", d.AttachmentName, d.AttachmentURL)
		}
		if d.Status != "" {
			line += fmt.Sprintf(" (%s %s)", d.Status, d.ID)
		}
		fmt.Println(line)
	}
	if w.Typing {
		fmt.Println("... typing")
	}
	if w.HasMore {
		fmt.Println("(older messages available)")
	}
}

// filesResolver resolves attachment paths against the session's file service.
func filesResolver(sessionName string) *codec.Resolver {
	cfg, err := config.LoadSession(session.SessionConfigPath(sessionName))
	if err != nil {
		return &codec.Resolver{}
	}
	r, err := codec.NewResolver(cfg.FilesEndpoint())
	if err != nil {
		return &codec.Resolver{}
	}
	return r
}

func cmdWatch(c *api.Client, namespace string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := c.WatchEvents(ctx, namespace, func(evt api.EventReply) error {
		if jsonOut {
			outputJSON(evt)
			return nil
		}
		fmt.Printf("%s %-28s %-36s %s\n", evt.Timestamp.Local().Format("15:04:05.000"), evt.Kind, evt.ConversationID, evt.Payload)
		return nil
	})
	if err != nil && !errors.Is(ctx.Err(), context.Canceled) {
		fail(err)
	}
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: convsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
