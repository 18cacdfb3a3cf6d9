package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hirelink/chatsync/internal/ctl"
	"github.com/hirelink/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := ctl.New(session.SocketPath(sessionName))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl messages <conversation> [before] [limit]")
			os.Exit(1)
		}
		cmdMessages(ctx, c, args[1:], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl send <conversation> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], strings.Join(args[2:], " "))
	case "retry":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl retry <client-token>")
			os.Exit(1)
		}
		cmdRetry(ctx, c, args[1])
	case "read":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl read <conversation>")
			os.Exit(1)
		}
		cmdRead(ctx, c, args[1])
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl search <query> [conversation]")
			os.Exit(1)
		}
		cmdSearch(ctx, c, args[1:], *jsonFlag)
	case "presence":
		cmdPresence(ctx, c, args[1:], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                              Show daemon status")
	fmt.Fprintln(os.Stderr, "  conversations                       List conversations")
	fmt.Fprintln(os.Stderr, "  messages <conversation> [before] [limit]")
	fmt.Fprintln(os.Stderr, "                                      List messages in a conversation")
	fmt.Fprintln(os.Stderr, "  send <conversation> <text>          Send a message")
	fmt.Fprintln(os.Stderr, "  retry <client-token>                Retry a failed send")
	fmt.Fprintln(os.Stderr, "  read <conversation>                 Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  search <query> [conversation]       Search message history")
	fmt.Fprintln(os.Stderr, "  presence [user...]                  Show participant presence")
}

func cmdStatus(ctx context.Context, c *ctl.Client, jsonOut bool) {
	st, err := c.Status(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session:       %s\n", st.Session)
	fmt.Printf("State:         %s\n", st.State)
	fmt.Printf("Epoch:         %d\n", st.Epoch)
	fmt.Printf("Uptime:        %dms\n", st.UptimeMs)
	fmt.Printf("In flight:     %d\n", st.InflightSends)
	fmt.Printf("Resyncs:       %d\n", st.Resyncs)
	fmt.Printf("Conversations: %d\n", st.ConversationCount)
	fmt.Printf("Messages:      %d\n", st.MessageCount)
	if st.ActiveConversation != "" {
		fmt.Printf("Active:        %s\n", st.ActiveConversation)
	}
}

func cmdConversations(ctx context.Context, c *ctl.Client, jsonOut bool) {
	convs, err := c.Conversations(ctx, 0, 0)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	if len(convs) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, cv := range convs {
		unread := ""
		if cv.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", cv.UnreadCount)
		}
		fmt.Printf("%-24s %-10s %s%s\n", cv.ID, cv.Kind, cv.Title, unread)
		if cv.LastMessagePreview != "" {
			fmt.Printf("  %s\n", cv.LastMessagePreview)
		}
	}
}

func cmdMessages(ctx context.Context, c *ctl.Client, args []string, jsonOut bool) {
	conversationID := args[0]
	var before int64
	limit := 50
	if len(args) > 1 {
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fail(fmt.Errorf("invalid before timestamp %q", args[1]))
		}
		before = n
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			fail(fmt.Errorf("invalid limit %q", args[2]))
		}
		limit = n
	}

	msgs, err := c.Messages(ctx, conversationID, before, limit)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		sender := m.SenderID
		if m.FromMe {
			sender = "me"
		}
		ts := time.UnixMilli(m.SentAt).Format("2006-01-02 15:04:05")
		fmt.Printf("[%s] %-12s %s  (%s)\n", ts, sender, m.Body, m.Status)
	}
}

func cmdSend(ctx context.Context, c *ctl.Client, conversationID, text string) {
	token, err := c.Send(ctx, conversationID, text)
	if err != nil {
		fail(err)
	}
	fmt.Printf("queued %s\n", token)
}

func cmdRetry(ctx context.Context, c *ctl.Client, token string) {
	newToken, err := c.Retry(ctx, token)
	if err != nil {
		fail(err)
	}
	fmt.Printf("requeued as %s\n", newToken)
}

func cmdRead(ctx context.Context, c *ctl.Client, conversationID string) {
	if err := c.MarkRead(ctx, conversationID); err != nil {
		fail(err)
	}
	fmt.Println("marked read")
}

func cmdSearch(ctx context.Context, c *ctl.Client, args []string, jsonOut bool) {
	query := args[0]
	conversationID := ""
	if len(args) > 1 {
		conversationID = args[1]
	}

	results, err := c.Search(ctx, query, conversationID, 50)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(results)
		return
	}
	if len(results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, r := range results {
		fmt.Printf("%-24s %s\n", r.Message.ConversationID, r.Snippet)
	}
}

func cmdPresence(ctx context.Context, c *ctl.Client, userIDs []string, jsonOut bool) {
	statuses, err := c.Presence(ctx, userIDs)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(statuses)
		return
	}
	for _, s := range statuses {
		state := "offline"
		if s.Online {
			state = "online"
		} else if s.LastSeen > 0 {
			state = "last seen " + time.UnixMilli(s.LastSeen).Format("2006-01-02 15:04")
		}
		fmt.Printf("%-20s %s\n", s.UserID, state)
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
