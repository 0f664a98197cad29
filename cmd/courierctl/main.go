package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/courierapp/courier/internal/ctl"
	"github.com/courierapp/courier/internal/session"
	"github.com/goccy/go-json"
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

	// login works without a running daemon.
	if args[0] == "login" {
		cmdLogin(sessionName, args[1:])
		return
	}

	c := ctl.New(session.SocketPath(sessionName))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "threads":
		cmdThreads(ctx, c, *jsonFlag)
	case "select":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl select <partner-id>")
			os.Exit(1)
		}
		cmdSelect(ctx, c, args[1])
	case "messages":
		partner := ""
		if len(args) >= 2 {
			partner = args[1]
		}
		cmdMessages(ctx, c, partner, *jsonFlag)
	case "send":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl send <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, strings.Join(args[1:], " "))
	case "upload":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl upload <path>")
			os.Exit(1)
		}
		cmdUpload(ctx, c, args[1])
	case "typing":
		stop := len(args) >= 2 && args[1] == "stop"
		if err := c.Typing(ctx, stop); err != nil {
			fail(err)
		}
	case "search":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: courierctl search <query>")
			os.Exit(1)
		}
		cmdSearch(ctx, c, strings.Join(args[1:], " "), *jsonFlag)
	case "watch":
		namespace := ""
		if len(args) >= 2 {
			namespace = args[1]
		}
		cmdWatch(c, namespace)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  login --user-id <id> --token <jwt> [--name <name>]")
	fmt.Fprintln(os.Stderr, "                       Store credentials for the session")
	fmt.Fprintln(os.Stderr, "  status               Show session status")
	fmt.Fprintln(os.Stderr, "  threads              List chat partners")
	fmt.Fprintln(os.Stderr, "  select <partner-id>  Open a conversation")
	fmt.Fprintln(os.Stderr, "  messages [partner]   Show the open conversation, or a partner's cached history")
	fmt.Fprintln(os.Stderr, "  send <text>          Send a text message")
	fmt.Fprintln(os.Stderr, "  upload <path>        Send a file")
	fmt.Fprintln(os.Stderr, "  typing [stop]        Report or end typing activity")
	fmt.Fprintln(os.Stderr, "  search <query>       Search cached messages")
	fmt.Fprintln(os.Stderr, "  watch [namespace]    Follow daemon events")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func cmdLogin(sessionName string, args []string) {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	userID := fs.String("user-id", "", "backend user id")
	token := fs.String("token", "", "backend JWT")
	name := fs.String("name", "", "display name")
	_ = fs.Parse(args)

	if *userID == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "usage: courierctl login --user-id <id> --token <jwt> [--name <name>]")
		os.Exit(1)
	}

	id := &session.Identity{UserID: *userID, Name: *name, Token: *token}
	if err := session.SaveIdentity(sessionName, id); err != nil {
		fail(err)
	}
	if !id.TokenValid() {
		fmt.Fprintln(os.Stderr, "warning: token looks expired")
	}
	fmt.Printf("Credentials stored for session %q.\n", sessionName)
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
	fmt.Printf("Session:  %s\n", st.Session)
	fmt.Printf("State:    %s\n", st.State)
	if st.LastError != "" {
		fmt.Printf("Error:    %s\n", st.LastError)
	}
	fmt.Printf("Uptime:   %dms\n", st.UptimeMs)
	if st.ActivePartner != "" {
		fmt.Printf("Active:   %s (%s, %s)\n", st.ActivePartner, st.ActiveThread, st.SwitchState)
	}
	fmt.Printf("Cached:   %d threads, %d messages\n", st.ThreadCount, st.MessageCount)
	if st.Stale {
		fmt.Println("Note:     directory not refreshed yet, showing cached data")
	}
}

func cmdThreads(ctx context.Context, c *ctl.Client, jsonOut bool) {
	resp, err := c.Threads(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Threads) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, t := range resp.Threads {
		presence := " "
		if t.Online {
			presence = "*"
		}
		preview := t.LastMessage
		if len(preview) > 48 {
			preview = preview[:48] + "..."
		}
		fmt.Printf("%s %-24s %-16s %s\n", presence, t.Name, t.PartnerID, preview)
	}
	if resp.Stale {
		fmt.Println("(cached, not refreshed yet)")
	}
}

func cmdSelect(ctx context.Context, c *ctl.Client, partnerID string) {
	if err := c.Select(ctx, partnerID); err != nil {
		fail(err)
	}
	fmt.Printf("Switching to %s.\n", partnerID)
}

func cmdMessages(ctx context.Context, c *ctl.Client, partner string, jsonOut bool) {
	resp, err := c.Messages(ctx, partner)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if resp.ThreadID == "" {
		fmt.Println("No open conversation. Use: courierctl select <partner-id>")
		return
	}
	if resp.Stale {
		fmt.Println("(cached history)")
	}
	for _, m := range resp.Messages {
		mark := " "
		if m.TempID != "" && m.ID == "" {
			mark = "~"
		}
		body := m.Content
		if m.UploadPercent != nil {
			body = fmt.Sprintf("%s (uploading %d%%)", body, *m.UploadPercent)
		}
		fmt.Printf("%s [%s] %s: %s\n", mark, m.CreatedAt.Format("15:04"), m.SenderID, body)
	}
}

func cmdSend(ctx context.Context, c *ctl.Client, content string) {
	tempID, err := c.Send(ctx, content)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Sent (%s).\n", tempID)
}

func cmdUpload(ctx context.Context, c *ctl.Client, path string) {
	tempID, err := c.Upload(ctx, path)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Uploaded (%s).\n", tempID)
}

func cmdSearch(ctx context.Context, c *ctl.Client, query string, jsonOut bool) {
	resp, err := c.Search(ctx, query, "")
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Results) == 0 {
		fmt.Println("No matches.")
		return
	}
	for _, hit := range resp.Results {
		fmt.Printf("[%s] %s: %s\n", hit.ThreadID, hit.SenderID, hit.Snippet)
	}
}

func cmdWatch(c *ctl.Client, namespace string) {
	err := c.Events(context.Background(), namespace, func(evt ctl.Event) {
		fmt.Printf("%s %s\n", evt.Kind, string(evt.Data))
	})
	if err != nil {
		fail(err)
	}
}
