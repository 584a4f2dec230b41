package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/fluxy/internal/api"
	"github.com/matheus3301/fluxy/internal/config"
	"github.com/matheus3301/fluxy/internal/lock"
	"github.com/matheus3301/fluxy/internal/paths"
	"github.com/matheus3301/fluxy/internal/wire"
)

type globals struct {
	instance string
	json     bool
	verbose  bool
	user     string
	cfg      *config.Config
}

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	configFlag := flag.String("config", paths.ConfigPath(), "path to config.toml")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	userFlag := flag.String("user", "", "user ID for tail and say (overrides config)")
	verboseFlag := flag.Bool("v", false, "verbose client logging")
	flag.Parse()

	cfg, err := config.Resolve(*configFlag, paths.EnvPath())
	if err != nil {
		fatalf("%v", err)
	}
	g := globals{
		instance: paths.ResolveInstance(*instanceFlag, cfg.DefaultInstance),
		json:     *jsonFlag,
		verbose:  *verboseFlag,
		user:     *userFlag,
		cfg:      cfg,
	}
	if err := paths.ValidateName(g.instance); err != nil {
		fatalf("%v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "instances":
		cmdInstances(g)
	case "status":
		withAdmin(g, func(ctx context.Context, c *api.Client) { cmdStatus(ctx, c, g) })
	case "voice":
		cmdVoice(g, args[1:])
	case "history":
		cmdHistory(g, args[1:])
	case "search":
		cmdSearch(g, args[1:])
	case "tail":
		cmdTail(g, args[1:])
	case "say":
		cmdSay(g, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: fluxyctl [--instance <name>] [--json] [--user <id>] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  instances                                  List instances")
	fmt.Fprintln(os.Stderr, "  status                                     Show daemon status")
	fmt.Fprintln(os.Stderr, "  voice join <server> <channel> <user>       Put a user in a voice channel")
	fmt.Fprintln(os.Stderr, "  voice leave <user>                         Take a user out of voice")
	fmt.Fprintln(os.Stderr, "  voice list [server]                        Show occupied voice channels")
	fmt.Fprintln(os.Stderr, "  voice watch [server]                       Stream voice channel syncs")
	fmt.Fprintln(os.Stderr, "  history <channel> [page] [size]            Show stored messages")
	fmt.Fprintln(os.Stderr, "  search <query> [channel]                   Search stored messages")
	fmt.Fprintln(os.Stderr, "  tail <server> <channel>                    Follow a channel over the gateway")
	fmt.Fprintln(os.Stderr, "  say <server> <channel> <text...>           Send a message over the gateway")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// withAdmin runs fn with a connected admin client and a 10s deadline.
func withAdmin(g globals, fn func(ctx context.Context, c *api.Client)) {
	c, err := api.Dial(paths.SocketPath(g.instance))
	if err != nil {
		fatalf("cannot connect to daemon for instance %q: %v", g.instance, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fn(ctx, c)
}

func cmdInstances(g globals) {
	names, err := paths.ListInstances()
	if err != nil {
		fatalf("%v", err)
	}
	type row struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		PID     int    `json:"pid,omitempty"`
		Gateway string `json:"gateway,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, name := range names {
		r := row{Name: name}
		if info, err := lock.Read(paths.Dir(name)); err == nil && info != nil && processAlive(info.PID) {
			r.Running = true
			r.PID = info.PID
			r.Gateway = info.Gateway
		}
		rows = append(rows, r)
	}
	if g.json {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No instances found.")
		return
	}
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = fmt.Sprintf("running pid=%d gateway=%s", r.PID, r.Gateway)
		}
		fmt.Printf("%-20s %s\n", r.Name, state)
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func cmdStatus(ctx context.Context, c *api.Client, g globals) {
	resp, err := c.GetStatus(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if g.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Instance:    %s\n", resp.Instance)
	fmt.Printf("Gateway:     %s\n", resp.Gateway)
	fmt.Printf("Uptime:      %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	fmt.Printf("Connections: %d\n", resp.Connections)
	fmt.Printf("Voice:       %d users in %d channels\n", resp.VoiceUsers, resp.VoiceChannels)
	fmt.Printf("Messages:    %d\n", resp.MessageCount)
}

func cmdVoice(g globals, args []string) {
	if len(args) == 0 {
		fatalf("usage: fluxyctl voice <join|leave|list|watch>")
	}
	switch args[0] {
	case "join":
		if len(args) != 4 {
			fatalf("usage: fluxyctl voice join <server> <channel> <user>")
		}
		withAdmin(g, func(ctx context.Context, c *api.Client) {
			resp, err := c.Join(ctx, api.JoinRequest{ServerID: args[1], ChannelID: args[2], UserID: args[3]})
			if err != nil {
				fatalf("%v", err)
			}
			printChannel(g, resp.Channel)
		})
	case "leave":
		if len(args) != 2 {
			fatalf("usage: fluxyctl voice leave <user>")
		}
		withAdmin(g, func(ctx context.Context, c *api.Client) {
			resp, err := c.Leave(ctx, api.LeaveRequest{UserID: args[1]})
			if err != nil {
				fatalf("%v", err)
			}
			if g.json {
				outputJSON(resp)
				return
			}
			if !resp.Left {
				fmt.Printf("%s is not in a voice channel\n", args[1])
				return
			}
			printChannel(g, resp.Channel)
		})
	case "list":
		req := api.SnapshotRequest{}
		if len(args) > 1 {
			req.ServerID = args[1]
		}
		withAdmin(g, func(ctx context.Context, c *api.Client) {
			resp, err := c.Snapshot(ctx, req)
			if err != nil {
				fatalf("%v", err)
			}
			if g.json {
				outputJSON(resp)
				return
			}
			if len(resp.Channels) == 0 {
				fmt.Println("No one is in voice.")
				return
			}
			for _, ch := range resp.Channels {
				printChannel(g, ch)
			}
		})
	case "watch":
		req := api.WatchVoiceRequest{}
		if len(args) > 1 {
			req.ServerID = args[1]
		}
		cmdVoiceWatch(g, req)
	default:
		fatalf("unknown voice subcommand: %s", args[0])
	}
}

func printChannel(g globals, ch api.ChannelMembers) {
	if g.json {
		outputJSON(ch)
		return
	}
	fmt.Printf("%s/%s: %s\n", ch.ServerID, ch.ChannelID, joinOrDash(ch.Members))
}

func cmdVoiceWatch(g globals, req api.WatchVoiceRequest) {
	c, err := api.Dial(paths.SocketPath(g.instance))
	if err != nil {
		fatalf("cannot connect to daemon for instance %q: %v", g.instance, err)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, err := c.WatchVoice(ctx, req)
	if err != nil {
		fatalf("%v", err)
	}
	for {
		evt, err := w.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fatalf("%v", err)
		}
		if g.json {
			outputJSON(evt)
			continue
		}
		at := time.UnixMilli(evt.OccurredAtUnixMs).Format("15:04:05")
		fmt.Printf("[%s] %s/%s: %s\n", at, evt.ServerID, evt.ChannelID, joinOrDash(evt.ConnectedUsers))
	}
}

func cmdHistory(g globals, args []string) {
	if len(args) < 1 || len(args) > 3 {
		fatalf("usage: fluxyctl history <channel> [page] [size]")
	}
	req := api.HistoryRequest{ChannelID: args[0]}
	if len(args) > 1 {
		req.Page = atoiOrDie(args[1], "page")
	}
	if len(args) > 2 {
		req.PageSize = atoiOrDie(args[2], "size")
	}
	withAdmin(g, func(ctx context.Context, c *api.Client) {
		resp, err := c.FetchHistory(ctx, req)
		if err != nil {
			fatalf("%v", err)
		}
		if g.json {
			outputJSON(resp)
			return
		}
		printWireMessages(resp.Messages)
		if resp.HasMore {
			fmt.Println("(more)")
		}
	})
}

func cmdSearch(g globals, args []string) {
	if len(args) < 1 || len(args) > 2 {
		fatalf("usage: fluxyctl search <query> [channel]")
	}
	req := api.SearchRequest{Query: args[0]}
	if len(args) > 1 {
		req.ChannelID = args[1]
	}
	withAdmin(g, func(ctx context.Context, c *api.Client) {
		resp, err := c.Search(ctx, req)
		if err != nil {
			fatalf("%v", err)
		}
		if g.json {
			outputJSON(resp)
			return
		}
		if len(resp.Messages) == 0 {
			fmt.Println("No matches.")
			return
		}
		printWireMessages(resp.Messages)
	})
}

func printWireMessages(msgs []wire.Message) {
	for _, m := range msgs {
		fmt.Printf("[%s] #%s %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.ChannelID, authorName(m.Author), m.Content)
	}
}

// authorName reads the author field the way the gateway sends it: either a
// populated object or a bare ID.
func authorName(v any) string {
	switch a := v.(type) {
	case map[string]any:
		if name, _ := a["username"].(string); name != "" {
			return name
		}
		id, _ := a["_id"].(string)
		return id
	case string:
		return a
	default:
		return "?"
	}
}

func atoiOrDie(s, what string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		fatalf("invalid %s %q", what, s)
	}
	return n
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func outputJSON(v any) {
	writeJSON(os.Stdout, v)
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
