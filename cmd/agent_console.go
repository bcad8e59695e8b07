package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/goinbox/internal/config"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

func agentCmd() *cobra.Command {
	var name, addr, token string
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Terminal agent console: receive assignments and reply to customers",
		Long:  "Connects to a running gateway as a support agent. Type /help inside the console for commands.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(name) == "" {
				return errors.New("--name is required")
			}
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			if addr == "" {
				host := cfg.Gateway.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port))
			}
			if token == "" {
				token = cfg.Gateway.Token
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgentConsole(ctx, consoleURL(addr, token), name, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "agent name")
	cmd.Flags().StringVar(&addr, "addr", "", "gateway host:port (default from config)")
	cmd.Flags().StringVar(&token, "token", "", "gateway token (default from config)")
	return cmd
}

func consoleURL(addr, token string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	if token != "" {
		u.RawQuery = url.Values{"token": {token}}.Encode()
	}
	return u.String()
}

// agentConsole is one terminal session. current is the conversation plain
// text lines are sent to.
type agentConsole struct {
	conn *websocket.Conn
	name string
	out  io.Writer

	mu      sync.Mutex
	current int64
}

func runAgentConsole(ctx context.Context, wsURL, name string, in io.Reader, out io.Writer) error {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", redactToken(wsURL), err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	c := &agentConsole{conn: conn, name: name, out: out}
	if err := c.send(ctx, protocol.ClientAgentRegister, protocol.AgentRegisterPayload{Name: name}); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx) }()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Fprintf(out, "goinbox agent console (%s). /help for commands.\n", name)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "bye")
			return nil
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return nil
			}
			quit, err := c.handleLine(ctx, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if quit {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return nil
			}
		}
	}
}

func (c *agentConsole) handleLine(ctx context.Context, line string) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		c.mu.Lock()
		conv := c.current
		c.mu.Unlock()
		if conv == 0 {
			return false, errors.New("no conversation selected, use /to <id>")
		}
		return false, c.send(ctx, protocol.ClientConversationMessage, protocol.ConversationMessagePayload{
			ConversationID: conv,
			Sender:         "agent",
			Username:       c.name,
			Content:        line,
		})
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(c.out, "  /to <id>    join a conversation and reply to it")
		fmt.Fprintln(c.out, "  /join <id>  watch a conversation without replying")
		fmt.Fprintln(c.out, "  /quit       leave")
		return false, nil
	case "/to", "/join":
		id, perr := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if perr != nil || id <= 0 {
			return false, fmt.Errorf("invalid conversation id %q", arg)
		}
		if cmd == "/to" {
			c.mu.Lock()
			c.current = id
			c.mu.Unlock()
		}
		return false, c.send(ctx, protocol.ClientConversationJoin, protocol.ConversationJoinPayload{ConversationID: id})
	}
	return false, fmt.Errorf("unknown command %s", cmd)
}

func (c *agentConsole) send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(protocol.InboundFrame{Event: event, Payload: raw})
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *agentConsole) readLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("gateway connection lost: %w", err)
		}
		var f protocol.InboundFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		for _, line := range renderEvent(f, consoleWidth()) {
			fmt.Fprintln(c.out, line)
		}
		if f.Event == protocol.EventShutdown {
			return errors.New("gateway shutting down")
		}
	}
}

func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
