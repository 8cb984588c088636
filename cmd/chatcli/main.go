// Command chatcli is a line-oriented terminal client for chatrelay.
//
// Plain lines are sent to the active conversation. Commands:
//
//	/dm <user>      open a direct conversation
//	/room <id>      join and open a room
//	/leave <id>     leave a room
//	/delete <id>    delete one of your messages
//	/typing         signal that you are typing
//	/who            list online users
//	/quit           exit
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/client"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/Tyrowin/chatrelay/internal/relay"
)

func main() {
	fs := pflag.NewFlagSet("chatcli", pflag.ContinueOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	token := fs.String("token", os.Getenv("CHATRELAY_TOKEN"), "bearer token")
	user := fs.String("user", "", "mint a token for this user with --secret instead of --token")
	secret := fs.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret used with --user")
	binary := fs.Bool("cbor", false, "use the binary CBOR subprotocol")
	room := fs.String("room", "", "room to join and open on start")
	verbose := fs.BoolP("verbose", "v", false, "log connection details")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().
		Timestamp().
		Logger().
		Level(level)

	if *user != "" {
		minted, err := auth.NewToken(*secret, *user, 24*time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("could not mint token")
		}
		*token = minted
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "a --token or --user/--secret pair is required")
		os.Exit(2)
	}

	subprotocol := protocol.JSONSubprotocol
	if *binary {
		subprotocol = protocol.CBORSubprotocol
	}

	session := client.NewSession(client.Options{
		URL:         *url,
		Token:       *token,
		Subprotocol: subprotocol,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- session.Run(ctx) }()
	go printEvents(ctx, session)

	c := &console{session: session}
	if *room != "" {
		waitConnected(ctx, session)
		c.handle(ctx, "/room "+*room)
	}

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case err := <-done:
			if err != nil {
				fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
				os.Exit(1)
			}
			return
		case line, ok := <-lines:
			if !ok || !c.handle(ctx, line) {
				stop()
				<-done
				return
			}
		}
	}
}

func readLines(out chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out)
}

func waitConnected(ctx context.Context, s *client.Session) {
	for !s.Connected() && ctx.Err() == nil {
		time.Sleep(50 * time.Millisecond)
	}
}

func activate(ctx context.Context, s *client.Session, key client.ConversationKey) {
	if err := s.Activate(ctx, key); err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", key, err)
		return
	}
	fmt.Printf("-- %s --\n", key)
	for _, m := range s.View().Transcript() {
		printMessage(m)
	}
}

type console struct {
	session *client.Session
	typist  *client.Typist
	key     client.ConversationKey
}

// handle runs one input line. It returns false when the user quits.
func (c *console) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		c.send(line)
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit":
		return false
	case "/dm":
		c.open(ctx, client.DirectKey(arg))
	case "/room":
		if _, err := c.session.Join(arg); err != nil {
			fmt.Fprintf(os.Stderr, "join: %v\n", err)
			return true
		}
		c.open(ctx, client.RoomKey(arg))
	case "/leave":
		if err := c.session.Leave(arg); err != nil {
			fmt.Fprintf(os.Stderr, "leave: %v\n", err)
		}
	case "/delete":
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "usage: /delete <message id>")
			return true
		}
		if _, err := c.session.Delete(id); err != nil {
			fmt.Fprintf(os.Stderr, "delete: %v\n", err)
		}
	case "/typing":
		if c.typist != nil {
			c.typist.Keystroke()
		}
	case "/who":
		fmt.Printf("online: %s\n", strings.Join(c.session.View().Online(), ", "))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
	}
	return true
}

func (c *console) open(ctx context.Context, key client.ConversationKey) {
	if c.typist != nil {
		c.typist.Stop()
	}
	c.key = key
	c.typist = client.NewTypist(client.DefaultTypingDebounce, func(typing bool) {
		_ = c.session.SetTyping(key, typing)
	})
	activate(ctx, c.session, key)
}

func (c *console) send(content string) {
	key := c.key
	if key == "" {
		key = c.session.View().Active()
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "no conversation open; use /dm or /room")
		return
	}
	if c.typist != nil {
		c.typist.Stop()
	}
	if _, err := c.session.Send(key, content); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
	}
}

func printEvents(ctx context.Context, s *client.Session) {
	view := s.View()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.Events():
			if f.Message == nil && strings.HasPrefix(f.Type, "message.") {
				continue
			}
			switch f.Type {
			case string(relay.EventSessionReady):
				fmt.Printf("connected as %s\n", view.Self())
			case string(relay.EventMessage):
				if client.KeyFor(view.Self(), f.Message) == view.Active() {
					printMessage(*f.Message)
				} else if f.Message.SenderID != view.Self() {
					key := client.KeyFor(view.Self(), f.Message)
					fmt.Printf("(%d unread in %s)\n", view.Unread(key), key)
				}
			case string(relay.EventMessageDeleted):
				fmt.Printf("message %d was deleted\n", f.Message.ID)
			case string(relay.EventIdentityOnline):
				fmt.Printf("* %s is online\n", f.UserID)
			case string(relay.EventIdentityOffline):
				fmt.Printf("* %s went offline\n", f.UserID)
			case string(relay.EventTypingStart):
				if names := view.Typing(view.Active()); len(names) > 0 {
					fmt.Printf("* %s typing...\n", strings.Join(names, ", "))
				}
			case string(relay.EventFailed):
				fmt.Fprintf(os.Stderr, "error: %s (%s)\n", f.Reason, f.Code)
			}
		}
	}
}

func printMessage(m protocol.MessageFrame) {
	fmt.Printf("[%d %s] %s: %s\n", m.ID, m.CreatedAt.Local().Format(time.Kitchen), m.SenderID, m.Content)
}
