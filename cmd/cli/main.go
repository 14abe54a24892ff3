// Command fanrelay is the command-line client: it owns the user's identity,
// queues protocol actions and syncs with the home server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/pflag"
	"google.golang.org/grpc/status"

	"github.com/and161185/fanrelay/internal/client/app"
	"github.com/and161185/fanrelay/internal/config"
	"github.com/and161185/fanrelay/internal/model"
)

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

// readJSON decodes the file at p ("-" = stdin) into v.
func readJSON(p string, v any) error {
	b, err := readAll(p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	return nil
}

func readCards(paths []string) ([]app.Contact, error) {
	out := make([]app.Contact, 0, len(paths))
	for _, p := range paths {
		var c app.Contact
		if err := readJSON(p, &c); err != nil {
			return nil, err
		}
		if c.TellKey.IsZero() || c.EnvelopeKey.IsZero() || c.ServerKey.IsZero() {
			return nil, fmt.Errorf("%s: incomplete contact card", p)
		}
		out = append(out, c)
	}
	return out, nil
}

func readConv(p string) (app.Conversation, error) {
	var c app.Conversation
	if err := readJSON(p, &c); err != nil {
		return app.Conversation{}, err
	}
	if c.ID == "" || c.ServerKey.IsZero() {
		return app.Conversation{}, fmt.Errorf("%s: incomplete conversation", p)
	}
	return c, nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// messageView is the printed form of a stored message.
type messageView struct {
	ID      string            `json:"id"`
	Kind    model.ReplicaKind `json:"kind"`
	ConvID  string            `json:"convId,omitempty"`
	From    string            `json:"from"`
	At      string            `json:"at"`
	Text    string            `json:"text,omitempty"`
	Type    model.FanoutType  `json:"type,omitempty"`
	Backlog []string          `json:"backlog,omitempty"`
	Invite  string            `json:"invitation,omitempty"`
	Conv    *app.Conversation `json:"conversation,omitempty"`
}

func render(m app.Message) messageView {
	v := messageView{
		ID:     m.BlockID,
		Kind:   m.Kind,
		ConvID: m.ConvID,
		From:   m.From.String(),
		At:     m.At.UTC().Format(time.RFC3339),
		Text:   string(m.Text),
	}
	switch {
	case m.Welcome != nil:
		v.Conv = &app.Conversation{ID: m.Welcome.ConvID, ServerKey: m.Welcome.TransitServerKey}
		v.Invite = string(m.Welcome.Invitation)
		for _, e := range m.Welcome.Backlog {
			v.Backlog = append(v.Backlog, fmt.Sprintf("%s %s: %s", e.Type, e.SentBy, e.Payload))
		}
	case m.Entry != nil:
		v.Type = m.Entry.Type
		v.Text = string(m.Entry.Payload)
	}
	return v
}

func usage(fset *pflag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, `fanrelay CLI
Usage:
  fanrelay [global flags] <cmd> [args]

Commands:
  version
  signup     [--new-identity]                      (binds the --server-key home server)
  card                                             (prints your contact card)
  contact    <card.json>                           (authorize a contact)
  send       <card.json> <text>
  createconv --with <card.json>[,...] <text>       (prints the conversation)
  invite     <conv.json> <card.json> [text]
  msg        <conv.json> <text>
  meta       <conv.json> <payload>
  sync       [--wait 10s]
  messages   [--conv <id>]
  errors     [--dismiss <errorId> [--param <p>]]

Global flags:
%s`, fset.FlagUsages())
		os.Exit(2)
	}
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads the client configuration and dispatches subcommands.
func main() {
	fset := pflag.NewFlagSet("fanrelay", pflag.ContinueOnError)
	fset.SetInterspersed(false)
	verbose := fset.BoolP("verbose", "v", false, "log protocol activity")
	wait := fset.Duration("timeout", 30*time.Second, "time allowed for talking to the home server")
	fset.Usage = usage(fset)

	cfg, err := config.LoadClient(fset, os.Args[1:])
	if err != nil {
		fail(err)
	}
	if fset.NArg() < 1 {
		fset.Usage()
	}
	cmd, args := fset.Arg(0), fset.Args()[1:]

	if cmd == "version" {
		fmt.Printf("fanrelay %s (%s)\n", version, buildDate)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()

	s, err := openSession(ctx, cfg, newLogger(*verbose), cmd == "signup")
	if err != nil {
		fail(err)
	}
	defer s.Close()

	if err := run(ctx, s, cmd, args); err != nil {
		s.Close()
		fail(err)
	}
}

// run executes one subcommand. Commands that queue actions flush the queue
// before returning.
func run(ctx context.Context, s *session, cmd string, args []string) error {
	switch cmd {

	case "signup":
		fs := pflag.NewFlagSet("signup", pflag.ContinueOnError)
		fresh := fs.Bool("new-identity", false, "replace the stored identity")
		if err := fs.Parse(args); err != nil {
			return err
		}
		st, err := s.signup(ctx, *fresh)
		if err != nil {
			return err
		}
		fmt.Println(st)

	case "card":
		c, err := s.app.Card(ctx)
		if err != nil {
			return err
		}
		printJSON(c)

	case "contact":
		if len(args) != 1 {
			return errors.New("usage: contact <card.json>")
		}
		cards, err := readCards(args)
		if err != nil {
			return err
		}
		if err := s.app.AuthorizeContact(ctx, cards[0]); err != nil {
			return err
		}
		return s.flush(ctx, false)

	case "send":
		if len(args) != 2 {
			return errors.New("usage: send <card.json> <text>")
		}
		cards, err := readCards(args[:1])
		if err != nil {
			return err
		}
		if err := s.app.SendMessage(ctx, cards[0], []byte(args[1])); err != nil {
			return err
		}
		return s.flush(ctx, false)

	case "createconv":
		fs := pflag.NewFlagSet("createconv", pflag.ContinueOnError)
		with := fs.StringSlice("with", nil, "participant contact cards")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if len(*with) == 0 || fs.NArg() != 1 {
			return errors.New("usage: createconv --with <card.json>[,...] <text>")
		}
		cards, err := readCards(*with)
		if err != nil {
			return err
		}
		conv, err := s.app.CreateConversation(ctx, cards, []byte(fs.Arg(0)))
		if err != nil {
			return err
		}
		printJSON(conv)
		return s.flush(ctx, false)

	case "invite":
		if len(args) < 2 || len(args) > 3 {
			return errors.New("usage: invite <conv.json> <card.json> [text]")
		}
		conv, err := readConv(args[0])
		if err != nil {
			return err
		}
		cards, err := readCards(args[1:2])
		if err != nil {
			return err
		}
		var text []byte
		if len(args) == 3 {
			text = []byte(args[2])
		}
		if err := s.app.Invite(ctx, conv, cards[0], text); err != nil {
			return err
		}
		return s.flush(ctx, false)

	case "msg", "meta":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s <conv.json> <text>", cmd)
		}
		conv, err := readConv(args[0])
		if err != nil {
			return err
		}
		send := s.app.SendConvMessage
		if cmd == "meta" {
			send = s.app.SendConvMeta
		}
		if err := send(ctx, conv, []byte(args[1])); err != nil {
			return err
		}
		return s.flush(ctx, false)

	case "sync":
		if err := s.flush(ctx, true); err != nil {
			return err
		}
		msgs, err := s.app.Messages(ctx, "")
		if err != nil {
			return err
		}
		fmt.Printf("%d messages stored\n", len(msgs))

	case "messages":
		fs := pflag.NewFlagSet("messages", pflag.ContinueOnError)
		conv := fs.String("conv", "", "conversation id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		msgs, err := s.app.Messages(ctx, *conv)
		if err != nil {
			return err
		}
		views := make([]messageView, 0, len(msgs))
		for _, m := range msgs {
			views = append(views, render(m))
		}
		printJSON(views)

	case "errors":
		fs := pflag.NewFlagSet("errors", pflag.ContinueOnError)
		dismiss := fs.String("dismiss", "", "error id to dismiss")
		param := fs.String("param", "", "error param to dismiss")
		if err := fs.Parse(args); err != nil {
			return err
		}
		if *dismiss != "" {
			return s.errors.Dismiss(ctx, *dismiss, *param)
		}
		list, err := s.errors.List(ctx)
		if err != nil {
			return err
		}
		printJSON(list)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// ---- helpers ----

func fail(err error) {
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(2)
	}
	if s, ok := status.FromError(err); ok {
		fmt.Fprintf(os.Stderr, "rpc error: code=%s msg=%s\n", s.Code(), s.Message())
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
	os.Exit(1)
}
