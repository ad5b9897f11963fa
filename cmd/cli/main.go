// Command chat is a command-line client for the chat service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/config"
	"github.com/and161185/chatsync/internal/convert"
	"github.com/and161185/chatsync/internal/credential"
	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/model"
	"github.com/and161185/chatsync/internal/rest"
	"github.com/and161185/chatsync/internal/wire"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// errUsage marks bad invocations; run exits with 2 for them.
var errUsage = errors.New("usage")

type app struct {
	cfg    *config.Config
	store  *credential.FileStore
	cred   credential.Accessor
	out    io.Writer
	logger *zap.Logger
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"version":             cmdVersion,
	"login":               cmdLogin,
	"logout":              cmdLogout,
	"whoami":              cmdWhoami,
	"groups":              cmdGroups,
	"create-group":        cmdCreateGroup,
	"members":             cmdMembers,
	"history":             cmdHistory,
	"notifications":       cmdNotifications,
	"mark-read":           cmdMarkRead,
	"mark-all-read":       cmdMarkAllRead,
	"clear-notifications": cmdClearNotifications,
	"send":                cmdSend,
	"join":                cmdJoin,
	"leave":               cmdLeave,
	"delete":              cmdDeleteGroup,
	"invite":              cmdInvite,
	"remove":              cmdRemove,
	"set-privacy":         cmdSetPrivacy,
}

func usage(w io.Writer) {
	fmt.Fprint(w, `chat CLI
Usage:
  chat [-config name] [-token JWT] [-v] <cmd> [args]

Commands:
  version
  login         -token <jwt>                       (saves token)
  logout
  whoami
  groups
  create-group  -name <name> [-desc <text>]
  members       -group <id>
  history       -public | -to <userId> | -group <id>
  notifications
  mark-read     -id <notificationId>
  mark-all-read
  clear-notifications
  send          -public | -to <userId> | -group <id>  -text <text>
  join          -group <id>
  leave         -group <id>
  delete        -group <id>
  invite        -group <id> -user <userId>
  remove        -group <id> -user <userId>
  set-privacy   -group <id> -private=<bool>
`)
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// run dispatches one subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(stderr) }
	cfgName := fs.String("config", "chatsync", "config file name without extension")
	token := fs.String("token", "", "bearer credential (overrides the stored token)")
	verbose := fs.Bool("v", false, "debug logging to stderr")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return 2
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", fs.Arg(0))
		usage(stderr)
		return 2
	}

	logger := zap.NewNop()
	if *verbose {
		if l, err := zap.NewDevelopment(); err == nil {
			logger = l
		}
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(logger, *cfgName)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	store := credential.NewFileStore(credential.DefaultDir())
	a := &app{
		cfg:    cfg,
		store:  store,
		cred:   credential.Chain{credential.Static(*token), credential.Static(cfg.Token), store},
		out:    stdout,
		logger: logger,
	}

	if err := cmd(ctx, a, fs.Args()[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, err)
			return 2
		}
		fmt.Fprintln(stderr, "error:", describe(err))
		return 1
	}
	return 0
}

// describe turns well-known failures into actionable text.
func describe(err error) string {
	var se *rest.StatusError
	switch {
	case errors.Is(err, errs.ErrNoCredential):
		return "no valid token (login required)"
	case errors.As(err, &se):
		return fmt.Sprintf("server returned %d: %s", se.Code, se.Body)
	default:
		return err.Error()
	}
}

func (a *app) printJSON(v any) {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (a *app) client() (*rest.Client, error) {
	return rest.New(a.cfg.BaseURL, a.cred, nil, a.cfg.HTTP.Timeout, a.logger)
}

func parse(name string, args []string, setup func(fs *flag.FlagSet)) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	setup(fs)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, name, err)
	}
	return nil
}

func need(name string, vals ...string) error {
	for _, v := range vals {
		if v == "" {
			return fmt.Errorf("%w: %s: missing required flag", errUsage, name)
		}
	}
	return nil
}

// conversationFlags binds the -public/-to/-group trio and resolves it to one selection.
type conversationFlags struct {
	public bool
	to     string
	group  string
}

func (c *conversationFlags) bind(fs *flag.FlagSet) {
	fs.BoolVar(&c.public, "public", false, "public channel")
	fs.StringVar(&c.to, "to", "", "peer user id")
	fs.StringVar(&c.group, "group", "", "group id")
}

func (c *conversationFlags) selection(name string) (model.Selection, error) {
	n := 0
	for _, set := range []bool{c.public, c.to != "", c.group != ""} {
		if set {
			n++
		}
	}
	if n != 1 {
		return model.Selection{}, fmt.Errorf("%w: %s: need exactly one of -public, -to, -group", errUsage, name)
	}
	return model.Selection{UserID: c.to, GroupID: c.group}, nil
}

// ---- local ----

func cmdVersion(_ context.Context, a *app, _ []string) error {
	fmt.Fprintf(a.out, "chat %s (%s)\n", version, buildDate)
	return nil
}

func cmdLogin(_ context.Context, a *app, args []string) error {
	var tok string
	if err := parse("login", args, func(fs *flag.FlagSet) { fs.StringVar(&tok, "token", "", "access token") }); err != nil {
		return err
	}
	if err := need("login", tok); err != nil {
		return err
	}
	if err := a.store.Save(tok); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "ok")
	return nil
}

func cmdLogout(_ context.Context, a *app, _ []string) error {
	if err := a.store.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "ok")
	return nil
}

func cmdWhoami(ctx context.Context, a *app, _ []string) error {
	tok, err := a.cred.Token(ctx)
	if err != nil {
		return err
	}
	id := credential.ParseIdentity(tok)
	out := struct {
		UserID    string    `json:"userId"`
		Username  string    `json:"username"`
		ExpiresAt time.Time `json:"expiresAt,omitempty"`
	}{id.UserID, id.Username, id.ExpiresAt}
	a.printJSON(out)
	return nil
}

// ---- REST ----

type groupRow struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Members int    `json:"members"`
	Role    string `json:"role"`
	Private bool   `json:"private"`
}

func cmdGroups(ctx context.Context, a *app, _ []string) error {
	c, err := a.client()
	if err != nil {
		return err
	}
	in, err := c.Groups(ctx)
	if err != nil {
		return err
	}
	rows := []groupRow{}
	for _, g := range convert.FromWireGroups(in) {
		rows = append(rows, groupRow{ID: g.ID, Name: g.Name, Members: g.MemberCount, Role: g.UserRole.String(), Private: g.IsPrivate})
	}
	a.printJSON(rows)
	return nil
}

func cmdCreateGroup(ctx context.Context, a *app, args []string) error {
	var name, desc string
	err := parse("create-group", args, func(fs *flag.FlagSet) {
		fs.StringVar(&name, "name", "", "group name")
		fs.StringVar(&desc, "desc", "", "description")
	})
	if err != nil {
		return err
	}
	if err := need("create-group", name); err != nil {
		return err
	}
	c, err := a.client()
	if err != nil {
		return err
	}
	id, err := c.CreateGroup(ctx, name, desc)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, id)
	return nil
}

func cmdMembers(ctx context.Context, a *app, args []string) error {
	var group string
	if err := parse("members", args, func(fs *flag.FlagSet) { fs.StringVar(&group, "group", "", "group id") }); err != nil {
		return err
	}
	if err := need("members", group); err != nil {
		return err
	}
	c, err := a.client()
	if err != nil {
		return err
	}
	in, err := c.Members(ctx, group)
	if err != nil {
		return err
	}
	type row struct {
		UserID   string `json:"userId"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	rows := []row{}
	for _, m := range convert.FromWireMembers(in) {
		rows = append(rows, row{UserID: m.UserID, Username: m.Username, Role: m.Role.String()})
	}
	a.printJSON(rows)
	return nil
}

type messageRow struct {
	Time    string `json:"time"`
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

func messageRows(msgs []model.Message) []messageRow {
	rows := []messageRow{}
	for _, m := range msgs {
		rows = append(rows, messageRow{Time: m.Timestamp.UTC().Format(time.RFC3339), Sender: m.Sender, Content: m.Content})
	}
	return rows
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	var cf conversationFlags
	if err := parse("history", args, cf.bind); err != nil {
		return err
	}
	sel, err := cf.selection("history")
	if err != nil {
		return err
	}
	c, err := a.client()
	if err != nil {
		return err
	}
	key := sel.Key()
	var in []wire.Message
	switch key.Kind {
	case model.Private:
		in, err = c.PrivateHistory(ctx, key.ID)
	case model.Group:
		in, err = c.GroupHistory(ctx, key.ID)
	default:
		in, err = c.PublicHistory(ctx)
	}
	if err != nil {
		return err
	}
	a.printJSON(messageRows(convert.FromWireMessages(in, key)))
	return nil
}

func cmdNotifications(ctx context.Context, a *app, _ []string) error {
	c, err := a.client()
	if err != nil {
		return err
	}
	in, err := c.Notifications(ctx)
	if err != nil {
		return err
	}
	type row struct {
		ID     string         `json:"id"`
		Type   string         `json:"type"`
		Read   bool           `json:"read"`
		SentAt string         `json:"sentAt"`
		Data   map[string]any `json:"data,omitempty"`
	}
	rows := []row{}
	for _, w := range in {
		n, err := convert.FromWireNotification(w)
		if err != nil {
			a.logger.Debug("notification payload not normalized", zap.String("id", w.ID), zap.Error(err))
		}
		rows = append(rows, row{ID: n.ID, Type: n.Type, Read: n.IsRead, SentAt: n.SentAt.UTC().Format(time.RFC3339), Data: n.Payload})
	}
	a.printJSON(rows)
	return nil
}

func cmdMarkRead(ctx context.Context, a *app, args []string) error {
	var id string
	if err := parse("mark-read", args, func(fs *flag.FlagSet) { fs.StringVar(&id, "id", "", "notification id") }); err != nil {
		return err
	}
	if err := need("mark-read", id); err != nil {
		return err
	}
	return a.restOK(func(c *rest.Client) error { return c.MarkNotificationRead(ctx, id) })
}

func cmdMarkAllRead(ctx context.Context, a *app, _ []string) error {
	return a.restOK(func(c *rest.Client) error { return c.MarkAllNotificationsRead(ctx) })
}

func cmdClearNotifications(ctx context.Context, a *app, _ []string) error {
	return a.restOK(func(c *rest.Client) error { return c.DeleteNotifications(ctx) })
}

func (a *app) restOK(fn func(c *rest.Client) error) error {
	c, err := a.client()
	if err != nil {
		return err
	}
	if err := fn(c); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "ok")
	return nil
}
