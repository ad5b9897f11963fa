package main

import (
	"context"
	"flag"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/chatsync/internal/errs"
	"github.com/and161185/chatsync/internal/service"
)

// withEngine runs fn against a connected engine and disconnects afterwards.
func (a *app) withEngine(ctx context.Context, fn func(e *service.Engine) error) error {
	e, err := service.NewEngine(service.Options{Config: a.cfg, Credential: a.cred, Logger: a.logger})
	if err != nil {
		return err
	}
	if err := e.Connect(ctx, ""); err != nil {
		e.Disconnect()
		return err
	}
	defer e.Disconnect()
	if err := fn(e); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "ok")
	return nil
}

func cmdSend(ctx context.Context, a *app, args []string) error {
	var (
		cf   conversationFlags
		text string
	)
	err := parse("send", args, func(fs *flag.FlagSet) {
		cf.bind(fs)
		fs.StringVar(&text, "text", "", "message text")
	})
	if err != nil {
		return err
	}
	sel, err := cf.selection("send")
	if err != nil {
		return err
	}
	if err := need("send", text); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *service.Engine) error {
		if err := e.Select(ctx, sel); err != nil {
			a.logger.Debug("history refresh before send failed", zap.Stringer("conversation", sel.Key()), zap.Error(err))
		}
		return e.Send(ctx, text)
	})
}

func groupFlag(name string, args []string) (string, error) {
	var group string
	if err := parse(name, args, func(fs *flag.FlagSet) { fs.StringVar(&group, "group", "", "group id") }); err != nil {
		return "", err
	}
	return group, need(name, group)
}

func cmdJoin(ctx context.Context, a *app, args []string) error {
	group, err := groupFlag("join", args)
	if err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *service.Engine) error { return e.Directory.JoinGroup(ctx, group) })
}

func cmdLeave(ctx context.Context, a *app, args []string) error {
	group, err := groupFlag("leave", args)
	if err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *service.Engine) error { return e.Directory.LeaveGroup(ctx, group) })
}

func cmdDeleteGroup(ctx context.Context, a *app, args []string) error {
	group, err := groupFlag("delete", args)
	if err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *service.Engine) error { return e.Directory.DeleteGroup(ctx, group) })
}

func groupUserFlags(name string, args []string) (group, user string, err error) {
	err = parse(name, args, func(fs *flag.FlagSet) {
		fs.StringVar(&group, "group", "", "group id")
		fs.StringVar(&user, "user", "", "user id")
	})
	if err != nil {
		return "", "", err
	}
	return group, user, need(name, group, user)
}

func cmdInvite(ctx context.Context, a *app, args []string) error {
	group, user, err := groupUserFlags("invite", args)
	if err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *service.Engine) error { return e.Directory.InviteToGroup(ctx, group, user) })
}

func cmdRemove(ctx context.Context, a *app, args []string) error {
	group, user, err := groupUserFlags("remove", args)
	if err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *service.Engine) error {
		members, err := e.Directory.FetchMembers(ctx, group)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.UserID == user {
				return e.Directory.RemoveFromGroup(ctx, group, m)
			}
		}
		return fmt.Errorf("%w: user %s is not a member of %s", errs.ErrNotFound, user, group)
	})
}

func cmdSetPrivacy(ctx context.Context, a *app, args []string) error {
	var (
		group   string
		private bool
	)
	err := parse("set-privacy", args, func(fs *flag.FlagSet) {
		fs.StringVar(&group, "group", "", "group id")
		fs.BoolVar(&private, "private", true, "make the group private")
	})
	if err != nil {
		return err
	}
	if err := need("set-privacy", group); err != nil {
		return err
	}
	return a.withEngine(ctx, func(e *service.Engine) error {
		if _, ok := e.Directory.Group(group); !ok {
			return fmt.Errorf("%w: group %s", errs.ErrNotFound, group)
		}
		return e.Directory.UpdateGroupPrivacy(ctx, group, private)
	})
}
