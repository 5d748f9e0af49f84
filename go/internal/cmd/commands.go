package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/mcdev12/couplet/go/internal/cache"
	"github.com/mcdev12/couplet/go/internal/supervisor"
)

// ErrUnknownCommand is returned for input the console does not understand
var ErrUnknownCommand = errors.New("unknown command")

const usage = `commands:
  invite <partnerId> <game>   send a game invite
  cancel                      cancel the outgoing invite
  accept | decline            answer the incoming invite
  leave                       leave the waiting room
  reconnect                   force a stream reconnect
  bg | fg                     simulate a lifecycle transition
  get <key>                   read a cache key
  status                      print component states
  help                        show this text`

type command struct {
	name string
	args []string
}

func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}

	cmd := command{name: strings.ToLower(fields[0]), args: fields[1:]}
	want := map[string]int{
		"invite": 2, "cancel": 0, "accept": 0, "decline": 0, "leave": 0,
		"reconnect": 0, "bg": 0, "fg": 0, "get": 1, "status": 0, "help": 0,
	}
	n, ok := want[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.name)
	}
	if len(cmd.args) != n {
		return command{}, fmt.Errorf("%s takes %d argument(s), got %d", cmd.name, n, len(cmd.args))
	}
	return cmd, nil
}

// console reads commands line by line until in is exhausted or ctx is done
type console struct {
	svc       *Services
	lifecycle chan<- supervisor.Lifecycle
	out       io.Writer
}

func (c *console) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, err := parseCommand(scanner.Text())
		if err != nil {
			fmt.Fprintln(c.out, err)
			continue
		}
		if cmd.name == "" {
			continue
		}
		if err := c.execute(ctx, cmd); err != nil {
			fmt.Fprintf(c.out, "%s: %v\n", cmd.name, err)
		}
	}
}

func (c *console) execute(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "invite":
		inv, err := c.svc.Invites.SendInvite(ctx, cmd.args[0], cmd.args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "invite %s sent, room %s\n", inv.InviteID, inv.RoomID)
	case "cancel":
		return c.svc.Invites.CancelInvite(ctx)
	case "accept":
		return c.svc.Invites.Accept(ctx)
	case "decline":
		return c.svc.Invites.Decline(ctx)
	case "leave":
		return c.svc.Launcher.Leave(ctx)
	case "reconnect":
		return c.svc.Stream.Reconnect(ctx)
	case "bg":
		c.lifecycle <- supervisor.Background
	case "fg":
		c.lifecycle <- supervisor.Foreground
	case "get":
		v, err := c.svc.Store.Read(ctx, cache.Key(cmd.args[0]))
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, string(data))
	case "status":
		c.printStatus()
	case "help":
		fmt.Fprintln(c.out, usage)
	}
	return nil
}

func (c *console) printStatus() {
	st := c.svc.Stream.Status()
	fmt.Fprintf(c.out, "stream:   %s (attempt %d, exhausted %t)\n", st.State, st.Attempt, st.Exhausted)
	fmt.Fprintf(c.out, "invite:   %s\n", c.svc.Invites.State())
	fmt.Fprintf(c.out, "session:  %s\n", c.svc.Launcher.State())
	if room, ok := c.svc.Launcher.Room(); ok {
		fmt.Fprintf(c.out, "room:     %s (%d players)\n", room.RoomID, len(room.Players))
	}
	fmt.Fprintf(c.out, "syncing:  %t\n", c.svc.Supervisor.Syncing())

	snap := c.svc.Store.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := snap[cache.Key(k)]
		fmt.Fprintf(c.out, "cache:    %s stale=%t updated=%s\n", k, e.Stale, e.UpdatedAt.Format("15:04:05"))
	}
}
