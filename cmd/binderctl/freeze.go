package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/binderkit/binder"
	"github.com/joshuapare/binderkit/internal/protocol"
)

var (
	freezeTimeout time.Duration
	freezePending bool
)

func init() {
	cmd := newFreezeCmd()
	cmd.Flags().DurationVar(&freezeTimeout, "timeout", 0, "How long Freeze waits for transactions to drain (default BINDER_FREEZE_TIMEOUT)")
	cmd.Flags().BoolVar(&freezePending, "pending", false, "Leave an undelivered oneway transaction on the server before the first freeze")
	rootCmd.AddCommand(cmd)
}

func newFreezeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freeze",
		Short: "Walk through a freeze and thaw with a notification listener",
		Long: `The freeze command creates a server, a client and a listener that asks
to be told when the server's node is frozen. It then freezes the server, sends
it a sync and a oneway transaction, and thaws it again, printing the return
codes each party reads along the way.

With --pending, a oneway transaction is left undelivered first so the initial
freeze attempt times out and fails.

Example:
  binderctl freeze
  binderctl freeze --pending --timeout 50ms
  binderctl freeze --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			timeout := freezeTimeout
			if timeout == 0 {
				timeout = cfg.Freeze.Timeout
			}
			steps, err := freezeDemo(ctx, binder.NewContext(cfg, binder.WithLogger(logger)), timeout, freezePending)
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(steps)
			}
			printFreezeSteps(steps)
			return nil
		},
	}
}

type freezeStep struct {
	Action string              `json:"action"`
	Result string              `json:"result"`
	Reads  map[string][]string `json:"reads,omitempty"`
	Server binder.FrozenInfo   `json:"server"`
}

const demoCookie = 0x1

// freezeDemo runs the walkthrough in bctx and returns one entry per step.
func freezeDemo(ctx context.Context, bctx *binder.Context, timeout time.Duration, pending bool) ([]freezeStep, error) {
	server, err := bctx.NewProcess(1, 1000)
	if err != nil {
		return nil, err
	}
	client, err := bctx.NewProcess(2, 2000)
	if err != nil {
		return nil, err
	}
	listener, err := bctx.NewProcess(3, 3000)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, p := range []*binder.Process{listener, client, server} {
			p.Release()
		}
	}()
	for _, p := range []*binder.Process{server, client, listener} {
		if _, err := p.Mmap(0); err != nil {
			return nil, err
		}
	}
	node, err := server.NewNode(0x1000, 0, 0)
	if err != nil {
		return nil, err
	}
	st, err := server.Thread(1)
	if err != nil {
		return nil, err
	}
	ct, err := client.Thread(1)
	if err != nil {
		return nil, err
	}
	lt, err := listener.Thread(1)
	if err != nil {
		return nil, err
	}
	handle := client.InsertRef(node)
	lhandle := listener.InsertRef(node)

	var steps []freezeStep
	record := func(action string, opErr error, threads map[string]*binder.Thread) error {
		step := freezeStep{Action: action, Result: "ok", Server: server.FrozenInfo()}
		if opErr != nil {
			step.Result = opErr.Error()
		}
		for name, th := range threads {
			events, err := drainThread(th)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				continue
			}
			if step.Reads == nil {
				step.Reads = map[string][]string{}
			}
			for _, ev := range events {
				step.Reads[name] = append(step.Reads[name], ev.String())
				// Acknowledge right away so later changes are reported.
				if ev.Code == protocol.BRFrozenBinder {
					if err := th.Process().FreezeNotificationDone(ev.Frozen.Cookie); err != nil {
						return err
					}
				}
			}
		}
		steps = append(steps, step)
		return nil
	}
	listenerOnly := map[string]*binder.Thread{"listener": lt}
	all := map[string]*binder.Thread{"listener": lt, "client": ct, "server": st}

	err = listener.RequestFreezeNotification(lhandle, demoCookie)
	if err := record("listener requests freeze notification", err, listenerOnly); err != nil {
		return nil, err
	}

	if pending {
		err = ct.Transaction(&binder.Request{Handle: handle, Flags: protocol.TFOneWay, Data: []byte("pending")})
		if err := record("client sends oneway", err, map[string]*binder.Thread{"client": ct}); err != nil {
			return nil, err
		}
		err = server.Freeze(ctx, timeout)
		if err != nil && !errors.Is(err, binder.ErrFreezeBusy) {
			return nil, err
		}
		if err := record("freeze with undelivered oneway", err, listenerOnly); err != nil {
			return nil, err
		}
		if _, err := drainThread(st); err != nil {
			return nil, err
		}
	}

	if err := record("freeze", server.Freeze(ctx, timeout), listenerOnly); err != nil {
		return nil, err
	}

	err = ct.Transaction(&binder.Request{Handle: handle, Data: []byte("sync")})
	if err := record("client sends sync transaction", err, map[string]*binder.Thread{"client": ct}); err != nil {
		return nil, err
	}
	err = ct.Transaction(&binder.Request{Handle: handle, Flags: protocol.TFOneWay, Data: []byte("while frozen")})
	if err := record("client sends oneway", err, map[string]*binder.Thread{"client": ct}); err != nil {
		return nil, err
	}

	server.Thaw()
	if err := record("thaw", nil, all); err != nil {
		return nil, err
	}

	err = listener.ClearFreezeNotification(lhandle, demoCookie)
	if err := record("listener clears freeze notification", err, listenerOnly); err != nil {
		return nil, err
	}
	return steps, nil
}

// drainThread reads everything queued for th without blocking.
func drainThread(th *binder.Thread) ([]protocol.Event, error) {
	var out []protocol.Event
	b := make([]byte, 1024)
	for {
		n, err := th.Read(b)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		events, err := protocol.DecodeReturns(b[:n])
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.Code == protocol.BRNoop {
				continue
			}
			out = append(out, ev)
			if ev.Code == protocol.BRTransaction && ev.Txn.Flags&protocol.TFOneWay != 0 {
				if err := th.FreeBuffer(ev.Txn.Buffer); err != nil {
					return nil, err
				}
			}
		}
	}
}

func printFreezeSteps(steps []freezeStep) {
	printHeader("Freeze walkthrough")
	for i, s := range steps {
		result := render(okStyle, s.Result)
		if s.Result != "ok" {
			result = render(warnStyle, s.Result)
		}
		printInfo("%2d. %s: %s\n", i+1, s.Action, result)
		for _, who := range []string{"listener", "client", "server"} {
			for _, ev := range s.Reads[who] {
				printInfo("      %-8s %s\n", who, render(mutedStyle, ev))
			}
		}
		printVerbose("      server: sync_recv=%t async_recv=%t txns_pending=%t\n",
			s.Server.SyncRecv, s.Server.AsyncRecv, s.Server.TxnsPending)
	}
}
