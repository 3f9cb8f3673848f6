package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/api"
	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/console"
	"github.com/stemsi/exstem-client/internal/dispatch"
	"github.com/stemsi/exstem-client/internal/lifecycle"
	"github.com/stemsi/exstem-client/internal/session"
	"github.com/stemsi/exstem-client/internal/store"
)

// Remaining-time marks announced once each.
var countdownWarnings = []int{300, 60, 10}

// app drives one subject's session from the console. The volatile store
// outlives the managers built on it, so :reload behaves like a page reload.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	con       *console.Console
	client    *api.Client
	hub       *lifecycle.Hub
	beacon    *dispatch.Beacon
	transport dispatch.TeardownSafeTransport
	volatile  store.Store
	durable   store.Store
	subjectID string
	token     string

	mu        sync.Mutex
	mgr       *session.Manager
	remaining atomic.Int64
	warned    map[int]bool
	done      atomic.Bool
}

func (a *app) manager() *session.Manager {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mgr
}

// boot builds a fresh manager on the shared stores and bootstraps it.
func (a *app) boot(ctx context.Context) error {
	mgr, err := session.New(session.Options{
		SubjectID: a.subjectID,
		AuthToken: a.token,
		Backend:   a.client,
		Transport: a.transport,
		Volatile:  a.volatile,
		Durable:   a.durable,
		Lifecycle: a.hub,
		Retry: session.RetryPolicy{
			MaxAttempts: a.cfg.SubmitMaxAttempts,
			Backoff:     a.cfg.SubmitRetryBackoff,
		},
		Log:         a.log,
		OnTick:      a.onTick,
		OnFinalized: a.onFinalized,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.mgr = mgr
	a.warned = make(map[int]bool)
	a.mu.Unlock()

	boot, err := mgr.Bootstrap(ctx)
	if boot != nil && boot.Redelivered != "" {
		fmt.Print(console.RenderInfo("Handed in the answers of unfinished attempt " + boot.Redelivered + "."))
	}
	if err != nil {
		return err
	}

	a.remaining.Store(int64(mgr.SecondsRemaining()))
	if boot.Restored {
		fmt.Print(console.RenderInfo("Resumed attempt " + mgr.Attempt().AttemptID + "."))
	}
	return nil
}

func (a *app) onTick(remaining int) {
	a.remaining.Store(int64(remaining))

	a.mu.Lock()
	var announce int
	for _, mark := range countdownWarnings {
		if remaining <= mark && remaining > 0 && !a.warned[mark] {
			a.warned[mark] = true
			announce = mark
		}
	}
	a.mu.Unlock()

	if announce > 0 {
		fmt.Print("\n" + console.RenderWarning(console.FormatRemaining(remaining)+" left."))
	}
}

func (a *app) onFinalized(o session.Outcome) {
	if o.Trigger == session.TriggerTimeout {
		fmt.Print("\n" + console.RenderWarning("Time is up."))
	}
	if o.Err != nil {
		fmt.Print(console.RenderError(o.Err))
		if errors.Is(o.Err, session.ErrSubmitFailed) {
			fmt.Print(console.RenderInfo("Your answers are saved. Type s to try again."))
		}
		return
	}
	if o.Trigger == session.TriggerAbandonment {
		fmt.Print(console.RenderInfo("Answers handed in."))
	} else {
		fmt.Print(console.RenderResult(o.Result))
	}
	a.done.Store(true)
}

// pageTeardown announces that the process is going away and waits for the
// fire-and-forget sends it triggered.
func (a *app) pageTeardown() {
	a.hub.FirePageTeardown()
	a.waitDispatched()
}

// waitDispatched waits for the teardown transport, then for the beacon it may
// have fallen back to.
func (a *app) waitDispatched() {
	waitCtx, cancel := context.WithTimeout(context.Background(), a.cfg.DispatchTimeout)
	defer cancel()
	if w, ok := a.transport.(dispatch.Waiter); ok {
		w.Wait(waitCtx)
	}
	a.beacon.Wait(waitCtx)
}

func (a *app) run(ctx context.Context) error {
	if err := a.boot(ctx); err != nil {
		return err
	}

	fmt.Print(console.Help())
	a.show()

	for !a.done.Load() {
		input, err := a.con.ReadLine(console.Prompt(a.subjectID, int(a.remaining.Load())))
		if err != nil {
			if errors.Is(err, console.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				a.quit()
				return nil
			}
			return err
		}
		if a.done.Load() {
			break
		}
		if strings.TrimSpace(input) == "" {
			continue
		}

		cmd, err := console.Parse(input)
		if err != nil {
			fmt.Print(console.RenderError(err))
			continue
		}

		stop, err := a.exec(ctx, cmd)
		if err != nil {
			fmt.Print(console.RenderError(err))
		}
		if stop {
			return nil
		}
	}

	a.manager().Close()
	return nil
}

// exec runs one command. stop is true when the client should exit.
func (a *app) exec(ctx context.Context, cmd console.Command) (stop bool, err error) {
	mgr := a.manager()
	snap := mgr.Snapshot()

	questionID := func() (string, error) {
		if cmd.Index >= len(snap.Questions) {
			return "", fmt.Errorf("there are only %d questions", len(snap.Questions))
		}
		return snap.Questions[cmd.Index].ID, nil
	}

	switch cmd.Kind {
	case console.CmdAnswer:
		id, err := questionID()
		if err != nil {
			return false, err
		}
		if err := mgr.SelectAnswer(id, cmd.Option); err != nil {
			return false, err
		}
		if cmd.Index == snap.CurrentIndex {
			a.show()
		}

	case console.CmdFlag:
		id, err := questionID()
		if err != nil {
			return false, err
		}
		return false, mgr.ToggleFlag(id)

	case console.CmdGoTo:
		if err := mgr.GoTo(cmd.Index); err != nil {
			return false, err
		}
		a.show()

	case console.CmdNext:
		if err := mgr.Next(); err != nil {
			return false, err
		}
		a.show()

	case console.CmdPrev:
		if err := mgr.Prev(); err != nil {
			return false, err
		}
		a.show()

	case console.CmdShow:
		a.show()

	case console.CmdOverview:
		fmt.Print(console.RenderOverview(snap))

	case console.CmdSubmit:
		fmt.Print(console.RenderInfo("Submitting..."))
		if _, err := mgr.Submit(ctx); err != nil {
			// Reported through onFinalized when the trigger ran.
			if errors.Is(err, session.ErrSubmitFailed) {
				return false, nil
			}
			return false, err
		}
		mgr.Close()
		return true, nil

	case console.CmdReload:
		a.pageTeardown()
		mgr.Close()
		if err := a.boot(ctx); err != nil {
			return true, err
		}
		a.show()

	case console.CmdLeave:
		a.hub.FireViewTeardown()
		a.waitDispatched()
		mgr.Close()
		return true, nil

	case console.CmdQuit:
		a.quit()
		return true, nil

	case console.CmdHelp:
		fmt.Print(console.Help())
	}
	return false, nil
}

// quit closes the client as a user closing the window would.
func (a *app) quit() {
	a.pageTeardown()
	a.manager().Close()
}

func (a *app) show() {
	fmt.Print(console.RenderQuestion(a.manager().Snapshot()))
}
