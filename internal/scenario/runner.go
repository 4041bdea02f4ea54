package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blemgr/internal/groutine"
	"github.com/srg/blemgr/internal/simstack"
	"github.com/srg/blemgr/pkg/manager"
	"github.com/srg/blemgr/pkg/stack"
)

// ErrExpectation marks a failed expect step.
var ErrExpectation = errors.New("expectation not met")

// DefaultSyncTimeout bounds how long a step waits for earlier events to be dispatched.
const DefaultSyncTimeout = 5 * time.Second

// Result summarizes a replay.
type Result struct {
	Steps    int
	Failures []error
	Commands []simstack.Command
	// Devices holds the advertisements collected by the last scan action.
	Devices []*stack.Advertisement
}

// Runner replays scenarios through a manager pumping the simulated stack.
type Runner struct {
	mgr         *manager.Manager
	sim         *simstack.Stack
	logger      *logrus.Logger
	SyncTimeout time.Duration

	barrier chan struct{}
	sub     *manager.Subscriber
}

// NewRunner registers the runner's barrier subscriber with m. It needs one free slot in the
// custom event category.
func NewRunner(m *manager.Manager, sim *simstack.Stack, logger *logrus.Logger) (*Runner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Runner{
		mgr:         m,
		sim:         sim,
		logger:      logger,
		SyncTimeout: DefaultSyncTimeout,
		barrier:     make(chan struct{}, 1),
	}
	r.sub = manager.NewSubscriber("scenario-barrier", manager.CategoryCustom).
		MustOn(stack.EventCustom, func(stack.Event) error {
			select {
			case r.barrier <- struct{}{}:
			default:
			}
			return nil
		})
	if !m.Register(r.sub) {
		return nil, fmt.Errorf("registering scenario barrier: %w", manager.ErrCapacityExceeded)
	}
	return r, nil
}

// Close unregisters the barrier subscriber.
func (r *Runner) Close() {
	r.mgr.Unregister(r.sub)
}

// Run pumps the manager in the background and plays every step of sc. Failed expectations are
// collected in the result; any other step failure stops the replay.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (*Result, error) {
	g := groutine.NewGroup(ctx)
	g.Go("event-pump", func(ctx context.Context) error {
		if err := r.mgr.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	res, err := r.play(g.Context(), sc)
	if err == nil {
		err = r.sync(g.Context())
	}

	g.Stop()
	if name, werr := g.Wait(); werr != nil && err == nil {
		err = fmt.Errorf("%s: %w", name, werr)
	}
	res.Commands = r.sim.Commands()
	res.Devices = r.mgr.ScanResults()
	return res, err
}

func (r *Runner) play(ctx context.Context, sc *Scenario) (*Result, error) {
	res := &Result{}
	log := r.logger.WithField("scenario", sc.Name)

	for i, st := range sc.Steps {
		res.Steps = i + 1
		slog := log.WithField("step", i+1)

		switch {
		case st.Event != "":
			ev, err := r.buildEvent(ctx, st)
			if err != nil {
				return res, fmt.Errorf("step %d: %w", i+1, err)
			}
			slog.WithField("event", ev.Code()).Debug("Injecting event")
			if err := r.sim.Inject(ev); err != nil {
				return res, fmt.Errorf("step %d: %w", i+1, err)
			}

		case st.Action != "":
			if err := r.sync(ctx); err != nil {
				return res, fmt.Errorf("step %d: %w", i+1, err)
			}
			slog.WithField("action", st.Action).Debug("Running action")
			if err := r.act(st); err != nil {
				return res, fmt.Errorf("step %d: %w", i+1, err)
			}

		case st.Expect != nil:
			if err := r.sync(ctx); err != nil {
				return res, fmt.Errorf("step %d: %w", i+1, err)
			}
			if err := r.check(st.Expect); err != nil {
				slog.WithError(err).Warn("Expectation failed")
				res.Failures = append(res.Failures, fmt.Errorf("step %d: %w", i+1, err))
			}
		}
	}
	return res, nil
}

func (r *Runner) buildEvent(ctx context.Context, st Step) (stack.Event, error) {
	ev, err := st.BuildEvent()
	if err != nil {
		return nil, err
	}
	req, ok := ev.(*stack.EncryptionRequest)
	if !ok || st.LocalKeyOf == nil {
		return ev, nil
	}

	if err := r.sync(ctx); err != nil {
		return nil, err
	}
	h := stack.Handle(*st.LocalKeyOf)
	for _, v := range r.mgr.Connections() {
		if v.Handle == h && v.LocalLTK.KeySize != 0 {
			req.EDiv = v.LocalLTK.EDiv
			req.Rand = v.LocalLTK.Rand
			return req, nil
		}
	}
	return nil, fmt.Errorf("no local key held for handle %d", h)
}

func (r *Runner) act(st Step) error {
	switch st.Action {
	case ActionConnect:
		addr, err := st.address()
		if err != nil {
			return err
		}
		return r.mgr.Connect(addr)
	case ActionDisconnect:
		reason := stack.DisconnectReason(st.Reason)
		if reason == 0 {
			reason = stack.ReasonTerminatedByUser
		}
		return r.mgr.Disconnect(stack.Handle(st.Handle), reason)
	case ActionScan:
		return r.mgr.Scan()
	case ActionRemoveBonds:
		return r.mgr.RemoveBonds()
	default:
		return fmt.Errorf("unknown action %q", st.Action)
	}
}

// sync returns once every event injected so far has been dispatched.
func (r *Runner) sync(ctx context.Context) error {
	if err := r.sim.Inject(&stack.RawEvent{Kind: stack.EventCustom}); err != nil {
		return err
	}

	timer := time.NewTimer(r.SyncTimeout)
	defer timer.Stop()
	select {
	case <-r.barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("events not dispatched within %s", r.SyncTimeout)
	}
}

func (r *Runner) check(exp *Expectation) error {
	h := stack.Handle(exp.Handle)

	view, ok := r.mgr.Connection(h)
	if exp.Released {
		ok = false
		for _, v := range r.mgr.Connections() {
			if v.Handle == h && !v.State.Live() {
				view, ok = v, true
				break
			}
		}
	}
	if !ok {
		return fmt.Errorf("handle %d has no record: %w", h, ErrExpectation)
	}

	if exp.State != "" && view.State.String() != exp.State {
		return fmt.Errorf("handle %d state is %s, want %s: %w", h, view.State, exp.State, ErrExpectation)
	}
	if exp.Role != "" && view.Role.String() != exp.Role {
		return fmt.Errorf("handle %d role is %s, want %s: %w", h, view.Role, exp.Role, ErrExpectation)
	}
	if exp.Bonded != nil && view.Bond.Valid() != *exp.Bonded {
		return fmt.Errorf("handle %d bonded is %t, want %t: %w", h, view.Bond.Valid(), *exp.Bonded, ErrExpectation)
	}
	return nil
}
