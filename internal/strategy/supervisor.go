package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"trading-desk/internal/events"
	"trading-desk/internal/monitor"
)

// HealthReporter mirrors strategy liveness into an external health service.
type HealthReporter interface {
	SetServing(name string, serving bool)
	Forget(name string)
}

// Deps are the shared services handed to every strategy's Env.
type Deps struct {
	Prices   PriceSource
	State    SnapshotReader
	Orders   OrderSubmitter
	Bus      *events.Bus
	Health   HealthReporter
	Registry *Registry
	Log      zerolog.Logger
}

// Supervisor owns the strategy registry and enforces one worker per name.
// Its mutex only guards the entries map and is never held across blocking calls.
type Supervisor struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	handle Handle
	gen    uint64 // bumped on every start and on abandonment
	proc   Strategy
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSupervisor(deps Deps) *Supervisor {
	s := &Supervisor{
		deps:    deps,
		log:     deps.Log.With().Str("component", "supervisor").Logger(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, name := range deps.Registry.Names() {
		cfg, _ := deps.Registry.Config(name)
		s.entries[name] = &entry{handle: Handle{Name: name, Kind: cfg.Kind, State: StateStopped}}
		monitor.SetStrategyState(name, string(StateStopped), AllStates)
		if deps.Health != nil {
			deps.Health.SetServing(name, false)
		}
	}
	return s
}

// StartConfigured starts a strategy declared in the registry.
func (s *Supervisor) StartConfigured(ctx context.Context, name string) (Handle, error) {
	factory, err := s.deps.Registry.Factory(name)
	if err != nil {
		return Handle{}, err
	}
	return s.Start(ctx, name, factory)
}

// StartAll starts every configured strategy that is not already active.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var errs []error
	for _, name := range s.deps.Registry.Names() {
		if _, err := s.StartConfigured(ctx, name); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start runs a fresh instance from factory under name.
func (s *Supervisor) Start(ctx context.Context, name string, factory Factory) (Handle, error) {
	if name == "" {
		return Handle{}, fmt.Errorf("%w: empty name", ErrNotFound)
	}

	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		e = &entry{handle: Handle{Name: name, State: StateStopped}}
		if cfg, ok := s.deps.Registry.Config(name); ok {
			e.handle.Kind = cfg.Kind
		}
		s.entries[name] = e
	}
	if e.handle.State.Active() {
		h := e.handle
		s.mu.Unlock()
		return h, fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, name, h.State)
	}
	from := e.handle.State
	e.gen++
	gen := e.gen
	started := s.now()
	e.handle.State = StateStarting
	e.handle.LastError = ""
	e.handle.StartedAt = &started
	e.handle.StoppedAt = nil
	starting := e.handle
	s.mu.Unlock()
	s.transition(starting, from)

	var proc Strategy
	var buildErr error
	var pc panics.Catcher
	pc.Try(func() { proc, buildErr = factory() })
	if r := pc.Recovered(); r != nil {
		buildErr = fmt.Errorf("factory panic: %v", r.Value)
	}
	if buildErr == nil && proc == nil {
		buildErr = errors.New("factory returned no strategy")
	}
	if buildErr != nil {
		h := s.settle(name, gen, StateStarting, StateFailed, buildErr.Error())
		return h, fmt.Errorf("%w: %s: %v", ErrFactory, name, buildErr)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	if e.gen != gen {
		s.mu.Unlock()
		cancel()
		return s.Status(name)
	}
	e.proc, e.cancel, e.done = proc, cancel, done
	e.handle.State = StateRunning
	running := e.handle
	s.mu.Unlock()
	s.transition(running, StateStarting)

	go s.run(runCtx, name, gen, proc, s.env(name, running.Kind), done)
	return running, nil
}

func (s *Supervisor) env(name, kind string) Env {
	cfg, _ := s.deps.Registry.Config(name)
	return Env{
		Name:     name,
		Symbol:   cfg.Symbol,
		Interval: cfg.IntervalOr(time.Second),
		Params:   cfg.Params,
		Prices:   s.deps.Prices,
		State:    s.deps.State,
		Orders:   s.deps.Orders,
		Log:      s.deps.Log.With().Str("strategy", name).Str("kind", kind).Logger(),
	}
}

func (s *Supervisor) run(ctx context.Context, name string, gen uint64, proc Strategy, env Env, done chan struct{}) {
	defer close(done)

	var runErr error
	var pc panics.Catcher
	pc.Try(func() { runErr = proc.Run(ctx, env) })
	if r := pc.Recovered(); r != nil {
		s.log.Error().Str("strategy", name).Str("stack", string(r.Stack)).Msg("worker panicked")
		runErr = fmt.Errorf("panic: %v", r.Value)
	}

	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || e.gen != gen || e.handle.State != StateRunning {
		// Stop owns the transition, or the worker was abandoned.
		s.mu.Unlock()
		if runErr != nil {
			s.log.Warn().Str("strategy", name).Err(runErr).Msg("worker exited after stop")
		}
		return
	}
	e.cancel()
	s.mu.Unlock()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		s.settle(name, gen, StateRunning, StateFailed, runErr.Error())
		s.alert(events.AlertStrategyFailed, name, runErr.Error())
		return
	}
	s.settle(name, gen, StateRunning, StateStopped, "")
}

// settle moves the entry from one state to another if it still belongs to gen.
func (s *Supervisor) settle(name string, gen uint64, from, to State, lastErr string) Handle {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok || e.gen != gen || e.handle.State != from {
		var h Handle
		if ok {
			h = e.handle
		}
		s.mu.Unlock()
		return h
	}
	e.handle.State = to
	e.handle.LastError = lastErr
	if to == StateStopped || to == StateFailed {
		stopped := s.now()
		e.handle.StoppedAt = &stopped
		e.proc, e.cancel, e.done = nil, nil, nil
	}
	h := e.handle
	s.mu.Unlock()
	s.transition(h, from)
	return h
}

// Stop cancels the worker and waits up to timeout for it to return. A worker
// that does not return in time is abandoned and the handle becomes FAILED.
// Only timeout bounds the wait: ctx ending early does not fail the strategy.
func (s *Supervisor) Stop(_ context.Context, name string, timeout time.Duration) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if e.handle.State != StateRunning {
		state := e.handle.State
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, name, state)
	}
	gen := e.gen
	proc, cancel, done := e.proc, e.cancel, e.done
	e.handle.State = StateStopping
	stopping := e.handle
	s.mu.Unlock()
	s.transition(stopping, StateRunning)

	cancel()
	go func() {
		var pc panics.Catcher
		pc.Try(proc.OnCancel)
		if r := pc.Recovered(); r != nil {
			s.log.Error().Str("strategy", name).Interface("panic", r.Value).Msg("OnCancel panicked")
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		s.settle(name, gen, StateStopping, StateStopped, "")
		return nil
	case <-timer.C:
		msg := fmt.Sprintf("stop timed out after %s; worker abandoned", timeout)
		s.abandon(name, gen, msg)
		return fmt.Errorf("%w: %s after %s", ErrStopTimeout, name, timeout)
	}
}

func (s *Supervisor) abandon(name string, gen uint64, msg string) {
	h := s.settle(name, gen, StateStopping, StateFailed, msg)
	s.mu.Lock()
	if e, ok := s.entries[name]; ok && e.gen == gen {
		e.gen++ // a late return from the abandoned worker is ignored
	}
	s.mu.Unlock()
	if h.State == StateFailed {
		s.alert(events.AlertStopTimeout, name, msg)
	}
}

// Status returns a copy of the handle for name.
func (s *Supervisor) Status(name string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e.handle, nil
}

// ListAll returns every handle sorted by name.
func (s *Supervisor) ListAll() []Handle {
	s.mu.Lock()
	out := make([]Handle, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.handle)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove stops name if it is running and forgets its handle.
func (s *Supervisor) Remove(ctx context.Context, name string, timeout time.Duration) error {
	h, err := s.Status(name)
	if err != nil {
		return err
	}
	var stopErr error
	if h.State == StateRunning {
		stopErr = s.Stop(ctx, name, timeout)
	}
	s.mu.Lock()
	if e, ok := s.entries[name]; ok && e.handle.State.Active() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, name, e.handle.State)
	}
	delete(s.entries, name)
	s.mu.Unlock()

	for _, st := range AllStates {
		monitor.StrategyState.DeleteLabelValues(name, st)
	}
	if s.deps.Health != nil {
		s.deps.Health.Forget(name)
	}
	s.log.Info().Str("strategy", name).Msg("strategy removed")
	return stopErr
}

// Shutdown stops every running strategy concurrently.
func (s *Supervisor) Shutdown(ctx context.Context, timeout time.Duration) error {
	var names []string
	for _, h := range s.ListAll() {
		if h.State == StateRunning {
			names = append(names, h.Name)
		}
	}

	var mu sync.Mutex
	var errs []error
	var wg conc.WaitGroup
	for _, name := range names {
		name := name
		wg.Go(func() {
			if err := s.Stop(ctx, name, timeout); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) transition(h Handle, from State) {
	ev := s.log.Info()
	if h.State == StateFailed {
		ev = s.log.Warn().Str("last_error", h.LastError)
	}
	ev.Str("strategy", h.Name).Str("from", string(from)).Str("to", string(h.State)).Msg("strategy transition")

	s.deps.Bus.Publish(events.EventStrategyState, events.StrategyTransition{
		Name:      h.Name,
		Kind:      h.Kind,
		From:      string(from),
		To:        string(h.State),
		LastError: h.LastError,
		At:        s.now(),
	})
	monitor.SetStrategyState(h.Name, string(h.State), AllStates)
	if s.deps.Health != nil {
		s.deps.Health.SetServing(h.Name, h.State == StateRunning)
	}
}

func (s *Supervisor) alert(kind, name, msg string) {
	s.log.Error().Bool("alert", true).Str("kind", kind).Str("strategy", name).Msg(msg)
	s.deps.Bus.Publish(events.EventOperationalAlert, events.Alert{
		Kind:    kind,
		Subject: name,
		Message: msg,
		At:      s.now(),
	})
}
