// Package local runs durable reminders in-process. Registrations persist in
// the state store so a restarted node can restore them, and ticks are
// scheduled with process timers. Production deployments use
// features/reminder/temporal.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"goa.design/mesh/faults"
	"goa.design/mesh/reminder"
	"goa.design/mesh/state"
	"goa.design/mesh/telemetry"
)

// Service implements reminder.Service with persisted registrations and
// in-process timers.
type Service struct {
	store  state.Store
	target reminder.Target
	logger telemetry.Logger
	now    func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// Options configures the local service.
type Options struct {
	// Store persists registrations. Required.
	Store state.Store
	// Target receives ticks. Required.
	Target reminder.Target
	// Logger records delivery failures. Noop when nil.
	Logger telemetry.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// New constructs a local reminder service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "reminder service requires a state store")
	}
	if opts.Target == nil {
		return nil, faults.New(faults.KindInvalidConfiguration, "reminder service requires a delivery target")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:  opts.Store,
		target: opts.Target,
		logger: logger,
		now:    now,
		timers: make(map[string]*time.Timer),
	}, nil
}

// Register persists and schedules the reminder, replacing any existing one
// with the same (agent, name).
func (s *Service) Register(ctx context.Context, reg reminder.Registration) error {
	if reg.AgentHandle == "" || reg.Name == "" {
		return faults.New(faults.KindInvalidConfiguration, "reminder requires agent handle and name")
	}
	regs, err := s.load(ctx, reg.AgentHandle)
	if err != nil {
		return err
	}
	replaced := false
	for i := range regs {
		if regs[i].Name == reg.Name {
			regs[i] = reg
			replaced = true
			break
		}
	}
	if !replaced {
		regs = append(regs, reg)
	}
	if err := s.save(ctx, reg.AgentHandle, regs); err != nil {
		return err
	}
	s.schedule(reg)
	return nil
}

// Unregister removes the reminder and stops its timer.
func (s *Service) Unregister(ctx context.Context, agentHandle, name string) error {
	regs, err := s.load(ctx, agentHandle)
	if err != nil {
		return err
	}
	kept := regs[:0]
	for _, reg := range regs {
		if reg.Name != name {
			kept = append(kept, reg)
		}
	}
	if len(kept) == len(regs) {
		return nil
	}
	if err := s.save(ctx, agentHandle, kept); err != nil {
		return err
	}
	s.stopTimer(timerKey(agentHandle, name))
	return nil
}

// List returns the agent's registrations.
func (s *Service) List(ctx context.Context, agentHandle string) ([]reminder.Registration, error) {
	return s.load(ctx, agentHandle)
}

// Restore reschedules the agent's persisted reminders, typically on node
// start or agent activation. Overdue reminders fire immediately. Names that
// already have a live timer are left alone so a restore triggered from within
// a delivery does not double-fire.
func (s *Service) Restore(ctx context.Context, agentHandle string) error {
	regs, err := s.load(ctx, agentHandle)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		s.scheduleIfAbsent(reg)
	}
	return nil
}

// Close stops all timers. Registrations stay persisted.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *Service) schedule(reg reminder.Registration) {
	key := timerKey(reg.AgentHandle, reg.Name)
	due := reg.NextFire.Sub(s.now())
	if due < 0 {
		due = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(due, func() { s.fire(reg) })
}

func (s *Service) scheduleIfAbsent(reg reminder.Registration) {
	key := timerKey(reg.AgentHandle, reg.Name)
	due := reg.NextFire.Sub(s.now())
	if due < 0 {
		due = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.timers[key]; ok {
		return
	}
	s.timers[key] = time.AfterFunc(due, func() { s.fire(reg) })
}

// fire delivers one tick and reschedules or retires the reminder.
func (s *Service) fire(reg reminder.Registration) {
	ctx := context.Background()
	if err := s.target.DeliverReminder(ctx, reg.AgentHandle, reminder.Message(reg)); err != nil {
		s.logger.Warn(ctx, "reminder delivery failed",
			"agent", reg.AgentHandle, "reminder", reg.Name, "err", err)
	}
	if reg.Period > 0 {
		reg.NextFire = s.now().Add(reg.Period)
		if err := s.Register(ctx, reg); err != nil {
			s.logger.Error(ctx, "reminder reschedule failed",
				"agent", reg.AgentHandle, "reminder", reg.Name, "err", err)
		}
		return
	}
	if err := s.Unregister(ctx, reg.AgentHandle, reg.Name); err != nil {
		s.logger.Error(ctx, "reminder cleanup failed",
			"agent", reg.AgentHandle, "reminder", reg.Name, "err", err)
	}
}

func (s *Service) stopTimer(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

func (s *Service) load(ctx context.Context, agentHandle string) ([]reminder.Registration, error) {
	data, err := s.store.Read(ctx, state.KindReminder, agentHandle, state.SlotReminders)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.KindPersistence, err, "load reminders for %q", agentHandle)
	}
	var regs []reminder.Registration
	if err := json.Unmarshal(data, &regs); err != nil {
		return nil, faults.Wrap(faults.KindPersistence, err, "decode reminders for %q", agentHandle)
	}
	return regs, nil
}

func (s *Service) save(ctx context.Context, agentHandle string, regs []reminder.Registration) error {
	data, err := json.Marshal(regs)
	if err != nil {
		return faults.Wrap(faults.KindPersistence, err, "encode reminders for %q", agentHandle)
	}
	if err := s.store.Write(ctx, state.KindReminder, agentHandle, state.SlotReminders, data); err != nil {
		return faults.Wrap(faults.KindPersistence, err, "save reminders for %q", agentHandle)
	}
	return nil
}

func timerKey(agentHandle, name string) string { return agentHandle + "\x00" + name }
