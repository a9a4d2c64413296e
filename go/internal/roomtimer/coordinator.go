package roomtimer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/quickpitch/go/internal/metrics"
	"github.com/mcdev12/quickpitch/go/internal/syncerr"
)

// Config for one client's view of a room timer.
type Config struct {
	RoomID       string
	IsHost       bool
	Duration     time.Duration
	TickInterval time.Duration
}

// DefaultConfig returns the standard twenty minute meeting.
func DefaultConfig(roomID string, isHost bool) Config {
	return Config{
		RoomID:       roomID,
		IsHost:       isHost,
		Duration:     20 * time.Minute,
		TickInterval: time.Second,
	}
}

const electionTimeout = 5 * time.Second

// Status is what a client renders for the timer.
type Status struct {
	Phase            Phase      `json:"phase"`
	RemainingSeconds int        `json:"remaining_seconds"`
	Display          string     `json:"display"`
	Urgency          Urgency    `json:"urgency"`
	StartTime        *time.Time `json:"start_time,omitempty"`
}

// Coordinator keeps a local countdown aligned with the room's persisted start time.
type Coordinator struct {
	config Config
	store  Store
	clock  clockwork.Clock

	mu           sync.Mutex
	startTime    *time.Time
	lastCount    int
	participants int
	// electing is set from the 1 -> 2+ transition until a start write succeeds.
	electing     bool
	retry        clockwork.Timer
	edge         expiryEdge
	stopTicker   chan struct{}
	watchCancel  context.CancelFunc
	joined       bool
	left         bool
	changeFns    []func(Status)
	expiredFns   []func()

	wg        sync.WaitGroup
	leaveOnce sync.Once
}

// NewCoordinator validates config and builds a coordinator. A nil clock uses
// the real clock.
func NewCoordinator(config Config, store Store, clock clockwork.Clock) (*Coordinator, error) {
	if config.RoomID == "" {
		return nil, syncerr.ErrConfiguration
	}
	if config.Duration <= 0 {
		config.Duration = 20 * time.Minute
	}
	if config.TickInterval <= 0 {
		config.TickInterval = time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Coordinator{
		config:       config,
		store:        store,
		clock:        clock,
		lastCount:    1,
		participants: 1,
	}, nil
}

// Join ensures the room's timer row exists (host only), starts watching for
// changes and loads the current start time.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.joined || c.left {
		c.mu.Unlock()
		return nil
	}
	c.joined = true
	c.mu.Unlock()

	if c.config.IsHost {
		if err := c.store.InsertIfAbsent(ctx, c.config.RoomID); err != nil {
			c.transient("insert", err)
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	changes, err := c.store.Watch(watchCtx, c.config.RoomID)
	if err != nil {
		cancel()
		c.transient("watch", err)
	} else {
		c.mu.Lock()
		if c.left {
			c.mu.Unlock()
			cancel()
			return nil
		}
		c.watchCancel = cancel
		c.wg.Add(1)
		c.mu.Unlock()

		go c.watch(watchCtx, changes)
	}

	c.refresh(ctx)
	return nil
}

// ObserveParticipants feeds the current participant count. Going from one
// participant to two or more starts the meeting if nobody has yet. A failed
// start stays pending and is retried until it succeeds, the meeting starts
// elsewhere or the room drops back below two participants.
func (c *Coordinator) ObserveParticipants(ctx context.Context, count int) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	prev := c.lastCount
	c.lastCount = count
	displayChanged := (c.participants < 2) != (count < 2)
	c.participants = count
	started := c.startTime != nil
	switch {
	case started || count < 2:
		c.electing = false
	case prev == 1:
		c.electing = true
	}
	electing := c.electing
	c.mu.Unlock()

	if displayChanged && !started {
		c.emitChange()
	}
	if !electing {
		return nil
	}
	return c.elect(ctx)
}

// elect performs the conditional start write. Losing is not an error.
func (c *Coordinator) elect(ctx context.Context) error {
	now := c.clock.Now()
	won, err := c.store.StartIfUnset(ctx, c.config.RoomID, now)
	if err != nil {
		c.transient("start", err)
		c.scheduleRetry()
		return syncerr.Transient("start", err)
	}

	c.mu.Lock()
	c.electing = false
	c.mu.Unlock()

	if won {
		metrics.TimerElections.WithLabelValues("won").Inc()
		log.Info().Str("room_id", c.config.RoomID).Time("start_time", now).Msg("started room timer")
		c.applyStart(&now)
		return nil
	}

	metrics.TimerElections.WithLabelValues("lost").Inc()
	log.Debug().Str("room_id", c.config.RoomID).Msg("room timer already started elsewhere")
	c.refresh(ctx)
	return nil
}

func (c *Coordinator) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left || c.retry != nil || !c.electing {
		return
	}
	c.retry = c.clock.AfterFunc(c.config.TickInterval, c.retryElection)
}

func (c *Coordinator) retryElection() {
	c.mu.Lock()
	c.retry = nil
	electing := c.electing && !c.left && c.startTime == nil
	c.mu.Unlock()
	if !electing {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), electionTimeout)
	defer cancel()
	_ = c.elect(ctx)
}

// OnChange registers fn to receive the status on every tick and start.
func (c *Coordinator) OnChange(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeFns = append(c.changeFns, fn)
}

// OnExpired registers fn to run once when the meeting runs out.
func (c *Coordinator) OnExpired(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiredFns = append(c.expiredFns, fn)
}

// Status returns the timer as of now.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(c.clock.Now())
}

func (c *Coordinator) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Remaining(c.config.Duration, c.startTime, c.clock.Now())
}

func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PhaseAt(c.config.Duration, c.startTime, c.clock.Now())
}

// Leave stops the countdown and the change subscription. Repeated calls are no-ops.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.leaveOnce.Do(func() {
		c.mu.Lock()
		c.left = true
		if c.stopTicker != nil {
			close(c.stopTicker)
			c.stopTicker = nil
		}
		if c.watchCancel != nil {
			c.watchCancel()
			c.watchCancel = nil
		}
		if c.retry != nil {
			c.retry.Stop()
			c.retry = nil
		}
		c.electing = false
		c.mu.Unlock()

		c.wg.Wait()
		log.Debug().Str("room_id", c.config.RoomID).Msg("room timer stopped")
	})
	return nil
}

func (c *Coordinator) watch(ctx context.Context, changes <-chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			c.refresh(ctx)
		}
	}
}

// refresh reads the stored start time. Failures keep the current countdown.
func (c *Coordinator) refresh(ctx context.Context) {
	t, err := c.store.Get(ctx, c.config.RoomID)
	if errors.Is(err, ErrNotFound) {
		c.retryIfElecting(ctx)
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			c.transient("get", err)
		}
		return
	}
	if t.StartTime == nil {
		c.retryIfElecting(ctx)
		return
	}
	c.applyStart(t.StartTime)
}

// retryIfElecting resumes a start that failed earlier once the store answers again.
func (c *Coordinator) retryIfElecting(ctx context.Context) {
	c.mu.Lock()
	electing := c.electing && c.retry == nil && !c.left
	c.mu.Unlock()
	if electing {
		_ = c.elect(ctx)
	}
}

// applyStart adopts start as the meeting start. The first non-nil value wins;
// the store never changes it afterwards.
func (c *Coordinator) applyStart(start *time.Time) {
	if start == nil {
		return
	}

	c.mu.Lock()
	if c.left || c.startTime != nil {
		c.mu.Unlock()
		return
	}
	s := *start
	c.startTime = &s

	now := c.clock.Now()
	expired := c.edge.observe(PhaseAt(c.config.Duration, c.startTime, now))
	if !expired {
		stop := make(chan struct{})
		c.stopTicker = stop
		ticker := c.clock.NewTicker(c.config.TickInterval)
		c.wg.Add(1)
		go c.run(ticker, stop)
	}
	c.mu.Unlock()

	c.emitChange()
	if expired {
		c.emitExpired()
	}
}

func (c *Coordinator) run(ticker clockwork.Ticker, stop chan struct{}) {
	defer c.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if c.tick() {
				return
			}
		}
	}
}

// tick reports whether the countdown has finished.
func (c *Coordinator) tick() bool {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return true
	}
	status := c.statusLocked(c.clock.Now())
	expired := c.edge.observe(status.Phase)
	if expired {
		c.stopTicker = nil
	}
	fns := slices.Clone(c.changeFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
	if expired {
		c.emitExpired()
	}
	return expired
}

func (c *Coordinator) statusLocked(now time.Time) Status {
	phase := PhaseAt(c.config.Duration, c.startTime, now)
	remaining := Remaining(c.config.Duration, c.startTime, now)
	return Status{
		Phase:            phase,
		RemainingSeconds: int(remaining / time.Second),
		Display:          Display(phase, remaining, c.participants),
		Urgency:          UrgencyOf(remaining),
		StartTime:        c.startTime,
	}
}

func (c *Coordinator) emitChange() {
	c.mu.Lock()
	status := c.statusLocked(c.clock.Now())
	fns := slices.Clone(c.changeFns)
	c.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

func (c *Coordinator) emitExpired() {
	c.mu.Lock()
	fns := slices.Clone(c.expiredFns)
	c.mu.Unlock()

	metrics.TimersExpired.Inc()
	log.Info().Str("room_id", c.config.RoomID).Msg("meeting time has expired")
	for _, fn := range fns {
		fn()
	}
}

func (c *Coordinator) transient(op string, err error) {
	metrics.SyncErrors.WithLabelValues("timer_" + op).Inc()
	log.Warn().
		Err(fmt.Errorf("room timer: %w", syncerr.Transient(op, err))).
		Str("room_id", c.config.RoomID).
		Msg("room timer sync failed, keeping current state")
}
