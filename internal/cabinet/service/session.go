package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/store"
	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	"github.com/BrandonDHaskell/keycabinet/internal/canbus"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware"
)

// State is a step of the door-episode state machine.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateActivityCodeEntry
	StateDoorOpenPending
	StateDoorOpen
	StateDoorClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActivityCodeEntry:
		return "ACTIVITY_CODE_ENTRY"
	case StateDoorOpenPending:
		return "DOOR_OPEN_PENDING"
	case StateDoorOpen:
		return "DOOR_OPEN"
	case StateDoorClosing:
		return "DOOR_CLOSING"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// KeyBus is the part of the strip protocol a session drives.
type KeyBus interface {
	SlotReader
	SetLEDSingle(ctx context.Context, strip, slot int, state canbus.LEDState) (canbus.Reply, error)
	SetLockSingle(ctx context.Context, strip, slot int, state canbus.LockState) (canbus.Reply, error)
	SetLEDAll(ctx context.Context, strip int, on, blinking bool) (canbus.Reply, error)
	LockAll(ctx context.Context, strip int) (canbus.Reply, error)
	PollEvents() canbus.Events
	ClearKeyTaken()
	ClearKeyInserted()
	KnownStrips() []int
}

// Capabilities is what a deployment offers at the panel.
type Capabilities struct {
	AuthModes []types.AuthMode
	AdminMenu bool
}

// ParseCapabilities builds a capability set from configured mode names,
// skipping unknown ones.
func ParseCapabilities(modes []string, adminMenu bool) Capabilities {
	c := Capabilities{AdminMenu: adminMenu}
	for _, m := range modes {
		if mode, ok := types.ParseAuthMode(m); ok {
			c.AuthModes = append(c.AuthModes, mode)
		}
	}
	return c
}

func (c Capabilities) Allows(m types.AuthMode) bool {
	for _, a := range c.AuthModes {
		if a == m {
			return true
		}
	}
	return false
}

const (
	DefaultTick               = 100 * time.Millisecond
	DefaultDoorGrace          = 5 * time.Second
	DefaultDoorCeilingTicks   = 300
	DefaultDoorPendingTimeout = 30 * time.Second
	DefaultEntryTimeout       = 30 * time.Second
	DefaultCodeAttempts       = 3
	DefaultBuzzerPulse        = 500 * time.Millisecond
	DefaultMessagePause       = 2 * time.Second

	maxEntryLen = 8
)

// SessionConfig holds the session timings. Zero fields take the defaults.
type SessionConfig struct {
	Tick               time.Duration
	DoorGrace          time.Duration
	DoorCeilingTicks   int
	DoorPendingTimeout time.Duration
	EntryTimeout       time.Duration
	CodeAttempts       int
	BuzzerPulse        time.Duration
	MessagePause       time.Duration
	Capabilities       Capabilities
}

func (c *SessionConfig) setDefaults() {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.DoorGrace <= 0 {
		c.DoorGrace = DefaultDoorGrace
	}
	if c.DoorCeilingTicks <= 0 {
		c.DoorCeilingTicks = DefaultDoorCeilingTicks
	}
	if c.DoorPendingTimeout <= 0 {
		c.DoorPendingTimeout = DefaultDoorPendingTimeout
	}
	if c.EntryTimeout <= 0 {
		c.EntryTimeout = DefaultEntryTimeout
	}
	if c.CodeAttempts <= 0 {
		c.CodeAttempts = DefaultCodeAttempts
	}
	if c.BuzzerPulse <= 0 {
		c.BuzzerPulse = DefaultBuzzerPulse
	}
	if c.MessagePause <= 0 {
		c.MessagePause = DefaultMessagePause
	}
}

// SessionDeps are the collaborators a Session drives.
type SessionDeps struct {
	Panel     hardware.Panel
	Bus       KeyBus
	Inventory *Inventory
	Auth      *Authenticator
	Policy    *ActivityPolicy
	Sessions  store.SessionStore
	Escalator *Escalator
	Recorder  *Recorder
	Gate      *Gate
	Logger    *zap.Logger

	// Optional; tests replace these.
	Now   func() time.Time
	Sleep func(time.Duration)
	NewID func() string
}

// Session runs one login and door episode at a time.
type Session struct {
	panel    hardware.Panel
	bus      KeyBus
	inv      *Inventory
	auth     *Authenticator
	policy   *ActivityPolicy
	sessions store.SessionStore
	esc      *Escalator
	rec      *Recorder
	gate     *Gate
	logger   *zap.Logger
	cfg      SessionConfig

	now   func() time.Time
	sleep func(time.Duration)
	newID func() string

	mu    sync.Mutex
	state State
}

// NewSession returns an idle Session.
func NewSession(d SessionDeps, cfg SessionConfig) *Session {
	cfg.setDefaults()
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sleep == nil {
		d.Sleep = time.Sleep
	}
	if d.NewID == nil {
		d.NewID = uuid.NewString
	}
	if d.Gate == nil {
		d.Gate = &Gate{}
	}
	return &Session{
		panel:    d.Panel,
		bus:      d.Bus,
		inv:      d.Inventory,
		auth:     d.Auth,
		policy:   d.Policy,
		sessions: d.Sessions,
		esc:      d.Escalator,
		rec:      d.Recorder,
		gate:     d.Gate,
		logger:   d.Logger,
		cfg:      cfg,
		now:      d.Now,
		sleep:    d.Sleep,
		newID:    d.NewID,
	}
}

// State is the current position in the session flow.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("session state", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

// LoginRequest starts a session. CardID is the card already read by the
// idle loop for CARD and CARD_PIN logins.
type LoginRequest struct {
	Mode   types.AuthMode
	CardID string
}

// Visit is the live state of one authenticated door episode.
type Visit struct {
	Access   types.AccessSession
	Activity types.Activity

	doorHeld  bool
	tooLong   bool
	buzzerHot bool
	blinking  map[types.Position]bool
}

// NewVisit wraps an authenticated access record and its granted activity.
func NewVisit(access types.AccessSession, activity types.Activity) *Visit {
	return &Visit{Access: access, Activity: activity, blinking: make(map[types.Position]bool)}
}

// Outcome reports how far a session got.
type Outcome struct {
	Access     types.AccessSession
	Auth       AuthResult
	Decision   ActivityDecision
	DoorOpened bool
}

// Run drives one login through the state machine and back to IDLE. Only
// errors tagged hardware.ErrFault, context errors and ErrSessionActive are
// returned; policy denials and bus absences are part of the Outcome.
func (s *Session) Run(ctx context.Context, req LoginRequest) (Outcome, error) {
	if !s.gate.TryEnter() {
		return Outcome{}, ErrSessionActive
	}
	defer s.gate.Leave()
	defer s.setState(StateIdle)

	var out Outcome
	s.setState(StateAuthenticating)

	if !s.cfg.Capabilities.Allows(req.Mode) {
		out.Auth = authFailed(AuthModeDisabled, nil)
		return out, s.showFor(out.Auth.Reason.Message(), "")
	}

	cred, ok, err := s.collectCredential(ctx, req)
	if err != nil || !ok {
		return out, err
	}

	res, err := s.auth.Authenticate(ctx, cred)
	if err != nil {
		if errors.Is(err, hardware.ErrFault) {
			return out, err
		}
		s.logger.Error("authentication failed", zap.String("mode", string(req.Mode)), zap.Error(err))
		return out, s.showFor("System error", "")
	}
	out.Auth = res

	access := types.AccessSession{
		ID:         s.newID(),
		SignInTime: s.now().UTC(),
		AuthMode:   req.Mode,
		UserID:     res.UserID,
		Success:    res.Success,
	}
	if err := s.sessions.CreateAccessSession(ctx, access); err != nil {
		s.logger.Error("access session create failed", zap.String("session", access.ID), zap.Error(err))
	}
	out.Access = access

	if !res.Success {
		s.rec.Record(ctx, types.EventLogEntry{
			EventID:         types.EventLoginFailed,
			UserID:          res.UserID,
			AccessSessionID: access.ID,
			Detail:          string(req.Mode) + ": " + string(res.Reason),
		})
		return out, s.showFor(res.Reason.Message(), "")
	}
	s.rec.Record(ctx, types.EventLogEntry{
		EventID:         types.EventLoginSuccess,
		UserID:          res.UserID,
		AccessSessionID: access.ID,
		Detail:          string(req.Mode),
	})

	s.setState(StateActivityCodeEntry)
	dec, ok, err := s.enterActivity(ctx, access, *res.UserID)
	out.Decision = dec
	if err != nil || !ok {
		return out, err
	}

	access.ActivityCode = dec.Activity.Code
	access.KeysAllowed = dec.KeyIDs
	s.save(ctx, access)

	v := NewVisit(access, dec.Activity)
	opened, err := s.doorEpisode(ctx, v)
	out.Access = v.Access
	out.DoorOpened = opened
	return out, err
}

func (s *Session) collectCredential(ctx context.Context, req LoginRequest) (Credential, bool, error) {
	c := Credential{Mode: req.Mode, CardID: req.CardID}
	switch req.Mode {
	case types.AuthPIN:
		pin, ok, err := s.readEntry(ctx, "Enter PIN", true)
		c.PIN = pin
		return c, ok, err
	case types.AuthCard:
		return c, c.CardID != "", nil
	case types.AuthCardPIN:
		if c.CardID == "" {
			return c, false, nil
		}
		pin, ok, err := s.readEntry(ctx, "Card read. PIN", true)
		c.PIN = pin
		return c, ok, err
	case types.AuthBiometric:
		if s.panel.Fingerprint == nil {
			return c, false, nil
		}
		if err := s.panel.Show("Place finger", ""); err != nil {
			return c, false, err
		}
		sample, err := s.panel.Fingerprint.Capture()
		if err != nil {
			return c, false, hardware.Fault("fingerprint capture", err)
		}
		c.Sample = sample
		return c, len(sample) > 0, nil
	}
	return c, false, nil
}

// enterActivity reads activity codes until one is allowed, the user backs
// out, or the attempts run out.
func (s *Session) enterActivity(ctx context.Context, access types.AccessSession, userID int64) (ActivityDecision, bool, error) {
	var last ActivityDecision
	for attempt := 0; attempt < s.cfg.CodeAttempts; attempt++ {
		code, ok, err := s.readEntry(ctx, "Activity code", false)
		if err != nil || !ok {
			return last, false, err
		}

		dec, err := s.policy.Check(ctx, userID, code, s.now())
		if err != nil {
			s.logger.Error("activity check failed", zap.String("code", code), zap.Error(err))
			return last, false, s.showFor("System error", "")
		}
		last = dec
		if dec.Allowed {
			return dec, true, nil
		}

		uid := userID
		s.rec.Record(ctx, types.EventLogEntry{
			EventID:         types.EventActivityDenied,
			UserID:          &uid,
			AccessSessionID: access.ID,
			Detail:          code + ": " + string(dec.Reason),
		})
		if err := s.showFor(dec.Reason.Message(), ""); err != nil {
			return last, false, err
		}
	}
	return last, false, nil
}

// doorEpisode releases the granted keys and the door, follows the door
// through open and closed, and locks everything again. It reports whether
// the door was opened.
func (s *Session) doorEpisode(ctx context.Context, v *Visit) (bool, error) {
	s.setState(StateDoorOpenPending)
	s.bus.ClearKeyTaken()
	s.bus.ClearKeyInserted()

	s.releaseAllowed(ctx, v)
	if err := s.panel.Lock.Set(hardware.DoorUnlocked); err != nil {
		return false, hardware.Fault("door unlock", err)
	}
	v.doorHeld = true
	if err := s.panel.Show("Open the door", v.Activity.Name); err != nil {
		return false, err
	}

	opened, err := s.waitDoor(ctx, hardware.DoorOpen, s.ticks(s.cfg.DoorPendingTimeout))
	if err != nil {
		return false, err
	}
	if !opened {
		s.rec.Record(ctx, types.EventLogEntry{
			EventID:         types.EventDoorNotOpened,
			UserID:          v.Access.UserID,
			AccessSessionID: v.Access.ID,
		})
		return false, s.closeEpisode(ctx, v, false)
	}

	s.setState(StateDoorOpen)
	t := s.now().UTC()
	v.Access.DoorOpenTime = &t
	s.save(ctx, v.Access)
	s.rec.Record(ctx, types.EventLogEntry{
		EventID:         types.EventDoorOpened,
		UserID:          v.Access.UserID,
		AccessSessionID: v.Access.ID,
	})

	if err := s.interact(ctx, v); err != nil {
		return true, err
	}
	return true, s.closeEpisode(ctx, v, true)
}

// releaseAllowed unlocks and lights the slot of every granted key: where it
// sits now, or its home slot when it is out.
func (s *Session) releaseAllowed(ctx context.Context, v *Visit) {
	for _, id := range v.Access.KeysAllowed {
		k, err := s.inv.Get(ctx, id)
		if err != nil {
			s.logger.Warn("allowed key lookup failed", zap.Int64("key_id", id), zap.Error(err))
			continue
		}
		pos := k.Home
		if k.Current != nil {
			pos = *k.Current
		}
		s.setSlot(ctx, pos, canbus.Unlocked, canbus.LEDOn)
	}
}

func (s *Session) waitDoor(ctx context.Context, want hardware.DoorState, maxTicks int) (bool, error) {
	for i := 0; i < maxTicks; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		st, err := s.panel.Door.Read()
		if err != nil {
			return false, hardware.Fault("door sensor", err)
		}
		if st == want {
			return true, nil
		}
		s.sleep(s.cfg.Tick)
	}
	return false, nil
}

// interact polls key events and the door sensor every tick until the door
// closes.
func (s *Session) interact(ctx context.Context, v *Visit) error {
	grace := s.ticks(s.cfg.DoorGrace)
	for tick := 0; ; tick++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if v.doorHeld && tick >= grace {
			if err := s.panel.Lock.Set(hardware.DoorLocked); err != nil {
				return hardware.Fault("door lock release", err)
			}
			v.doorHeld = false
		}

		if err := s.drainEvents(ctx, v); err != nil {
			return err
		}

		st, err := s.panel.Door.Read()
		if err != nil {
			return hardware.Fault("door sensor", err)
		}
		if st == hardware.DoorClosed {
			return nil
		}

		if !v.tooLong && tick+1 >= s.cfg.DoorCeilingTicks {
			v.tooLong = true
			s.rec.Record(ctx, types.EventLogEntry{
				EventID:         types.EventDoorOpenedTooLong,
				UserID:          v.Access.UserID,
				AccessSessionID: v.Access.ID,
			})
			if err := s.buzzerOn(v); err != nil {
				return err
			}
			if err := s.panel.Show("Close the door", ""); err != nil {
				return err
			}
		}
		s.sleep(s.cfg.Tick)
	}
}

func (s *Session) drainEvents(ctx context.Context, v *Visit) error {
	ev := s.bus.PollEvents()
	if ev.KeyTaken != nil {
		s.bus.ClearKeyTaken()
		if err := s.HandleKeyTaken(ctx, v, *ev.KeyTaken); err != nil {
			return err
		}
	}
	if ev.KeyInserted != nil {
		s.bus.ClearKeyInserted()
		if err := s.HandleKeyInserted(ctx, v, *ev.KeyInserted); err != nil {
			return err
		}
	}
	return nil
}

// HandleKeyTaken applies one key-taken event to the inventory and the visit.
// An unknown fob is reported on the panel and leaves the inventory alone.
func (s *Session) HandleKeyTaken(ctx context.Context, v *Visit, ev canbus.KeyEvent) error {
	k, found, err := s.inv.Take(ctx, ev.FobID, v.Access.UserID, v.Activity.TimeoutMinutes)
	if err != nil {
		s.logger.Error("key take update failed", zap.Uint64("fob", ev.FobID), zap.Error(err))
	}
	if !found {
		return s.unregistered(ctx, v, ev)
	}

	if !types.ContainsID(v.Access.KeysTaken, k.ID) {
		v.Access.KeysTaken = append(v.Access.KeysTaken, k.ID)
	}
	s.rec.Record(ctx, keyEvent(types.EventKeyTakenCorrect, k, v.Access.UserID, v.Access.ID))
	s.setSlot(ctx, types.Position{Strip: ev.Strip, Slot: ev.Slot}, canbus.Unlocked, canbus.LEDOff)
	s.logger.Info("key taken",
		zap.String("key", k.Name), zap.Int("strip", ev.Strip), zap.Int("slot", ev.Slot), zap.String("session", v.Access.ID))
	return s.panel.Show("Taken", k.Name)
}

// HandleKeyInserted applies one key-inserted event. A key in a foreign slot
// raises an alarm and, when its home slot is free, both slots are unlocked
// and blinked to prompt the move.
func (s *Session) HandleKeyInserted(ctx context.Context, v *Visit, ev canbus.KeyEvent) error {
	pos := types.Position{Strip: ev.Strip, Slot: ev.Slot}
	k, prev, found, err := s.inv.Insert(ctx, ev.FobID, pos)
	if err != nil {
		s.logger.Error("key insert update failed", zap.Uint64("fob", ev.FobID), zap.Error(err))
	}
	if !found {
		return s.unregistered(ctx, v, ev)
	}

	if !types.ContainsID(v.Access.KeysReturned, k.ID) {
		v.Access.KeysReturned = append(v.Access.KeysReturned, k.ID)
	}
	if s.esc != nil {
		s.esc.KeyReturned(ctx, k, v.Access.UserID, v.Access.ID)
	}

	if k.Status == types.KeyPresentRightSlot {
		s.rec.Record(ctx, keyEvent(types.EventKeyReturnedRightSlot, k, v.Access.UserID, v.Access.ID))
		s.setSlot(ctx, pos, canbus.Locked, canbus.LEDOff)
		if prev.Current != nil && *prev.Current != pos && v.blinking[*prev.Current] {
			s.setSlot(ctx, *prev.Current, canbus.Locked, canbus.LEDOff)
		}
		delete(v.blinking, pos)
		return s.panel.Show("Returned", k.Name)
	}

	s.rec.Record(ctx, keyEvent(types.EventKeyReturnedWrongSlot, k, v.Access.UserID, v.Access.ID))
	s.logger.Warn("key in wrong slot",
		zap.String("key", k.Name),
		zap.Int("strip", pos.Strip), zap.Int("slot", pos.Slot),
		zap.Int("home_strip", k.Home.Strip), zap.Int("home_slot", k.Home.Slot),
	)
	if err := s.panel.Show("Wrong slot "+k.Name, fmt.Sprintf("Home %d/%d", k.Home.Strip, k.Home.Slot)); err != nil {
		return err
	}

	occupied, err := s.inv.Occupied(ctx, k.Home)
	if err != nil {
		s.logger.Warn("home slot lookup failed", zap.String("key", k.Name), zap.Error(err))
		return nil
	}
	if occupied {
		return nil
	}
	for _, p := range []types.Position{pos, k.Home} {
		s.setSlot(ctx, p, canbus.Unlocked, canbus.LEDBlink)
		v.blinking[p] = true
	}
	return s.pulse(v)
}

func (s *Session) unregistered(ctx context.Context, v *Visit, ev canbus.KeyEvent) error {
	s.rec.Record(ctx, types.EventLogEntry{
		EventID:         types.EventUnregisteredKey,
		UserID:          v.Access.UserID,
		AccessSessionID: v.Access.ID,
		Detail:          fmt.Sprintf("fob=%d strip=%d slot=%d", ev.FobID, ev.Strip, ev.Slot),
	})
	return s.panel.Show("Unregistered key", strconv.FormatUint(ev.FobID, 10))
}

// closeEpisode locks every slot on every strip, switches every LED off,
// locks the door and persists the visit.
func (s *Session) closeEpisode(ctx context.Context, v *Visit, opened bool) error {
	s.setState(StateDoorClosing)

	if opened {
		// Events that landed between the last poll and the close.
		if err := s.drainEvents(ctx, v); err != nil {
			return err
		}
	}
	if v.buzzerHot {
		if err := s.panel.Buzzer.Off(); err != nil {
			return hardware.Fault("buzzer off", err)
		}
		v.buzzerHot = false
	}

	for _, strip := range s.bus.KnownStrips() {
		if _, err := s.bus.LockAll(ctx, strip); err != nil {
			s.logger.Warn("lock all failed", zap.Int("strip", strip), zap.Error(err))
		}
		if _, err := s.bus.SetLEDAll(ctx, strip, false, false); err != nil {
			s.logger.Warn("leds off failed", zap.Int("strip", strip), zap.Error(err))
		}
	}
	if err := s.panel.Lock.Set(hardware.DoorLocked); err != nil {
		return hardware.Fault("door lock", err)
	}
	v.doorHeld = false

	if opened {
		t := s.now().UTC()
		v.Access.DoorCloseTime = &t
	}
	s.save(ctx, v.Access)

	if opened {
		s.rec.Record(ctx, types.EventLogEntry{
			EventID:         types.EventDoorClosed,
			UserID:          v.Access.UserID,
			AccessSessionID: v.Access.ID,
			Detail:          fmt.Sprintf("taken=%s returned=%s", types.JoinIDs(v.Access.KeysTaken), types.JoinIDs(v.Access.KeysReturned)),
		})
		return s.showFor("Door closed", summary(v.Access))
	}
	return s.showFor("Door not opened", "")
}

func summary(a types.AccessSession) string {
	return fmt.Sprintf("Out %d In %d", len(a.KeysTaken), len(a.KeysReturned))
}

func (s *Session) setSlot(ctx context.Context, p types.Position, lock canbus.LockState, led canbus.LEDState) {
	if _, err := s.bus.SetLockSingle(ctx, p.Strip, p.Slot, lock); err != nil {
		s.logger.Warn("slot lock failed", zap.Int("strip", p.Strip), zap.Int("slot", p.Slot), zap.Error(err))
	}
	if _, err := s.bus.SetLEDSingle(ctx, p.Strip, p.Slot, led); err != nil {
		s.logger.Warn("slot led failed", zap.Int("strip", p.Strip), zap.Int("slot", p.Slot), zap.Error(err))
	}
}

func (s *Session) save(ctx context.Context, a types.AccessSession) {
	if err := s.sessions.UpdateAccessSession(ctx, a); err != nil {
		s.logger.Error("access session update failed", zap.String("session", a.ID), zap.Error(err))
	}
}

func (s *Session) buzzerOn(v *Visit) error {
	if s.panel.Buzzer == nil {
		return nil
	}
	if err := s.panel.Buzzer.On(); err != nil {
		return hardware.Fault("buzzer on", err)
	}
	v.buzzerHot = true
	return nil
}

// pulse sounds the buzzer briefly unless it is already sounding.
func (s *Session) pulse(v *Visit) error {
	if s.panel.Buzzer == nil || v.buzzerHot {
		return nil
	}
	if err := s.panel.Buzzer.On(); err != nil {
		return hardware.Fault("buzzer on", err)
	}
	s.sleep(s.cfg.BuzzerPulse)
	if err := s.panel.Buzzer.Off(); err != nil {
		return hardware.Fault("buzzer off", err)
	}
	return nil
}

// readEntry collects digits until ENTER. BACK deletes a digit or, on an
// empty entry, cancels; UP cancels. ok is false on cancel or inactivity.
func (s *Session) readEntry(ctx context.Context, prompt string, mask bool) (string, bool, error) {
	if err := s.panel.Show(prompt, ""); err != nil {
		return "", false, err
	}
	limit := s.ticks(s.cfg.EntryTimeout)
	var buf []byte
	for idle := 0; idle < limit; {
		if err := ctx.Err(); err != nil {
			return "", false, err
		}
		b, err := s.panel.Keypad.ReadKey()
		if err != nil {
			return "", false, hardware.Fault("keypad", err)
		}
		switch {
		case b == hardware.ButtonNone:
			idle++
			s.sleep(s.cfg.Tick)
			continue
		case b.IsDigit():
			if len(buf) < maxEntryLen {
				buf = append(buf, b[0])
			}
		case b == hardware.ButtonEnter:
			if len(buf) > 0 {
				return string(buf), true, nil
			}
		case b == hardware.ButtonBack:
			if len(buf) == 0 {
				return "", false, nil
			}
			buf = buf[:len(buf)-1]
		case b == hardware.ButtonUp:
			return "", false, nil
		}
		idle = 0

		shown := string(buf)
		if mask {
			shown = strings.Repeat("*", len(buf))
		}
		if err := s.panel.Display.WriteLine(shown, 2); err != nil {
			return "", false, hardware.Fault("display write", err)
		}
	}
	return "", false, nil
}

func (s *Session) showFor(line1, line2 string) error {
	if err := s.panel.Show(line1, line2); err != nil {
		return err
	}
	if s.cfg.MessagePause > 0 {
		s.sleep(s.cfg.MessagePause)
	}
	return nil
}

func (s *Session) ticks(d time.Duration) int {
	n := int(d / s.cfg.Tick)
	if n < 1 {
		n = 1
	}
	return n
}
