package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/keycabinet/internal/cabinet/types"
	"github.com/BrandonDHaskell/keycabinet/internal/hardware"
)

// AdminRoleID is the role allowed into the admin menu.
const AdminRoleID = 1

const faultBackoff = time.Second

// RunnerDeps wires a Runner. Sleep defaults to time.Sleep.
type RunnerDeps struct {
	Panel     hardware.Panel
	Bus       KeyBus
	Session   *Session
	Inventory *Inventory
	Escalator *Escalator
	Pegs      *PegRegistrar
	Auth      *Authenticator
	Recorder  *Recorder
	Logger    *zap.Logger
	Sleep     func(time.Duration)
}

// Runner is the idle loop. It owns the panel between sessions, dispatches
// logins and admin keys, and recovers from hardware faults.
type Runner struct {
	panel   hardware.Panel
	bus     KeyBus
	session *Session
	inv     *Inventory
	esc     *Escalator
	pegs    *PegRegistrar
	auth    *Authenticator
	rec     *Recorder
	logger  *zap.Logger
	sleep   func(time.Duration)
	faults  int
}

// NewRunner returns a Runner; Run starts the idle loop.
func NewRunner(d RunnerDeps) *Runner {
	if d.Sleep == nil {
		d.Sleep = time.Sleep
	}
	return &Runner{
		panel:   d.Panel,
		bus:     d.Bus,
		session: d.Session,
		inv:     d.Inventory,
		esc:     d.Escalator,
		pegs:    d.Pegs,
		auth:    d.Auth,
		rec:     d.Recorder,
		logger:  d.Logger,
		sleep:   d.Sleep,
	}
}

// Faults is the number of hardware faults recovered from so far.
func (r *Runner) Faults() int { return r.faults }

// Run reconciles every known strip and then serves the idle loop until ctx
// ends. Hardware faults put the panel in a safe state, reset it and
// restart the loop; nothing else stops it.
func (r *Runner) Run(ctx context.Context) error {
	r.reconcile(ctx)
	if err := r.showIdle(); err != nil {
		r.recover(ctx, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.Step(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, hardware.ErrFault):
			r.recover(ctx, err)
		default:
			r.logger.Error("idle loop step failed", zap.Error(err))
		}
	}
}

// Step handles one poll of the card reader and keypad.
func (r *Runner) Step(ctx context.Context) error {
	caps := r.session.cfg.Capabilities

	if r.panel.Cards != nil {
		card, err := r.panel.Cards.ReadCard()
		if err != nil {
			return hardware.Fault("card reader", err)
		}
		if card != "" {
			mode := types.AuthCard
			if caps.Allows(types.AuthCardPIN) {
				mode = types.AuthCardPIN
			}
			return r.login(ctx, LoginRequest{Mode: mode, CardID: card})
		}
	}

	b, err := r.panel.Keypad.ReadKey()
	if err != nil {
		return hardware.Fault("keypad", err)
	}
	switch b {
	case hardware.ButtonNone:
		r.sleep(r.session.cfg.Tick)
		return nil
	case hardware.ButtonEnter:
		return r.login(ctx, LoginRequest{Mode: types.AuthPIN})
	case hardware.ButtonF1:
		if caps.Allows(types.AuthBiometric) {
			return r.login(ctx, LoginRequest{Mode: types.AuthBiometric})
		}
	case hardware.ButtonF2:
		return r.acknowledge(ctx)
	case hardware.ButtonF4:
		if caps.AdminMenu {
			return r.registerPegs(ctx)
		}
	}
	return nil
}

func (r *Runner) login(ctx context.Context, req LoginRequest) error {
	out, err := r.session.Run(ctx, req)
	if errors.Is(err, ErrSessionActive) {
		r.logger.Warn("login ignored: session active", zap.String("mode", string(req.Mode)))
		return nil
	}
	if out.DoorOpened {
		r.reconcile(ctx)
	}
	if err != nil {
		return err
	}
	return r.showIdle()
}

func (r *Runner) acknowledge(ctx context.Context) error {
	if r.esc == nil {
		return nil
	}
	if err := r.esc.Acknowledge(ctx, nil); err != nil {
		return err
	}
	if err := r.session.showFor("Alarm silenced", ""); err != nil {
		return err
	}
	return r.showIdle()
}

// registerPegs asks for an admin PIN and runs a registration pass over the
// known strips.
func (r *Runner) registerPegs(ctx context.Context) error {
	if r.pegs == nil {
		return nil
	}
	if !r.session.gate.TryEnter() {
		return nil
	}
	defer r.session.gate.Leave()

	pin, ok, err := r.session.readEntry(ctx, "Admin PIN", true)
	if err != nil || !ok {
		return err
	}
	res, err := r.auth.Authenticate(ctx, Credential{Mode: types.AuthPIN, PIN: pin})
	if err != nil {
		return err
	}
	if !res.Success || res.RoleID != AdminRoleID {
		r.rec.Record(ctx, types.EventLogEntry{
			EventID: types.EventLoginFailed,
			UserID:  res.UserID,
			Detail:  "admin menu",
		})
		if err := r.session.showFor("Not authorised", ""); err != nil {
			return err
		}
		return r.showIdle()
	}

	if err := r.panel.Show("Registering pegs", ""); err != nil {
		return err
	}
	rep, err := r.pegs.Run(ctx, r.bus, r.bus.KnownStrips(), res.UserID)
	if err != nil {
		r.logger.Error("peg registration failed", zap.Error(err))
		if err := r.session.showFor("Peg scan failed", ""); err != nil {
			return err
		}
		return r.showIdle()
	}
	if err := r.session.showFor("Pegs registered", pegSummary(rep)); err != nil {
		return err
	}
	r.reconcile(ctx)
	return r.showIdle()
}

func pegSummary(rep PegReport) string {
	return fmt.Sprintf("found %d bound %d", rep.Registered, rep.Bound)
}

func (r *Runner) reconcile(ctx context.Context) {
	strips := r.bus.KnownStrips()
	if err := r.inv.Reconcile(ctx, r.bus, strips); err != nil {
		r.logger.Warn("reconcile incomplete", zap.Ints("strips", strips), zap.Error(err))
	}
}

func (r *Runner) showIdle() error {
	line2 := ""
	if r.panel.Battery != nil {
		pct, err := r.panel.Battery.Percentage()
		if err != nil {
			return hardware.Fault("battery", err)
		}
		line2 = fmt.Sprintf("Battery %d%%", pct)
	}
	return r.panel.Show("Press ENTER", line2)
}

// recover drives the panel to a safe state after a fault and reinitialises
// it. A failed reset is retried on the next fault.
func (r *Runner) recover(ctx context.Context, fault error) {
	r.faults++
	r.logger.Error("hardware fault", zap.Int("faults", r.faults), zap.Error(fault))

	if err := r.panel.Safe(); err != nil {
		r.logger.Error("safe state failed", zap.Error(err))
	}
	r.rec.Record(ctx, types.EventLogEntry{
		EventID: types.EventHardwareFault,
		Detail:  fault.Error(),
	})
	if err := r.panel.Reset(); err != nil {
		r.logger.Error("panel reset failed", zap.Error(err))
		r.sleep(faultBackoff)
		return
	}
	if err := r.showIdle(); err != nil {
		r.logger.Error("idle screen after reset failed", zap.Error(err))
		r.sleep(faultBackoff)
	}
}
