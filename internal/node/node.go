// Package node runs the device: hardware bring-up, activation and the
// periodic uplink loop.
package node

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/internal/hardware"
	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/status"
	"github.com/lorawan-server/lorawan-node/internal/storage"
	"github.com/lorawan-server/lorawan-node/pkg/crypto"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// ErrHalted is matched by every fatal error returned from Run.
var ErrHalted = errors.New("node halted")

// Options configures a Node.
type Options struct {
	Identity driver.Identity
	Version  lorawan.MACVersion
	Switch   hardware.RadioSwitchConfig

	Pins     hardware.PinController
	Bus      hardware.Bus
	Driver   driver.Driver
	Reporter status.Reporter
	Clock    Clock

	Interval time.Duration
	Payload  []byte

	// RetryInterval enables rejoining after a failed join. The delay
	// doubles after each failure up to RetryMaxInterval.
	RetryInterval    time.Duration
	RetryMaxInterval time.Duration

	// Sessions and SessionKey enable session persistence when the driver
	// implements driver.SessionKeeper.
	Sessions   storage.SessionStore
	SessionKey []byte

	// Nonces keeps the LoRaWAN 1.1 DevNonce counter. It is required for
	// 1.1 when the driver implements driver.NonceCounter.
	Nonces storage.NonceStore

	// PollInterval is the pause between loop passes.
	PollInterval time.Duration
}

// Snapshot is a copy of the node state for diagnostics.
type Snapshot struct {
	State        State              `json:"state"`
	DevEUI       lorawan.EUI64      `json:"devEUI"`
	MACVersion   lorawan.MACVersion `json:"macVersion"`
	Session      *JoinSession       `json:"session,omitempty"`
	LastUplink   *UplinkAttempt     `json:"lastUplink,omitempty"`
	LastDownlink *driver.Downlink   `json:"lastDownlink,omitempty"`
	Uplinks      int                `json:"uplinks"`
	Failures     int                `json:"failures"`
	JoinAttempts int                `json:"joinAttempts"`
}

// Node owns the hardware and the driver for the lifetime of the process.
type Node struct {
	opts      Options
	joiner    *Joiner
	scheduler *Scheduler

	retryDelay  uint32
	lastJoinTry uint32
	savedFCntUp uint32

	mu   sync.Mutex
	snap Snapshot
}

// New validates opts and returns a node.
func New(opts Options) (*Node, error) {
	if opts.Driver == nil {
		return nil, errors.New("driver is required")
	}
	if opts.Pins == nil {
		return nil, errors.New("pin controller is required")
	}
	if opts.Bus == nil {
		opts.Bus = hardware.NopBus{}
	}
	if opts.Reporter == nil {
		opts.Reporter = status.Nop{}
	}
	if opts.Clock == nil {
		opts.Clock = NewMonotonicClock()
	}
	if opts.Interval == 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	if opts.RetryInterval > 0 && opts.RetryMaxInterval < opts.RetryInterval {
		opts.RetryMaxInterval = opts.RetryInterval
	}
	if opts.Sessions != nil && len(opts.SessionKey) == 0 {
		return nil, errors.New("session key is required for session persistence")
	}
	_, counts := opts.Driver.(driver.NonceCounter)
	if counts && opts.Version.Is11() && opts.Nonces == nil {
		return nil, errors.New("a DevNonce store is required for LoRaWAN 1.1")
	}

	n := &Node{
		opts:       opts,
		joiner:     NewJoiner(opts.Driver, opts.Reporter),
		retryDelay: millis(opts.RetryInterval),
		snap: Snapshot{
			DevEUI:     opts.Identity.DevEUI,
			MACVersion: opts.Version,
		},
	}
	if n.keeper() != nil {
		n.joiner.Restore = n.restoreSession
	}
	if counts && opts.Nonces != nil {
		n.joiner.Reserve = n.reserveDevNonce
	}

	n.scheduler = NewScheduler(opts.Driver, opts.Reporter, opts.Clock, opts.Interval, opts.Payload)
	n.scheduler.Ready = func() bool { return n.joiner.State() == StateJoined }
	n.scheduler.OnAttempt = n.afterUplink
	return n, nil
}

// State returns the activation state.
func (n *Node) State() State {
	return n.joiner.State()
}

// Snapshot returns a copy of the node state. It is safe to call from any
// goroutine.
func (n *Node) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	s := n.snap
	s.State = n.joiner.State()
	if s.Session != nil {
		c := *s.Session
		s.Session = &c
	}
	if s.LastUplink != nil {
		c := *s.LastUplink
		s.LastUplink = &c
	}
	if s.LastDownlink != nil {
		c := *s.LastDownlink
		s.LastDownlink = &c
	}
	return s
}

// Start brings the hardware up and joins. It returns a FatalError when the
// node must halt; a failed join is reported and the node keeps running.
func (n *Node) Start(ctx context.Context) error {
	if err := hardware.BringUp(ctx, n.opts.Switch, n.opts.Pins, n.opts.Bus); err != nil {
		n.joiner.Halt()
		log.Error().Err(err).Msg("hardware bring-up failed")
		n.opts.Reporter.Report(status.Event{
			Stage:   status.StageHardware,
			Outcome: status.OutcomeFatal,
			Message: err.Error(),
		})
		return &FatalError{Stage: status.StageHardware, Err: err}
	}
	n.opts.Reporter.Report(status.Event{Stage: status.StageHardware, Outcome: status.OutcomeOK})

	session, err := n.joiner.Join(ctx, n.opts.Identity, n.opts.Version, n.opts.Switch)
	n.afterJoin(ctx, session)

	var fatal *FatalError
	if errors.As(err, &fatal) {
		return fatal
	}
	return nil
}

// Step runs one pass of the main loop: a rejoin if one is due, then the
// uplink scheduler.
func (n *Node) Step(ctx context.Context) {
	if n.rejoinDue() {
		n.lastJoinTry = n.opts.Clock.Millis()
		session, err := n.joiner.Rejoin(ctx, n.opts.Identity, n.opts.Version)
		n.afterJoin(ctx, session)

		if err != nil {
			next := n.retryDelay * 2
			if max := millis(n.opts.RetryMaxInterval); next > max || next < n.retryDelay {
				next = max
			}
			n.retryDelay = next
			log.Info().Dur("retryIn", time.Duration(n.retryDelay)*time.Millisecond).Msg("rejoin scheduled")
		} else {
			n.retryDelay = millis(n.opts.RetryInterval)
		}
	}

	n.scheduler.Poll(ctx)
}

func (n *Node) rejoinDue() bool {
	if n.opts.RetryInterval <= 0 || n.joiner.State() != StateJoinFailed {
		return false
	}
	return Elapsed(n.opts.Clock.Millis(), n.lastJoinTry, n.retryDelay)
}

// Run starts the node and polls until ctx is done. It returns a FatalError
// (matching ErrHalted) or the context error.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(n.opts.PollInterval)
	defer timer.Stop()

	for {
		n.Step(ctx)

		timer.Reset(n.opts.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Close releases the driver, then the bus, then the pins.
func (n *Node) Close() error {
	var errs []error
	if c, ok := n.opts.Driver.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, n.opts.Bus.Close(), n.opts.Pins.Close())
	return errors.Join(errs...)
}

func (n *Node) afterJoin(ctx context.Context, session *JoinSession) {
	n.lastJoinTry = n.opts.Clock.Millis()

	n.mu.Lock()
	n.snap.JoinAttempts++
	if session != nil {
		n.snap.Session = session
	}
	n.mu.Unlock()

	if session != nil && !session.Restored {
		n.saveSession(ctx)
	}
}

func (n *Node) afterUplink(a UplinkAttempt) {
	n.mu.Lock()
	n.snap.LastUplink = &a
	if a.Sent {
		if a.Code.Success() {
			n.snap.Uplinks++
		} else {
			n.snap.Failures++
		}
	}
	if r, ok := n.opts.Driver.(driver.DownlinkReceiver); ok {
		if dl, ok := r.LastDownlink(); ok {
			n.snap.LastDownlink = &dl
		}
	}
	n.mu.Unlock()

	if a.Sent && n.counterMoved(a) {
		n.saveSession(context.Background())
	}
}

// counterMoved reports whether FCntUp changed since the last save. A frame
// that left the radio consumes a counter even when the exchange failed.
func (n *Node) counterMoved(a UplinkAttempt) bool {
	si, ok := n.opts.Driver.(sessionInspector)
	if !ok {
		return a.Code.Success()
	}
	s, ok := si.Session()
	return ok && s.FCntUp != n.savedFCntUp
}

func (n *Node) keeper() driver.SessionKeeper {
	if n.opts.Sessions == nil {
		return nil
	}
	k, _ := n.opts.Driver.(driver.SessionKeeper)
	return k
}

// sessionInspector is implemented by drivers exposing their session.
type sessionInspector interface {
	Session() (lorawan.DeviceSession, bool)
}

func (n *Node) restoreSession(ctx context.Context, version lorawan.MACVersion) driver.SessionResult {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	devEUI := n.opts.Identity.DevEUI
	row, err := n.opts.Sessions.GetDeviceSession(ctx, devEUI)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Msg("load stored session")
		}
		return driver.SessionResult{Code: driver.CodeNone}
	}

	discard := func(code driver.Code, msg string) driver.SessionResult {
		if err := n.opts.Sessions.DeleteDeviceSession(ctx, devEUI); err != nil {
			log.Warn().Err(err).Msg("delete stored session")
		}
		n.opts.Reporter.Report(status.Event{
			Stage:    status.StageSession,
			Outcome:  status.OutcomeSkipped,
			Code:     int(code),
			CodeName: code.String(),
			Message:  msg,
		})
		return driver.SessionResult{Code: code}
	}

	if row.MACVersion != version.String() {
		return discard(driver.CodeSessionMismatch, "stored session has MAC version "+row.MACVersion)
	}

	data, err := crypto.Decrypt(n.opts.SessionKey, row.Data)
	if err != nil {
		return discard(driver.CodeSessionMismatch, "stored session cannot be decrypted")
	}

	code := n.keeper().RestoreSession(data)
	if code != driver.CodeSessionRestored {
		return discard(code, "stored session rejected")
	}

	n.savedFCntUp = row.FCntUp
	n.opts.Reporter.Report(status.Event{
		Stage:    status.StageSession,
		Outcome:  status.OutcomeOK,
		Code:     int(code),
		CodeName: code.String(),
		Message:  "restored",
	})
	return driver.SessionResult{Code: code, DevAddr: row.DevAddr}
}

func (n *Node) saveSession(ctx context.Context) {
	k := n.keeper()
	if k == nil {
		return
	}

	data, err := k.ExportSession()
	if err != nil || data == nil {
		if err != nil {
			log.Warn().Err(err).Msg("export session")
		}
		return
	}

	sealed, err := crypto.Encrypt(n.opts.SessionKey, data)
	if err != nil {
		log.Warn().Err(err).Msg("encrypt session")
		return
	}

	row := &models.DeviceSession{
		DevEUI:     n.opts.Identity.DevEUI,
		MACVersion: n.opts.Version.String(),
		Data:       sealed,
	}
	if si, ok := n.opts.Driver.(sessionInspector); ok {
		if s, ok := si.Session(); ok {
			row.DevAddr = s.DevAddr
			row.FCntUp = s.FCntUp
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := n.opts.Sessions.SaveDeviceSession(ctx, row); err != nil {
		log.Warn().Err(err).Msg("save session")
		n.opts.Reporter.Report(status.Event{
			Stage:   status.StageSession,
			Outcome: status.OutcomeWarning,
			Message: "session not saved: " + err.Error(),
		})
		return
	}
	n.savedFCntUp = row.FCntUp
}

// reserveDevNonce loads the stored 1.1 DevNonce counter into the driver and
// persists the value after it before the join-request is sent, so a crash
// mid-join never hands the same DevNonce out twice.
func (n *Node) reserveDevNonce(ctx context.Context, version lorawan.MACVersion) driver.Code {
	if !version.Is11() {
		return driver.CodeNone
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	counter := n.opts.Driver.(driver.NonceCounter)
	devEUI := n.opts.Identity.DevEUI

	next, err := n.opts.Nonces.GetDevNonce(ctx, devEUI)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return n.nonceStoreFailed(err)
	}
	if cur := counter.NextDevNonce(); cur > next {
		next = cur
	}
	counter.SetNextDevNonce(next)
	if next == math.MaxUint16 {
		// The driver refuses to join with an exhausted counter.
		return driver.CodeNone
	}

	if err := n.opts.Nonces.SaveDevNonce(ctx, devEUI, next+1); err != nil {
		return n.nonceStoreFailed(err)
	}
	log.Debug().Uint16("devNonce", next).Msg("DevNonce reserved")
	return driver.CodeNone
}

func (n *Node) nonceStoreFailed(err error) driver.Code {
	log.Error().Err(err).Msg("DevNonce store unavailable, join skipped")
	n.opts.Reporter.Report(status.Event{
		Stage:    status.StageSession,
		Outcome:  status.OutcomeWarning,
		Code:     int(driver.CodeNonceStore),
		CodeName: driver.CodeNonceStore.String(),
		Message:  "DevNonce not reserved: " + err.Error(),
	})
	return driver.CodeNonceStore
}
