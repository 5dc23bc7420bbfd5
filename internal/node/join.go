package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/internal/hardware"
	"github.com/lorawan-server/lorawan-node/internal/status"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// State is the activation state of the node.
type State int

const (
	StateIdle State = iota
	StateSwitchConfigured
	StateRadioInitialized
	StateVersionForced
	StateJoining
	StateJoined
	StateJoinFailed
	StateHalted
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateSwitchConfigured: "switch_configured",
	StateRadioInitialized: "radio_initialized",
	StateVersionForced:    "version_forced",
	StateJoining:          "joining",
	StateJoined:           "joined",
	StateJoinFailed:       "join_failed",
	StateHalted:           "halted",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// JoinSession is an established activation. The keys stay in the driver.
type JoinSession struct {
	DevAddr  lorawan.DevAddr    `json:"devAddr"`
	Version  lorawan.MACVersion `json:"macVersion"`
	Restored bool               `json:"restored"`
	JoinedAt time.Time          `json:"joinedAt"`
}

// FatalError stops the node. It matches ErrHalted with errors.Is.
type FatalError struct {
	Stage status.Stage
	Code  driver.Code
	Err   error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal %s failure: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("fatal %s failure: %s (%d)", e.Stage, e.Code, int(e.Code))
}

func (e *FatalError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrHalted, e.Err}
	}
	return []error{ErrHalted}
}

// JoinError is a failed activation. The node keeps running without a
// session.
type JoinError struct {
	Code driver.Code
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join failed: %s (%d)", e.Code, int(e.Code))
}

// Joiner runs the activation sequence against a driver.
type Joiner struct {
	driver   driver.Driver
	reporter status.Reporter
	now      func() time.Time

	// Restore, when set, is tried after BeginActivation. A result of
	// CodeSessionRestored skips the over-the-air join.
	Restore func(ctx context.Context, version lorawan.MACVersion) driver.SessionResult

	// Reserve, when set, runs right before each over-the-air join. Any
	// code other than success fails the join without transmitting.
	Reserve func(ctx context.Context, version lorawan.MACVersion) driver.Code

	mu    sync.Mutex
	state State
}

// NewJoiner returns a joiner in StateIdle.
func NewJoiner(d driver.Driver, r status.Reporter) *Joiner {
	return &Joiner{driver: d, reporter: r, now: time.Now}
}

// State returns the current state.
func (j *Joiner) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Joiner) setState(s State) {
	j.mu.Lock()
	prev := j.state
	j.state = s
	j.mu.Unlock()

	log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("join state")
}

func (j *Joiner) report(stage status.Stage, outcome status.Outcome, code driver.Code, msg string) {
	j.reporter.Report(status.Event{
		Stage:    stage,
		Outcome:  outcome,
		Code:     int(code),
		CodeName: code.String(),
		Message:  msg,
	})
}

// Halt moves the joiner to StateHalted.
func (j *Joiner) Halt() {
	j.setState(StateHalted)
}

// Join configures the rf switch, initializes the radio, forces the MAC
// version and activates. Only a radio init failure is fatal.
func (j *Joiner) Join(ctx context.Context, identity driver.Identity, version lorawan.MACVersion, switchCfg hardware.RadioSwitchConfig) (*JoinSession, error) {
	j.setState(StateIdle)

	if code := j.driver.SetRfSwitchControlMode(switchCfg.ControlMode); !code.Success() {
		log.Warn().
			Str("mode", switchCfg.ControlMode.String()).
			Int("code", int(code)).
			Msg("rf switch mode not applied, continuing")
		j.report(status.StageRfSwitch, status.OutcomeWarning, code, "rf switch mode "+switchCfg.ControlMode.String()+" not applied")
	} else {
		j.report(status.StageRfSwitch, status.OutcomeOK, code, switchCfg.ControlMode.String())
	}
	j.setState(StateSwitchConfigured)

	if code := j.driver.Initialize(ctx); !code.Success() {
		j.setState(StateHalted)
		log.Error().Int("code", int(code)).Str("codeName", code.String()).Msg("radio init failed")
		j.report(status.StageRadioInit, status.OutcomeFatal, code, "radio init failed")
		return nil, &FatalError{Stage: status.StageRadioInit, Code: code}
	}
	j.report(status.StageRadioInit, status.OutcomeOK, driver.CodeNone, "")
	j.setState(StateRadioInitialized)

	return j.activate(ctx, identity, version)
}

// Rejoin forces the version and activates again without touching the
// radio.
func (j *Joiner) Rejoin(ctx context.Context, identity driver.Identity, version lorawan.MACVersion) (*JoinSession, error) {
	return j.activate(ctx, identity, version)
}

func (j *Joiner) activate(ctx context.Context, identity driver.Identity, version lorawan.MACVersion) (*JoinSession, error) {
	j.driver.SetProtocolVersion(version)
	j.report(status.StageProtocolVersion, status.OutcomeOK, driver.CodeNone, "LoRaWAN "+version.String())
	j.setState(StateVersionForced)

	j.driver.BeginActivation(identity)
	j.setState(StateJoining)

	if j.Restore != nil {
		if res := j.Restore(ctx, version); res.Code == driver.CodeSessionRestored {
			return j.joined(res, version), nil
		}
	}

	if j.Reserve != nil {
		if code := j.Reserve(ctx, version); !code.Success() {
			return nil, j.failed(code, version)
		}
	}

	log.Info().
		Str("devEUI", identity.DevEUI.String()).
		Str("joinEUI", identity.JoinEUI.String()).
		Str("macVersion", version.String()).
		Msg("joining")

	res := j.driver.Activate(ctx)
	switch res.Code {
	case driver.CodeNewSession, driver.CodeSessionRestored:
		return j.joined(res, version), nil
	}
	return nil, j.failed(res.Code, version)
}

func (j *Joiner) failed(code driver.Code, version lorawan.MACVersion) error {
	j.setState(StateJoinFailed)
	log.Error().
		Int("code", int(code)).
		Str("codeName", code.String()).
		Str("macVersion", version.String()).
		Msg("join failed")
	j.report(status.StageJoin, status.OutcomeFailed, code, "join failed")
	return &JoinError{Code: code}
}

func (j *Joiner) joined(res driver.SessionResult, version lorawan.MACVersion) *JoinSession {
	session := &JoinSession{
		DevAddr:  res.DevAddr,
		Version:  version,
		Restored: res.Code == driver.CodeSessionRestored,
		JoinedAt: j.now(),
	}
	j.setState(StateJoined)

	msg := "new session"
	if session.Restored {
		msg = "session restored"
	}
	log.Info().
		Str("devAddr", res.DevAddr.String()).
		Bool("restored", session.Restored).
		Msg("joined")
	j.reporter.Report(status.Event{
		Stage:    status.StageJoin,
		Outcome:  status.OutcomeOK,
		Code:     int(res.Code),
		CodeName: res.Code.String(),
		Message:  msg,
		Details:  map[string]interface{}{"devAddr": res.DevAddr.String()},
	})
	return session
}
