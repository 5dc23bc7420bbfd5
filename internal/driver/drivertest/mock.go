// Package drivertest provides a scripted driver.Driver for tests.
package drivertest

import (
	"context"
	"sync"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

// Journal records calls in order. One journal can be shared between the
// mock driver and other fakes to check ordering across components.
type Journal struct {
	mu    sync.Mutex
	calls []string
}

// Record appends a call name.
func (j *Journal) Record(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls = append(j.calls, name)
}

// Calls returns a copy of the recorded calls.
func (j *Journal) Calls() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

// Index returns the position of the first call with name, or -1.
func (j *Journal) Index(name string) int {
	for i, c := range j.Calls() {
		if c == name {
			return i
		}
	}
	return -1
}

// Count returns how often name was recorded.
func (j *Journal) Count(name string) int {
	n := 0
	for _, c := range j.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

// Driver is a scripted driver. Zero values give a driver that succeeds
// everywhere and returns CodeNewSession from Activate.
type Driver struct {
	Journal *Journal

	SwitchCode    driver.Code
	InitCode      driver.Code
	ActivateCodes []driver.Code
	SendCode      driver.Code
	DevAddr       lorawan.DevAddr

	// Session persistence. Nil Stored means nothing to export.
	Stored      []byte
	RestoreCode driver.Code

	mu        sync.Mutex
	mode      driver.RfSwitchMode
	version   lorawan.MACVersion
	identity  driver.Identity
	payloads  [][]byte
	activate  int
	joined    bool
	devAddr   lorawan.DevAddr
	fCntUp    uint32
	nextNonce uint16
	devNonces []uint16
}

// New returns a driver recording into j.
func New(j *Journal) *Driver {
	return &Driver{Journal: j}
}

func (d *Driver) record(name string) {
	if d.Journal != nil {
		d.Journal.Record(name)
	}
}

func (d *Driver) SetRfSwitchControlMode(mode driver.RfSwitchMode) driver.Code {
	d.record("SetRfSwitchControlMode")
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
	return d.SwitchCode
}

func (d *Driver) Initialize(ctx context.Context) driver.Code {
	d.record("Initialize")
	return d.InitCode
}

func (d *Driver) SetProtocolVersion(version lorawan.MACVersion) {
	d.record("SetProtocolVersion")
	d.mu.Lock()
	d.version = version
	d.mu.Unlock()
}

func (d *Driver) BeginActivation(identity driver.Identity) {
	d.record("BeginActivation")
	d.mu.Lock()
	d.identity = identity
	d.joined = false
	d.mu.Unlock()
}

// Activate returns ActivateCodes in turn, repeating the last one. With no
// codes configured it returns CodeNewSession.
func (d *Driver) Activate(ctx context.Context) driver.SessionResult {
	d.record("Activate")
	d.mu.Lock()
	defer d.mu.Unlock()

	code := driver.CodeNewSession
	if n := len(d.ActivateCodes); n > 0 {
		i := d.activate
		if i >= n {
			i = n - 1
		}
		code = d.ActivateCodes[i]
	}
	d.activate++

	if d.version.Is11() {
		d.devNonces = append(d.devNonces, d.nextNonce)
		d.nextNonce++
	}

	res := driver.SessionResult{Code: code}
	if code == driver.CodeNewSession {
		res.DevAddr = d.DevAddr
		d.joined = true
		d.devAddr = d.DevAddr
		d.fCntUp = 0
	}
	return res
}

// SendReceive advances the uplink counter whenever the frame would have
// left the radio, that is for every code but TX_TIMEOUT and
// NETWORK_NOT_JOINED.
func (d *Driver) SendReceive(ctx context.Context, payload []byte) driver.Code {
	d.record("SendReceive")
	d.mu.Lock()
	d.payloads = append(d.payloads, append([]byte(nil), payload...))
	if d.joined && d.SendCode != driver.CodeTxTimeout && d.SendCode != driver.CodeNetworkNotJoined {
		d.fCntUp++
	}
	d.mu.Unlock()
	return d.SendCode
}

func (d *Driver) ExportSession() ([]byte, error) {
	d.record("ExportSession")
	return d.Stored, nil
}

func (d *Driver) RestoreSession(data []byte) driver.Code {
	d.record("RestoreSession")
	if d.RestoreCode == driver.CodeSessionRestored {
		d.mu.Lock()
		d.joined = true
		d.devAddr = d.DevAddr
		d.mu.Unlock()
	}
	return d.RestoreCode
}

// Session reports the activation and uplink counter as a real driver
// would.
func (d *Driver) Session() (lorawan.DeviceSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.joined {
		return lorawan.DeviceSession{}, false
	}
	return lorawan.DeviceSession{
		DevEUI:     d.identity.DevEUI,
		JoinEUI:    d.identity.JoinEUI,
		DevAddr:    d.devAddr,
		MACVersion: d.version,
		FCntUp:     d.fCntUp,
	}, true
}

func (d *Driver) NextDevNonce() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nextNonce
}

func (d *Driver) SetNextDevNonce(n uint16) {
	d.record("SetNextDevNonce")
	d.mu.Lock()
	d.nextNonce = n
	d.mu.Unlock()
}

// DevNonces returns the DevNonce of every 1.1 Activate call.
func (d *Driver) DevNonces() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint16(nil), d.devNonces...)
}

// Mode returns the last rf switch mode set.
func (d *Driver) Mode() driver.RfSwitchMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// Version returns the last protocol version set.
func (d *Driver) Version() lorawan.MACVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// Identity returns the identity passed to BeginActivation.
func (d *Driver) Identity() driver.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.identity
}

// Payloads returns every payload passed to SendReceive.
func (d *Driver) Payloads() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.payloads...)
}
