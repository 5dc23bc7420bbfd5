package semtech

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	. "github.com/smartystreets/assertions"

	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

var testIdentity = driver.Identity{
	JoinEUI: lorawan.EUI64{0x70, 0xB3, 0xD5, 0x7E, 0xD0, 0x00, 0x00, 0xDC},
	DevEUI:  lorawan.EUI64{0x00, 0xAF, 0xEE, 0x7C, 0xF5, 0xED, 0x6F, 0x1E},
	NwkKey:  lorawan.AES128Key{0xB6, 0xB5, 0x3F, 0x4A, 0x16, 0x8A, 0x7A, 0x88, 0xBD, 0xF7, 0xEA, 0x13, 0x5C, 0xE9, 0xCF, 0xCA},
	AppKey:  lorawan.AES128Key{0xB6, 0xB5, 0x3F, 0x4A, 0x16, 0x8A, 0x7A, 0x88, 0xBD, 0xF7, 0xEA, 0x13, 0x5C, 0xE9, 0xCF, 0xCA},
}

var testIdentity11 = driver.Identity{
	JoinEUI: testIdentity.JoinEUI,
	DevEUI:  testIdentity.DevEUI,
	NwkKey:  testIdentity.NwkKey,
	AppKey:  lorawan.AES128Key{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
}

func newTestDriver(t *testing.T, server string) *Driver {
	d, err := NewDriver(Config{
		Server:         server,
		GatewayEUI:     lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8},
		Band:           "EU868",
		DataRate:       5,
		FPort:          1,
		AckTimeout:     500 * time.Millisecond,
		JoinTimeout:    time.Second,
		ReceiveTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func join(t *testing.T, d *Driver, version lorawan.MACVersion, id driver.Identity) driver.SessionResult {
	ctx := context.Background()
	if code := d.Initialize(ctx); code != driver.CodeNone {
		t.Fatalf("initialize: %s", code)
	}
	d.SetProtocolVersion(version)
	d.BeginActivation(id)
	return d.Activate(ctx)
}

func TestNewDriver(t *testing.T) {
	a := New(t)

	d := newTestDriver(t, "127.0.0.1:1700")
	a.So(d.datr, ShouldEqual, "SF7BW125")
	a.So(d.channels, ShouldResemble, []int{0, 1, 2})

	_, err := NewDriver(Config{Band: "XX123"})
	a.So(err, ShouldNotBeNil)

	// DR7 is FSK in EU868.
	_, err = NewDriver(Config{Band: "EU868", DataRate: 7})
	a.So(err, ShouldNotBeNil)
}

func TestSetRfSwitchControlMode(t *testing.T) {
	a := New(t)

	d := newTestDriver(t, "127.0.0.1:1700")
	a.So(d.SetRfSwitchControlMode(driver.RfSwitchExternalGPIO), ShouldEqual, driver.CodeUnsupported)
	a.So(d.SetRfSwitchControlMode(driver.RfSwitchInternalDIO), ShouldEqual, driver.CodeNone)
	a.So(d.SetRfSwitchControlMode(driver.RfSwitchMode(9)), ShouldEqual, driver.CodeInvalidMode)
}

func TestInitialize(t *testing.T) {
	a := New(t)

	ns := startNetworkServer(t, lorawan.MACVersion1_0_3, testIdentity)
	d := newTestDriver(t, ns.Addr())
	a.So(d.Initialize(context.Background()), ShouldEqual, driver.CodeNone)

	ns.Set(func(ns *networkServer) { ns.dropPullAck = true })
	a.So(d.Initialize(context.Background()), ShouldEqual, driver.CodeNoGatewayAck)

	bad := newTestDriver(t, "127.0.0.1:99999")
	a.So(bad.Initialize(context.Background()), ShouldEqual, driver.CodeChipNotFound)
}

func TestJoinAndUplink(t *testing.T) {
	for _, version := range []lorawan.MACVersion{lorawan.MACVersion1_0_3, lorawan.MACVersion1_1} {
		t.Run(version.String(), func(t *testing.T) {
			a := New(t)

			id := testIdentity
			if version.Is11() {
				id = testIdentity11
			}
			ns := startNetworkServer(t, version, id)
			d := newTestDriver(t, ns.Addr())

			res := join(t, d, version, id)
			a.So(res.Code, ShouldEqual, driver.CodeNewSession)
			a.So(res.DevAddr, ShouldResemble, lorawan.DevAddr{0x26, 0x01, 0x2E, 0x43})

			session, ok := d.Session()
			a.So(ok, ShouldBeTrue)
			a.So(session.MACVersion, ShouldEqual, version)
			a.So(session.SessionKeys, ShouldResemble, ns.Session().SessionKeys)
			a.So(waitFor(t, func() bool { return ns.TxAcks() == 1 }), ShouldBeTrue)

			ctx := context.Background()
			a.So(d.SendReceive(ctx, []byte("Hello")), ShouldEqual, driver.CodeNone)
			a.So(waitFor(t, func() bool { return len(ns.Uplinks()) == 1 }), ShouldBeTrue)
			a.So(ns.Uplinks()[0], ShouldResemble, []byte("Hello"))

			_, ok = d.LastDownlink()
			a.So(ok, ShouldBeFalse)

			ns.Queue(2, []byte("pong"), true)
			a.So(d.SendReceive(ctx, []byte("Hello")), ShouldEqual, driver.CodeNone)
			dl, ok := d.LastDownlink()
			a.So(ok, ShouldBeTrue)
			a.So(dl.FPort, ShouldEqual, 2)
			a.So(dl.Payload, ShouldResemble, []byte("pong"))
			a.So(dl.FCnt, ShouldEqual, 0)

			// The confirmed downlink is acknowledged by the next uplink.
			a.So(d.SendReceive(ctx, []byte("Hello")), ShouldEqual, driver.CodeNone)
			a.So(waitFor(t, func() bool { return len(ns.Uplinks()) == 3 }), ShouldBeTrue)
			a.So(ns.Acked(), ShouldBeTrue)

			session, _ = d.Session()
			a.So(session.FCntUp, ShouldEqual, 3)
			a.So(session.PendingACK, ShouldBeFalse)
		})
	}
}

func TestVersionMismatch(t *testing.T) {
	cases := []struct {
		server lorawan.MACVersion
		device lorawan.MACVersion
	}{
		{lorawan.MACVersion1_0_3, lorawan.MACVersion1_1},
		{lorawan.MACVersion1_1, lorawan.MACVersion1_0_3},
	}

	for _, tc := range cases {
		t.Run(tc.server.String()+"/"+tc.device.String(), func(t *testing.T) {
			a := New(t)

			ns := startNetworkServer(t, tc.server, testIdentity)
			d := newTestDriver(t, ns.Addr())

			for i := 0; i < 3; i++ {
				res := join(t, d, tc.device, testIdentity)
				a.So(res.Code, ShouldEqual, driver.CodeMICMismatch)
			}
			_, ok := d.Session()
			a.So(ok, ShouldBeFalse)
			a.So(d.SendReceive(context.Background(), []byte("Hello")), ShouldEqual, driver.CodeNetworkNotJoined)
		})
	}
}

func TestJoinAcceptWithoutOptNeg(t *testing.T) {
	a := New(t)

	ns := startNetworkServer(t, lorawan.MACVersion1_1, testIdentity11)
	ns.Set(func(ns *networkServer) { ns.clearOptNeg = true })
	d := newTestDriver(t, ns.Addr())

	res := join(t, d, lorawan.MACVersion1_1, testIdentity11)
	a.So(res.Code, ShouldEqual, driver.CodeMICMismatch)
	_, ok := d.Session()
	a.So(ok, ShouldBeFalse)
}

func TestDevNonceCounter(t *testing.T) {
	a := New(t)

	ns := startNetworkServer(t, lorawan.MACVersion1_1, testIdentity11)

	first := newTestDriver(t, ns.Addr())
	a.So(first.NextDevNonce(), ShouldEqual, uint16(0))
	first.SetNextDevNonce(5)
	a.So(join(t, first, lorawan.MACVersion1_1, testIdentity11).Code, ShouldEqual, driver.CodeNewSession)
	a.So(first.NextDevNonce(), ShouldEqual, uint16(6))

	// A second instance continues from the carried-over counter.
	second := newTestDriver(t, ns.Addr())
	second.SetNextDevNonce(first.NextDevNonce())
	a.So(join(t, second, lorawan.MACVersion1_1, testIdentity11).Code, ShouldEqual, driver.CodeNewSession)
	a.So(ns.DevNonces(), ShouldResemble, []uint16{5, 6})

	second.SetNextDevNonce(math.MaxUint16)
	a.So(join(t, second, lorawan.MACVersion1_1, testIdentity11).Code, ShouldEqual, driver.CodeUnknown)
	a.So(ns.DevNonces(), ShouldHaveLength, 2)
}

func TestNoJoinAccept(t *testing.T) {
	a := New(t)

	ns := startNetworkServer(t, lorawan.MACVersion1_0_3, testIdentity)
	ns.Set(func(ns *networkServer) { ns.ignoreJoins = true })
	d := newTestDriver(t, ns.Addr())

	res := join(t, d, lorawan.MACVersion1_0_3, testIdentity)
	a.So(res.Code, ShouldEqual, driver.CodeNoJoinAccept)
}

func TestActivateBeforeInitialize(t *testing.T) {
	a := New(t)

	d := newTestDriver(t, "127.0.0.1:1700")
	d.BeginActivation(testIdentity)
	a.So(d.Activate(context.Background()).Code, ShouldEqual, driver.CodeInvalidMode)
}

func TestDownlinkMICMismatch(t *testing.T) {
	a := New(t)

	ns := startNetworkServer(t, lorawan.MACVersion1_0_3, testIdentity)
	d := newTestDriver(t, ns.Addr())
	a.So(join(t, d, lorawan.MACVersion1_0_3, testIdentity).Code, ShouldEqual, driver.CodeNewSession)

	ns.Set(func(ns *networkServer) { ns.corruptMIC = true })
	ns.Queue(3, []byte{0x01}, false)
	a.So(d.SendReceive(context.Background(), []byte("Hello")), ShouldEqual, driver.CodeDownlinkMIC)

	_, ok := d.LastDownlink()
	a.So(ok, ShouldBeFalse)
}

func TestSendReceiveRejectsLargePayload(t *testing.T) {
	a := New(t)

	ns := startNetworkServer(t, lorawan.MACVersion1_0_3, testIdentity)
	d := newTestDriver(t, ns.Addr())
	a.So(join(t, d, lorawan.MACVersion1_0_3, testIdentity).Code, ShouldEqual, driver.CodeNewSession)
	a.So(d.SendReceive(context.Background(), make([]byte, 223)), ShouldEqual, driver.CodeInvalidPayload)
}

func TestExportRestoreSession(t *testing.T) {
	a := New(t)

	ns := startNetworkServer(t, lorawan.MACVersion1_0_3, testIdentity)
	d := newTestDriver(t, ns.Addr())

	data, err := d.ExportSession()
	a.So(err, ShouldBeNil)
	a.So(data, ShouldBeNil)

	a.So(join(t, d, lorawan.MACVersion1_0_3, testIdentity).Code, ShouldEqual, driver.CodeNewSession)
	a.So(d.SendReceive(context.Background(), []byte("Hello")), ShouldEqual, driver.CodeNone)

	data, err = d.ExportSession()
	a.So(err, ShouldBeNil)

	restored := newTestDriver(t, ns.Addr())
	restored.SetProtocolVersion(lorawan.MACVersion1_0_3)
	restored.BeginActivation(testIdentity)
	a.So(restored.RestoreSession(data), ShouldEqual, driver.CodeSessionRestored)

	session, ok := restored.Session()
	a.So(ok, ShouldBeTrue)
	a.So(session.FCntUp, ShouldEqual, 1)
	a.So(session.DevAddr, ShouldResemble, ns.Session().DevAddr)

	// The restored session keeps working against the same server.
	a.So(restored.Initialize(context.Background()), ShouldEqual, driver.CodeNone)
	a.So(restored.SendReceive(context.Background(), []byte("Hello")), ShouldEqual, driver.CodeNone)
	a.So(waitFor(t, func() bool { return len(ns.Uplinks()) == 2 }), ShouldBeTrue)

	other := newTestDriver(t, ns.Addr())
	other.SetProtocolVersion(lorawan.MACVersion1_1)
	other.BeginActivation(testIdentity)
	a.So(other.RestoreSession(data), ShouldEqual, driver.CodeSessionMismatch)

	stranger := testIdentity
	stranger.DevEUI = lorawan.EUI64{9, 9, 9, 9, 9, 9, 9, 9}
	other.SetProtocolVersion(lorawan.MACVersion1_0_3)
	other.BeginActivation(stranger)
	a.So(other.RestoreSession(data), ShouldEqual, driver.CodeSessionMismatch)

	a.So(other.RestoreSession([]byte("{")), ShouldEqual, driver.CodeInvalidFrame)

	// A 1.0.4 session is never resumed by a device forced to 1.1.
	legacy, err := json.Marshal(lorawan.DeviceSession{
		DevEUI:     testIdentity.DevEUI,
		DevAddr:    lorawan.DevAddr{0x26, 0x01, 0x2E, 0x43},
		MACVersion: lorawan.MACVersion1_0_4,
	})
	a.So(err, ShouldBeNil)
	other.SetProtocolVersion(lorawan.MACVersion1_1)
	other.BeginActivation(testIdentity)
	a.So(other.RestoreSession(legacy), ShouldEqual, driver.CodeSessionMismatch)
	other.SetProtocolVersion(lorawan.MACVersion1_0_4)
	other.BeginActivation(testIdentity)
	a.So(other.RestoreSession(legacy), ShouldEqual, driver.CodeSessionRestored)
}

func TestPacket(t *testing.T) {
	a := New(t)

	eui := lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
	data, err := Packet{Token: 0xABCD, Identifier: PullData, GatewayEUI: &eui}.MarshalBinary()
	a.So(err, ShouldBeNil)
	a.So(data, ShouldResemble, []byte{2, 0xAB, 0xCD, PullData, 1, 2, 3, 4, 5, 6, 7, 8})

	var p Packet
	a.So(p.UnmarshalBinary(data), ShouldBeNil)
	a.So(p.Token, ShouldEqual, 0xABCD)
	a.So(*p.GatewayEUI, ShouldResemble, eui)
	a.So(p.Body, ShouldBeNil)

	a.So(p.UnmarshalBinary([]byte{2, 0, 1, PullAck}), ShouldBeNil)
	a.So(p.GatewayEUI, ShouldBeNil)

	_, err = Packet{Identifier: PushData}.MarshalBinary()
	a.So(err, ShouldNotBeNil)
	a.So(p.UnmarshalBinary([]byte{2, 0, 1}), ShouldNotBeNil)
	a.So(p.UnmarshalBinary([]byte{1, 0, 1, PullAck}), ShouldNotBeNil)
	a.So(p.UnmarshalBinary([]byte{2, 0, 1, PushData, 1}), ShouldNotBeNil)
}
