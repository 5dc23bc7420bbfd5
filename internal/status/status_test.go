package status

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/assertions"

	"github.com/lorawan-server/lorawan-node/internal/models"
	"github.com/lorawan-server/lorawan-node/internal/storage"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

var testDevEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}

func TestReportNeverFails(t *testing.T) {
	a := New(t)

	history := NewHistory(10)
	r := NewReporter(testDevEUI,
		SinkFunc(func(Event) error { panic("boom") }),
		SinkFunc(func(Event) error { return errors.New("unreachable broker") }),
		history,
	)

	a.So(func() {
		r.Report(Event{Stage: StageRfSwitch, Outcome: OutcomeWarning, Code: -4, CodeName: "UNSUPPORTED"})
	}, ShouldNotPanic)

	events := history.Recent(0)
	a.So(events, ShouldHaveLength, 1)
	a.So(events[0].ID == uuid.Nil, ShouldBeFalse)
	a.So(events[0].Time.IsZero(), ShouldBeFalse)
	a.So(events[0].DevEUI, ShouldResemble, testDevEUI)
	a.So(events[0].Outcome, ShouldEqual, OutcomeWarning)
}

type closingSink struct {
	closed bool
}

func (s *closingSink) Write(Event) error { return nil }
func (s *closingSink) Close() error {
	s.closed = true
	return errors.New("already closed")
}

func TestMultiClose(t *testing.T) {
	a := New(t)

	c := &closingSink{}
	r := NewReporter(testDevEUI)
	r.Add(c)
	r.Close()
	a.So(c.closed, ShouldBeTrue)

	a.So(func() { r.Report(Event{Stage: StageUplink}) }, ShouldNotPanic)
}

func TestHistory(t *testing.T) {
	a := New(t)

	h := NewHistory(3)
	a.So(h.Recent(0), ShouldBeEmpty)

	for i := 0; i < 5; i++ {
		h.Write(Event{Stage: StageUplink, Code: i})
	}
	h.Write(Event{Stage: StageJoin, Code: 9})

	recent := h.Recent(0)
	a.So(recent, ShouldHaveLength, 3)
	a.So(recent[0].Code, ShouldEqual, 9)
	a.So(recent[1].Code, ShouldEqual, 4)
	a.So(recent[2].Code, ShouldEqual, 3)

	a.So(h.Recent(1), ShouldHaveLength, 1)

	last, ok := h.Last(StageUplink)
	a.So(ok, ShouldBeTrue)
	a.So(last.Code, ShouldEqual, 4)

	_, ok = h.Last(StageHardware)
	a.So(ok, ShouldBeFalse)
}

func TestLogSink(t *testing.T) {
	a := New(t)

	var buf bytes.Buffer
	s := NewLogSink(zerolog.New(&buf))
	a.So(s.Write(Event{
		Stage:    StageJoin,
		Outcome:  OutcomeFailed,
		Code:     -1111,
		CodeName: "MIC_MISMATCH",
		Message:  "join failed",
	}), ShouldBeNil)

	var line map[string]interface{}
	a.So(json.Unmarshal(buf.Bytes(), &line), ShouldBeNil)
	a.So(line["level"], ShouldEqual, "error")
	a.So(line["stage"], ShouldEqual, "join")
	a.So(line["code"], ShouldEqual, float64(-1111))
	a.So(line["codeName"], ShouldEqual, "MIC_MISMATCH")
	a.So(line["message"], ShouldEqual, "join failed")
}

type fakeNATS struct {
	subject string
	data    []byte
	flushed bool
	drained bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return nil
}

func (f *fakeNATS) FlushTimeout(time.Duration) error {
	f.flushed = true
	return nil
}

func (f *fakeNATS) Drain() error {
	if !f.flushed {
		return errors.New("drained before flush")
	}
	f.drained = true
	return nil
}

func TestNATSSink(t *testing.T) {
	a := New(t)

	nc := &fakeNATS{}
	s := &NATSSink{nc: nc}
	a.So(s.Write(Event{DevEUI: testDevEUI, Stage: StageUplink, Outcome: OutcomeOK}), ShouldBeNil)
	a.So(nc.subject, ShouldEqual, "device.0102030405060708.status.uplink")

	var ev Event
	a.So(json.Unmarshal(nc.data, &ev), ShouldBeNil)
	a.So(ev.DevEUI, ShouldResemble, testDevEUI)
	a.So(ev.Outcome, ShouldEqual, OutcomeOK)

	a.So(s.Close(), ShouldBeNil)
	a.So(nc.flushed, ShouldBeTrue)
	a.So(nc.drained, ShouldBeTrue)
}

type fakeEventStore struct {
	events []*models.EventLog
}

func (f *fakeEventStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEventStore) ListEventLogs(ctx context.Context, filters storage.EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	return f.events, int64(len(f.events)), nil
}

func TestStoreSink(t *testing.T) {
	a := New(t)

	store := &fakeEventStore{}
	s := NewStoreSink(store)
	a.So(s.Write(Event{Stage: StageRadioInit, Outcome: OutcomeFatal, Code: -2, CodeName: "CHIP_NOT_FOUND"}), ShouldBeNil)

	a.So(store.events, ShouldHaveLength, 1)
	a.So(store.events[0].Stage, ShouldEqual, "radio_init")
	a.So(store.events[0].Level, ShouldEqual, models.EventLevelFatal)
	a.So(store.events[0].CodeName, ShouldEqual, "CHIP_NOT_FOUND")
}

func TestLevel(t *testing.T) {
	a := New(t)

	a.So(Level(OutcomeOK), ShouldEqual, models.EventLevelInfo)
	a.So(Level(OutcomeWarning), ShouldEqual, models.EventLevelWarning)
	a.So(Level(OutcomeFailed), ShouldEqual, models.EventLevelError)
	a.So(Level(OutcomeSkipped), ShouldEqual, models.EventLevelDebug)
}

func TestEventString(t *testing.T) {
	a := New(t)

	ev := Event{Stage: StageJoin, Outcome: OutcomeFailed, Code: -1111, CodeName: "MIC_MISMATCH"}
	a.So(ev.String(), ShouldEqual, "join: failed (MIC_MISMATCH -1111)")
}
