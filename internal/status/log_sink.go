package status

import (
	"github.com/rs/zerolog"
)

// LogSink writes one line per event.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ev Event) error {
	var e *zerolog.Event
	switch ev.Outcome {
	case OutcomeOK:
		e = s.logger.Info()
	case OutcomeWarning:
		e = s.logger.Warn()
	case OutcomeFailed, OutcomeFatal:
		e = s.logger.Error()
	default:
		e = s.logger.Debug()
	}

	e = e.Str("stage", string(ev.Stage)).Str("outcome", string(ev.Outcome))
	if ev.CodeName != "" {
		e = e.Int("code", ev.Code).Str("codeName", ev.CodeName)
	}
	for k, v := range ev.Details {
		e = e.Interface(k, v)
	}

	msg := ev.Message
	if msg == "" {
		msg = string(ev.Stage) + " " + string(ev.Outcome)
	}
	e.Msg(msg)
	return nil
}
