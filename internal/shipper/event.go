package shipper

import (
	"fmt"
	"time"
)

// Event is the abstract unit the host logging facade hands the agent. The
// facade itself, and the rules that decide when it fires, are out of
// scope — this is just the wire shape the formatter consumes.
type Event struct {
	Level Level
	Msg   EventMessage
	Meta  map[string]interface{}
}

// EventMessage is a sum type: either rendered chardata, a printf-style
// (template, args) pair, or a structured report (a map) to be rendered as
// "k=v" pairs.
type EventMessage struct {
	// Text is set when the message is already-rendered chardata.
	Text string
	// Template/Args are set when the message is a (format, args) pair.
	Template string
	Args     []interface{}
	// Report is set when the message is a structured report.
	Report map[string]interface{}

	kind messageKind
}

type messageKind int

const (
	messageText messageKind = iota
	messageTemplate
	messageReport
)

// NewTextMessage builds an already-rendered EventMessage.
func NewTextMessage(text string) EventMessage {
	return EventMessage{Text: text, kind: messageText}
}

// NewTemplateMessage builds a printf-style EventMessage.
func NewTemplateMessage(template string, args ...interface{}) EventMessage {
	return EventMessage{Template: template, Args: args, kind: messageTemplate}
}

// NewReportMessage builds a structured-report EventMessage.
func NewReportMessage(report map[string]interface{}) EventMessage {
	return EventMessage{Report: report, kind: messageReport}
}

// reportRenderFunc matches the event metadata's optional "report_cb"
// callback, used in place of the default k=inspect(v) rendering when
// present.
type reportRenderFunc func(map[string]interface{}) string

const metaKeyReportCallback = "report_cb"

// render produces the final message text.
func (m EventMessage) render(meta map[string]interface{}) string {
	switch m.kind {
	case messageTemplate:
		return fmt.Sprintf(m.Template, m.Args...)
	case messageReport:
		switch cb := meta[metaKeyReportCallback].(type) {
		case reportRenderFunc:
			if cb != nil {
				return cb(m.Report)
			}
		case func(map[string]interface{}) string:
			if cb != nil {
				return cb(m.Report)
			}
		}
		return renderReport(m.Report)
	default:
		return m.Text
	}
}

// metaKeyTime is the well-known event-metadata key carrying a timestamp in
// microseconds since epoch.
const metaKeyTime = "time"

// timestampNS resolves the entry timestamp: microseconds-since-epoch from
// event metadata if present, otherwise the current wall clock in
// nanoseconds.
func (e Event) timestampNS() int64 {
	if raw, ok := e.Meta[metaKeyTime]; ok {
		if us, ok := toInt64(raw); ok {
			return us * 1000
		}
	}
	return time.Now().UnixNano()
}

// toInt64 coerces the handful of numeric shapes JSON decoding and direct
// Go callers might hand in for a microsecond timestamp.
func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
