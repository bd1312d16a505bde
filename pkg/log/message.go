package log

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lattesec/modfleet/internal/helpers/debughelper"
)

type LogMessage struct {
	Timestamp time.Time         // timestamp
	Level     Level             // log level
	Msg       string            // log message
	Meta      map[string]string // log metadata

	caller string // caller (optional)
}

// New
//
// Creates a new LogMessage. Nothing is written until Send.
func New(level Level, msg string) *LogMessage {
	return &LogMessage{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Msg:       msg,
		Meta:      make(map[string]string),
	}
}

func Newf(level Level, format string, v ...any) *LogMessage {
	return New(level, fmt.Sprintf(format, v...))
}

func (lm *LogMessage) WithMeta(key string, value any) *LogMessage {
	lm.Meta[key] = fmt.Sprintf("%v", value)
	return lm
}

func (lm *LogMessage) WithMetaf(key, format string, v ...any) *LogMessage {
	lm.Meta[key] = fmt.Sprintf(format, v...)
	return lm
}

func (lm *LogMessage) WithCaller() *LogMessage {
	lm.caller = debughelper.TraceCaller()
	return lm
}

// String renders the message with its metadata in key order.
func (lm *LogMessage) String() string {
	var b strings.Builder
	b.WriteString(lm.Msg)

	keys := make([]string, 0, len(lm.Meta))
	for k := range lm.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, lm.Meta[k])
	}

	if lm.caller != "" {
		b.WriteString(" ")
		b.WriteString(lm.caller)
	}
	return b.String()
}

func (lm *LogMessage) Send() {
	log(lm.Level, lm.String())
}
