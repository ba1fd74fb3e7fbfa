// Package telemetry provides a minimal structured-logging helper on top of
// the standard library's log package. TwinOps carries no metrics/tracing
// SDK (both are spec Non-goals); this is the extent of its ambient
// observability stack, matching the teacher's own preference for plain
// "log" over a third-party logging library.
package telemetry

import (
	"fmt"
	"sort"
	"strings"
)

// F is an ordered set of structured log fields.
type F map[string]any

// Line renders an event name and fields as a single logfmt-style line,
// e.g. `kernel.deny tool=move_arm reason=role_unauthorized actor=op-1`.
// Keys are sorted so output is deterministic and diffable.
func Line(event string, fields F) string {
	var b strings.Builder
	b.WriteString(event)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(fields[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if strings.ContainsAny(s, " \t\n\"") {
		return fmt.Sprintf("%q", s)
	}
	return s
}
