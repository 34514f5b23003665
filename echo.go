package tracelog

import (
	"fmt"
	"sort"
	"strings"
)

// echoEvent writes a one-line rendering of the event to the echo writer.
func (tl *TraceLog) echoEvent(ev *TraceEvent) {
	line := formatEchoLine(ev)

	tl.echoMtx.Lock()
	defer tl.echoMtx.Unlock()

	if _, err := tl.echo.Write(line); err != nil {
		tl.logger.Debug("echo write failed", "err", err)
	}
}

func formatEchoLine(ev *TraceEvent) []byte {
	var sb strings.Builder

	// Timestamp relative to the epoch, in milliseconds.
	fmt.Fprintf(&sb, "[%10.3fms] ", microseconds(ev.Timestamp)/1000)
	fmt.Fprintf(&sb, "%5d ", ev.ThreadID)

	// Direction arrow.
	switch ev.Phase {
	case PhaseBegin, PhaseAsyncBegin, PhaseComplete:
		sb.WriteString("→ ") // →
	case PhaseEnd, PhaseAsyncEnd:
		sb.WriteString("← ") // ←
	default:
		sb.WriteString("• ") // •
	}

	sb.WriteString(ev.CategoryName())
	sb.WriteString(" ")
	sb.WriteString(ev.Name)

	if ev.Phase == PhaseComplete && ev.Duration >= 0 {
		fmt.Fprintf(&sb, " (%s)", ev.Duration)
	}

	if ev.NumArgs > 0 {
		pairs := make([]string, 0, ev.NumArgs)
		for i := 0; i < ev.NumArgs; i++ {
			pairs = append(pairs, fmt.Sprintf("%s=%v", ev.Args[i].Name, ev.Args[i].Value()))
		}
		sort.Strings(pairs)
		sb.WriteString(" {")
		sb.WriteString(strings.Join(pairs, ", "))
		sb.WriteString("}")
	}

	sb.WriteString("\n")
	return []byte(sb.String())
}
