package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/IItheshadowII/LatencyLens/internal/orchestrator"
)

const barWidth = 24

var phaseLabels = map[orchestrator.State]string{
	orchestrator.StateIdle:                "idle",
	orchestrator.StateValidating:          "validate",
	orchestrator.StateProbingReachability: "reach",
	orchestrator.StateMeasuringLatency:    "ping",
	orchestrator.StateMeasuringDownload:   "download",
	orchestrator.StateMeasuringUpload:     "upload",
	orchestrator.StateClassifying:         "classify",
	orchestrator.StateComplete:            "done",
	orchestrator.StateFailedValidation:    "failed",
}

func renderBar(progress, width int) string {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	filled := progress * width / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// progressLine formats "[phase] ███░░ 40% | status".
func progressLine(state orchestrator.State, progress int, status string) string {
	label, ok := phaseLabels[state]
	if !ok {
		label = strings.ToLower(string(state))
	}
	return fmt.Sprintf("[%s] %s %3d%% | %s", label, renderBar(progress, barWidth), progress, status)
}

// progressView draws run events. On a terminal the bar is redrawn in place;
// otherwise only state changes are printed, one per line.
type progressView struct {
	w        io.Writer
	tty      bool
	bar      bool
	verbose  bool
	state    orchestrator.State
	progress int
	status   string
	drawn    bool
}

func (p *progressView) handle(ev orchestrator.Event) {
	changed := ev.State != p.state
	p.state = ev.State
	if ev.Progress > p.progress {
		p.progress = ev.Progress
	}
	if ev.Kind == orchestrator.EventLog {
		p.status = ev.Message
		if p.verbose {
			p.clear()
			fmt.Fprintf(p.w, "[%s] %s\n", ev.Time.Format("15:04:05"), ev.Message)
		}
	}
	if !p.bar {
		return
	}
	if p.tty {
		p.clear()
		fmt.Fprint(p.w, progressLine(p.state, p.progress, p.status))
		p.drawn = true
		return
	}
	if changed && ev.Kind == orchestrator.EventState {
		fmt.Fprintln(p.w, progressLine(p.state, p.progress, string(p.state)))
	}
}

func (p *progressView) clear() {
	if p.tty && p.drawn {
		fmt.Fprint(p.w, "\r\033[K")
		p.drawn = false
	}
}

func (p *progressView) finish() {
	if p.tty && p.drawn {
		fmt.Fprintln(p.w)
		p.drawn = false
	}
}
