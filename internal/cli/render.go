// Package cli renders the process status for terminals.
package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"autopost/internal/app"
	"autopost/internal/fallback"
	"autopost/internal/storage"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const timeLayout = "2006-01-02 15:04 MST"

func fmtTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	if loc != nil {
		return t.In(loc).Format(timeLayout)
	}
	return t.Format(timeLayout)
}

func outcomeText(o string) string {
	switch o {
	case "":
		return mutedStyle.Render("never")
	case storage.OutcomeSuccess:
		return okStyle.Render(o)
	case storage.OutcomeExhausted, storage.OutcomeFailure:
		return errorStyle.Render(o)
	default:
		return warnStyle.Render(o)
	}
}

// RenderStatus writes a human-readable status panel.
func RenderStatus(w io.Writer, st app.Status) error {
	loc, err := time.LoadLocation(st.Timezone)
	if err != nil {
		loc = nil
	}

	var header string
	if st.Running {
		header = titleStyle.Render("autopost") + " " + okStyle.Render("running") +
			mutedStyle.Render(" since "+fmtTime(st.StartedAt, loc))
	} else {
		header = titleStyle.Render("autopost") + " " + mutedStyle.Render("stopped")
	}

	mode := okStyle.Render(string(st.Fallback.Mode))
	if st.Fallback.Mode == fallback.Fallback {
		mode = warnStyle.Render(string(st.Fallback.Mode)) +
			mutedStyle.Render(" since "+fmtTime(st.Fallback.EnteredFallbackAt, loc))
	}
	auto := "auto"
	if !st.Fallback.AutoEnabled {
		auto = "manual only"
	}
	fb := fmt.Sprintf("mode %s  quota errors %d  (%s)", mode, st.Fallback.ConsecutiveErrors, auto)

	var jobs strings.Builder
	for i, j := range st.Jobs {
		if i > 0 {
			jobs.WriteByte('\n')
		}
		name := j.Name
		if j.Running {
			name += " " + warnStyle.Render("*")
		}
		if !j.Enabled {
			reason := "disabled"
			if j.DisabledReason != "" {
				reason = j.DisabledReason
			}
			fmt.Fprintf(&jobs, "%-18s %s", name, errorStyle.Render(reason))
			continue
		}
		fmt.Fprintf(&jobs, "%-18s %-18s next %s  last %s", name, j.Trigger, fmtTime(j.NextFireTime, loc), outcomeText(j.LastOutcome))
		if j.LastError != "" {
			jobs.WriteString("\n" + mutedStyle.Render("  "+j.LastError))
		}
	}

	ex := st.Executions
	stats := mutedStyle.Render(fmt.Sprintf("runs %d  failed %d  attempts %d  queued %d  in flight %d  dropped %d",
		ex.Total, ex.Failed, ex.TotalAttempts, ex.QueueLen, ex.InFlight, ex.Dropped))

	mon := "metrics source " + errorStyle.Render("unavailable")
	if st.Monitor.Available {
		mon = "metrics source " + okStyle.Render("available")
	}
	if p := st.Monitor.LastPass; p != nil {
		mon += mutedStyle.Render(fmt.Sprintf("  last pass %d/%d updated, %d failed", p.Updated, p.Total, p.Failed))
	}

	footer := mutedStyle.Render(fmt.Sprintf("tz %s  storage %s  channels %s",
		st.Timezone, st.Storage, strings.Join(st.Channels, ",")))

	panel := panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Jobs"), jobs.String(), "",
		titleStyle.Render("Fallback"), fb, "",
		titleStyle.Render("Monitor"), mon, stats,
	))
	_, err = fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, header, panel, footer))
	return err
}
