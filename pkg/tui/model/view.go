package model

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/modoterra/mediagent/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	stateActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stateIdle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	stateFatal   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stateWorking = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	statusBarH := 2
	eventsH := max(a.height/3, 5)
	mainH := a.height - eventsH - statusBarH - 2
	listW := a.width*2/5 - 2
	detailW := a.width - listW - 4

	list := a.renderList(listW, mainH)
	listPane := a.paneBox(PaneList, a.listTitle(), list, listW, mainH)

	detail := a.renderDetail()
	detailPane := a.paneBox(PaneDetail, " Detail ", detail, detailW, mainH)

	topRow := lipgloss.JoinHorizontal(lipgloss.Top, listPane, detailPane)

	events := a.renderEvents(a.width-4, eventsH)
	eventsPane := a.paneBox(PaneEvents, a.eventsTitle(), events, a.width-4, eventsH)

	return lipgloss.JoinVertical(lipgloss.Left, topRow, eventsPane, a.renderStatusBar())
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

func (a App) listTitle() string {
	if a.identifier == "" {
		return " Pipelines "
	}
	return " " + a.identifier + " "
}

func (a App) renderList(w, h int) string {
	items := a.filtered()
	if len(items) == 0 {
		if !a.connected {
			return dimStyle.Render("not connected")
		}
		return dimStyle.Render("no pipelines")
	}

	var b strings.Builder
	maxVisible := h - 2
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}

	for i := start; i < len(items) && i-start < maxVisible; i++ {
		p := items[i]
		name := truncate(string(p.Name), w-6)
		line := fmt.Sprintf(" %s %-*s", stateIndicator(p.State), w-6, name)

		if i == a.selectedIdx {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}

	if a.mode == ModeFilter {
		b.WriteString("\n" + a.filter.View())
	}

	return b.String()
}

func (a App) renderDetail() string {
	p := a.selected()
	if p == nil {
		return dimStyle.Render("select a pipeline")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Pipeline:   %s\n", p.Name)
	fmt.Fprintf(&b, "Topic:      %s\n", dimStyle.Render(p.Topic))
	fmt.Fprintf(&b, "State:      %s %s\n", colorState(p.State), dimStyle.Render("since "+humanize.RelTime(p.Since, a.now(), "ago", "from now")))
	if p.Attempts > 0 {
		fmt.Fprintf(&b, "Attempts:   %d\n", p.Attempts)
	}
	fmt.Fprintf(&b, "Reconnects: %s\n", humanize.Comma(int64(p.Reconnects)))
	if p.Checkpoint != "" {
		fmt.Fprintf(&b, "Checkpoint: %s\n", p.Checkpoint)
	}
	if p.Name == core.PipelineUpload {
		fmt.Fprintf(&b, "Uploads:    %d in flight\n", p.Uploads)
	}
	if p.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s\n", stateFatal.Render(p.LastError))
	}
	if a.backend != "" {
		fmt.Fprintf(&b, "\n%s\n", dimStyle.Render("backend "+a.backend+"  mediagentd "+a.version))
	}
	return b.String()
}

func (a App) renderEvents(w, h int) string {
	if len(a.events) == 0 {
		return dimStyle.Render("no state changes yet")
	}

	start := 0
	if len(a.events) > h-1 {
		start = len(a.events) - h + 1
	}

	var b strings.Builder
	for _, e := range a.events[start:] {
		line := fmt.Sprintf("%s  %-12s %s", e.At.Format("15:04:05"), e.Status.Name, colorState(e.Status.State))
		if e.Status.LastError != "" && e.Status.State != core.StateActive {
			line += "  " + dimStyle.Render(truncate(e.Status.LastError, w/2))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func (a App) eventsTitle() string {
	title := " Events "
	if a.paused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	right := "j/k:nav tab:pane /:filter e:events space:pause c:clear r:refresh q:quit"
	if a.mode == ModeFilter {
		right = "enter:apply esc:cancel"
	}

	gap := a.width - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return helpStyle.Render(left + strings.Repeat(" ", gap) + right)
}

func stateIndicator(s core.State) string {
	switch s {
	case core.StateActive:
		return stateActive.Render("●")
	case core.StateDisconnected:
		return stateIdle.Render("○")
	case core.StateFatal:
		return stateFatal.Render("✖")
	default:
		return stateWorking.Render("↻")
	}
}

func colorState(s core.State) string {
	switch s {
	case core.StateActive:
		return stateActive.Render(string(s))
	case core.StateDisconnected:
		return stateIdle.Render(string(s))
	case core.StateFatal:
		return stateFatal.Render(string(s))
	default:
		return stateWorking.Render(string(s))
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
