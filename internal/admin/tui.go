// Package admin renders a local terminal dashboard over the companion database.
package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/companion/internal/rules"
	"github.com/xiy/companion/internal/store"
	"github.com/xiy/companion/pkg/types"
)

// Source is the read side of the store the dashboard polls.
type Source interface {
	Stats(ctx context.Context) (store.Stats, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]types.MemoryRecord, error)
	RecentTriggers(ctx context.Context, ruleID string, limit int) ([]types.TriggerHistoryEntry, error)
	RecentMCPRequestLogs(ctx context.Context, limit int) ([]store.MCPRequestLog, error)
}

// RuleSource reports rule cooldown state.
type RuleSource interface {
	Rules() []rules.ProactiveRule
	Status(id string, now time.Time) (rules.RuleStatus, error)
}

type tickMsg time.Time

type dashboardMsg struct {
	stats    store.Stats
	memories []types.MemoryRecord
	triggers []types.TriggerHistoryEntry
	reqLogs  []store.MCPRequestLog
	rules    []rules.RuleStatus
	err      error
	duration time.Duration
}

type model struct {
	ctx      context.Context
	src      Source
	rules    RuleSource
	data     dashboardMsg
	lastErr  error
	lastTick time.Time
	logLines []string
	maxLogs  int
	limit    int
	width    int
	height   int
}

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, src Source, rs RuleSource) error {
	m := newModel(ctx, src, rs)
	m = m.appendLog("admin UI started")
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func newModel(ctx context.Context, src Source, rs RuleSource) model {
	return model{ctx: ctx, src: src, rules: rs, maxLogs: 10, limit: 8}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDashboardCmd(m.ctx, m.src, m.rules, m.limit), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m.appendLog("received quit signal"), tea.Quit
		case "r":
			return m.appendLog("manual refresh"), fetchDashboardCmd(m.ctx, m.src, m.rules, m.limit)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchDashboardCmd(m.ctx, m.src, m.rules, m.limit), tickCmd())
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			return m.appendLog(fmt.Sprintf("refresh error: %v", msg.err)), nil
		}
		m.data = msg
		m = m.appendLog(fmt.Sprintf(
			"refresh ok memories=%d triggers=%d statuses=%d (%s)",
			msg.stats.Total, msg.stats.Triggers, msg.stats.Statuses, formatDuration(msg.duration),
		))
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("companion admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • r to refresh • auto every 2s")

	logBody := "(no log events yet)"
	if len(m.logLines) > 0 {
		logBody = strings.Join(m.logLines, "\n")
	}

	paneWidth := 54
	if m.width > 0 {
		paneWidth = max(38, (m.width-3)/2)
	}
	paneHeight := 8
	if m.height > 0 {
		paneHeight = max(6, (m.height-10)/3)
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		meta,
		"",
		joinColumns(
			renderPane("Stats", m.renderStats(), paneWidth, paneHeight),
			renderPane("General Logs", logBody, paneWidth, paneHeight),
		),
		joinColumns(
			renderPane("Rules", formatRulesPane(m.data.rules, time.Now()), paneWidth, paneHeight),
			renderPane("Trigger History", formatTriggersPane(m.data.triggers), paneWidth, paneHeight),
		),
		joinColumns(
			renderPane("Recent Memories", formatMemoriesPane(m.data.memories), paneWidth, paneHeight),
			renderPane("MCP Requests", formatRequestPane(m.data.reqLogs), paneWidth, paneHeight),
		),
	)
}

func (m model) renderStats() string {
	st := m.data.stats
	var b strings.Builder
	fmt.Fprintf(&b, "Memories:       %d (%d embedded)\n", st.Total, st.Embedded)
	cats := make([]string, 0, len(st.ByCategory))
	for c := range st.ByCategory {
		cats = append(cats, string(c))
	}
	sort.Strings(cats)
	for _, c := range cats {
		fmt.Fprintf(&b, "  %-13s %d\n", c+":", st.ByCategory[types.Category(c)])
	}
	fmt.Fprintf(&b, "Triggers:       %d\n", st.Triggers)
	fmt.Fprintf(&b, "Statuses:       %d\n", st.Statuses)
	fmt.Fprintf(&b, "Last refresh:   %s", formatTime(m.lastTick))
	if m.lastErr != nil {
		b.WriteString("\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 120))
	}
	return b.String()
}

func fetchDashboardCmd(ctx context.Context, src Source, rs RuleSource, limit int) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		out := dashboardMsg{}
		var err error
		if out.stats, err = src.Stats(ctx); err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}
		if out.memories, err = src.ListRecent(ctx, time.Time{}, limit); err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}
		if out.triggers, err = src.RecentTriggers(ctx, "", limit); err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}
		if out.reqLogs, err = src.RecentMCPRequestLogs(ctx, limit); err != nil {
			return dashboardMsg{err: err, duration: time.Since(start)}
		}
		if rs != nil {
			now := time.Now()
			for _, r := range rs.Rules() {
				st, err := rs.Status(r.ID, now)
				if err != nil {
					return dashboardMsg{err: err, duration: time.Since(start)}
				}
				out.rules = append(out.rules, st)
			}
		}
		out.duration = time.Since(start)
		return out
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line)
	m.logLines = append(m.logLines, entry)
	if m.maxLogs <= 0 {
		m.maxLogs = 10
	}
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

func formatRulesPane(rows []rules.RuleStatus, now time.Time) string {
	if len(rows) == 0 {
		return "(no rules loaded)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		state := "ready"
		switch {
		case !row.Rule.Enabled:
			state = "off"
		case row.Cooling && row.CoolingUntil != nil:
			state = "cool " + row.CoolingUntil.Sub(now).Round(time.Minute).String()
		}
		lines = append(lines, fmt.Sprintf("%-16s p=%.2f %s", truncateText(row.Rule.ID, 16), row.Rule.Probability, state))
	}
	return strings.Join(lines, "\n")
}

func formatTriggersPane(rows []types.TriggerHistoryEntry) string {
	if len(rows) == 0 {
		return "(no triggers yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		line := fmt.Sprintf("[%s] %s", formatClock(row.FiredAt), truncateText(row.RuleID, 16))
		if row.MessageSummary != "" {
			line += " :: " + truncateText(compactWhitespace(row.MessageSummary), 40)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatRequestPane(rows []store.MCPRequestLog) string {
	if len(rows) == 0 {
		return "(no MCP requests yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		method := strings.TrimSpace(row.Method)
		if row.ToolName != "" {
			method += ":" + strings.TrimSpace(row.ToolName)
		}
		status := "ok"
		if !row.Success {
			status = "err"
		}
		line := fmt.Sprintf("[%s] %-3s %-28s %4dms",
			formatClock(row.CreatedAt), status, truncateText(method, 28), max(0, row.DurationMS))
		if !row.Success && strings.TrimSpace(row.ErrorText) != "" {
			line += " " + truncateText(compactWhitespace(row.ErrorText), 40)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

var categoryGlyph = map[types.Category]string{
	types.CategorySemantic:   "S",
	types.CategoryEpisodic:   "E",
	types.CategoryEmotional:  "M",
	types.CategoryPredictive: "P",
}

func formatMemoriesPane(rows []types.MemoryRecord) string {
	if len(rows) == 0 {
		return "(no memories yet)"
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		glyph, ok := categoryGlyph[row.Category]
		if !ok {
			glyph = "?"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %.2f %s",
			formatClock(row.CreatedAt), glyph, row.Importance, truncateText(compactWhitespace(row.Content), 60)))
	}
	return strings.Join(lines, "\n")
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.Local().Format("15:04:05")
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
