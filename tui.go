package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/tomaslejdung/peepcast/pkg/frame"
	"github.com/tomaslejdung/peepcast/pkg/quality"
	"github.com/tomaslejdung/peepcast/pkg/settings"
	"github.com/tomaslejdung/peepcast/pkg/stream"
)

// sharerControl is what the dashboard drives in share mode
type sharerControl interface {
	Stats() stream.SharerStats
	SetTier(i int)
	SetAdaptive(on bool)
	RequestKeyframe(reason string)
}

// hostControl is what the dashboard drives in serve mode
type hostControl interface {
	Rooms() []stream.RoomView
	SetMaxTier(ctx context.Context, tier int)
	MaxTier() (int, bool)
	Frame(room string) *frame.Frame
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("7"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	urlStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	viewerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14")) // Cyan for keys

	keySepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	toggleActiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("10"))

	toggleInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)

	boxTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))
)

// Messages
type tickMsg time.Time

// doneMsg reports that the stream or server stopped
type doneMsg struct {
	err error
}

// statusMsg is a one-line notice from a background command
type statusMsg string

const tickInterval = 500 * time.Millisecond

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	// share mode
	sharer     sharerControl
	stats      stream.SharerStats
	prefs      settings.UserSettings
	savePrefs  func(settings.UserSettings) error
	tierCursor int

	// serve mode
	host     hostControl
	rooms    []stream.RoomView
	listen   string
	snapshot string

	room      string
	link      string
	startTime time.Time
	showStats bool
	status    string
	lastError string
	done      bool
	width     int
	height    int
}

func newShareModel(s sharerControl, room, link string, prefs settings.UserSettings) model {
	return model{
		sharer:     s,
		stats:      s.Stats(),
		prefs:      prefs,
		savePrefs:  settings.Save,
		tierCursor: s.Stats().Directive.Tier,
		room:       room,
		link:       link,
		startTime:  time.Now(),
		showStats:  true,
	}
}

func newServeModel(h hostControl, room, listen, snapshot string) model {
	return model{
		host:      h,
		rooms:     h.Rooms(),
		room:      room,
		listen:    listen,
		snapshot:  snapshot,
		startTime: time.Now(),
		showStats: true,
	}
}

func (m model) Init() tea.Cmd {
	title := "peepcast - viewer"
	if m.sharer != nil {
		title = "peepcast - sharing"
	}
	return tea.Batch(tickCmd(), tea.SetWindowTitle(title))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case statusMsg:
		m.status = string(msg)
		return m, nil

	case doneMsg:
		m.done = true
		if msg.err != nil {
			m.lastError = msg.err.Error()
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) refresh() {
	if m.sharer != nil {
		m.stats = m.sharer.Stats()
	}
	if m.host != nil {
		m.rooms = m.host.Rooms()
	}
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "i":
		m.showStats = !m.showStats
		return m, nil
	}

	if len(key) == 1 && key[0] >= '1' && int(key[0]-'1') < len(quality.Tiers) {
		return m.applyTier(int(key[0] - '1'))
	}

	if m.sharer != nil {
		switch key {
		case "up", "k":
			m.tierCursor = quality.ClampTier(m.tierCursor + 1)
		case "down", "j":
			m.tierCursor = quality.ClampTier(m.tierCursor - 1)
		case "enter", " ":
			return m.applyTier(m.tierCursor)
		case "a":
			on := !m.sharer.Stats().Adaptive
			m.sharer.SetAdaptive(on)
			m.prefs.Adaptive = on
			m.save()
			m.refresh()
		case "K":
			m.sharer.RequestKeyframe("request")
			m.status = "Keyframe requested"
		}
		return m, nil
	}

	if m.host != nil {
		switch key {
		case "u":
			return m.applyTier(quality.TopTierIndex())
		case "w":
			return m, m.writeSnapshot()
		}
	}
	return m, nil
}

// applyTier pins the sharer's tier, or caps every sharer in serve mode.
func (m model) applyTier(i int) (tea.Model, tea.Cmd) {
	i = quality.ClampTier(i)
	if m.sharer != nil {
		m.sharer.SetTier(i)
		m.tierCursor = i
		m.prefs.Tier = i
		m.save()
		m.refresh()
		m.status = "Tier " + quality.Tiers[i].Name
		return m, nil
	}

	host := m.host
	return m, func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		host.SetMaxTier(ctx, i)
		return statusMsg("Sharers capped at " + quality.Tiers[i].Name)
	}
}

func (m *model) save() {
	if m.savePrefs == nil {
		return
	}
	if err := m.savePrefs(m.prefs); err != nil {
		m.lastError = err.Error()
	}
}

func (m model) writeSnapshot() tea.Cmd {
	host, room := m.host, m.room
	path := m.snapshot
	if path == "" {
		path = fmt.Sprintf("peepcast-%s.png", strings.ToLower(room))
	}
	return func() tea.Msg {
		if err := writeSnapshot(path, host.Frame(room)); err != nil {
			return statusMsg("Snapshot failed: " + err.Error())
		}
		return statusMsg("Snapshot written to " + path)
	}
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("peepcast"))
	if m.sharer != nil {
		b.WriteString(dimStyle.Render(" - sharing"))
	} else {
		b.WriteString(dimStyle.Render(" - viewer"))
	}
	b.WriteString("\n\n")

	if m.sharer != nil {
		b.WriteString(m.renderShareStatus())
		b.WriteString("\n")
		b.WriteString(m.renderTierList())
		if m.showStats {
			b.WriteString("\n")
			b.WriteString(m.renderShareStats())
		}
	} else {
		b.WriteString(m.renderServeStatus())
		if m.showStats {
			b.WriteString("\n")
			b.WriteString(m.renderRooms())
		}
	}

	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(statusStyle.Render(m.status))
	}
	if m.lastError != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.lastError))
	}

	b.WriteString("\n\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m model) renderShareStatus() string {
	var b strings.Builder
	st := m.stats

	b.WriteString(statusStyle.Render("Room: "))
	b.WriteString(urlStyle.Render(m.room))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render("Link: "))
	b.WriteString(normalStyle.Render(truncate(m.link, 40)))
	b.WriteString("\n")

	b.WriteString(statusStyle.Render("Tier: "))
	b.WriteString(selectedStyle.Render(quality.Tiers[st.Directive.Tier].Name))
	if st.Adaptive {
		b.WriteString(dimStyle.Render(" [adaptive]"))
	}
	if st.MaxTier < quality.TopTierIndex() {
		b.WriteString(viewerStyle.Render(" capped at " + quality.Tiers[st.MaxTier].Name))
	}
	b.WriteString("  ")

	b.WriteString(statusStyle.Render("State: "))
	switch {
	case m.done:
		b.WriteString(dimStyle.Render("ended"))
	case st.SessionID == uuid.Nil:
		b.WriteString(dimStyle.Render("opening..."))
	case st.Idle:
		b.WriteString(normalStyle.Render("idle"))
	default:
		b.WriteString(selectedStyle.Render("streaming"))
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) renderTierList() string {
	var content strings.Builder
	content.WriteString(boxTitleStyle.Render(" Quality "))
	content.WriteString("\n")

	for i := len(quality.Tiers) - 1; i >= 0; i-- {
		t := quality.Tiers[i]
		cursor := "  "
		if i == m.tierCursor {
			cursor = "> "
		}
		label := fmt.Sprintf("%d %-9s %s", i+1, t.Name, t.Description)

		var line string
		switch {
		case i == m.stats.Directive.Tier:
			line = selectedStyle.Render(cursor + label)
		case i > m.stats.MaxTier:
			line = dimStyle.Render(cursor + label + " (capped)")
		case i == m.tierCursor:
			line = normalStyle.Render(cursor + label)
		default:
			line = dimStyle.Render(cursor + label)
		}
		content.WriteString(line)
		content.WriteString("\n")
	}
	return boxStyle.Render(strings.TrimSuffix(content.String(), "\n"))
}

func (m model) renderShareStats() string {
	st := m.stats
	var content strings.Builder
	content.WriteString(boxTitleStyle.Render(" Stream "))
	content.WriteString("\n")

	content.WriteString(dimStyle.Render("Uptime: "))
	content.WriteString(normalStyle.Render(formatDuration(time.Since(m.startTime).Truncate(time.Second))))
	content.WriteString("\n")

	content.WriteString(normalStyle.Render(fmt.Sprintf("%dx%d@%.0f | %.1fMbps | RTT %s | loss %.1f%%",
		st.Width, st.Height, st.FPS, st.Bitrate/1000, st.RTT.Round(time.Millisecond), st.LossRate*100)))
	content.WriteString("\n")

	content.WriteString(dimStyle.Render(fmt.Sprintf("Updates %s  keyframes %s  keep-alives %s  dropped %s",
		formatNumber(int64(st.Updates)), formatNumber(int64(st.Keyframes)),
		formatNumber(int64(st.KeepAlives)), formatNumber(int64(st.Dropped)))))
	content.WriteString("\n")

	content.WriteString(dimStyle.Render(fmt.Sprintf("Sent %s  acked #%d  queued %d  evicted %s",
		formatBytes(int64(st.Bytes)), st.LastAckSeq, st.Queued, formatNumber(int64(st.Evicted)))))
	return boxStyle.Render(content.String())
}

func (m model) renderServeStatus() string {
	var b strings.Builder

	b.WriteString(statusStyle.Render("Room: "))
	b.WriteString(urlStyle.Render(m.room))
	b.WriteString("  ")
	b.WriteString(statusStyle.Render("Listen: "))
	b.WriteString(normalStyle.Render(m.listen))
	b.WriteString("  ")

	b.WriteString(statusStyle.Render("Cap: "))
	if tier, ok := m.host.MaxTier(); ok && tier < quality.TopTierIndex() {
		b.WriteString(viewerStyle.Render(quality.Tiers[tier].Name))
	} else {
		b.WriteString(dimStyle.Render("none"))
	}
	b.WriteString("\n")

	live := 0
	for _, r := range m.rooms {
		if r.Live {
			live++
		}
	}
	b.WriteString(statusStyle.Render("Sharers: "))
	if live == 0 {
		b.WriteString(dimStyle.Render("waiting..."))
	} else {
		b.WriteString(viewerStyle.Render(fmt.Sprintf("%d", live)))
	}
	b.WriteString("\n")
	return b.String()
}

func (m model) renderRooms() string {
	var content strings.Builder
	content.WriteString(boxTitleStyle.Render(" Sessions "))
	content.WriteString("\n")

	if len(m.rooms) == 0 {
		content.WriteString(dimStyle.Render("No sharer yet"))
		return boxStyle.Render(content.String())
	}

	for _, r := range m.rooms {
		st := r.Stats
		snap := st.Session
		state := snap.State.String()
		if !r.Live {
			state = "ended: " + snap.Reason
		}
		line := fmt.Sprintf("%s  %dx%d  %s  %s", r.Room, snap.Width, snap.Height,
			quality.Tiers[quality.ClampTier(snap.Tier)].Name, truncate(state, 28))
		if r.Live {
			content.WriteString(selectedStyle.Render(line))
		} else {
			content.WriteString(dimStyle.Render(line))
		}
		content.WriteString("\n")
		content.WriteString(dimStyle.Render(fmt.Sprintf("  seq #%d  applied %s  stale %d  gaps %d  resyncs %d  keep-alives %d  %s",
			st.LastSeq, formatNumber(int64(st.Applied)), st.Stale, st.Gaps,
			st.KeyframeRequests, st.KeepAlives, formatBytes(int64(st.Bytes)))))
		content.WriteString("\n")
	}
	return boxStyle.Render(strings.TrimSuffix(content.String(), "\n"))
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func formatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

func formatBytes(b int64) string {
	if b >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(b)/1_000_000_000)
	}
	if b >= 1_000_000 {
		return fmt.Sprintf("%.1f MB", float64(b)/1_000_000)
	}
	if b >= 1_000 {
		return fmt.Sprintf("%.1f KB", float64(b)/1_000)
	}
	return fmt.Sprintf("%d B", b)
}

func (m model) renderHelp() string {
	var b strings.Builder
	sep := keySepStyle.Render("  ")

	var actions []string
	if m.sharer != nil {
		actions = append(actions, keyStyle.Render("1-6")+helpStyle.Render(" tier"))
		actions = append(actions, keyStyle.Render("↑/↓")+helpStyle.Render(" select"))
		actions = append(actions, keyStyle.Render("enter")+helpStyle.Render(" apply"))
		actions = append(actions, keyStyle.Render("K")+helpStyle.Render(" keyframe"))
	} else {
		actions = append(actions, keyStyle.Render("1-6")+helpStyle.Render(" cap"))
		actions = append(actions, keyStyle.Render("u")+helpStyle.Render(" uncap"))
		actions = append(actions, keyStyle.Render("w")+helpStyle.Render(" snapshot"))
	}
	actions = append(actions, keyStyle.Render("q")+helpStyle.Render(" quit"))
	b.WriteString(strings.Join(actions, sep))

	var toggles []string
	if m.sharer != nil {
		toggles = append(toggles, m.renderToggle("a", "adaptive", m.stats.Adaptive))
	}
	toggles = append(toggles, m.renderToggle("i", "stats", m.showStats))

	b.WriteString("\n\n")
	b.WriteString(strings.Join(toggles, "   "))
	return b.String()
}

// renderToggle renders a toggle keybind with active/inactive indicator
func (m model) renderToggle(key, label string, active bool) string {
	if active {
		return toggleActiveStyle.Render("● "+key) + " " + toggleActiveStyle.Render(label)
	}
	return toggleInactiveStyle.Render("○ "+key) + " " + toggleInactiveStyle.Render(label)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// RunTUI shows the dashboard while run streams or serves. Quitting the
// dashboard cancels run; run returning closes the dashboard.
func RunTUI(ctx context.Context, m tea.Model, run func(context.Context) error) error {
	// Write logs to file instead of corrupting TUI display
	logFile, err := os.Create("peepcast-debug.log")
	if err != nil {
		// Fall back to discarding if we can't create log file
		log.SetOutput(io.Discard)
	} else {
		log.SetOutput(logFile)
		log.Printf("=== peepcast started at %s ===", time.Now().Format(time.RFC3339))
		defer logFile.Close()
	}

	// Restore logging on exit
	defer log.SetOutput(os.Stderr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	runErr := make(chan error, 1)
	go func() {
		err := run(ctx)
		runErr <- err
		p.Send(doneMsg{err: err})
	}()

	_, tuiErr := p.Run()
	cancel()
	err = <-runErr
	if tuiErr != nil && !errors.Is(tuiErr, tea.ErrProgramKilled) {
		return tuiErr
	}
	return err
}
