package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/hdfsconn/engine"
)

// RefreshInterval is how often the model polls pipeline counters.
const RefreshInterval = 500 * time.Millisecond

const maxRecentFiles = 100

// StatusModel implements the tea.Model interface for a running pipeline.
type StatusModel struct {
	title string
	poll  func() engine.StatsSnapshot

	stats      engine.StatsSnapshot
	sampledAt  time.Time
	byteRate   float64 // bytes written per second
	recordRate float64 // records read per second

	recent []engine.FileInfo
	err    error
	done   bool

	spinner  spinner.Model
	viewport viewport.Model

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	fileStyle    lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	successStyle lipgloss.Style
}

// FileMsg reports a file closed by the writer.
type FileMsg engine.FileInfo

// DoneMsg is sent once the pipeline has returned.
type DoneMsg struct {
	Err error
}

type tickMsg time.Time

// NewStatusModel creates a model that polls counters from poll.
func NewStatusModel(title string, poll func() engine.StatsSnapshot) StatusModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return StatusModel{
		title:        title,
		poll:         poll,
		spinner:      s,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		fileStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m StatusModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 6
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))

	case tickMsg:
		m = m.sample(time.Time(msg))
		if !m.done {
			cmds = append(cmds, tick())
		}

	case FileMsg:
		m.recent = append(m.recent, engine.FileInfo(msg))
		if len(m.recent) > maxRecentFiles {
			m.recent = m.recent[len(m.recent)-maxRecentFiles:]
		}

	case DoneMsg:
		m.done = true
		m.err = msg.Err
		m = m.sample(time.Now())
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// sample refreshes counters and derives rates from the previous sample.
func (m StatusModel) sample(now time.Time) StatusModel {
	if m.poll == nil {
		return m
	}
	next := m.poll()
	if !m.sampledAt.IsZero() {
		if secs := now.Sub(m.sampledAt).Seconds(); secs > 0 {
			m.byteRate = float64(next.BytesWritten-m.stats.BytesWritten) / secs
			m.recordRate = float64(next.RecordsRead-m.stats.RecordsRead) / secs
		}
	}
	m.stats = next
	m.sampledAt = now
	return m
}

func (m StatusModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("%s hdfsconn %s\n", m.spinner.View(), m.titleStyle.Render(m.title)))

	s := m.stats
	sb.WriteString(m.infoStyle.Render(fmt.Sprintf("Scans: %d | Discovered: %d | Read: %d files, %d records (%.0f rec/s)",
		s.Scans, s.FilesDiscovered, s.FilesRead, s.RecordsRead, m.recordRate)) + "\n")
	sb.WriteString(m.infoStyle.Render(fmt.Sprintf("Written: %d files, %d records, %s (%s)",
		s.FilesWritten, s.RecordsWritten, formatBytes(s.BytesWritten), formatSpeed(m.byteRate))) + "\n")

	errLine := fmt.Sprintf("Item errors: %d | Retries: %d", s.ItemErrors, s.Retries)
	if s.ItemErrors > 0 {
		sb.WriteString(m.errorStyle.Render(errLine) + "\n\n")
	} else {
		sb.WriteString(m.infoStyle.Render(errLine) + "\n\n")
	}

	// Recent files
	sb.WriteString("Closed files:\n")
	var files strings.Builder
	if len(m.recent) == 0 {
		files.WriteString(m.infoStyle.Render("No files closed yet..."))
	} else {
		for i := len(m.recent) - 1; i >= 0; i-- {
			fi := m.recent[i]
			files.WriteString(fmt.Sprintf("%-10s | %s\n", m.fileStyle.Render(formatBytes(int64(fi.FileSize))), truncatePath(fi.FileName, 60)))
		}
	}
	m.viewport.SetContent(files.String())
	sb.WriteString(m.viewport.View())

	// Footer
	help := m.helpStyle.Render("q/ctrl+c: stop")
	switch {
	case m.done && m.err != nil:
		help = m.errorStyle.Render("Stopped: "+m.err.Error()) + " Press 'q' to exit."
	case m.done:
		help = m.successStyle.Render("Done!") + " Press 'q' to exit."
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func truncatePath(p string, n int) string {
	if len(p) <= n {
		return p
	}
	return "..." + p[len(p)-(n-3):]
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
