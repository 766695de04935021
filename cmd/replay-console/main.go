package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"stocksim/internal/dashboard"
	"stocksim/internal/domain"
	"stocksim/pkg/stocksim"
)

// Styles.
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	runningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	stoppedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	doneStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	buyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	sellStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	colHeader    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	cursorBG     = lipgloss.Color("236")
)

const (
	pollInterval = 500 * time.Millisecond
	requestWait  = 5 * time.Second
	pageSize     = 200
	headerLines  = 4
	footerLines  = 2
)

// Messages.
type tickMsg time.Time

type statusMsg struct {
	status *stocksim.Status
	err    error
}

type ordersMsg struct {
	page *stocksim.OrdersResponse
	err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Model.
type model struct {
	client *stocksim.Client

	status  *stocksim.Status
	session string
	orders  []domain.OrderEvent
	offset  int
	loading bool
	err     error

	viewport      viewport.Model
	ready         bool
	width, height int
}

func initialModel(c *stocksim.Client) model {
	return model{client: c}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.fetchStatus())
}

func (m model) fetchStatus() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		st, err := c.Status(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m model) fetchOrders(offset int) tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		page, err := c.Orders(ctx, offset, pageSize)
		return ordersMsg{page: page, err: err}
	}
}

// control runs a playback command and reports the resulting status.
func (m model) control(fn func(context.Context) (*stocksim.Status, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestWait)
		defer cancel()
		st, err := fn(ctx)
		return statusMsg{status: st, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			if m.status == nil || m.status.Session == nil {
				return m, nil
			}
			if m.status.Playback.Running {
				return m, m.control(m.client.Stop)
			}
			return m, m.control(m.client.Start)
		case "left", "right", "shift+left", "shift+right":
			if m.status == nil || m.status.Session == nil {
				return m, nil
			}
			step := 1
			if strings.HasPrefix(msg.String(), "shift+") {
				step = 10
			}
			if strings.HasSuffix(msg.String(), "left") {
				step = -step
			}
			target := clamp(m.status.Playback.Cursor+step, 0, m.status.Playback.Len-1)
			return m, m.control(func(ctx context.Context) (*stocksim.Status, error) {
				return m.client.Seek(ctx, target)
			})
		case "+", "=", "-":
			if m.status == nil || m.status.Session == nil {
				return m, nil
			}
			speed := m.status.Playback.Speed + 1
			if msg.String() == "-" {
				speed = m.status.Playback.Speed - 1
			}
			if speed < 1 {
				speed = 1
			}
			return m, m.control(func(ctx context.Context) (*stocksim.Status, error) {
				return m.client.SetSpeed(ctx, speed)
			})
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - headerLines - footerLines
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(), m.fetchStatus())

	case statusMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status = msg.status
		var cmds []tea.Cmd
		if id := sessionID(m.status); id != m.session {
			m.session = id
			m.orders = nil
			m.offset = 0
			if id != "" {
				cmds = append(cmds, m.fetchOrders(0))
				m.loading = true
			}
		} else if off, ok := m.pageFor(m.status.Playback.Cursor); ok && !m.loading {
			cmds = append(cmds, m.fetchOrders(off))
			m.loading = true
		}
		m.refresh()
		return m, tea.Batch(cmds...)

	case ordersMsg:
		m.loading = false
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.orders = msg.page.Orders
		m.offset = msg.page.Offset
		m.refresh()
		return m, nil
	}

	if m.ready {
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

// pageFor reports the page offset to fetch when cursor falls outside the
// loaded window.
func (m model) pageFor(cursor int) (int, bool) {
	if m.session == "" {
		return 0, false
	}
	if cursor >= m.offset && cursor < m.offset+len(m.orders) {
		return 0, false
	}
	off := cursor - pageSize/4
	if off < 0 {
		off = 0
	}
	return off, true
}

// refresh re-renders the order list and keeps the cursor row visible.
func (m *model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderOrders())
	if m.status == nil {
		return
	}
	line := m.status.Playback.Cursor - m.offset
	if line < 0 || line >= len(m.orders) {
		return
	}
	if line < m.viewport.YOffset {
		m.viewport.SetYOffset(line)
	} else if line >= m.viewport.YOffset+m.viewport.Height {
		m.viewport.SetYOffset(line - m.viewport.Height + 1)
	}
}

func (m model) renderOrders() string {
	if len(m.orders) == 0 {
		return dimStyle.Render("  no orders loaded")
	}
	cursor := -1
	if m.status != nil {
		cursor = m.status.Playback.Cursor
	}
	var b strings.Builder
	for i, ev := range m.orders {
		idx := m.offset + i
		side := buyStyle.Render("BUY ")
		if ev.Side == domain.OrderSideSell {
			side = sellStyle.Render("SELL")
		}
		row := fmt.Sprintf("%7s  %-12s  %s  %s  %10s  %10s",
			dashboard.FormatInt(idx+1),
			ev.CreatedTime.Format("15:04:05.000"),
			side,
			fmt.Sprintf("%-8s", ev.ID),
			dashboard.FormatPrice(ev.Price),
			dashboard.FormatVolume(ev.Volume),
		)
		if idx == cursor {
			row = lipgloss.NewStyle().Background(cursorBG).Bold(true).Render("> " + row)
		} else {
			row = "  " + row
		}
		b.WriteString(row)
		if i < len(m.orders)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (m model) View() string {
	if !m.ready {
		return "connecting..."
	}
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteByte('\n')
	b.WriteString(m.viewport.View())
	b.WriteByte('\n')
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m model) renderHeader() string {
	var lines []string
	if m.status == nil || m.status.Session == nil {
		lines = append(lines, titleStyle.Render(" stocksim replay "), dimStyle.Render("no session loaded"), "")
	} else {
		s := m.status.Session
		p := m.status.Playback
		title := fmt.Sprintf(" %s  %s - %s ", s.StockID, s.Start.Format(time.DateTime), s.End.Format("15:04:05"))
		state := stoppedStyle.Render("STOPPED")
		switch {
		case p.Finished:
			state = doneStyle.Render("FINISHED")
		case p.Running:
			state = runningStyle.Render("RUNNING")
		}
		lines = append(lines,
			titleStyle.Render(title),
			fmt.Sprintf("%s  %s  speed %s  next %s",
				state,
				dashboard.FormatProgress(p.Cursor, p.Len),
				dashboard.FormatSpeed(p.Speed),
				dashboard.FormatDelay(p.NextDelay),
			),
			m.renderDispatch(),
		)
	}
	lines = append(lines, colHeader.Render(fmt.Sprintf("  %7s  %-12s  %-4s  %-8s  %10s  %10s",
		"#", "TIME", "SIDE", "ID", "PRICE", "VOLUME")))
	return strings.Join(lines, "\n")
}

func (m model) renderDispatch() string {
	d := m.status.Dispatch
	if d == nil {
		return ""
	}
	return dimStyle.Render(fmt.Sprintf("sent %s  failed %s  rejected %s  dropped %s  queued %d",
		dashboard.FormatInt(int(d.Succeeded)),
		dashboard.FormatInt(int(d.Failed)),
		dashboard.FormatInt(int(d.Rejected)),
		dashboard.FormatInt(int(d.Dropped)),
		d.Queued,
	))
}

func (m model) renderFooter() string {
	status := ""
	if m.err != nil {
		status = errStyle.Render("error: " + m.err.Error())
	}
	help := dimStyle.Render("space start/stop  ←/→ seek (shift ×10)  +/- speed  ↑/↓ scroll  q quit")
	return status + "\n" + help
}

func sessionID(st *stocksim.Status) string {
	if st == nil || st.Session == nil {
		return ""
	}
	return st.Session.ID
}

func clamp(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "REST API base URL")
	flag.Parse()
	if v := os.Getenv("STOCKSIM_ADDR"); v != "" && !isFlagSet("addr") {
		*addr = v
	}

	p := tea.NewProgram(
		initialModel(stocksim.NewClient(*addr)),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
