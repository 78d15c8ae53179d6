package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/atm-network/atm-session/internal/cache"
	"github.com/atm-network/atm-session/internal/models"
	"github.com/atm-network/atm-session/internal/session"
)

// Actions is what the dashboard can ask of the session.
type Actions interface {
	Retry() error
	Refresh() error
	Logout()
	Portfolio(ctx context.Context) (models.Portfolio, error)
	ReloadPortfolio(ctx context.Context) (models.Portfolio, error)
}

type Model struct {
	ctx             context.Context
	actions         Actions
	snapshot        session.Snapshot
	portfolio       *models.Portfolio
	portfolioGen    *cache.Generation
	refreshInterval time.Duration
	lastRefresh     time.Time
	now             time.Time
	logs            []string
	spinner         spinner.Model
	progress        progress.Model
	width           int
	height          int
	quit            bool
}

type SessionUpdate struct {
	Snapshot session.Snapshot
}

type LogMessage struct {
	Message string
}

type PortfolioLoaded struct {
	Generation uint64
	Portfolio  models.Portfolio
	Err        error
}

type clockTick time.Time

func NewModel(ctx context.Context, actions Actions, refreshInterval time.Duration) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	pr := progress.New(progress.WithDefaultGradient())

	return Model{
		ctx:             ctx,
		actions:         actions,
		portfolioGen:    &cache.Generation{},
		refreshInterval: refreshInterval,
		now:             time.Now(),
		logs:            []string{},
		spinner:         sp,
		progress:        pr,
		width:           80,
		height:          24,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return clockTick(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		var cmd tea.Cmd
		m, cmd = m.handleKeyMsg(msg)
		if m.quit {
			return m, tea.Quit
		}
		cmds = append(cmds, cmd)

	case tea.WindowSizeMsg:
		m = m.handleWindowSizeMsg(msg)

	case SessionUpdate:
		var cmd tea.Cmd
		m, cmd = m.handleSessionUpdate(msg)
		cmds = append(cmds, cmd)

	case PortfolioLoaded:
		m = m.handlePortfolioLoaded(msg)

	case LogMessage:
		m = m.handleLogMessage(msg)

	case clockTick:
		m.now = time.Time(msg)
		cmds = append(cmds, tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		if progressModel, ok := progressModel.(progress.Model); ok {
			m.progress = progressModel
		}
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) (Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quit = true
		return m, nil
	case "r":
		if err := m.actions.Retry(); err != nil {
			return m.handleLogMessage(LogMessage{Message: fmt.Sprintf("Retry: %v", err)}), nil
		}
		return m.handleLogMessage(LogMessage{Message: "Requesting a new signature..."}), nil
	case "f":
		if err := m.actions.Refresh(); err != nil {
			return m.handleLogMessage(LogMessage{Message: fmt.Sprintf("Refresh: %v", err)}), nil
		}
		m = m.handleLogMessage(LogMessage{Message: "Refreshing balance and portfolio"})
		return m, m.reloadPortfolio()
	case "l":
		m.actions.Logout()
		return m.handleLogMessage(LogMessage{Message: "Logging out"}), nil
	}
	return m, nil
}

func (m Model) handleWindowSizeMsg(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height
	m.progress.Width = msg.Width - 40
	return m
}

func (m Model) handleSessionUpdate(msg SessionUpdate) (Model, tea.Cmd) {
	previous := m.snapshot
	m.snapshot = msg.Snapshot

	if msg.Snapshot.Balance != nil && !msg.Snapshot.Refreshing && previous.Refreshing {
		m.lastRefresh = msg.Snapshot.UpdatedAt
	}

	if previous.State == msg.Snapshot.State {
		if msg.Snapshot.BalanceError != "" && msg.Snapshot.BalanceError != previous.BalanceError {
			m = m.handleLogMessage(LogMessage{Message: "Balance refresh failed: " + msg.Snapshot.BalanceError})
		}
		return m, nil
	}

	m = m.handleLogMessage(LogMessage{Message: fmt.Sprintf("%s %s", getStateIcon(msg.Snapshot.State), describe(msg.Snapshot))})

	switch {
	case msg.Snapshot.State == session.StateAuthenticated:
		return m, m.loadPortfolio()
	case previous.State == session.StateAuthenticated:
		// results of loads for the old session must not show up
		m.portfolioGen.Next()
		m.portfolio = nil
		m.lastRefresh = time.Time{}
	}
	return m, nil
}

func (m Model) loadPortfolio() tea.Cmd {
	return m.fetchPortfolio(m.actions.Portfolio)
}

// reloadPortfolio bypasses the cached aggregate.
func (m Model) reloadPortfolio() tea.Cmd {
	return m.fetchPortfolio(m.actions.ReloadPortfolio)
}

func (m Model) fetchPortfolio(fetch func(context.Context) (models.Portfolio, error)) tea.Cmd {
	gen := m.portfolioGen.Next()
	ctx := m.ctx
	return func() tea.Msg {
		portfolio, err := fetch(ctx)
		return PortfolioLoaded{Generation: gen, Portfolio: portfolio, Err: err}
	}
}

func (m Model) handlePortfolioLoaded(msg PortfolioLoaded) Model {
	if !m.portfolioGen.IsCurrent(msg.Generation) {
		return m
	}
	if msg.Err != nil {
		return m.handleLogMessage(LogMessage{Message: fmt.Sprintf("Portfolio unavailable: %v", msg.Err)})
	}
	portfolio := msg.Portfolio
	m.portfolio = &portfolio
	if len(portfolio.Degraded) > 0 {
		m = m.handleLogMessage(LogMessage{Message: "Portfolio partially loaded, missing " + strings.Join(portfolio.Degraded, ", ")})
	}
	return m
}

func (m Model) handleLogMessage(msg LogMessage) Model {
	m.logs = append(m.logs, fmt.Sprintf("[%s] %s",
		time.Now().Format("15:04:05"), msg.Message))
	if len(m.logs) > 10 {
		m.logs = m.logs[len(m.logs)-10:]
	}
	return m
}

func describe(s session.Snapshot) string {
	switch s.State {
	case session.StateDisconnected:
		return "Wallet disconnected"
	case session.StateConnecting:
		return "Connecting wallet..."
	case session.StateAwaitingSignature:
		return "Waiting for signature from " + truncate(s.Address, 14)
	case session.StateAuthenticated:
		return "Authenticated as " + truncate(s.Address, 14)
	case session.StateAuthFailed:
		return "Authentication failed: " + s.LastError
	}
	return s.State.String()
}

// refreshProgress is the share of the refresh interval elapsed since the
// last balance update.
func (m Model) refreshProgress() float64 {
	if m.lastRefresh.IsZero() || m.refreshInterval <= 0 {
		return 0
	}
	p := float64(m.now.Sub(m.lastRefresh)) / float64(m.refreshInterval)
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func (m Model) View() string {
	if m.quit {
		return "Shutting down...\n"
	}

	var s strings.Builder

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39")).
		MarginBottom(1)

	s.WriteString(headerStyle.Render("ATM Network Session"))
	s.WriteString("\n\n")

	summaryStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	address := m.snapshot.Address
	if address == "" {
		address = "-"
	}
	summary := fmt.Sprintf("Wallet: %s | Chain: %d | Timers: %s",
		address, m.snapshot.ChainID, pendingLabel(m.snapshot))
	s.WriteString(summaryStyle.Render(summary))
	s.WriteString("\n\n")

	sectionStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1).
		Width(m.width - 2)

	var status strings.Builder
	stateStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(getStateColor(m.snapshot.State)))
	stateLine := fmt.Sprintf("%s %-20s", getStateIcon(m.snapshot.State), m.snapshot.State)
	if m.snapshot.State == session.StateAwaitingSignature || m.snapshot.Refreshing {
		stateLine += " " + m.spinner.View()
	}
	status.WriteString(stateStyle.Render(stateLine) + "\n")
	status.WriteString(strings.Repeat("─", 60) + "\n")

	if m.snapshot.LastError != "" {
		errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		status.WriteString(errorStyle.Render("Error: "+m.snapshot.LastError) + "\n")
	}

	if balance := m.snapshot.Balance; balance != nil {
		line := fmt.Sprintf("Balance: %.4f %s (frozen %.4f)", balance.Available, balance.Symbol, balance.Frozen)
		if m.snapshot.BalanceStale {
			line += lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Render("  stale")
		}
		status.WriteString(line + "\n")
		status.WriteString("Next refresh " + m.progress.ViewAs(m.refreshProgress()) + "\n")
	}

	if p := m.portfolio; p != nil {
		status.WriteString(fmt.Sprintf("Assets: %.4f | Income: %.4f (today %.4f) | Withdrawable: %.4f\n",
			p.Overview.TotalAssets, p.Overview.TotalIncome, p.Overview.TodayIncome, p.Overview.Withdrawable))
		if p.WalletBalance != "" {
			status.WriteString("Wallet token balance: " + p.WalletBalance + "\n")
		}
		status.WriteString(fmt.Sprintf("Connections: %d token | %d NFT | %d node\n",
			p.TokenConnections, p.NFTConnections, p.NodeConnections))
	}

	s.WriteString(sectionStyle.Render(status.String()))
	s.WriteString("\n\n")

	logSectionStyle := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(m.width - 2).
		Height(8)

	var logSection strings.Builder
	logSection.WriteString("Recent activity\n")
	for _, log := range m.logs {
		logSection.WriteString(log + "\n")
	}

	s.WriteString(logSectionStyle.Render(logSection.String()))
	s.WriteString("\n\n")

	footerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	footer := "r retry | f refresh | l logout | q quit | Logs: logs/atm-session_*.log"
	s.WriteString(footerStyle.Render(footer))

	return s.String()
}

func pendingLabel(s session.Snapshot) string {
	if s.PendingDisconnect {
		return "disconnecting"
	}
	if s.WithdrawalRefreshPending {
		return "withdrawal refresh"
	}
	if s.State == session.StateAuthenticated {
		return "refresh"
	}
	return "none"
}

func getStateIcon(state session.State) string {
	switch state {
	case session.StateDisconnected:
		return "⏸"
	case session.StateConnecting:
		return "🔌"
	case session.StateAwaitingSignature:
		return "✍️"
	case session.StateAuthenticated:
		return "✅"
	case session.StateAuthFailed:
		return "❌"
	default:
		return "❓"
	}
}

func getStateColor(state session.State) string {
	switch state {
	case session.StateDisconnected:
		return "244"
	case session.StateAuthenticated:
		return "82"
	case session.StateAuthFailed:
		return "196"
	default:
		return "39"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
