package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"stockwatch/internal/config"
	"stockwatch/internal/domain"
	"stockwatch/internal/poller"
	"stockwatch/internal/session"
	"stockwatch/internal/store"
	"stockwatch/internal/util"
	"stockwatch/pkg/stockwatch"
)

// Styles.
var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("4"))
	detailStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("0")).Background(lipgloss.Color("6"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8"))
	symbolStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	watchedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	gainStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	lossStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	staleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	highlightBG  = lipgloss.Color("236")
)

type screen int

const (
	screenWatchlist screen = iota
	screenSearch
	screenDetail
)

// Messages.
type tickMsg time.Time
type watchlistChangedMsg struct{}
type detailChangedMsg struct{ symbol string }

type statusMsg struct {
	text string
	err  error
}

type searchResultMsg struct {
	quote domain.Quote
	err   error
}

type detailMountedMsg struct {
	view *session.DetailView
	err  error
}

type detailExtrasMsg struct {
	symbol string
	chart  *stockwatch.ChartResponse
	news   *stockwatch.NewsResponse
}

// waitChanged converts one store change signal into a message. done stops the
// wait when the owning view goes away.
func waitChanged(ch <-chan struct{}, done <-chan struct{}, msg tea.Msg) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ch:
			return msg
		case <-done:
			return nil
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type model struct {
	ctx     context.Context
	engine  *session.Engine
	client  *stockwatch.Client
	wl      *session.WatchlistView
	journal *store.SnapshotJournal
	logger  *slog.Logger

	screen   screen
	selected int
	status   string
	statusAt time.Time
	now      time.Time

	// Search.
	input   textinput.Model
	result  *domain.Quote
	pending bool

	// Detail.
	detail     *session.DetailView
	detailDone chan struct{}
	chart      *stockwatch.ChartResponse
	news       *stockwatch.NewsResponse

	viewport      viewport.Model
	ready         bool
	width, height int
	lastFlush     time.Time
}

func initialModel(ctx context.Context, engine *session.Engine, client *stockwatch.Client, wl *session.WatchlistView, journal *store.SnapshotJournal, logger *slog.Logger) model {
	ti := textinput.New()
	ti.Placeholder = "AAPL"
	ti.CharLimit = 7
	ti.Prompt = "symbol> "
	return model{
		ctx:       ctx,
		engine:    engine,
		client:    client,
		wl:        wl,
		journal:   journal,
		logger:    logger,
		input:     ti,
		now:       time.Now(),
		lastFlush: time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitChanged(m.wl.Store().Changed(), nil, watchlistChangedMsg{}))
}

func (m *model) setStatus(text string, err error) {
	if err != nil {
		text = text + ": " + err.Error()
		m.logger.Warn(text)
	}
	m.status = text
	m.statusAt = m.now
}

func (m *model) refresh() {
	if m.ready {
		m.viewport.SetContent(m.renderContent())
	}
}

func (m *model) closeDetail() {
	if m.detail == nil {
		return
	}
	m.detail.Unmount()
	close(m.detailDone)
	m.detail = nil
	m.chart = nil
	m.news = nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.closeDetail()
			return m, tea.Quit
		}
		switch m.screen {
		case screenSearch:
			return m.updateSearch(msg)
		case screenDetail:
			return m.updateDetail(msg)
		default:
			return m.updateWatchlist(msg)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := m.height - 2
		if vpHeight < 1 {
			vpHeight = 1
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, vpHeight)
			m.viewport.MouseWheelEnabled = true
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = vpHeight
		}
		m.refresh()
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		if m.status != "" && m.now.Sub(m.statusAt) > 5*time.Second {
			m.status = ""
		}
		if m.journal != nil && m.now.Sub(m.lastFlush) >= time.Minute {
			m.lastFlush = m.now
			if err := m.journal.Flush(m.ctx); err != nil {
				m.logger.Error("flushing snapshot journal", "error", err)
			}
		}
		m.refresh()
		return m, tickCmd()

	case watchlistChangedMsg:
		if n := m.wl.Store().Len(); m.selected >= n {
			m.selected = max(n-1, 0)
		}
		m.refresh()
		return m, waitChanged(m.wl.Store().Changed(), nil, watchlistChangedMsg{})

	case detailChangedMsg:
		if m.detail == nil || m.detail.Symbol() != msg.symbol {
			return m, nil
		}
		m.refresh()
		return m, waitChanged(m.detail.Store().Changed(), m.detailDone, msg)

	case detailMountedMsg:
		if msg.err != nil {
			m.screen = screenWatchlist
			m.setStatus("open detail", msg.err)
			m.refresh()
			return m, nil
		}
		if m.screen != screenDetail {
			msg.view.Unmount()
			return m, nil
		}
		m.detail = msg.view
		m.detailDone = make(chan struct{})
		m.refresh()
		m.viewport.GotoTop()
		sym := msg.view.Symbol()
		return m, tea.Batch(
			waitChanged(msg.view.Store().Changed(), m.detailDone, detailChangedMsg{symbol: sym}),
			m.loadExtras(sym),
		)

	case detailExtrasMsg:
		if m.detail != nil && m.detail.Symbol() == msg.symbol {
			m.chart = msg.chart
			m.news = msg.news
			m.refresh()
		}
		return m, nil

	case searchResultMsg:
		m.pending = false
		if msg.err != nil {
			m.result = nil
			m.setStatus("search", msg.err)
		} else {
			q := msg.quote
			m.result = &q
		}
		m.refresh()
		return m, nil

	case statusMsg:
		m.setStatus(msg.text, msg.err)
		m.refresh()
		return m, nil
	}

	if m.screen == screenSearch {
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) updateWatchlist(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	entries := m.wl.Store().Snapshot()
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.selected < len(entries)-1 {
			m.selected++
		}
	case "/", "s":
		m.screen = screenSearch
		m.result = nil
		m.input.SetValue("")
		m.input.Focus()
		m.refresh()
		return m, textinput.Blink
	case "r":
		wl, ctx := m.wl, m.ctx
		return m, func() tea.Msg {
			switch wl.Refresh(ctx) {
			case poller.OutcomeSuppressed, poller.OutcomeRateLimited:
				return statusMsg{text: "refresh postponed, rate limited"}
			case poller.OutcomeFailed:
				return statusMsg{text: "refresh failed"}
			}
			return statusMsg{text: "refreshed"}
		}
	case "d", "delete", "backspace":
		if len(entries) == 0 {
			return m, nil
		}
		sym := entries[m.selected].Symbol
		wl, ctx := m.wl, m.ctx
		return m, func() tea.Msg {
			if err := wl.Remove(ctx, sym); err != nil {
				return statusMsg{text: "remove " + sym, err: err}
			}
			return statusMsg{text: "removed " + sym}
		}
	case "C":
		wl, ctx := m.wl, m.ctx
		return m, func() tea.Msg {
			res, err := wl.Clear(ctx)
			if err != nil {
				return statusMsg{text: fmt.Sprintf("clear kept %s", strings.Join(res.Failed, ",")), err: err}
			}
			return statusMsg{text: fmt.Sprintf("cleared %d symbols", len(res.Removed))}
		}
	case "enter":
		if len(entries) == 0 {
			return m, nil
		}
		return m, m.openDetail(entries[m.selected].Symbol)
	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	m.refresh()
	return m, nil
}

func (m model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.screen = screenWatchlist
		m.input.Blur()
		m.refresh()
		return m, nil
	case "enter":
		if m.result != nil && strings.EqualFold(m.input.Value(), m.result.Symbol) {
			return m, m.openDetail(m.result.Symbol)
		}
		if m.pending {
			return m, nil
		}
		m.pending = true
		engine, ctx, sym := m.engine, m.ctx, m.input.Value()
		m.refresh()
		return m, func() tea.Msg {
			q, err := engine.Search(ctx, sym)
			return searchResultMsg{quote: q, err: err}
		}
	case "ctrl+a":
		if m.result == nil {
			return m, nil
		}
		q := *m.result
		wl, ctx := m.wl, m.ctx
		return m, func() tea.Msg {
			if err := wl.Add(ctx, q.Symbol, q.Name); err != nil {
				return statusMsg{text: "add " + q.Symbol, err: err}
			}
			return statusMsg{text: "added " + q.Symbol}
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.refresh()
	return m, cmd
}

func (m model) updateDetail(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		m.closeDetail()
		return m, tea.Quit
	case "esc", "left":
		m.closeDetail()
		m.screen = screenWatchlist
		m.refresh()
		return m, nil
	case " ", "w":
		if m.detail == nil {
			return m, nil
		}
		d, ctx := m.detail, m.ctx
		if d.Store().InWatchlist() {
			return m, func() tea.Msg {
				if err := d.RemoveFromWatchlist(ctx); err != nil {
					return statusMsg{text: "remove " + d.Symbol(), err: err}
				}
				return statusMsg{text: "removed " + d.Symbol()}
			}
		}
		return m, func() tea.Msg {
			if err := d.AddToWatchlist(ctx); err != nil {
				return statusMsg{text: "add " + d.Symbol(), err: err}
			}
			return statusMsg{text: "added " + d.Symbol()}
		}
	case "r":
		if m.detail == nil {
			return m, nil
		}
		d, ctx := m.detail, m.ctx
		return m, func() tea.Msg {
			d.Refresh(ctx)
			return statusMsg{text: "refreshed " + d.Symbol()}
		}
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *model) openDetail(symbol string) tea.Cmd {
	m.input.Blur()
	m.screen = screenDetail
	m.refresh()
	engine, ctx := m.engine, m.ctx
	return func() tea.Msg {
		v, err := engine.MountDetail(ctx, symbol)
		return detailMountedMsg{view: v, err: err}
	}
}

// loadExtras fetches the chart and headlines once per detail mount. Either may
// fail without affecting the price display.
func (m *model) loadExtras(symbol string) tea.Cmd {
	client, ctx, logger := m.client, m.ctx, m.logger
	return func() tea.Msg {
		out := detailExtrasMsg{symbol: symbol}
		var err error
		if out.chart, err = client.Chart(ctx, symbol); err != nil {
			logger.Warn("loading chart", "symbol", symbol, "error", err)
		}
		if out.news, err = client.News(ctx, symbol); err != nil {
			logger.Warn("loading news", "symbol", symbol, "error", err)
		}
		return out
	}
}

func (m model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var header, footer string
	switch m.screen {
	case screenDetail:
		sym := "..."
		if m.detail != nil {
			sym = m.detail.Symbol()
		}
		header = detailStyle.Render(padOrTrunc(fmt.Sprintf(" %s    %s ", sym, m.now.Format("15:04:05")), m.width))
		footer = " esc back  space/w watch  r refresh  q quit"
	case screenSearch:
		header = headerStyle.Render(padOrTrunc(" Search ", m.width))
		footer = " enter search/open  ctrl+a add  esc back"
	default:
		sched := m.wl.Scheduler()
		headerText := fmt.Sprintf(" Watchlist  %d symbols    %s    poll: %s ",
			m.wl.Store().Len(), m.now.Format("15:04:05"), sched.Phase())
		header = headerStyle.Render(padOrTrunc(headerText, m.width))
		footer = " q quit  / search  enter detail  d remove  C clear  r refresh"
	}
	if m.status != "" {
		footer += "    " + m.status
	}
	return header + "\n" + m.viewport.View() + "\n" + footerStyle.Render(padOrTrunc(footer, m.width))
}

func (m model) renderContent() string {
	var b strings.Builder
	switch m.screen {
	case screenSearch:
		m.renderSearch(&b)
	case screenDetail:
		m.renderDetail(&b)
	default:
		m.renderWatchlist(&b)
	}
	return b.String()
}

func (m model) renderWatchlist(b *strings.Builder) {
	st := m.wl.Store()
	if since := st.StaleSince(); !since.IsZero() {
		b.WriteString(staleStyle.Render(fmt.Sprintf(" prices stale since %s", since.Format("15:04:05"))))
		b.WriteString("\n")
	}
	entries := st.Snapshot()
	if len(entries) == 0 {
		b.WriteString(dimStyle.Render(" watchlist is empty, press / to search"))
		return
	}
	b.WriteString(dimStyle.Render(fmt.Sprintf(" %-8s %-28s %10s %9s %8s", "SYMBOL", "NAME", "PRICE", "CHG", "CHG%")))
	b.WriteString("\n")
	for i, e := range entries {
		hl := i == m.selected
		line := fmt.Sprintf(" %s %s %s %s %s",
			hlStyle(symbolStyle, hl).Render(fmt.Sprintf("%-8s", e.Symbol)),
			hlStyle(lipgloss.NewStyle(), hl).Render(fmt.Sprintf("%-28s", padOrTrunc(e.CompanyName, 28))),
			hlStyle(lipgloss.NewStyle(), hl).Render(fmt.Sprintf("%10s", fixed(e.LastKnownPrice))),
			changeCell(e.LastKnownChange, 9, hl),
			changeCell(e.LastKnownChangePercent, 8, hl),
		)
		if kind, ok := st.Pending(e.Symbol); ok {
			line += dimStyle.Render(" " + string(kind) + "...")
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func (m model) renderSearch(b *strings.Builder) {
	b.WriteString(" ")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	if m.pending {
		b.WriteString(dimStyle.Render(" searching..."))
		return
	}
	if m.result == nil {
		return
	}
	q := m.result
	style := symbolStyle
	if m.wl.Store().Contains(q.Symbol) {
		style = watchedStyle
	}
	fmt.Fprintf(b, " %s  %s\n", style.Render(q.Symbol), q.Name)
	fmt.Fprintf(b, " %s  %s  %s\n", q.Price.StringFixed(2),
		changeCell(decimal.NewNullDecimal(q.PriceChange), 0, false),
		changeCell(decimal.NewNullDecimal(q.PriceChangePercent), 0, false)+"%")
}

func (m model) renderDetail(b *strings.Builder) {
	if m.detail == nil {
		b.WriteString(dimStyle.Render(" loading..."))
		return
	}
	st := m.detail.Store()
	style := symbolStyle
	watched := "not in watchlist"
	if st.InWatchlist() {
		style = watchedStyle
		watched = "in watchlist"
	}
	fmt.Fprintf(b, " %s  %s  %s\n", style.Render(st.Symbol()), st.CompanyName(), dimStyle.Render(watched))
	if snap, ok := st.Latest(); ok {
		fmt.Fprintf(b, " %s  %s  %s%%  %s\n", snap.Price.StringFixed(2),
			changeCell(decimal.NewNullDecimal(snap.Change), 0, false),
			changeCell(decimal.NewNullDecimal(snap.ChangePercent), 0, false),
			dimStyle.Render("as of "+snap.FetchedAt.Format("15:04:05")))
	} else {
		b.WriteString(dimStyle.Render(" waiting for first quote"))
		b.WriteString("\n")
	}
	if since := st.StaleSince(); !since.IsZero() {
		b.WriteString(staleStyle.Render(" stale since " + since.Format("15:04:05")))
		b.WriteString("\n")
	}
	if rl := m.detail.Scheduler().RateLimitState(); !rl.CooldownUntil.IsZero() && rl.CooldownUntil.After(m.now) {
		b.WriteString(errStyle.Render(fmt.Sprintf(" rate limited for %s", rl.CooldownUntil.Sub(m.now).Round(time.Second))))
		b.WriteString("\n")
	}

	if m.chart != nil && len(m.chart.Bars) > 0 {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf(" %-10s %9s %9s %9s %9s %12s", "DATE", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")))
		b.WriteString("\n")
		bars := m.chart.Bars
		if len(bars) > 10 {
			bars = bars[len(bars)-10:]
		}
		for _, bar := range bars {
			fmt.Fprintf(b, " %-10s %9.2f %9.2f %9.2f %9.2f %12d\n",
				bar.Time.Format("2006-01-02"), bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
		}
	}
	if m.news != nil && len(m.news.Articles) > 0 {
		b.WriteString("\n")
		for _, a := range m.news.Articles {
			fmt.Fprintf(b, " %s %s %s\n",
				dimStyle.Render(a.Time.Local().Format("01-02 15:04")),
				dimStyle.Render("["+a.Source+"]"),
				padOrTrunc(a.Headline, max(m.width-22, 20)))
		}
	}
}

// hlStyle returns a copy of s with the highlight background applied when hl is true.
func hlStyle(s lipgloss.Style, hl bool) lipgloss.Style {
	if hl {
		return s.Background(highlightBG)
	}
	return s
}

func fixed(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

func changeCell(d decimal.NullDecimal, width int, hl bool) string {
	text, style := "-", dimStyle
	if d.Valid {
		text = d.Decimal.StringFixed(2)
		switch {
		case d.Decimal.IsPositive():
			text, style = "+"+text, gainStyle
		case d.Decimal.IsNegative():
			style = lossStyle
		}
	}
	if width > 0 {
		text = fmt.Sprintf("%*s", width, text)
	}
	return hlStyle(style, hl).Render(text)
}

func padOrTrunc(s string, width int) string {
	if len(s) > width {
		return s[:width]
	}
	return s + strings.Repeat(" ", width-len(s))
}

func main() {
	cfg, err := config.Load(os.Getenv("STOCKWATCH_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logPath := cfg.Logging.File
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), fmt.Sprintf("stockwatch-%s.log", time.Now().Format("2006-01-02")))
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := util.NewLoggerTo(logFile, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	var journal *store.SnapshotJournal
	var recorder poller.Recorder
	if cfg.Storage.Journal {
		journal = store.NewSnapshotJournal(cfg.Storage.DataDir)
		recorder = journal
		logger.Info("snapshot journal enabled", "dir", cfg.Storage.DataDir)
	}

	client := stockwatch.NewClient(cfg.Client.BaseURL,
		stockwatch.WithAuth(stockwatch.BearerToken(cfg.Client.Token)),
		stockwatch.WithTimeout(cfg.Client.CallTimeout),
	)
	var calendar *util.TradingCalendar
	if cfg.Polling.MarketHours {
		calendar = util.NewTradingCalendar()
	}
	engine := session.New(session.Options{
		API:      client,
		Polling:  cfg.Polling,
		Mutation: cfg.Mutation,
		Calendar: calendar,
		Recorder: recorder,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wl, err := engine.MountWatchlist(ctx)
	if err != nil {
		var rl *stockwatch.RateLimitError
		if errors.As(err, &rl) {
			fmt.Fprintf(os.Stderr, "server is rate limiting this client, try again in %s\n", rl.RetryAfter)
		} else {
			fmt.Fprintf(os.Stderr, "loading watchlist: %v\n", err)
		}
		os.Exit(1)
	}

	p := tea.NewProgram(
		initialModel(ctx, engine, client, wl, journal, logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	_, runErr := p.Run()
	engine.Close()
	if journal != nil {
		if err := journal.Flush(context.Background()); err != nil {
			logger.Error("flushing snapshot journal", "error", err)
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}
