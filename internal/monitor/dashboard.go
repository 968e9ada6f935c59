package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/mofsci/internal/orchestrator"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	traceRows       = 8
)

// stageOrder drives the progress bar while a run is in flight.
var stageOrder = []orchestrator.Stage{
	orchestrator.StageProposing,
	orchestrator.StageReviewing,
	orchestrator.StageExecuting,
	orchestrator.StageReporting,
	orchestrator.StageDone,
}

// Model is the BubbleTea model that follows one run.
type Model struct {
	client     *RunClient
	serverURL  string
	runID      string
	interval   time.Duration
	lastUpdate time.Time
	run        RunView
	history    []float64
	err        error
	quitting   bool

	stageProgress progress.Model
}

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard that polls serverURL for runID every interval.
func NewModel(serverURL, runID string, interval time.Duration) Model {
	return Model{
		client:    NewRunClient(serverURL),
		serverURL: serverURL,
		runID:     runID,
		interval:  interval,
		history:   make([]float64, 0, historySize),
		stageProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
	}
}

// statusBadge returns the colored badge for a run status or outcome.
func statusBadge(status string) string {
	switch orchestrator.Outcome(status) {
	case orchestrator.OutcomeCompleted:
		return healthyStyle.Render("✓ COMPLETED")
	case orchestrator.OutcomeRefused:
		return warningStyle.Render("⚠ REFUSED")
	}
	switch status {
	case "", "running", "accepted", "cancelling":
		label := status
		if label == "" {
			label = "waiting"
		}
		return warningStyle.Render("… " + strings.ToUpper(label))
	}
	return errorStyle.Render("✗ " + strings.ToUpper(status))
}

// progressOf returns how far through the stage order a run has got.
func progressOf(view RunView) float64 {
	if view.Finished {
		return 1
	}
	if len(view.Trace) == 0 {
		return 0
	}
	next := view.Trace[len(view.Trace)-1].Next
	for i, stage := range stageOrder {
		if stage == next {
			return float64(i) / float64(len(stageOrder)-1)
		}
	}
	return 0
}

// elapsedHistory returns the per-transition elapsed times in milliseconds.
func elapsedHistory(trace []orchestrator.TraceRecord) []float64 {
	if len(trace) > historySize {
		trace = trace[len(trace)-historySize:]
	}
	history := make([]float64, 0, len(trace))
	for _, rec := range trace {
		history = append(history, float64(rec.Elapsed)/float64(time.Millisecond))
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	spark.PushAll(data)
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type runMsg RunView
type errMsg error

// Init starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchRun(m.client, m.runID),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchRun(client *RunClient, runID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		view, err := client.Fetch(ctx, runID)
		if err != nil {
			return errMsg(err)
		}
		return runMsg(view)
	}
}

// Update handles messages. Polling stops once the run has finished.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchRun(m.client, m.runID)
		}

	case tickMsg:
		if m.run.Finished {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			fetchRun(m.client, m.runID),
		)

	case runMsg:
		m.run = RunView(msg)
		m.history = elapsedHistory(m.run.Trace)
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

func (m Model) renderError() string {
	header := headerStyle.Render("mofsci Run Monitor")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot read run "+m.runID) + "\n"
	content += "\n"
	content += dimStyle.Render("Server: ") + valueStyle.Render(m.serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Please ensure mofscid is running and the run ID is correct.") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m Model) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	content += headerStyle.Render(" mofsci Run Monitor ") + "\n"
	content += fmt.Sprintf("%s   %s   %s\n",
		statusBadge(m.run.Status),
		valueStyle.Render(m.runID),
		dimStyle.Render(lastUpdateStr))

	content += "\n" + sectionStyle.Render("┃ Progress") + "\n"
	stage := "waiting"
	if n := len(m.run.Trace); n > 0 {
		stage = string(m.run.Trace[n-1].Next)
	}
	pct := progressOf(m.run)
	content += labelStyle.Render("  Stage: ") + valueStyle.Render(stage) + "\n"
	content += labelStyle.Render("  ") + m.stageProgress.ViewAs(pct) +
		" " + dimStyle.Render(FormatPercentage(pct)) + "\n"

	content += "\n" + sectionStyle.Render("┃ Transitions") + "\n"
	content += labelStyle.Render("  Count: ") +
		valueStyle.Render(fmt.Sprintf("%d", len(m.run.Trace))) +
		"   " + createSparkline(m.history) + "\n"
	trace := m.run.Trace
	if len(trace) > traceRows {
		trace = trace[len(trace)-traceRows:]
	}
	for _, rec := range trace {
		content += fmt.Sprintf("  %3d %-10s > %-10s %s\n",
			rec.Seq, rec.Stage, rec.Next, dimStyle.Render(FormatElapsed(rec.Elapsed)))
	}

	if snap := m.run.Snapshot; snap != nil {
		content += "\n" + sectionStyle.Render("┃ Outcome") + "\n"
		done, flagged := 0, 0
		for _, out := range snap.StepOutputs {
			done++
			if out.Flagged {
				flagged++
			}
		}
		content += labelStyle.Render("  Plan: ") + valueStyle.Render(strings.Join(snap.Plan, " > ")) + "\n"
		content += labelStyle.Render("  Steps: ") + valueStyle.Render(FormatSteps(done, flagged, len(snap.Plan))) + "\n"
		if !snap.StartedAt.IsZero() && !snap.FinishedAt.IsZero() {
			content += labelStyle.Render("  Took: ") +
				valueStyle.Render(FormatElapsed(snap.FinishedAt.Sub(snap.StartedAt))) + "\n"
		}
		if snap.Detail != "" {
			content += labelStyle.Render("  Detail: ") + dimStyle.Render(snap.Detail) + "\n"
		}
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ")
	if m.run.Finished {
		footer += footerStyle.Render("Finished")
	} else {
		footer += footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	}
	content += "\n" + footer

	return containerStyle.Render(content)
}
