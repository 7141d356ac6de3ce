package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/qua-platform/qualibrate-console/pkg/console"
	"github.com/qua-platform/qualibrate-console/pkg/graph"
	"github.com/qua-platform/qualibrate-console/pkg/runstatus"
	"github.com/qua-platform/qualibrate-console/pkg/session"
)

const (
	redrawRate   = 500 * time.Millisecond
	progressCols = 30
	errorsHeight = 8
)

// Styles
var (
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	currentStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Bold(true).
			Padding(0, 1)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
)

type itemKind int

const (
	itemWorkflow itemKind = iota
	itemNode
	itemStandalone
)

// levelItem is one row of the level list: a workflow, a node of the current
// graph level, or a standalone node.
type levelItem struct {
	kind      itemKind
	key       string
	label     string
	status    string
	loops     []string
	container bool
	overrides []string
	nodes     int
}

func (i levelItem) Title() string {
	title := i.label
	if i.container {
		title += " ▸"
	}
	if i.status != "" {
		title += "  [" + i.status + "]"
	}
	return title
}

func (i levelItem) Description() string {
	var parts []string
	switch i.kind {
	case itemWorkflow:
		parts = append(parts, fmt.Sprintf("workflow · %d nodes", i.nodes))
	case itemStandalone:
		parts = append(parts, "node")
	}
	if len(i.loops) > 0 {
		parts = append(parts, "loop "+strings.Join(i.loops, " "))
	}
	if len(i.overrides) > 0 {
		parts = append(parts, "edited: "+strings.Join(i.overrides, ", "))
	}
	return strings.Join(parts, " · ")
}

func (i levelItem) FilterValue() string { return i.key + " " + i.label }

type tickMsg time.Time

type refreshTickMsg struct{}

type refreshedMsg struct{ err error }

type submittedMsg struct {
	target string
	runID  string
	err    error
}

type model struct {
	sess    *session.Session
	ctx     context.Context
	refresh time.Duration
	now     func() time.Time

	spinner  spinner.Model
	list     list.Model
	errors   viewport.Model
	help     help.Model
	keys     keyMap
	showErrs bool

	flash    string
	lastLoad error
	width    int
	ready    bool
}

func newModel(ctx context.Context, sess *session.Session, refresh time.Duration) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 80, 20)
	l.Title = "Workflows"
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()

	vp := viewport.New(80, errorsHeight)
	vp.Style = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("196")).
		PaddingRight(2)

	m := model{
		sess:    sess,
		ctx:     ctx,
		refresh: refresh,
		now:     time.Now,
		spinner: s,
		list:    l,
		errors:  vp,
		help:    help.New(),
		keys:    defaultKeyMap(),
		width:   80,
	}
	m.sync()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.reload(),
		tick(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Errors):
			m.showErrs = !m.showErrs
			m.sync()
			return m, nil
		case key.Matches(msg, m.keys.Reload):
			m.flash = "reloading…"
			return m, m.reload()
		case key.Matches(msg, m.keys.Enter):
			m.open()
			return m, nil
		case key.Matches(msg, m.keys.Back):
			m.back()
			return m, nil
		case key.Matches(msg, m.keys.Crumb):
			m.jump(int(msg.String()[0] - '0'))
			return m, nil
		case key.Matches(msg, m.keys.Toggle):
			m.toggle()
			return m, nil
		case key.Matches(msg, m.keys.Run):
			return m, m.run()
		}
		if m.showErrs {
			m.errors, cmd = m.errors.Update(msg)
			cmds = append(cmds, cmd)
		}
		m.list, cmd = m.list.Update(msg)
		cmds = append(cmds, cmd)
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		m.sync()
		cmds = append(cmds, tick())

	case refreshTickMsg:
		cmds = append(cmds, m.reload())

	case refreshedMsg:
		m.lastLoad = msg.err
		m.ready = true
		if msg.err != nil {
			m.flash = "reload incomplete, press e for details"
		} else if m.flash == "reloading…" {
			m.flash = ""
		}
		m.sync()
		cmds = append(cmds, tea.Tick(m.refresh, func(time.Time) tea.Msg { return refreshTickMsg{} }))

	case submittedMsg:
		var rej *runstatus.ResponseStatusError
		switch {
		case errors.As(msg.err, &rej):
			m.flash = fmt.Sprintf("%s rejected: %s", msg.target, rej.Message)
		case msg.err != nil:
			m.flash = fmt.Sprintf("%s failed: %v", msg.target, msg.err)
		default:
			m.flash = fmt.Sprintf("%s submitted as run %s", msg.target, msg.runID)
		}
		m.sync()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.list.SetSize(msg.Width-2, max(msg.Height-14, 5))
		m.errors.Width = msg.Width - 2
		m.help.Width = msg.Width
		m.ready = true
	}

	return m, tea.Batch(cmds...)
}

func (m model) store() *console.Store {
	return m.sess.Store
}

func (m model) highlighted() (levelItem, bool) {
	it, ok := m.list.SelectedItem().(levelItem)
	return it, ok
}

func (m *model) open() {
	it, ok := m.highlighted()
	if !ok {
		return
	}
	switch {
	case it.kind == itemWorkflow:
		m.store().Dispatch(console.SelectWorkflow{Name: it.key})
		m.list.Select(0)
	case it.container:
		m.store().Dispatch(console.EnterSubgraph{Key: graph.NodeKey(it.key)})
		m.list.Select(0)
	default:
		m.store().Dispatch(console.SelectNode{Key: graph.NodeKey(it.key)})
	}
	m.sync()
}

func (m *model) back() {
	if crumbs := m.store().CrumbPath(); len(crumbs) > 0 {
		m.store().Dispatch(console.BreadcrumbClick{Index: len(crumbs) - 1})
	} else if selected, _ := m.store().Selected(); selected != "" {
		m.store().Dispatch(console.SelectWorkflow{Name: ""})
	}
	m.list.Select(0)
	m.sync()
}

func (m *model) jump(index int) {
	if selected, _ := m.store().Selected(); selected == "" {
		return
	}
	m.store().Dispatch(console.BreadcrumbClick{Index: index})
	m.sync()
}

// toggle flips the first boolean parameter of the highlighted node.
func (m *model) toggle() {
	it, ok := m.highlighted()
	if !ok || it.kind == itemWorkflow || it.container {
		return
	}
	node := m.nodeFor(it)
	if node == nil {
		return
	}
	keys := make([]string, 0, len(node.Parameters))
	for k, p := range node.Parameters {
		if p.Type == graph.ParamBoolean {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		m.flash = fmt.Sprintf("%s has no flags", it.label)
		return
	}
	sort.Strings(keys)
	if err := m.store().Dispatch(console.ToggleParameter{Node: graph.NodeKey(it.key), Key: keys[0]}); err != nil {
		m.flash = err.Error()
		return
	}
	v, _ := m.store().EffectiveValue(graph.NodeKey(it.key), keys[0])
	m.flash = fmt.Sprintf("%s.%s = %v", it.key, keys[0], v)
	m.sync()
}

func (m model) nodeFor(it levelItem) *graph.GraphNode {
	if it.kind == itemStandalone {
		nodes, _ := m.store().Nodes()
		return nodes[it.key]
	}
	return m.store().CurrentGraph().Node(graph.NodeKey(it.key))
}

// run submits the selected workflow, or the highlighted standalone node when
// no workflow is open.
func (m *model) run() tea.Cmd {
	sess, ctx := m.sess, m.ctx
	if selected, _ := m.store().Selected(); selected != "" {
		m.flash = "submitting " + selected + "…"
		return func() tea.Msg {
			res, err := sess.SubmitWorkflow(ctx, selected)
			return submittedMsg{target: selected, runID: res.JobID, err: err}
		}
	}
	it, ok := m.highlighted()
	if !ok || it.kind != itemStandalone {
		m.flash = "open a workflow or highlight a node to run"
		return nil
	}
	m.store().Dispatch(console.SelectNode{Key: graph.NodeKey(it.key)})
	m.flash = "submitting " + it.key + "…"
	return func() tea.Msg {
		res, err := sess.Submit(ctx, graph.NodeKey(it.key))
		return submittedMsg{target: it.key, runID: res.JobID, err: err}
	}
}

func (m model) reload() tea.Cmd {
	sess, ctx := m.sess, m.ctx
	return func() tea.Msg {
		return refreshedMsg{err: sess.Refresh(ctx)}
	}
}

// sync rebuilds the list and the error pane from the store.
func (m *model) sync() {
	st := m.store()
	selected, _ := st.Selected()
	var items []list.Item

	if selected == "" {
		m.list.Title = "Workflows"
		graphs, _ := st.Graphs()
		for _, name := range st.WorkflowNames() {
			items = append(items, levelItem{kind: itemWorkflow, key: name, label: name, nodes: len(graphs[name].Nodes)})
		}
		nodes, _ := st.Nodes()
		names := make([]string, 0, len(nodes))
		for name := range nodes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			items = append(items, levelItem{
				kind:      itemStandalone,
				key:       name,
				label:     nodes[name].Label,
				overrides: st.Overridden(graph.NodeKey(name)),
			})
		}
	} else if g := st.CurrentGraph(); g != nil {
		m.list.Title = selected
		for _, n := range g.OrderedNodes() {
			items = append(items, levelItem{
				kind:      itemNode,
				key:       string(n.ID),
				label:     firstNonEmpty(n.Label, string(n.ID)),
				status:    st.NodeStatus(n.ID),
				loops:     n.LoopLabels(),
				container: n.IsContainer(),
				overrides: st.Overridden(n.ID),
			})
		}
	}
	m.list.SetItems(items)
	m.errors.SetContent(m.errorReport())
}

func (m model) errorReport() string {
	st := m.store()
	var sb strings.Builder
	if _, err := st.Graphs(); err != nil {
		fmt.Fprintf(&sb, "graphs:\n%v\n\n", err)
	}
	if _, err := st.Nodes(); err != nil {
		fmt.Fprintf(&sb, "nodes:\n%v\n\n", err)
	}
	if m.lastLoad != nil {
		fmt.Fprintf(&sb, "last reload:\n%v\n\n", m.lastLoad)
	}
	info := st.RunStatus()
	if info.SubmitError != nil {
		fmt.Fprintf(&sb, "submission of %s:\n%v\n\n", info.Target, info.SubmitError)
	}
	if it, ok := m.highlighted(); ok {
		if rej := st.SubmissionError(it.key); rej != nil && rej != info.SubmitError {
			fmt.Fprintf(&sb, "submission of %s:\n%v\n\n", it.key, rej)
		}
	}
	if info.Error != nil {
		fmt.Fprintf(&sb, "run %s:\n%v\n", info.RunID, info.Error)
		for _, line := range info.Error.Traceback {
			sb.WriteString(line + "\n")
		}
	}
	if sb.Len() == 0 {
		return subtleStyle.Render("No errors.")
	}
	return sb.String()
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting to %s…", m.spinner.View(), m.sess.Client.Endpoint())
	}
	now := m.now()
	st := m.store()
	var sections []string

	if banner := st.Banner(now); banner != "" {
		sections = append(sections, bannerStyle.Render(banner))
	}

	_, project := st.Projects()
	header := titleStyle.Render(fmt.Sprintf("%s Qualibrate", m.spinner.View()))
	if project != "" {
		header += subtleStyle.Render("  project " + project)
	}
	if st.Connection(now).Connected {
		header += "  " + okStyle.Render("● live")
	}
	sections = append(sections, header)

	if crumbs := renderCrumbs(st.Breadcrumbs()); crumbs != "" {
		sections = append(sections, crumbs)
	}
	sections = append(sections, m.list.View())
	sections = append(sections, paneStyle.Width(max(m.width-4, 20)).Render(renderRun(st.RunStatus(), now)))
	if m.showErrs {
		sections = append(sections, m.errors.View())
	}
	if m.flash != "" {
		sections = append(sections, subtleStyle.Render(m.flash))
	}
	sections = append(sections, m.help.View(m.keys))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderCrumbs(crumbs []console.Crumb) string {
	if len(crumbs) == 0 {
		return ""
	}
	parts := make([]string, len(crumbs))
	for i, c := range crumbs {
		label := fmt.Sprintf("%d:%s", c.Index, c.Label)
		if c.Current {
			label = currentStyle.Render(label)
		} else {
			label = subtleStyle.Render(label)
		}
		parts[i] = label
	}
	return strings.Join(parts, subtleStyle.Render(" › "))
}

func renderRun(info runstatus.Info, now time.Time) string {
	if info.Phase == runstatus.PhaseIdle && info.SubmitError == nil {
		return subtleStyle.Render("No run.")
	}
	style := runningStyle
	switch info.Phase {
	case runstatus.PhaseFinished:
		style = okStyle
	case runstatus.PhaseError:
		style = errorStyle
	}
	if info.Phase == runstatus.PhaseIdle {
		style = errorStyle
	}

	var sb strings.Builder
	sb.WriteString(style.Render(strings.ToUpper(string(info.Phase))))
	if info.Target != "" {
		sb.WriteString("  " + info.Target)
	}
	if info.RunID != "" {
		sb.WriteString(subtleStyle.Render("  run " + info.RunID))
	}
	sb.WriteString("\n")
	sb.WriteString(progressBar(info.Percentage, progressCols))
	fmt.Fprintf(&sb, " %3.0f%%  %d/%d nodes", info.Percentage, info.FinishedNodes, info.TotalNodes)
	if d := info.Elapsed(now); d > 0 {
		sb.WriteString("  " + d.Round(time.Second).String())
	}
	if info.ActiveNode != "" && !info.Phase.Terminal() {
		sb.WriteString("\nactive: " + info.ActiveNode)
	}
	if info.Error != nil {
		sb.WriteString("\n" + errorStyle.Render(info.Error.Error()))
	} else if info.SubmitError != nil {
		sb.WriteString("\n" + errorStyle.Render(info.SubmitError.Error()))
	}
	return sb.String()
}

func progressBar(pct float64, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := int(pct / 100 * float64(width))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func tick() tea.Cmd {
	return tea.Tick(redrawRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
