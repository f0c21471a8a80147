package tui

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// BorderStyle defines the characters used for panel borders.
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
}

// NormalBorder is used for unfocused panels (┌─┐│└┘).
var NormalBorder = BorderStyle{
	TopLeft:     "┌",
	TopRight:    "┐",
	BottomLeft:  "└",
	BottomRight: "┘",
	Horizontal:  "─",
	Vertical:    "│",
}

// FocusedBorder is used for the focused panel (╔═╗║╚╝).
var FocusedBorder = BorderStyle{
	TopLeft:     "╔",
	TopRight:    "╗",
	BottomLeft:  "╚",
	BottomRight: "╝",
	Horizontal:  "═",
	Vertical:    "║",
}

// View handles rendering the model to text.
type View struct {
	swarmPanel    *SwarmPanel
	shardsPanel   *ShardsPanel
	pipelinePanel *PipelinePanel
	requestsPanel *RequestsPanel
	commandPanel  *CommandPanel
}

// NewView creates a View with all panel renderers initialized.
func NewView() *View {
	return &View{
		swarmPanel:    NewSwarmPanel(),
		shardsPanel:   NewShardsPanel(),
		pipelinePanel: NewPipelinePanel(),
		requestsPanel: NewRequestsPanel(),
		commandPanel:  NewCommandPanel(),
	}
}

// RenderPanelWithBorder wraps content in a border titled title. Widths are
// counted in runes so bars and box characters line up.
func RenderPanelWithBorder(content string, title string, focused bool) string {
	border := NormalBorder
	if focused {
		border = FocusedBorder
	}

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	titleWidth := utf8.RuneCountInString(title)

	maxWidth := titleWidth + 4
	for _, line := range lines {
		if w := utf8.RuneCountInString(line); w > maxWidth {
			maxWidth = w
		}
	}
	maxWidth += 2

	var sb strings.Builder

	sb.WriteString(border.TopLeft)
	titlePadding := (maxWidth - titleWidth - 2) / 2
	sb.WriteString(strings.Repeat(border.Horizontal, titlePadding))
	sb.WriteString(" " + title + " ")
	sb.WriteString(strings.Repeat(border.Horizontal, maxWidth-titlePadding-titleWidth-2))
	sb.WriteString(border.TopRight + "\n")

	for _, line := range lines {
		sb.WriteString(border.Vertical + " " + line)
		if padding := maxWidth - utf8.RuneCountInString(line) - 1; padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}
		sb.WriteString(border.Vertical + "\n")
	}

	sb.WriteString(border.BottomLeft)
	sb.WriteString(strings.Repeat(border.Horizontal, maxWidth))
	sb.WriteString(border.BottomRight + "\n")

	return sb.String()
}

// RenderPanel renders one panel, highlighted if it has focus.
func (v *View) RenderPanel(panelType PanelType, model *Model) string {
	var content string

	switch panelType {
	case PanelSwarm:
		content = v.swarmPanel.Render(model.Status)
	case PanelShards:
		content = v.shardsPanel.Render(model.Status)
	case PanelPipeline:
		content = v.pipelinePanel.Render(model.Status)
	case PanelRequests:
		content = v.requestsPanel.Render(model.RecentRequests)
	case PanelCommand:
		content = v.commandPanel.Render(model.CommandInput, model.CommandOutput, model.ErrorMessage)
	default:
		content = "Unknown panel type"
	}

	return RenderPanelWithBorder(content, panelType.String(), model.ActivePanel == panelType)
}

// Render draws every panel, preceded by the node tabs and, when the active
// node is unreachable, the connection status.
func (v *View) Render(model *Model) string {
	var sb strings.Builder

	if len(model.Nodes) > 1 {
		sb.WriteString(v.RenderNodeTabs(model))
		sb.WriteString("\n")
	}
	if !model.Connected {
		sb.WriteString(v.RenderConnectionStatus(model))
		sb.WriteString("\n")
	}

	for p := PanelType(0); p < PanelCount; p++ {
		sb.WriteString(v.RenderPanel(p, model))
	}
	return sb.String()
}

// RenderNodeTabs renders "[1] node1* [2] node2 (down)"; the star marks the
// active node.
func (v *View) RenderNodeTabs(model *Model) string {
	tabs := make([]string, 0, len(model.Nodes))
	for i, id := range model.Nodes {
		tab := fmt.Sprintf("[%d] %s", i+1, id)
		if id == model.ActiveNode {
			tab += "*"
		}
		if h, ok := model.Health[id]; ok && !h.Connected {
			tab += " (down)"
		}
		tabs = append(tabs, tab)
	}
	return "Nodes: " + strings.Join(tabs, "  ")
}

// RenderConnectionStatus renders the disconnected banner with the number of
// reconnection attempts so far.
func (v *View) RenderConnectionStatus(model *Model) string {
	if model.Connected {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("*** DISCONNECTED ***\n")
	if model.ReconnectAttempts > 0 {
		sb.WriteString(fmt.Sprintf("Reconnection attempts: %s (%d)",
			strings.Repeat(".", model.ReconnectAttempts), model.ReconnectAttempts))
	}
	return sb.String()
}
