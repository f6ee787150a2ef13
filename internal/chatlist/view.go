package chatlist

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"chatcore/internal/chats"
	"chatcore/internal/storage"
)

var (
	appTitleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	tableBoxStyle   = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).MarginTop(1)
	statusStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle  = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	errorStyle      = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	hintStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	emptyStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true).Padding(1, 2)
)

func columns() []table.Column {
	return []table.Column{
		{Title: "", Width: 2},
		{Title: "Chat", Width: 20},
		{Title: "Last message", Width: 36},
		{Title: "When", Width: 8},
		{Title: "Unread", Width: 6},
		{Title: "Online", Width: 7},
	}
}

func tableStyles() table.Styles {
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("63")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	return styles
}

func summaryRow(summary chats.Summary) table.Row {
	marker := ""
	switch {
	case summary.Pinned:
		marker = "*"
	case summary.Muted:
		marker = "~"
	}
	name := summary.Name
	if name == "" {
		name = summary.PeerID
	}
	preview, when := "", ""
	if last := summary.LastMessage; last != nil {
		preview = truncate(fmt.Sprintf("%s: %s", last.SenderID, last.Content), 36)
		when = last.SentAt.Local().Format("15:04")
	}
	unread := ""
	if summary.Unread > 0 {
		unread = strconv.Itoa(summary.Unread)
	}
	online := ""
	switch {
	case summary.Kind == storage.ChatDirect && summary.OnlineCount > 0:
		online = "online"
	case summary.Kind == storage.ChatGroup:
		online = fmt.Sprintf("%d/%d", summary.OnlineCount, summary.Participants-1)
	}
	return table.Row{marker, name, preview, when, unread, online}
}

func truncate(text string, width int) string {
	text = strings.ReplaceAll(text, "\n", " ")
	runes := []rune(text)
	if len(runes) <= width {
		return text
	}
	return string(runes[:width-1]) + "…"
}

func (model *Model) View() string {
	sections := []string{appTitleStyle.Render("chatcore · " + model.api.userID)}
	if len(model.summaries) == 0 {
		sections = append(sections, tableBoxStyle.Render(emptyStyle.Render("No chats yet")))
	} else {
		sections = append(sections, tableBoxStyle.Render(model.table.View()))
	}
	sections = append(sections, model.statusLine())
	sections = append(sections, hintStyle.Render("enter mark read · p pin/unpin · r refresh · q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) statusLine() string {
	if model.lastErr != nil {
		return errorStyle.Render("error: " + model.lastErr.Error())
	}
	if !model.connected {
		return connectingStyle.Render("connecting…")
	}
	status := "live"
	if !model.updatedAt.IsZero() {
		status += " · updated " + model.updatedAt.Format(time.Kitchen)
	}
	return connectedStyle.Render(status)
}
