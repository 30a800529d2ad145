package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/killallgit/s24/pkg/session"
)

var (
	systemStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("86")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("170")).Bold(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	labelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func roleLabel(role session.Role) string {
	switch role {
	case session.RoleUser:
		return userStyle.Render("you")
	case session.RoleAssistant:
		return assistantStyle.Render("openclaw")
	default:
		return systemStyle.Render(string(role))
	}
}

// transcriptPrinter writes preview messages incrementally. Each message gets
// a role header once, then only the text appended since the last render.
type transcriptPrinter struct {
	w       io.Writer
	printed map[string]int
	open    string
}

func newTranscriptPrinter(w io.Writer) *transcriptPrinter {
	return &transcriptPrinter{w: w, printed: make(map[string]int)}
}

func (p *transcriptPrinter) render(messages []session.PreviewMessage) {
	for _, m := range messages {
		n, seen := p.printed[m.ID]
		if !seen {
			p.closeOpen()
			fmt.Fprintf(p.w, "%s: ", roleLabel(m.Role))
			p.open = m.ID
		}

		// a shrunken message was rewritten, print it again in full
		if n > len(m.Text) {
			n = 0
			fmt.Fprintln(p.w)
		}

		if text := m.Text[n:]; text != "" {
			if p.open != m.ID {
				p.closeOpen()
				fmt.Fprintf(p.w, "%s: ", roleLabel(m.Role))
				p.open = m.ID
			}
			if m.Phase == session.PhaseError {
				text = errorStyle.Render(text)
			}
			fmt.Fprint(p.w, text)
		}
		p.printed[m.ID] = len(m.Text)
	}
}

func (p *transcriptPrinter) closeOpen() {
	if p.open != "" {
		fmt.Fprintln(p.w)
		p.open = ""
	}
}

// finish terminates the last open line
func (p *transcriptPrinter) finish() {
	p.closeOpen()
}

// reset forgets everything printed, for a cleared transcript
func (p *transcriptPrinter) reset() {
	p.closeOpen()
	p.printed = make(map[string]int)
}

func printSessionSummary(w io.Writer, st session.State) {
	printSessionHeader(w, st)
	if len(st.PreviewMessages) == 0 {
		return
	}
	fmt.Fprintln(w, strings.Repeat("-", 40))
	p := newTranscriptPrinter(w)
	p.render(st.PreviewMessages)
	p.finish()
}

func printSessionHeader(w io.Writer, st session.State) {
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render("status:"), st.Status)
	if st.StartedAt != nil {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("started:"), st.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if st.ErrorMessage != "" {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("error:"), errorStyle.Render(st.ErrorMessage))
	}
}
