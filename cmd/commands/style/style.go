// Package style colors CLI headings and summaries when writing to a
// terminal.
package style

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	green  = lipgloss.Color("#5FD787")
	yellow = lipgloss.Color("#FFD787")
)

// Palette styles the summary lines around table output. Table rows stay plain so
// tabwriter can align them. The zero Palette renders text unchanged.
type Palette struct {
	styled  bool
	warning lipgloss.Style
	ok      lipgloss.Style
}

// For returns a styled palette only when w is a terminal, so piped
// and redirected output never carries escape codes.
func For(w io.Writer) Palette {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return Palette{}
	}
	return newPalette(lipgloss.NewRenderer(f))
}

func newPalette(r *lipgloss.Renderer) Palette {
	return Palette{
		styled:  true,
		warning: r.NewStyle().Bold(true).Foreground(yellow),
		ok:      r.NewStyle().Foreground(green),
	}
}

func (p Palette) render(style lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return style.Render(text)
}

// Warning renders a line that needs an operator's attention.
func (p Palette) Warning(text string) string { return p.render(p.warning, text) }

// OK renders an all-clear line.
func (p Palette) OK(text string) string { return p.render(p.ok, text) }
