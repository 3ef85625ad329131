package cli

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/tOgg1/slurmssh/internal/slurm"
)

var (
	styleGood    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	styleBad     = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	styleActive  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	styleWaiting = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// isTerminal reports whether w is a terminal. Colour is only used then.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func hasTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stderr.Fd()))
}

// colorStatus wraps a status in its colour when color is set.
func colorStatus(status string, color bool) string {
	if !color {
		return status
	}
	switch slurm.Status(status) {
	case slurm.StatusCompleted:
		return styleGood.Render(status)
	case slurm.StatusFailed, slurm.StatusCancelled, slurm.StatusTimeout:
		return styleBad.Render(status)
	case slurm.StatusRunning, slurm.StatusCompleting:
		return styleActive.Render(status)
	case slurm.StatusPending, slurm.StatusUnknown:
		return styleWaiting.Render(status)
	}
	return status
}
