// Package console is the terminal front end of the exam client: line editing
// with history, command parsing and rendering of the session snapshot.
package console

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#22D3EE")).
			Bold(true)

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A78BFA")).
			Bold(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF"))

	answeredStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#34D399"))

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FBBF24")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FB7185"))
)

// ErrPromptAborted is returned by ReadLine when the user presses Ctrl+C.
var ErrPromptAborted = liner.ErrPromptAborted

// Console reads commands with line editing and a persistent history.
type Console struct {
	line        *liner.State
	historyFile string
}

// New creates a Console. An empty historyFile disables history persistence.
func New(historyFile string) *Console {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &Console{
		line:        line,
		historyFile: historyFile,
	}
	c.loadHistory()
	return c
}

func (c *Console) loadHistory() {
	if c.historyFile == "" {
		return
	}
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadLine reads one line. Non-empty input is added to the history.
func (c *Console) ReadLine(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// ReadSecret reads one line without echo and keeps it out of the history.
func (c *Console) ReadSecret(prompt string) (string, error) {
	return c.line.PasswordPrompt(prompt)
}

func (c *Console) saveHistory() {
	if c.historyFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0o700); err != nil {
		return
	}

	// Owner read/write only.
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	defer f.Close()

	c.line.WriteHistory(f)
}

// Close saves the history and restores the terminal.
func (c *Console) Close() {
	c.saveHistory()
	c.line.Close()
}
