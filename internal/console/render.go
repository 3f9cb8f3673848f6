package console

import (
	"fmt"
	"strings"

	"github.com/stemsi/exstem-client/internal/model"
)

// FormatRemaining renders seconds as mm:ss, or h:mm:ss from one hour up.
func FormatRemaining(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, (seconds/60)%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// Prompt renders the input prompt with the time left.
func Prompt(subjectID string, remaining int) string {
	clock := FormatRemaining(remaining)
	if remaining <= 60 {
		clock = warningStyle.Render(clock)
	}
	return promptStyle.Render(subjectID) + " " + clock + promptStyle.Render(" > ")
}

// RenderQuestion renders the current question with its options.
func RenderQuestion(snap model.SessionSnapshot) string {
	if len(snap.Questions) == 0 {
		return infoStyle.Render("No questions.")
	}
	idx := snap.CurrentIndex
	if idx < 0 || idx >= len(snap.Questions) {
		idx = 0
	}
	q := snap.Questions[idx]

	var b strings.Builder
	header := fmt.Sprintf("Question %d of %d", idx+1, len(snap.Questions))
	if snap.Flagged[q.ID] {
		header += " " + flagStyle.Render("[flagged]")
	}
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n")
	b.WriteString(q.Prompt)
	b.WriteString("\n")

	selected, answered := snap.Answers[q.ID]
	for i, opt := range q.Options {
		line := fmt.Sprintf("  %s. %s", OptionLabel(i), opt)
		if answered && selected == i {
			line = answeredStyle.Render("> " + strings.TrimPrefix(line, "  "))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// RenderOverview renders one cell per question: answered, flagged or open.
func RenderOverview(snap model.SessionSnapshot) string {
	cells := make([]string, 0, len(snap.Questions))
	answered := 0
	for i, q := range snap.Questions {
		mark := "."
		if _, ok := snap.Answers[q.ID]; ok {
			mark = "x"
			answered++
		}
		cell := fmt.Sprintf("%d%s", i+1, mark)
		switch {
		case snap.Flagged[q.ID]:
			cell = flagStyle.Render(cell + "!")
		case mark == "x":
			cell = answeredStyle.Render(cell)
		}
		if i == snap.CurrentIndex {
			cell = "[" + cell + "]"
		}
		cells = append(cells, cell)
	}
	summary := infoStyle.Render(fmt.Sprintf("%d/%d answered", answered, len(snap.Questions)))
	return strings.Join(cells, " ") + "\n" + summary + "\n"
}

// RenderResult renders a grading result.
func RenderResult(res *model.GradingResult) string {
	if res == nil {
		return infoStyle.Render("Submitted.") + "\n"
	}
	return titleStyle.Render(fmt.Sprintf("Score %.1f", res.Score)) +
		infoStyle.Render(fmt.Sprintf(" (%d of %d correct)", res.Correct, res.Total)) + "\n"
}

// RenderError renders an error line.
func RenderError(err error) string {
	return errorStyle.Render("! "+err.Error()) + "\n"
}

// RenderWarning renders a warning line.
func RenderWarning(msg string) string {
	return warningStyle.Render(msg) + "\n"
}

// RenderInfo renders a secondary line.
func RenderInfo(msg string) string {
	return infoStyle.Render(msg) + "\n"
}

// Help lists the console commands.
func Help() string {
	rows := [][2]string{
		{"a <n> <opt>", "answer question n with option opt (letter or number)"},
		{"f <n>", "flag or unflag question n for review"},
		{"g <n>, <n>", "go to question n"},
		{"n, p", "next or previous question"},
		{"l", "show the current question"},
		{"o", "overview of all questions"},
		{"s", "submit the attempt"},
		{":reload", "restart the client in place, keeping the attempt"},
		{":leave", "leave the exam, handing in the answers"},
		{":quit", "close the client"},
	}
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(fmt.Sprintf("  %-14s %s\n", r[0], infoStyle.Render(r[1])))
	}
	return b.String()
}
