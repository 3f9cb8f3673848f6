package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a console command.
type Kind int

const (
	CmdAnswer Kind = iota + 1
	CmdFlag
	CmdGoTo
	CmdNext
	CmdPrev
	CmdShow
	CmdOverview
	CmdSubmit
	CmdReload
	CmdLeave
	CmdQuit
	CmdHelp
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArguments   = errors.New("bad arguments")
)

// Command is a parsed console line. Index and Option are zero-based.
type Command struct {
	Kind   Kind
	Index  int
	Option int
}

var simpleCommands = map[string]Kind{
	"n":       CmdNext,
	"next":    CmdNext,
	"p":       CmdPrev,
	"prev":    CmdPrev,
	"l":       CmdShow,
	"show":    CmdShow,
	"o":       CmdOverview,
	"s":       CmdSubmit,
	"submit":  CmdSubmit,
	":reload": CmdReload,
	":leave":  CmdLeave,
	":quit":   CmdQuit,
	":q":      CmdQuit,
	"?":       CmdHelp,
	"h":       CmdHelp,
	"help":    CmdHelp,
}

// Parse turns a console line into a Command. Question numbers are one-based;
// options are letters (a, b, ...) or one-based numbers.
func Parse(input string) (Command, error) {
	fields := strings.Fields(strings.ToLower(input))
	if len(fields) == 0 {
		return Command{}, ErrUnknownCommand
	}

	if kind, ok := simpleCommands[fields[0]]; ok {
		if len(fields) != 1 {
			return Command{}, fmt.Errorf("%w: %s takes no arguments", ErrBadArguments, fields[0])
		}
		return Command{Kind: kind}, nil
	}

	switch fields[0] {
	case "a", "answer":
		if len(fields) != 3 {
			return Command{}, fmt.Errorf("%w: usage a <question> <option>", ErrBadArguments)
		}
		idx, err := parseQuestion(fields[1])
		if err != nil {
			return Command{}, err
		}
		opt, err := parseOption(fields[2])
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdAnswer, Index: idx, Option: opt}, nil

	case "f", "flag", "g", "go":
		if len(fields) != 2 {
			return Command{}, fmt.Errorf("%w: usage %s <question>", ErrBadArguments, fields[0])
		}
		idx, err := parseQuestion(fields[1])
		if err != nil {
			return Command{}, err
		}
		kind := CmdGoTo
		if fields[0] == "f" || fields[0] == "flag" {
			kind = CmdFlag
		}
		return Command{Kind: kind, Index: idx}, nil
	}

	// A bare number jumps to that question.
	if idx, err := parseQuestion(fields[0]); err == nil && len(fields) == 1 {
		return Command{Kind: CmdGoTo, Index: idx}, nil
	}

	return Command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
}

func parseQuestion(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: question must be a positive number, got %q", ErrBadArguments, s)
	}
	return n - 1, nil
}

func parseOption(s string) (int, error) {
	if len(s) == 1 && s[0] >= 'a' && s[0] <= 'z' {
		return int(s[0] - 'a'), nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: option must be a letter or a positive number, got %q", ErrBadArguments, s)
	}
	return n - 1, nil
}

// OptionLabel returns the letter shown for the option at idx.
func OptionLabel(idx int) string {
	if idx < 0 || idx >= 26 {
		return strconv.Itoa(idx + 1)
	}
	return string(rune('A' + idx))
}
