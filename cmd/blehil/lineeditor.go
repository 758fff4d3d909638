package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

const (
	historyFileName = ".blehil_history"
	historySize     = 500
)

// lineEditor reads console input with readline on a terminal and line by
// line from anything else (pipes, tests).
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
	out     io.Writer
}

func newLineEditor(in io.Reader, out io.Writer) *lineEditor {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		rl, err := readline.NewFromConfig(&readline.Config{
			HistoryFile:            historyPath(),
			HistoryLimit:           historySize,
			DisableAutoSaveHistory: true,
		})
		if err == nil {
			return &lineEditor{rl: rl, out: out}
		}
		fmt.Fprintf(os.Stderr, "Warning: readline init failed (%v), using basic input\n", err)
	}
	return &lineEditor{scanner: bufio.NewScanner(in), out: out}
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, historyFileName)
}

// Writer is where console output goes.
func (le *lineEditor) Writer() io.Writer {
	return le.out
}

// GetLine returns the next line. Ctrl+C and end of input yield io.EOF.
func (le *lineEditor) GetLine(prompt string) (string, error) {
	if le.rl == nil {
		fmt.Fprint(le.out, prompt)
		if !le.scanner.Scan() {
			if err := le.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return le.scanner.Text(), nil
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err != nil {
		if err == readline.ErrInterrupt {
			return "", io.EOF
		}
		return "", err
	}
	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (le *lineEditor) Close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}
