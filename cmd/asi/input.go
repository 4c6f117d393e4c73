package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// exitCommands end an interactive session.
var exitCommands = []string{"/exit", "/quit", "exit", "quit"}

// lineReader yields user input one line at a time. ok is false at end of input.
type lineReader interface {
	ReadLine() (line string, ok bool)
}

// interactive reports whether both stdin and stdout are terminals.
func interactive() bool {
	in, out := os.Stdin.Fd(), os.Stdout.Fd()
	return (isatty.IsTerminal(in) || isatty.IsCygwinTerminal(in)) &&
		(isatty.IsTerminal(out) || isatty.IsCygwinTerminal(out))
}

// newLineReader returns a go-prompt reader when in is the terminal stdin, and
// a plain line scanner for piped input.
func newLineReader(in io.Reader, out io.Writer) lineReader {
	if f, ok := in.(*os.File); ok && f == os.Stdin && interactive() {
		return &promptReader{}
	}
	return &scanReader{scanner: bufio.NewScanner(in), out: out}
}

// promptReader reads lines with history and line editing.
type promptReader struct {
	history []string
}

func (r *promptReader) ReadLine() (string, bool) {
	// go-prompt can leave the terminal in raw mode when it returns
	fd := int(os.Stdin.Fd())
	if state, err := term.GetState(fd); err == nil {
		defer func() { _ = term.Restore(fd, state) }() // Best effort.
	}

	input := prompt.Input("> ", noSuggestions,
		prompt.OptionHistory(r.history),
		prompt.OptionTitle("asi chat"),
		prompt.OptionPrefixTextColor(prompt.Cyan),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExitCommand(in)
		}),
	)
	input = strings.TrimSpace(strings.ReplaceAll(input, "\n", ""))
	if isExitCommand(input) {
		return "", false
	}
	if input != "" {
		r.history = append(r.history, input)
	}
	return input, true
}

func noSuggestions(prompt.Document) []prompt.Suggest {
	return nil
}

// scanReader reads newline separated input, printing a prompt marker per line.
type scanReader struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func (r *scanReader) ReadLine() (string, bool) {
	fmt.Fprint(r.out, "> ")
	if !r.scanner.Scan() {
		fmt.Fprintln(r.out)
		return "", false
	}
	line := strings.TrimSpace(r.scanner.Text())
	if isExitCommand(line) {
		return "", false
	}
	return line, true
}

// Err returns the first non-EOF scan error.
func (r *scanReader) Err() error {
	return r.scanner.Err()
}

func isExitCommand(line string) bool {
	return slices.Contains(exitCommands, strings.TrimSpace(line))
}
