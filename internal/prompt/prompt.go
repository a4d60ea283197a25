// Package prompt is the terminal side of the workflow: line prompts, pickers
// and a status line.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ErrAborted is returned when input ends before an answer was given.
var ErrAborted = errors.New("prompt aborted")

// Prompter asks the human for decisions.
type Prompter interface {
	Text(label string) (string, error)
	Password(label string) (string, error)
	Select(label string, options []string) (int, error)
	MultiSelect(label string, options []string) ([]int, error)
}

// Terminal is a line-based Prompter. Prompts are written to out so stdout
// stays free for tables.
type Terminal struct {
	in  *bufio.Reader
	out io.Writer
	// fd is the terminal descriptor used to read passwords without echo, or -1.
	fd int
}

// NewTerminal prompts on stderr and reads from stdin.
func NewTerminal() *Terminal {
	t := NewTerminalIO(os.Stdin, os.Stderr)
	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		t.fd = fd
	}
	return t
}

// NewTerminalIO prompts on out and reads from in. Passwords are echoed.
func NewTerminalIO(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out, fd: -1}
}

var _ Prompter = (*Terminal)(nil)

func (t *Terminal) readLine() (string, error) {
	line, err := t.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		if errors.Is(err, io.EOF) {
			return "", ErrAborted
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Text reads one non-empty line.
func (t *Terminal) Text(label string) (string, error) {
	for {
		_, _ = fmt.Fprintf(t.out, "%s ", label)
		line, err := t.readLine()
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}

// Password reads a secret without echo when attached to a terminal. There is
// no confirmation step.
func (t *Terminal) Password(label string) (string, error) {
	if t.fd < 0 {
		return t.Text(label)
	}
	_, _ = fmt.Fprintf(t.out, "%s ", label)
	b, err := term.ReadPassword(t.fd)
	_, _ = fmt.Fprintln(t.out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func (t *Terminal) list(label string, options []string) {
	_, _ = fmt.Fprintln(t.out, label)
	for i, o := range options {
		_, _ = fmt.Fprintf(t.out, "  %2d) %s\n", i+1, o)
	}
}

// Select lists options and returns the index of the chosen one.
func (t *Terminal) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return 0, fmt.Errorf("%s: nothing to choose from", label)
	}
	t.list(label, options)
	for {
		_, _ = fmt.Fprintf(t.out, "Choice [1-%d]: ", len(options))
		line, err := t.readLine()
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		_, _ = fmt.Fprintf(t.out, "Enter a number between 1 and %d.\n", len(options))
	}
}

// MultiSelect lists options and returns the sorted indexes of the chosen
// ones. Choices are separated by spaces or commas; "all" picks every option.
func (t *Terminal) MultiSelect(label string, options []string) ([]int, error) {
	if len(options) == 0 {
		return nil, fmt.Errorf("%s: nothing to choose from", label)
	}
	t.list(label, options)
	for {
		_, _ = fmt.Fprintf(t.out, "Choices (e.g. 1,3 or all): ")
		line, err := t.readLine()
		if err != nil {
			return nil, err
		}
		picked, err := parseChoices(line, len(options))
		if err == nil {
			return picked, nil
		}
		_, _ = fmt.Fprintf(t.out, "%v\n", err)
	}
}

func parseChoices(line string, n int) ([]int, error) {
	if strings.EqualFold(line, "all") {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	var out []int
	for _, f := range strings.FieldsFunc(line, func(r rune) bool { return r == ',' || r == ' ' }) {
		v, err := strconv.Atoi(f)
		if err != nil || v < 1 || v > n {
			return nil, fmt.Errorf("invalid choice %q: enter numbers between 1 and %d", f, n)
		}
		if !slices.Contains(out, v-1) {
			out = append(out, v-1)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("pick at least one option")
	}
	slices.Sort(out)
	return out, nil
}
