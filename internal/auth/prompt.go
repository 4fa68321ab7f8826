package auth

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Prompter asks the user for a code.
type Prompter interface {
	Prompt(ctx context.Context, label string) (string, error)
}

// PrompterFunc adapts a function to a Prompter.
type PrompterFunc func(ctx context.Context, label string) (string, error)

func (f PrompterFunc) Prompt(ctx context.Context, label string) (string, error) {
	return f(ctx, label)
}

// TerminalPrompter reads codes from a terminal with echo disabled, or line by
// line when In is not a terminal.
type TerminalPrompter struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalPrompter prompts on stderr and reads from stdin.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Terminal access, replaceable in tests.
var (
	isTerminal   = term.IsTerminal
	getState     = term.GetState
	restoreState = term.Restore
	readPassword = term.ReadPassword
)

// Prompt writes label and waits for a line of input or ctx to be done. A read
// that is abandoned because ctx ended keeps blocking on In in the background;
// the terminal state saved before reading is restored so echo comes back.
func (p *TerminalPrompter) Prompt(ctx context.Context, label string) (string, error) {
	fmt.Fprint(p.Out, label)

	fd := int(p.In.Fd())
	var saved *term.State
	tty := isTerminal(fd)
	if tty {
		st, err := getState(fd)
		if err != nil {
			return "", fmt.Errorf("read terminal state: %w", err)
		}
		saved = st
	}

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	read := readPassword

	go func() {
		if tty {
			b, err := read(fd)
			fmt.Fprintln(p.Out)
			ch <- result{string(b), err}
			return
		}
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err == io.EOF && line != "" {
			err = nil
		}
		ch <- result{strings.TrimRight(line, "\r\n"), err}
	}()

	select {
	case <-ctx.Done():
		if saved != nil {
			restoreState(fd, saved)
		}
		fmt.Fprintln(p.Out)
		return "", ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("read input: %w", r.err)
		}
		return r.line, nil
	}
}
