// Package cli implements the terminal prompts behind roomdeck-hub init.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// Prompter asks questions on a terminal and collects the answers. Tests swap
// In and Out for in-memory buffers.
type Prompter struct {
	In  io.Reader
	Out io.Writer

	rd *bufio.Reader
}

// DefaultPrompter prompts on stdin and stdout.
func DefaultPrompter() *Prompter {
	return &Prompter{In: os.Stdin, Out: os.Stdout}
}

// line reads the next input line, trimmed. EOF reads as an empty answer so a
// truncated input script falls through to defaults.
func (p *Prompter) line() string {
	if p.rd == nil {
		p.rd = bufio.NewReader(p.In)
	}
	s, _ := p.rd.ReadString('\n')
	return strings.TrimSpace(s)
}

// Ask poses a question and returns the typed answer, or defaultVal when the
// user just presses Enter.
func (p *Prompter) Ask(question, defaultVal string) string {
	if defaultVal == "" {
		fmt.Fprintf(p.Out, "%s: ", question)
	} else {
		fmt.Fprintf(p.Out, "%s [%s]: ", question, defaultVal)
	}
	if answer := p.line(); answer != "" {
		return answer
	}
	return defaultVal
}

// AskPassword reads an answer without echoing it, for the admin password
// prompt. Piped input falls back to a plain line read.
func (p *Prompter) AskPassword(question string) string {
	fmt.Fprintf(p.Out, "%s: ", question)

	if f, ok := p.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		secret, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.Out)
		if err == nil {
			return strings.TrimSpace(string(secret))
		}
	}
	return p.line()
}

// Choose renders a numbered menu (the storage driver picker) and returns the
// chosen option. Out-of-range input re-prompts; an empty answer takes the
// default.
func (p *Prompter) Choose(question string, options []string, defaultIdx int) string {
	fmt.Fprintln(p.Out, question)
	for i, opt := range options {
		if i == defaultIdx {
			fmt.Fprintf(p.Out, "  %d) %s (default)\n", i+1, opt)
			continue
		}
		fmt.Fprintf(p.Out, "  %d) %s\n", i+1, opt)
	}

	for {
		answer := p.Ask("Choice", strconv.Itoa(defaultIdx+1))
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
			return options[n-1]
		}
		fmt.Fprintf(p.Out, "Enter a number from 1 to %d.\n", len(options))
	}
}

// Confirm asks a yes/no question. Any answer starting with y or Y counts as
// yes; an empty answer takes the default.
func (p *Prompter) Confirm(question string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	answer := p.Ask(question+" ["+hint+"]", "")
	if answer == "" {
		return defaultYes
	}
	return strings.HasPrefix(strings.ToLower(answer), "y")
}
