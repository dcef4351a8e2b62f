package cli

import (
	"bytes"
	"strings"
	"testing"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	p, _ := newTestPrompter("hello\n")
	if got := p.Ask("Question", "default"); got != "hello" {
		t.Errorf("Ask = %q, want %q", got, "hello")
	}

	p, _ = newTestPrompter("\n")
	if got := p.Ask("Question", "default"); got != "default" {
		t.Errorf("Ask on empty input = %q, want default", got)
	}
}

func TestAskPassword_FallbackRead(t *testing.T) {
	// A strings.Reader is not a terminal, so the plain read path is used.
	p, _ := newTestPrompter("s3cret\n")
	if got := p.AskPassword("Password"); got != "s3cret" {
		t.Errorf("AskPassword = %q, want %q", got, "s3cret")
	}
}

func TestChoose(t *testing.T) {
	p, _ := newTestPrompter("2\n")
	got := p.Choose("Pick one", []string{"alpha", "beta"}, 0)
	if got != "beta" {
		t.Errorf("Choose = %q, want beta", got)
	}

	// Invalid input falls through to a retry, then the default applies.
	p, _ = newTestPrompter("9\n\n")
	got = p.Choose("Pick one", []string{"alpha", "beta"}, 0)
	if got != "alpha" {
		t.Errorf("Choose after retry = %q, want alpha", got)
	}
}

func TestConfirm(t *testing.T) {
	p, _ := newTestPrompter("y\n")
	if !p.Confirm("Proceed?", false) {
		t.Error("expected y to confirm")
	}

	p, _ = newTestPrompter("n\n")
	if p.Confirm("Proceed?", true) {
		t.Error("expected n to decline")
	}

	p, _ = newTestPrompter("\n")
	if !p.Confirm("Proceed?", true) {
		t.Error("expected empty input to take the default")
	}
}
