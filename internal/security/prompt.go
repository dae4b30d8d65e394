package security

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const promptText = "No encryption password provided - please enter it now: "

// TerminalPrompt asks the operator for the passphrase. Input is masked when
// stdin is a terminal; otherwise a plain line is read.
type TerminalPrompt struct {
	In   *os.File
	Out  io.Writer
	Text string // defaults to the passphrase prompt
}

// NewTerminalPrompt returns a prompt bound to stdin/stderr.
func NewTerminalPrompt() *TerminalPrompt {
	return &TerminalPrompt{In: os.Stdin, Out: os.Stderr}
}

func (p *TerminalPrompt) Passphrase() (string, error) {
	text := p.Text
	if text == "" {
		text = promptText
	}
	fmt.Fprint(p.Out, text)

	fd := int(p.In.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(p.Out)
		if err != nil {
			return "", fmt.Errorf("read passphrase: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ChainPassphrase tries each source in order and returns the first non-empty
// passphrase.
type ChainPassphrase []PassphraseSource

func (c ChainPassphrase) Passphrase() (string, error) {
	var lastErr error
	for _, src := range c {
		if src == nil {
			continue
		}
		p, err := src.Passphrase()
		if err == nil && p != "" {
			return p, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("no passphrase source available")
}
