package main

import (
	"bufio"
	"fmt"
	"os"

	"golang.org/x/term"
)

// promptPassword reads a password from the terminal without echoing it, the
// way the original CLI's Prompt(..., "*", ...) masks interactive input.
// Falling back to a plain line read when stdin is not a terminal lets tests
// and scripted callers pipe a password in.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return trimNewline(line), nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// promptNewPassword resolves a password for a command that also accepts
// --password/PASSWORD, prompting interactively only when neither was set.
func promptNewPassword(prompt string) (string, error) {
	if pwd, err := resolvePassword(); err == nil {
		return pwd, nil
	}
	return promptPassword(prompt)
}
