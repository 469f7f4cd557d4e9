package crypto

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// stdin is shared so consecutive prompts read consecutive lines when piped.
var stdin = bufio.NewReader(os.Stdin)

// ReadPassword prompts on stderr and reads a password from stdin without
// echo. When stdin is not a terminal a single line is read instead, so the
// CLI can be scripted.
func ReadPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// ReadPasswordTwice prompts for a new password and its confirmation.
func ReadPasswordTwice(prompt string) (string, error) {
	password, err := ReadPassword(prompt)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", errors.New("password must not be empty")
	}

	confirm, err := ReadPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}
