package ui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// ReadSecret prompts on stderr and reads a line from stdin without echo.
func ReadSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; pass the value as a flag")
	}

	fmt.Fprint(os.Stderr, PromptStyle.Render(prompt))
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

// Confirm prints a warning box and asks the user to type answer to proceed.
// Anything else cancels.
func Confirm(out io.Writer, in io.Reader, title string, warnings []string, answer string) bool {
	details := make(map[string]string, len(warnings))
	for i, w := range warnings {
		details[fmt.Sprintf("%d", i+1)] = w
	}
	fmt.Fprintln(out, RenderWarning(title, details))
	fmt.Fprint(out, PromptStyle.Render(fmt.Sprintf("To proceed, type %q and press Enter: ", answer)))

	input, err := bufio.NewReader(in).ReadString('\n')
	fmt.Fprintln(out)
	if err != nil && input == "" {
		return false
	}
	if strings.TrimSpace(input) == answer {
		return true
	}

	fmt.Fprintln(out, TroubleshootingItemStyle.Render("  Operation cancelled."))
	return false
}
