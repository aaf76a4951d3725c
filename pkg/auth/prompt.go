package auth

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptSecret asks for a value without echoing it when stdin is a
// terminal, and reads a plain line otherwise
func PromptSecret(out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// ShowSessionCookieGuide explains where to find the session cookie
func ShowSessionCookieGuide(out io.Writer) {
	fmt.Fprintln(out, strings.Repeat("=", 60))
	fmt.Fprintln(out, "SESSION COOKIE")
	fmt.Fprintln(out, strings.Repeat("=", 60))
	fmt.Fprintln(out, "1. Log in at https://www.tiktok.com in your browser")
	fmt.Fprintln(out, "2. Open developer tools (F12) and go to Application > Cookies")
	fmt.Fprintln(out, "3. Copy the value of 'sessionid' (and 'msToken' if present)")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "The cookie grants access to your account. Keep it private.")
	fmt.Fprintln(out, strings.Repeat("=", 60))
}
