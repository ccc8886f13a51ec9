package cli

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword.
// In tests you can replace it with a stub to avoid touching the terminal.
var readPassword = term.ReadPassword

// passwordEnvVar lets scripts supply the vault password without a terminal.
const passwordEnvVar = "CONVSYNC_PASSWORD"

// GetPassword resolves the vault password. The CONVSYNC_PASSWORD environment
// variable wins; otherwise the user is prompted on the terminal without echo.
//
// The returned byte slice should be wiped by the caller when no longer needed.
func GetPassword(w io.Writer) ([]byte, error) {
	if env := os.Getenv(passwordEnvVar); env != "" {
		return []byte(env), nil
	}

	if _, err := fmt.Fprint(w, "Enter vault password: "); err != nil {
		return nil, err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	if len(pw) == 0 {
		return nil, fmt.Errorf("empty password")
	}
	return pw, nil
}
