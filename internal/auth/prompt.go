package auth

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

// ReadSecret writes "secret: " to prompt and reads one secret. When raw is a
// terminal the input is not echoed; otherwise a line is read from buffered,
// which must wrap raw so input already buffered is not lost. Surrounding
// whitespace is trimmed.
func ReadSecret(raw io.Reader, buffered *bufio.Reader, prompt io.Writer) (string, error) {
	fmt.Fprint(prompt, "secret: ")
	if f, ok := raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", errors.Wrap(err, "read secret failed")
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := buffered.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "read secret failed")
	}
	return strings.TrimSpace(line), nil
}
