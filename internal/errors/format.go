package errors

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ANSI color codes for terminal output.
const (
	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGray  = "\033[90m"
	colorBold  = "\033[1m"
)

// colorEnabled controls whether ANSI colors are used.
var colorEnabled = true

// DisableColors disables ANSI color output.
func DisableColors() {
	colorEnabled = false
}

// EnableColors enables ANSI color output.
func EnableColors() {
	colorEnabled = true
}

func color(code, text string) string {
	if !colorEnabled {
		return text
	}
	return code + text + colorReset
}

// Coded is implemented by errors that carry a service error code.
type Coded interface {
	error
	ErrorCode() int
}

// Format renders err for terminal display. Errors carrying a service
// code get the category and documentation link appended.
func Format(err error) string {
	if err == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(color(colorRed+colorBold, "ERROR "))

	var coded Coded
	if !errors.As(err, &coded) || coded.ErrorCode() == 0 {
		b.WriteString(err.Error())
		return b.String()
	}

	code := coded.ErrorCode()
	fmt.Fprintf(&b, "%d (%s): %s", code, CategoryOf(code), err.Error())
	if IsTokenError(code) {
		b.WriteString("\n  Hint: the token can be renewed; check the auth callback or key")
	}
	b.WriteString("\n  " + color(colorGray, "Learn more: "+Href(code)))
	return b.String()
}

// PrintError writes Format(err) to stderr.
func PrintError(err error) {
	FprintError(os.Stderr, err)
}

// FprintError writes Format(err) to w.
func FprintError(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(w, Format(err))
}
