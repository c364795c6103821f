//go:build windows

package terminal

import (
	"io"

	"github.com/mattn/go-colorable"
)

// getColorableWriter returns an ANSI aware stdout writer on windows.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
