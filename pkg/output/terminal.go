package output

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/api-query/pkg/pagination"
	"golang.org/x/term"
)

// DefaultWidth is used when no terminal width can be determined.
const DefaultWidth = 80

// TerminalWidth returns the width of the terminal on fd, then $COLUMNS,
// then DefaultWidth.
func TerminalWidth(fd int) int {
	if w, _, err := term.GetSize(fd); err == nil && w > 0 {
		return w
	}
	if w, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && w > 0 {
		return w
	}
	return DefaultWidth
}

// StdoutWidth is TerminalWidth of stdout.
func StdoutWidth() int {
	return TerminalWidth(int(os.Stdout.Fd()))
}

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// ProgressLine redraws a single status line, normally on stderr.
type ProgressLine struct {
	mu    sync.Mutex
	w     io.Writer
	width int
	last  int
}

// NewProgressLine writes to w, keeping lines under width columns.
func NewProgressLine(w io.Writer, width int) *ProgressLine {
	if width <= 0 {
		width = DefaultWidth
	}
	return &ProgressLine{w: w, width: width}
}

// Update redraws the line for p. It matches the engine progress callback.
func (l *ProgressLine) Update(p pagination.Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := fmt.Sprintf("page %d, %d records", p.PageIndex+1, p.Records)
	if p.TotalHint > 0 {
		msg = fmt.Sprintf("page %d, %d/%d records", p.PageIndex+1, p.Records, p.TotalHint)
	}
	msg += ", " + p.Elapsed.Round(100*time.Millisecond).String()

	l.draw(truncate(msg, l.width-1))
}

func (l *ProgressLine) draw(msg string) {
	pad := ""
	if n := l.last - len(msg); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	fmt.Fprintf(l.w, "\r%s%s", msg, pad)
	l.last = len(msg)
}

// Done ends the line so later output starts on a fresh one.
func (l *ProgressLine) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last > 0 {
		fmt.Fprintln(l.w)
		l.last = 0
	}
}
