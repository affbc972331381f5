package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/olekukonko/tablewriter"
)

// Console prints events to a terminal, fields as a table.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole creates a console sink writing to stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter creates a console sink writing to w. Used by tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// Send prints ev.
func (c *Console) Send(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := fmt.Sprintf("[%s] %s %s", ev.Time.Format("15:04:05"), strings.ToUpper(string(ev.Kind)), ev.Title)
	if ev.RoundID != 0 {
		header += fmt.Sprintf(" (round %d)", ev.RoundID)
	}
	if _, err := fmt.Fprintln(c.out, header); err != nil {
		return err
	}
	if ev.Message != "" {
		fmt.Fprintf(c.out, "  %s\n", ev.Message)
	}
	if len(ev.Fields) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Field", "Value")
	for _, f := range ev.Fields {
		if err := table.Append(f.Name, f.Value); err != nil {
			return err
		}
	}
	return table.Render()
}
