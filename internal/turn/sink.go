package turn

import (
	"fmt"
	"io"
	"sync"
)

// Sink is where the user sees the conversation.
type Sink interface {
	// Say shows an assistant response.
	Say(text string)

	// Notice shows anything else: command feedback, transcripts, previews.
	Notice(text string)
}

// ConsoleSink writes to a terminal.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

// NewConsoleSink returns a Sink writing to w, typically os.Stdout.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) Say(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\nAssistant: %s\n", text)
}

func (c *ConsoleSink) Notice(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "\n%s\n", text)
}

// Prompt writes s without a trailing newline.
func (c *ConsoleSink) Prompt(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.w, s)
}

var _ Sink = (*ConsoleSink)(nil)
