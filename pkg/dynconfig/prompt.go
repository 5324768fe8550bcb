package dynconfig

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrInterrupted means the operator aborted while being asked a question.
var ErrInterrupted = errors.New("configuration interrupted")

// Prompter asks the operator for a line of input.
type Prompter interface {
	Prompt(ctx context.Context, text string) (string, error)
}

// LinePrompter prints prompts to out and reads answers line by line from in.
type LinePrompter struct {
	in  *bufio.Reader
	out io.Writer

	mu sync.Mutex
	// pending is a read left running by a cancelled prompt. Only one read
	// is ever in flight on in.
	pending chan readResult
}

// NewLinePrompter creates a prompter over the given streams.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out}
}

type readResult struct {
	line string
	err  error
}

// Prompt blocks until a line is read or ctx is done. End of input and
// cancellation both report ErrInterrupted. A line typed after a cancelled
// prompt answers the next one.
func (p *LinePrompter) Prompt(ctx context.Context, text string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\t- %s", text)

	ch := p.pending
	p.pending = nil
	if ch == nil {
		ch = make(chan readResult, 1)
		go func() {
			line, err := p.in.ReadString('\n')
			ch <- readResult{line: line, err: err}
		}()
	}

	select {
	case <-ctx.Done():
		p.pending = ch
		fmt.Fprintln(p.out)
		return "", ErrInterrupted
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				fmt.Fprintln(p.out)
				return "", ErrInterrupted
			}
			return "", r.err
		}
		return strings.TrimRight(r.line, "\r\n"), nil
	}
}

// IsTerminal reports whether r is an interactive terminal.
func IsTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// ScriptedPrompter replays canned answers in order. It reports ErrInterrupted
// once the answers run out.
type ScriptedPrompter struct {
	Answers []string
	// Prompts records every prompt text shown.
	Prompts []string
}

func (p *ScriptedPrompter) Prompt(_ context.Context, text string) (string, error) {
	p.Prompts = append(p.Prompts, text)
	if len(p.Answers) == 0 {
		return "", ErrInterrupted
	}
	answer := p.Answers[0]
	p.Answers = p.Answers[1:]
	return answer, nil
}
