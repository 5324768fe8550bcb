package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/davidthor/stackctl/pkg/deployment"
)

// StepStatus represents the current status of a step.
type StepStatus string

const (
	StatusPending    StepStatus = "pending"
	StatusInProgress StepStatus = "in_progress"
	StatusCompleted  StepStatus = "completed"
	StatusFailed     StepStatus = "failed"
	StatusSkipped    StepStatus = "skipped"
)

// StepInfo holds information about a step for progress tracking.
type StepInfo struct {
	Step      int
	ID        string
	Title     string
	Status    StepStatus
	StartTime time.Time
	EndTime   time.Time
	Error     error
}

// ProgressTable prints numbered steps as they start and tracks their outcome
// for the final summary. It receives both deployment phases and utility steps.
type ProgressTable struct {
	mu        sync.Mutex
	operation string
	steps     []*StepInfo
	writer    io.Writer
	startTime time.Time
	now       func() time.Time
}

// NewProgressTable creates a new progress table. operation names what is
// being run in the summary, e.g. "Deployment".
func NewProgressTable(w io.Writer, operation string) *ProgressTable {
	return &ProgressTable{
		operation: operation,
		writer:    w,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// PhaseStarted implements deployment.Observer.
func (p *ProgressTable) PhaseStarted(step int, info deployment.PhaseInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := &StepInfo{Step: step, ID: info.ID, Title: info.Title, Status: StatusInProgress, StartTime: p.now()}
	if info.Skipped {
		s.Status = StatusSkipped
	}
	p.steps = append(p.steps, s)
	p.printStart(s)
}

// PhaseCompleted implements deployment.Observer.
func (p *ProgressTable) PhaseCompleted(step int, _ deployment.PhaseInfo, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.find(step)
	if s == nil {
		return
	}
	s.EndTime = p.now()
	switch {
	case err != nil:
		s.Status = StatusFailed
		s.Error = err
	case s.Status != StatusSkipped:
		s.Status = StatusCompleted
	}
}

// StepStarted implements utility.Observer. Utility steps report no
// completion, so starting a step completes the previous one.
func (p *ProgressTable) StepStarted(step int, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.completeRunning()
	s := &StepInfo{Step: step, Title: title, Status: StatusInProgress, StartTime: p.now()}
	p.steps = append(p.steps, s)
	p.printStart(s)
}

// Finish closes the step still running with the outcome of the operation.
func (p *ProgressTable) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.completeRunning()
		return
	}
	for _, s := range p.steps {
		if s.Status == StatusInProgress {
			s.Status = StatusFailed
			s.Error = err
			s.EndTime = p.now()
		}
	}
}

func (p *ProgressTable) completeRunning() {
	for _, s := range p.steps {
		if s.Status == StatusInProgress {
			s.Status = StatusCompleted
			s.EndTime = p.now()
		}
	}
}

func (p *ProgressTable) find(step int) *StepInfo {
	for i := len(p.steps) - 1; i >= 0; i-- {
		if p.steps[i].Step == step {
			return p.steps[i]
		}
	}
	return nil
}

func (p *ProgressTable) printStart(s *StepInfo) {
	line := fmt.Sprintf("Step %d: %s;", s.Step, s.Title)
	if s.Status == StatusSkipped {
		line += " [SKIPPED]"
	}
	fmt.Fprintln(p.writer, line)
}

func (p *ProgressTable) statusIcon(status StepStatus) string {
	switch status {
	case StatusPending:
		return "○"
	case StatusInProgress:
		return "◐"
	case StatusCompleted:
		return "●"
	case StatusFailed:
		return "✗"
	case StatusSkipped:
		return "◌"
	default:
		return "?"
	}
}

// PrintFinalSummary prints the outcome of every step.
func (p *ProgressTable) PrintFinalSummary() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var completed, failed, skipped int
	for _, s := range p.steps {
		switch s.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}

	elapsed := p.now().Sub(p.startTime).Round(time.Millisecond)

	fmt.Fprintln(p.writer)
	fmt.Fprintln(p.writer, strings.Repeat("─", 60))

	if failed > 0 {
		fmt.Fprintf(p.writer, "%s failed after %s\n", p.operation, elapsed)
		fmt.Fprintf(p.writer, "  ● %d succeeded, ✗ %d failed, ◌ %d skipped\n", completed, failed, skipped)
		for _, s := range p.steps {
			if s.Status != StatusFailed {
				continue
			}
			fmt.Fprintf(p.writer, "\n  %s Step %d %q", p.statusIcon(s.Status), s.Step, s.Title)
			if s.Error != nil {
				fmt.Fprintf(p.writer, ": %v", s.Error)
			}
			fmt.Fprintln(p.writer)
		}
		return
	}

	fmt.Fprintf(p.writer, "%s finished in %s\n", p.operation, elapsed)
	fmt.Fprintf(p.writer, "  ● %d steps completed", completed)
	if skipped > 0 {
		fmt.Fprintf(p.writer, ", ◌ %d skipped", skipped)
	}
	fmt.Fprintln(p.writer)
}

// Steps returns a copy of the tracked steps.
func (p *ProgressTable) Steps() []StepInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]StepInfo, len(p.steps))
	for i, s := range p.steps {
		out[i] = *s
	}
	return out
}
