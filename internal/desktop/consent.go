package desktop

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/avaropoint/remotecast/internal/protocol"
)

// ConsentPrompter asks the local user whether a viewer may connect, and
// tells them when one does without asking.
type ConsentPrompter interface {
	Prompt(ctx context.Context, req protocol.AccessPrompt) bool
	Notify(message string)
}

// AutoConsent approves every request and logs notices.
type AutoConsent struct {
	Logger zerolog.Logger
}

func (a AutoConsent) Prompt(_ context.Context, req protocol.AccessPrompt) bool {
	a.Logger.Info().Str("requester", req.RequesterName).Msg("access granted automatically")
	return true
}

func (a AutoConsent) Notify(message string) {
	a.Logger.Info().Msg(message)
}

// DefaultConsentTimeout matches the relay's wait for a consent answer.
const DefaultConsentTimeout = 45 * time.Second

// TerminalConsent prompts on a terminal. Prompts are asked one at a
// time; a prompt left unanswered until ctx ends or the timeout passes,
// counting time spent queued behind another prompt, is a denial.
type TerminalConsent struct {
	out     io.Writer
	lines   chan string
	timeout time.Duration
	turn    chan struct{}
}

// NewTerminalConsent reads answers from in and writes prompts to out. A
// timeout <= 0 selects DefaultConsentTimeout.
func NewTerminalConsent(in io.Reader, out io.Writer, timeout time.Duration) *TerminalConsent {
	if timeout <= 0 {
		timeout = DefaultConsentTimeout
	}
	t := &TerminalConsent{
		out:     out,
		lines:   make(chan string),
		timeout: timeout,
		turn:    make(chan struct{}, 1),
	}
	go func() {
		defer close(t.lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			t.lines <- scanner.Text()
		}
	}()
	return t
}

func (t *TerminalConsent) Prompt(ctx context.Context, req protocol.AccessPrompt) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	select {
	case t.turn <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	defer func() { <-t.turn }()

	who := req.RequesterName
	if who == "" {
		who = "A technician"
	}
	if req.OrganizationName != "" {
		who = fmt.Sprintf("%s (%s)", who, req.OrganizationName)
	}
	fmt.Fprintf(t.out, "%s wants to view this screen. Allow? [y/N]: ", who)

	select {
	case <-ctx.Done():
		fmt.Fprintln(t.out, "\nno answer, denied")
		return false
	case line, ok := <-t.lines:
		if !ok {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

func (t *TerminalConsent) Notify(message string) {
	fmt.Fprintln(t.out, message)
}
