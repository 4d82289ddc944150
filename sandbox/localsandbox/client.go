package localsandbox

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/genorch/orchestrator/providerevent"
	"github.com/genorch/orchestrator/sandbox"
)

// Responder produces the assistant's final text for one turn. CommandResponder
// is the reference implementation backing an actual subprocess; tests and the
// demo CLI may supply a trivial stub instead.
type Responder interface {
	Respond(ctx context.Context, dir *Dir, parts sandbox.PromptParts) (string, error)
}

// CommandResponder drives Command as a PTY-attached subprocess per turn,
// writing the prompt text to its stdin and capturing everything it writes
// before exiting as the turn's final text. Grounded on
// mfateev-temporal-agent-harness's execsession.StartSession PTY path
// (pty.StartWithSize + a background reader goroutine).
type CommandResponder struct {
	Command []string
}

func (c CommandResponder) Respond(ctx context.Context, dir *Dir, parts sandbox.PromptParts) (string, error) {
	if len(c.Command) == 0 {
		return "", fmt.Errorf("localsandbox: no command configured")
	}
	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = dir.Root

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return "", err
	}
	defer ptmx.Close()

	if _, err := ptmx.Write([]byte(parts.Text + "\n")); err != nil {
		return "", err
	}

	var out bytes.Buffer
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		out.WriteString(scanner.Text())
		out.WriteByte('\n')
	}
	_ = cmd.Wait()
	return strings.TrimSpace(out.String()), nil
}

// EchoResponder is a dependency-free stand-in used by tests and the demo
// CLI when no real agent subprocess is configured: it deterministically
// reflects the prompt back, split across a few simulated streaming chunks.
type EchoResponder struct{}

func (EchoResponder) Respond(_ context.Context, _ *Dir, parts sandbox.PromptParts) (string, error) {
	return "You said: " + parts.Text, nil
}

// Client is the reference sandbox.Client: one synchronous turn at a time,
// streamed to subscribers as a handful of TextPartEvents followed by a
// SessionIdleEvent, matching the cumulative-text-per-part contract
// providerevent.Normalizer expects (spec.md §4.5).
type Client struct {
	dir       *Dir
	responder Responder
	sessionID string

	mu     sync.Mutex
	events chan providerevent.ProviderEvent
}

// NewClient constructs a Client bound to dir using responder, or
// EchoResponder when responder is nil.
func NewClient(dir *Dir, sessionID string, responder Responder) *Client {
	if responder == nil {
		responder = EchoResponder{}
	}
	return &Client{dir: dir, sessionID: sessionID, responder: responder}
}

// Subscribe opens this session's single event stream. The channel closes
// when cancel fires; Prompt sends onto it from a separate goroutine.
func (c *Client) Subscribe(ctx context.Context, cancel <-chan struct{}) (<-chan providerevent.ProviderEvent, error) {
	c.mu.Lock()
	c.events = make(chan providerevent.ProviderEvent, 32)
	events := c.events
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-cancel:
		}
		c.mu.Lock()
		if c.events == events {
			close(c.events)
			c.events = nil
		}
		c.mu.Unlock()
	}()
	return events, nil
}

const chunkWords = 6

// Prompt runs the configured Responder to completion, then streams its
// output as cumulative text-part updates (one MessageUpdatedEvent, several
// TextPartEvents, a SessionIdleEvent) — approximating a real provider's
// incremental delivery for a responder that only returns a finished string.
func (c *Client) Prompt(ctx context.Context, req sandbox.PromptRequest) error {
	text, err := c.responder.Respond(ctx, c.dir, req.Parts)
	if err != nil {
		c.emit(providerevent.SessionErrorEvent{Message: err.Error()})
		return err
	}

	messageID := "msg-" + req.SessionID
	partID := "part-0"
	c.emit(providerevent.MessageUpdatedEvent{MessageID: messageID, Role: "assistant"})

	words := strings.Fields(text)
	var cumulative strings.Builder
	for i := 0; i < len(words); i += chunkWords {
		end := i + chunkWords
		if end > len(words) {
			end = len(words)
		}
		if cumulative.Len() > 0 {
			cumulative.WriteByte(' ')
		}
		cumulative.WriteString(strings.Join(words[i:end], " "))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.emit(providerevent.TextPartEvent{MessageID: messageID, PartID: partID, FullText: cumulative.String()})
	}
	if len(words) == 0 {
		c.emit(providerevent.TextPartEvent{MessageID: messageID, PartID: partID, FullText: text})
	}
	c.emit(providerevent.SessionIdleEvent{})
	return nil
}

func (c *Client) emit(ev providerevent.ProviderEvent) {
	c.mu.Lock()
	ch := c.events
	c.mu.Unlock()
	if ch == nil {
		return
	}
	defer func() { recover() }() // events may close concurrently on cancel
	ch <- ev
}

// Abort is a best-effort no-op: EchoResponder/CommandResponder both run
// synchronously within Prompt's goroutine and respect ctx cancellation.
func (c *Client) Abort(ctx context.Context, sessionID string) error { return nil }

// ReplyPermission, ReplyQuestion, and RejectQuestion are no-ops: the
// reference responders never emit tool_part events, so the Generation
// Runner never calls these for a localsandbox session.
func (c *Client) ReplyPermission(ctx context.Context, requestID string, reply sandbox.PermissionReply) error {
	return nil
}

func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers map[string]string) error {
	return nil
}

func (c *Client) RejectQuestion(ctx context.Context, requestID string) error { return nil }
