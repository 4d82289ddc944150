// Package anthropic adapts the Anthropic Claude Messages streaming API to
// sandbox.Client, the single illustrative real-model-stream adapter this
// module wires (spec.md explicitly scopes vendor model selection/auth as a
// Non-goal; this package exists only to show a concrete provider filling
// the interface, not to pick a model for callers).
//
// Grounded on features/model/anthropic/{client.go,stream.go}: the same
// MessagesClient subset interface, NewStreaming call, and
// ContentBlockStart/Delta/Stop + MessageDelta/MessageStop event handling,
// translated from the teacher's model.Chunk stream into providerevent's
// tagged ProviderEvent variants instead.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/genorch/orchestrator/providerevent"
	"github.com/genorch/orchestrator/sandbox"
)

// MessagesClient captures the subset of the Anthropic SDK client this
// adapter drives, matching features/model/anthropic.MessagesClient so a
// mock can stand in for *sdk.MessageService in tests.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures the adapter's default model and sampling parameters.
type Options struct {
	DefaultModel string
	MaxTokens    int64
	Temperature  float64
}

// Client implements sandbox.Client against one Anthropic session: each
// Prompt call issues one Messages.NewStreaming request and republishes its
// SSE events as providerevent.ProviderEvent values on the session's shared
// event channel.
type Client struct {
	msg  MessagesClient
	opts Options

	mu     sync.Mutex
	events chan providerevent.ProviderEvent
	// history accumulates the session's turns so each Prompt call can
	// resend the full conversation, matching the Messages API's
	// stateless-per-request contract.
	history []sdk.MessageParam
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// client, reading credentials from apiKey (spec.md §6, "anthropic API key
// (or equivalent provider credential)").
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	if opts.DefaultModel == "" {
		return nil, fmt.Errorf("anthropic: default model is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Client{msg: &ac.Messages, opts: opts}, nil
}

func (c *Client) Subscribe(ctx context.Context, cancel <-chan struct{}) (<-chan providerevent.ProviderEvent, error) {
	c.mu.Lock()
	c.events = make(chan providerevent.ProviderEvent, 64)
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

func (c *Client) Prompt(ctx context.Context, req sandbox.PromptRequest) error {
	model := req.Model
	if model == "" {
		model = c.opts.DefaultModel
	}
	blocks := []sdk.ContentBlockParamUnion{sdk.NewTextBlock(req.Parts.Text)}
	for _, img := range req.Parts.Images {
		blocks = append(blocks, sdk.NewImageBlockBase64(img.MimeType, string(img.Data)))
	}
	c.mu.Lock()
	c.history = append(c.history, sdk.NewUserMessage(blocks...))
	history := append([]sdk.MessageParam(nil), c.history...)
	c.mu.Unlock()

	params := sdk.MessageNewParams{
		Model:    sdk.Model(model),
		Messages: history,
	}
	if c.opts.MaxTokens > 0 {
		params.MaxTokens = c.opts.MaxTokens
	}
	if c.opts.Temperature > 0 {
		params.Temperature = sdk.Float(c.opts.Temperature)
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}

	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	messageID := fmt.Sprintf("%s:%d", req.SessionID, len(history))
	toolNames := map[int]string{}
	toolIDs := map[int]string{}
	toolArgs := map[int][]byte{}
	texts := map[int]string{}
	thoughts := map[int]string{}

	for stream.Next() {
		ev := stream.Current()
		switch e := ev.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := e.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				idx := int(e.Index)
				toolNames[idx] = tu.Name
				toolIDs[idx] = tu.ID
				c.emit(providerevent.ToolPartEvent{
					MessageID: messageID,
					ToolUseID: tu.ID,
					Name:      tu.Name,
					Status:    providerevent.ToolStatusPending,
				})
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(e.Index)
			switch d := e.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if d.Text != "" {
					texts[idx] += d.Text
					c.emit(providerevent.TextPartEvent{MessageID: messageID, PartID: fmt.Sprintf("%s:%d", messageID, idx), FullText: texts[idx]})
				}
			case sdk.ThinkingDelta:
				if d.Thinking != "" {
					thoughts[idx] += d.Thinking
					c.emit(providerevent.ReasoningPartEvent{MessageID: messageID, PartID: fmt.Sprintf("%s:%d", messageID, idx), FullContent: thoughts[idx]})
				}
			case sdk.InputJSONDelta:
				if d.PartialJSON != "" {
					toolArgs[idx] = append(toolArgs[idx], []byte(d.PartialJSON)...)
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(e.Index)
			if name, ok := toolNames[idx]; ok {
				c.emit(providerevent.ToolPartEvent{
					MessageID: messageID,
					ToolUseID: toolIDs[idx],
					Name:      name,
					Status:    providerevent.ToolStatusRunning,
					Input:     json.RawMessage(toolArgs[idx]),
				})
			}
		case sdk.MessageStopEvent:
			c.emit(providerevent.SessionIdleEvent{})
		}
	}
	if err := stream.Err(); err != nil {
		c.emit(providerevent.SessionErrorEvent{Message: err.Error()})
		return err
	}
	return nil
}

func (c *Client) Abort(ctx context.Context, sessionID string) error { return nil }

// ReplyPermission records a tool's resolved status so later turns reflect
// the user's decision; the Anthropic Messages API has no server-side
// permission concept, so this is local bookkeeping only.
func (c *Client) ReplyPermission(ctx context.Context, requestID string, reply sandbox.PermissionReply) error {
	status := providerevent.ToolStatusCompleted
	if reply == sandbox.PermissionReject {
		status = providerevent.ToolStatusError
	}
	c.emit(providerevent.ToolPartEvent{ToolUseID: requestID, Status: status})
	return nil
}

func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers map[string]string) error {
	return nil
}

func (c *Client) RejectQuestion(ctx context.Context, requestID string) error { return nil }

func (c *Client) emit(ev providerevent.ProviderEvent) {
	c.mu.Lock()
	ch := c.events
	c.mu.Unlock()
	if ch == nil {
		return
	}
	defer func() { recover() }()
	ch <- ev
}
