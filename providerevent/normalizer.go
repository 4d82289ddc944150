package providerevent

import (
	"time"

	"github.com/genorch/orchestrator/model"
)

// replayQueueCap and replayQueueTTL bound the user-echo replay queue
// (spec.md §4.5: "capped at 100 parts per message and expires 5 minutes
// after first enqueue; overflow drops the oldest").
const (
	replayQueueCap = 100
	replayQueueTTL = 5 * time.Minute
)

// EventKind discriminates the effect a NormalizedEvent has on a
// generation's content parts.
type EventKind string

const (
	EventText       EventKind = "text"
	EventThinking   EventKind = "thinking"
	EventToolUse    EventKind = "tool_use"
	EventToolResult EventKind = "tool_result"
	EventSystem     EventKind = "system"
	EventIdle       EventKind = "session_idle"
	EventError      EventKind = "session_error"
)

// NormalizedEvent is one effect the Normalizer derives from a raw
// ProviderEvent, ready for the Generation Runner to apply to durable
// state and broadcast to subscribers.
type NormalizedEvent struct {
	Kind EventKind

	// Delta is the incremental text for EventText/EventThinking; the
	// generation's stored full text has already been updated to include
	// it by the time this event is returned.
	Delta string

	// Part is populated for EventToolUse/EventToolResult/EventSystem (a
	// brand-new content part to append) and for EventText/EventThinking
	// when IsNewPart is true.
	Part model.ContentPart

	// PartIndex identifies which tracked content part Delta/Part updates,
	// counted among the parts this Normalizer has produced; when IsNewPart
	// it is the index the new part takes.
	PartIndex int
	IsNewPart bool

	// ErrorMessage is populated for EventError.
	ErrorMessage string
}

type trackedText struct {
	index    int
	fullText string
}

type queuedEcho struct {
	part      model.ContentPart
	index     int
	enqueued  time.Time
}

// Normalizer is the stateful per-generation translator from raw
// ProviderEvent to NormalizedEvent (spec.md §4.5).
type Normalizer struct {
	userMessageText string

	textParts     map[string]*trackedText // keyed by provider part id
	thinkingParts map[string]*trackedText
	toolStatus    map[string]ToolStatus // keyed by tool_use_id
	messageRoles  map[string]string     // keyed by message id

	// pendingEcho buffers parts that look like a user-echo until the
	// owning message's role is confirmed as assistant (spec.md §4.5,
	// "Part queueing").
	pendingEcho map[string][]queuedEcho

	nextIndex int
}

// NewNormalizer constructs a Normalizer for one generation. userMessageText
// is the text of the user turn that triggered this generation, used to
// detect provider echo of the user's own message.
func NewNormalizer(userMessageText string) *Normalizer {
	return &Normalizer{
		userMessageText: userMessageText,
		textParts:       make(map[string]*trackedText),
		thinkingParts:   make(map[string]*trackedText),
		toolStatus:      make(map[string]ToolStatus),
		messageRoles:    make(map[string]string),
		pendingEcho:     make(map[string][]queuedEcho),
	}
}

// Apply translates one raw ProviderEvent into zero or more NormalizedEvent
// effects in order.
func (n *Normalizer) Apply(ev ProviderEvent) []NormalizedEvent {
	switch e := ev.(type) {
	case TextPartEvent:
		return n.applyText(e)
	case ReasoningPartEvent:
		return n.applyThinking(e)
	case ToolPartEvent:
		return n.applyTool(e)
	case MessageUpdatedEvent:
		return n.applyMessageUpdated(e)
	case SessionIdleEvent:
		return []NormalizedEvent{{Kind: EventIdle}}
	case SessionErrorEvent:
		return []NormalizedEvent{{Kind: EventError, ErrorMessage: e.Message}}
	case OtherEvent:
		return nil
	default:
		return nil
	}
}

func (n *Normalizer) looksLikeUserEcho(text string) bool {
	if n.userMessageText == "" || text == "" {
		return false
	}
	if text == n.userMessageText {
		return true
	}
	return hasPrefix(n.userMessageText, text) || hasSuffix(n.userMessageText, text) ||
		hasPrefix(text, n.userMessageText) || hasSuffix(text, n.userMessageText)
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

func (n *Normalizer) applyText(e TextPartEvent) []NormalizedEvent {
	t, ok := n.textParts[e.PartID]
	if !ok {
		role, roleKnown := n.messageRoles[e.MessageID]
		if !roleKnown && n.looksLikeUserEcho(e.FullText) {
			n.enqueueEcho(e.MessageID, model.ContentPart{Type: model.ContentPartText, ID: e.PartID, Text: e.FullText})
			return nil
		}
		if roleKnown && role != "assistant" {
			return nil
		}
		idx := n.nextIndex
		n.nextIndex++
		n.textParts[e.PartID] = &trackedText{index: idx, fullText: e.FullText}
		return []NormalizedEvent{{
			Kind:      EventText,
			Delta:     e.FullText,
			Part:      model.ContentPart{Type: model.ContentPartText, ID: e.PartID, Text: e.FullText},
			PartIndex: idx,
			IsNewPart: true,
		}}
	}
	delta := e.FullText[len(t.fullText):]
	t.fullText = e.FullText
	if delta == "" {
		return nil
	}
	return []NormalizedEvent{{
		Kind:      EventText,
		Delta:     delta,
		Part:      model.ContentPart{Type: model.ContentPartText, ID: e.PartID, Text: e.FullText},
		PartIndex: t.index,
	}}
}

func (n *Normalizer) applyThinking(e ReasoningPartEvent) []NormalizedEvent {
	t, ok := n.thinkingParts[e.PartID]
	if !ok {
		idx := n.nextIndex
		n.nextIndex++
		n.thinkingParts[e.PartID] = &trackedText{index: idx, fullText: e.FullContent}
		return []NormalizedEvent{{
			Kind:      EventThinking,
			Delta:     e.FullContent,
			Part:      model.ContentPart{Type: model.ContentPartThinking, ID: e.PartID, Content: e.FullContent},
			PartIndex: idx,
			IsNewPart: true,
		}}
	}
	delta := e.FullContent[len(t.fullText):]
	t.fullText = e.FullContent
	if delta == "" {
		return nil
	}
	return []NormalizedEvent{{
		Kind:      EventThinking,
		Delta:     delta,
		Part:      model.ContentPart{Type: model.ContentPartThinking, ID: e.PartID, Content: e.FullContent},
		PartIndex: t.index,
	}}
}

func (n *Normalizer) applyTool(e ToolPartEvent) []NormalizedEvent {
	prev := n.toolStatus[e.ToolUseID]
	n.toolStatus[e.ToolUseID] = e.Status
	switch e.Status {
	case ToolStatusRunning:
		if prev == ToolStatusRunning {
			return nil // duplicate running event, ignore (spec.md §4.5)
		}
		if len(e.Input) == 0 {
			return nil
		}
		integration, operation, isWrite := classifyTool(e.Name, e.Input)
		idx := n.nextIndex
		n.nextIndex++
		part := model.ContentPart{
			Type:        model.ContentPartToolUse,
			ID:          e.ToolUseID,
			ToolUseID:   e.ToolUseID,
			ToolName:    e.Name,
			ToolInput:   e.Input,
			Integration: integration,
			Operation:   operation,
			IsWrite:     isWrite,
		}
		return []NormalizedEvent{{Kind: EventToolUse, Part: part, PartIndex: idx, IsNewPart: true}}
	case ToolStatusCompleted:
		part := model.ContentPart{
			Type:              model.ContentPartToolResult,
			ToolUseID:         e.ToolUseID,
			ToolResultContent: e.Output,
		}
		idx := n.nextIndex
		n.nextIndex++
		return []NormalizedEvent{{Kind: EventToolResult, Part: part, PartIndex: idx, IsNewPart: true}}
	case ToolStatusError:
		part := model.ContentPart{
			Type:            model.ContentPartToolResult,
			ToolUseID:       e.ToolUseID,
			ToolResultError: e.Error,
		}
		idx := n.nextIndex
		n.nextIndex++
		return []NormalizedEvent{{Kind: EventToolResult, Part: part, PartIndex: idx, IsNewPart: true}}
	default:
		return nil
	}
}

func (n *Normalizer) applyMessageUpdated(e MessageUpdatedEvent) []NormalizedEvent {
	n.messageRoles[e.MessageID] = e.Role
	if e.Role != "assistant" {
		delete(n.pendingEcho, e.MessageID)
		return nil
	}
	queued := n.pendingEcho[e.MessageID]
	delete(n.pendingEcho, e.MessageID)
	out := make([]NormalizedEvent, 0, len(queued))
	for _, q := range queued {
		if time.Since(q.enqueued) > replayQueueTTL {
			continue
		}
		idx := n.nextIndex
		n.nextIndex++
		n.textParts[q.part.ID] = &trackedText{index: idx, fullText: q.part.Text}
		out = append(out, NormalizedEvent{
			Kind:      EventText,
			Delta:     q.part.Text,
			Part:      q.part,
			PartIndex: idx,
			IsNewPart: true,
		})
	}
	return out
}

func (n *Normalizer) enqueueEcho(messageID string, part model.ContentPart) {
	q := n.pendingEcho[messageID]
	q = append(q, queuedEcho{part: part, enqueued: time.Now()})
	if len(q) > replayQueueCap {
		q = q[len(q)-replayQueueCap:] // drop oldest on overflow
	}
	n.pendingEcho[messageID] = q
}

// classifyTool derives {integration, operation, is_write} metadata for a
// bash tool invocation whose parsed command matches a known integration
// CLI shape (spec.md §4.5). Unrecognized commands return zero values.
func classifyTool(name string, input []byte) (integration, operation string, isWrite bool) {
	if name != "bash" {
		return "", "", false
	}
	cmd := parseCommand(input)
	return classifyCommand(cmd)
}
