package room

import (
	"context"
	"encoding/json"

	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
)

// Broadcast appends a room-wide message and bumps the shared message_seq
// counter (spec §4.1.3). fromAgent may be empty for system messages.
func (e *Engine) Broadcast(ctx context.Context, fromAgent, content, mention string, msgType MsgType) (*Message, error) {
	if content == "" {
		return nil, &masceerr.SchemaError{Detail: "content must not be empty"}
	}

	// atomic_inc always advances even if the subsequent put fails (the
	// "skip on failure" gap policy: a hole in the sequence is preferable to
	// two messages sharing a seq).
	seq, err := e.backend.AtomicInc(ctx, keyMessageSeq, 1)
	if err != nil {
		return nil, masceerr.NewIoError("advance message sequence", err)
	}

	m := &Message{
		Seq:       uint64(seq),
		FromAgent: fromAgent,
		MsgType:   msgType,
		Content:   content,
		Mention:   mention,
		Timestamp: e.clock.Now(),
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, masceerr.NewInternalError("marshal message", err)
	}
	if err := e.backend.Put(ctx, messageKey(m.Seq), data); err != nil {
		return nil, masceerr.NewIoError("write message", err)
	}

	e.notify(event.Broadcast, fromAgent, map[string]any{"seq": m.Seq, "content": content, "mention": mention})
	return m, nil
}

// SystemMessage posts a msg_type=system Message, used by the engine itself
// (task reverts, zombie reaping) as well as by operator commands.
func (e *Engine) SystemMessage(ctx context.Context, content string) (*Message, error) {
	return e.Broadcast(ctx, "", content, "", MsgSystem)
}

// GetMessages returns messages with seq > sinceSeq, in ascending seq order,
// up to limit entries (0 means unbounded). Gaps from failed writes are
// tolerated — a caller simply sees a non-contiguous seq run (spec §8
// scenario S6).
func (e *Engine) GetMessages(ctx context.Context, sinceSeq uint64, limit int) ([]Message, error) {
	keys, err := e.backend.List(ctx, "messages/")
	if err != nil {
		return nil, masceerr.NewIoError("list message keys", err)
	}

	messages := make([]Message, 0, len(keys))
	for _, k := range keys {
		data, ok, err := e.backend.Get(ctx, k)
		if err != nil {
			return nil, masceerr.NewIoError("read message record", err)
		}
		if !ok {
			continue
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		if m.Seq <= sinceSeq {
			continue
		}
		messages = append(messages, m)
		if limit > 0 && len(messages) >= limit {
			break
		}
	}
	return messages, nil
}
