package room

import (
	"context"
	"encoding/json"
	"time"

	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
)

// portalPollInterval is how often PortalSend re-checks for portal
// availability while waiting out its deadline (spec §3: "waits cooperatively
// for portal availability").
const portalPollInterval = 50 * time.Millisecond

func (e *Engine) getPortal(ctx context.Context, owner string) (*Portal, error) {
	data, ok, err := e.backend.Get(ctx, portalKey(owner))
	if err != nil {
		return nil, masceerr.NewIoError("read portal record", err)
	}
	if !ok {
		return nil, &masceerr.PortalNotFoundError{Agent: owner}
	}
	var p Portal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, masceerr.NewBackendError("corrupt portal record", err)
	}
	return &p, nil
}

func (e *Engine) putPortal(ctx context.Context, p *Portal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return masceerr.NewInternalError("marshal portal record", err)
	}
	if err := e.backend.Put(ctx, portalKey(p.Owner), data); err != nil {
		return masceerr.NewIoError("write portal record", err)
	}
	return nil
}

// PortalOpen opens a private buffer between owner and peer. At most one
// open portal per owner (spec §3); opening again with the same peer is
// idempotent, with a different peer it replaces the prior portal.
func (e *Engine) PortalOpen(ctx context.Context, owner, peer string) (*Portal, error) {
	if owner == peer {
		return nil, &masceerr.SchemaError{Detail: "a portal peer must differ from its owner"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, err := e.getPortal(ctx, owner); err == nil && existing.Peer == peer {
		return existing, nil
	}

	now := e.clock.Now()
	p := &Portal{
		Owner:        owner,
		Peer:         peer,
		Messages:     []PortalMessage{},
		OpenedAt:     now,
		LastActivity: now,
	}
	if err := e.putPortal(ctx, p); err != nil {
		return nil, err
	}
	e.notify(event.TaskUpdate, owner, map[string]string{"kind": "portal_opened", "peer": peer})
	return p, nil
}

// PortalSend appends a message to owner's portal, evicting the oldest entry
// once MaxPortalMessages is exceeded (spec §3 drop-oldest policy). If owner
// has no open portal yet, PortalSend waits cooperatively, re-polling every
// portalPollInterval, until one appears or deadline passes, at which point
// it returns TimeoutError (spec.md:233).
func (e *Engine) PortalSend(ctx context.Context, owner, from, content string, deadline time.Time) (*Portal, error) {
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		p, err := e.trySend(ctx, owner, from, content)
		if err == nil {
			return p, nil
		}
		var notFound *masceerr.PortalNotFoundError
		if !masceerr.As(err, &notFound) {
			return nil, err
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &masceerr.TimeoutError{}
		case <-time.After(portalPollInterval):
		}
	}
}

func (e *Engine) trySend(ctx context.Context, owner, from, content string) (*Portal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.getPortal(ctx, owner)
	if err != nil {
		return nil, err
	}
	if from != owner && from != p.Peer {
		return nil, &masceerr.ForbiddenError{Agent: from, Action: "send on this portal"}
	}

	now := e.clock.Now()
	p.Messages = append(p.Messages, PortalMessage{From: from, Content: content, Timestamp: now})
	if len(p.Messages) > MaxPortalMessages {
		p.Messages = p.Messages[len(p.Messages)-MaxPortalMessages:]
	}
	p.LastActivity = now
	if err := e.putPortal(ctx, p); err != nil {
		return nil, err
	}
	e.notify(event.TaskUpdate, from, map[string]string{"kind": "portal_message", "owner": owner})
	return p, nil
}

// PortalClose removes owner's portal entirely.
func (e *Engine) PortalClose(ctx context.Context, owner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.getPortal(ctx, owner); err != nil {
		return err
	}
	if _, err := e.backend.Delete(ctx, portalKey(owner)); err != nil {
		return masceerr.NewIoError("delete portal record", err)
	}
	e.notify(event.TaskUpdate, owner, map[string]string{"kind": "portal_closed"})
	return nil
}

// PortalStatus is a derived read API returning owner's portal, if any.
func (e *Engine) PortalStatus(ctx context.Context, owner string) (*Portal, error) {
	return e.getPortal(ctx, owner)
}
