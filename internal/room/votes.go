package room

import (
	"context"
	"encoding/json"
	"strconv"

	masceerr "github.com/maschq/masc/internal/errors"
	"github.com/maschq/masc/internal/event"
)

func (e *Engine) getVote(ctx context.Context, id string) (*Vote, error) {
	data, ok, err := e.backend.Get(ctx, voteKey(id))
	if err != nil {
		return nil, masceerr.NewIoError("read vote record", err)
	}
	if !ok {
		return nil, &masceerr.VoteNotFoundError{ID: id}
	}
	var v Vote
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, masceerr.NewBackendError("corrupt vote record", err)
	}
	return &v, nil
}

func (e *Engine) putVote(ctx context.Context, v *Vote) error {
	data, err := json.Marshal(v)
	if err != nil {
		return masceerr.NewInternalError("marshal vote record", err)
	}
	if err := e.backend.Put(ctx, voteKey(v.VoteID), data); err != nil {
		return masceerr.NewIoError("write vote record", err)
	}
	return nil
}

// VoteCreate opens a new ballot (spec §3: one vote per agent, room-wide).
func (e *Engine) VoteCreate(ctx context.Context, proposer, topic string, options []string, requiredVotes int) (*Vote, error) {
	if topic == "" || len(options) < 2 {
		return nil, &masceerr.SchemaError{Detail: "vote needs a topic and at least two options"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seq, err := e.backend.AtomicInc(ctx, "room.vote_seq", 1)
	if err != nil {
		return nil, masceerr.NewIoError("advance vote sequence", err)
	}
	v := &Vote{
		VoteID:        "vote-" + strconv.FormatInt(seq, 10),
		Proposer:      proposer,
		Topic:         topic,
		Options:       options,
		RequiredVotes: requiredVotes,
		Ballots:       map[string]string{},
		State:         VoteOpen,
		CreatedAt:     e.clock.Now(),
	}
	if err := e.putVote(ctx, v); err != nil {
		return nil, err
	}
	e.notify(event.Broadcast, proposer, map[string]string{"kind": "vote_opened", "vote_id": v.VoteID, "topic": topic})
	return v, nil
}

// VoteCast records agent's ballot, closing the vote and computing a result
// once RequiredVotes is reached. One ballot per agent per vote (spec §3
// invariant): a second cast from the same agent is rejected with
// AlreadyVotedError rather than replacing the first.
func (e *Engine) VoteCast(ctx context.Context, agent, voteID, option string) (*Vote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, err := e.getVote(ctx, voteID)
	if err != nil {
		return nil, err
	}
	if v.State == VoteClosed {
		return nil, &masceerr.VoteClosedError{ID: voteID}
	}
	valid := false
	for _, opt := range v.Options {
		if opt == option {
			valid = true
			break
		}
	}
	if !valid {
		return nil, &masceerr.SchemaError{Detail: "option not on ballot: " + option}
	}
	if _, already := v.Ballots[agent]; already {
		return nil, &masceerr.AlreadyVotedError{ID: voteID, Agent: agent}
	}

	v.Ballots[agent] = option
	if v.RequiredVotes > 0 && len(v.Ballots) >= v.RequiredVotes {
		v.State = VoteClosed
		v.Result = tally(v.Ballots, v.Options)
	}
	if err := e.putVote(ctx, v); err != nil {
		return nil, err
	}

	e.notify(event.Broadcast, agent, map[string]string{"kind": "vote_cast", "vote_id": voteID, "option": option})
	if v.State == VoteClosed {
		e.notify(event.Completion, "", map[string]string{"kind": "vote_closed", "vote_id": voteID, "result": v.Result})
	}
	return v, nil
}

// tally returns the option with the most ballots, breaking ties by the
// first-listed option.
func tally(ballots map[string]string, options []string) string {
	counts := make(map[string]int, len(options))
	for _, opt := range ballots {
		counts[opt]++
	}
	best := options[0]
	bestCount := -1
	for _, opt := range options {
		if counts[opt] > bestCount {
			best = opt
			bestCount = counts[opt]
		}
	}
	return best
}

// VoteStatus is a derived read API returning the current ballot state.
func (e *Engine) VoteStatus(ctx context.Context, voteID string) (*Vote, error) {
	return e.getVote(ctx, voteID)
}
