package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	masceerr "github.com/maschq/masc/internal/errors"
)

func TestVoteLifecycle(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	v, err := e.VoteCreate(ctx, "agent-a", "merge now?", []string{"yes", "no"}, 2)
	require.NoError(t, err)
	require.Equal(t, VoteOpen, v.State)

	v, err = e.VoteCast(ctx, "agent-a", v.VoteID, "yes")
	require.NoError(t, err)
	require.Equal(t, VoteOpen, v.State, "vote stays open until required_votes is reached")

	v, err = e.VoteCast(ctx, "agent-b", v.VoteID, "yes")
	require.NoError(t, err)
	require.Equal(t, VoteClosed, v.State)
	require.Equal(t, "yes", v.Result)

	_, err = e.VoteCast(ctx, "agent-c", v.VoteID, "no")
	require.Error(t, err)
	var closed *masceerr.VoteClosedError
	require.ErrorAs(t, err, &closed)
}

func TestVoteRejectsDoubleBallot(t *testing.T) {
	ctx := context.Background()
	e, _ := newTestEngine(t)

	v, err := e.VoteCreate(ctx, "agent-a", "topic", []string{"a", "b"}, 5)
	require.NoError(t, err)

	_, err = e.VoteCast(ctx, "agent-a", v.VoteID, "a")
	require.NoError(t, err)

	_, err = e.VoteCast(ctx, "agent-a", v.VoteID, "b")
	require.Error(t, err)
	var already *masceerr.AlreadyVotedError
	require.ErrorAs(t, err, &already)
}
