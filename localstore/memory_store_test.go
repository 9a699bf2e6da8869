package localstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutShareRejectsDuplicate(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.PutShare("comp-1", "contributor-a", 11))
	err := s.PutShare("comp-1", "contributor-a", 99)
	require.ErrorIs(t, err, ErrDuplicateShare)

	v, err := s.GetShare("comp-1", "contributor-a")
	require.NoError(t, err)
	require.Equal(t, uint32(11), v)
}

func TestMemoryStoreGetShareNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetShare("comp-1", "nobody")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListSharesIsolatesByComputation(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.PutShare("comp-1", "a", 1))
	require.NoError(t, s.PutShare("comp-1", "b", 2))
	require.NoError(t, s.PutShare("comp-2", "a", 99))

	shares, err := s.ListShares("comp-1")
	require.NoError(t, err)
	require.Equal(t, map[string]uint32{"a": 1, "b": 2}, shares)
}

func TestMemoryStorePartialSumRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ps := PartialSum{CompID: "comp-1", Sum: 103, Contributors: []string{"a", "b", "c"}}
	require.NoError(t, s.PutPartialSum("comp-1", ps))

	got, err := s.GetPartialSum("comp-1")
	require.NoError(t, err)
	require.Equal(t, ps, got)
}

func TestMemoryStoreActionsAppendInOrder(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.AppendAction(Action{CompID: "comp-1", Seq: 0, Kind: "init"}))
	require.NoError(t, s.AppendAction(Action{CompID: "comp-1", Seq: 1, Kind: "share"}))

	actions, err := s.ListActions("comp-1")
	require.NoError(t, err)
	require.Len(t, actions, 2)
	require.Equal(t, "init", actions[0].Kind)
	require.Equal(t, "share", actions[1].Kind)
}

func TestMemoryStoreDeleteComputationClearsEverything(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.PutShare("comp-1", "a", 1))
	require.NoError(t, s.PutResponse("comp-1", Response{CompID: "comp-1", Value: 42}))
	require.NoError(t, s.PutPartialSum("comp-1", PartialSum{CompID: "comp-1", Sum: 7}))
	require.NoError(t, s.AppendAction(Action{CompID: "comp-1", Seq: 0, Kind: "init"}))

	require.NoError(t, s.DeleteComputation("comp-1"))

	_, err := s.GetShare("comp-1", "a")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetResponse("comp-1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetPartialSum("comp-1")
	require.ErrorIs(t, err, ErrNotFound)
	actions, err := s.ListActions("comp-1")
	require.NoError(t, err)
	require.Empty(t, actions)
}
