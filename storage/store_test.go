package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/validator-tools/keeper/types"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeper.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store, path
}

func TestStoreEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	state, found, err := store.LoadState()
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, state)
}

func TestStoreRoundTrip(t *testing.T) {
	store, path := openTestStore(t)

	saved := &OrchestratorState{
		LastElectionID:   1700032768,
		PendingAction:    ActionStakeSubmitted,
		PermanentKeyHash: types.KeyHash{1},
		AdnlKeyHash:      types.KeyHash{2},
		IssuedKeyHashes:  []types.KeyHash{{1}, {2}},
	}
	require.NoError(t, store.SaveState(saved))

	loaded, found, err := store.LoadState()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, saved, loaded)

	// survives a close/reopen cycle
	require.NoError(t, store.Close())
	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()

	loaded, found, err = reopened.LoadState()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, saved, loaded)
}

func TestStoreOverwrite(t *testing.T) {
	store, _ := openTestStore(t)

	require.NoError(t, store.SaveState(&OrchestratorState{LastElectionID: 1, PendingAction: ActionKeysIssued}))
	require.NoError(t, store.SaveState(&OrchestratorState{LastElectionID: 2}))

	loaded, found, err := store.LoadState()
	require.NoError(t, err)
	require.True(t, found)
	require.EqualValues(t, 2, loaded.LastElectionID)
	require.Equal(t, ActionNone, loaded.PendingAction)
}

func TestStoreClosed(t *testing.T) {
	store, _ := openTestStore(t)
	require.NoError(t, store.Close())

	_, _, err := store.LoadState()
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, store.SaveState(&OrchestratorState{}), ErrClosed)
}

func TestAdvanceRefusesRegression(t *testing.T) {
	state := &OrchestratorState{LastElectionID: 1700000000}

	require.NoError(t, state.Advance(ActionKeysIssued))
	require.NoError(t, state.Advance(ActionStakeSubmitted))
	require.NoError(t, state.Advance(ActionStakeSubmitted), "re-advancing to the same action is allowed")
	require.Error(t, state.Advance(ActionKeysIssued))
	require.NoError(t, state.Advance(ActionConfirmed))
	require.Error(t, state.Advance(ActionNone))
}

func TestResetStartsNewCycle(t *testing.T) {
	state := &OrchestratorState{
		LastElectionID:   1700000000,
		PendingAction:    ActionConfirmed,
		PermanentKeyHash: types.KeyHash{1},
		AdnlKeyHash:      types.KeyHash{2},
		IssuedKeyHashes:  []types.KeyHash{{1}, {2}},
	}
	state.Reset(1700065536)

	require.EqualValues(t, 1700065536, state.LastElectionID)
	require.Equal(t, ActionNone, state.PendingAction)
	require.Equal(t, types.KeyHash{}, state.PermanentKeyHash)
	require.Equal(t, types.KeyHash{}, state.AdnlKeyHash)
	require.NotEmpty(t, state.IssuedKeyHashes, "issued key history is never discarded")
}
