// Package storage persists the orchestrator's election progress so a restart
// resumes mid-cycle instead of starting over.
package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/validator-tools/keeper/types"
)

// PendingAction is the orchestrator's progress within one election cycle.
// It only advances monotonically for a given election id.
type PendingAction uint8

const (
	ActionNone PendingAction = iota
	ActionKeysIssued
	ActionStakeSubmitted
	ActionConfirmed
)

func (a PendingAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionKeysIssued:
		return "keys_issued"
	case ActionStakeSubmitted:
		return "stake_submitted"
	case ActionConfirmed:
		return "confirmed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// OrchestratorState is the durable record of the last election participated
// in. Single writer: the orchestrator. LastElectionID zero means no election
// has been acted on yet.
type OrchestratorState struct {
	LastElectionID   uint32          `cbor:"1,keyasint"`
	PendingAction    PendingAction   `cbor:"2,keyasint"`
	PermanentKeyHash types.KeyHash   `cbor:"3,keyasint"`
	AdnlKeyHash      types.KeyHash   `cbor:"4,keyasint"`
	IssuedKeyHashes  []types.KeyHash `cbor:"5,keyasint"`
}

// Advance moves to a later action within the same election. It refuses to go
// backwards; starting a new election requires Reset.
func (s *OrchestratorState) Advance(action PendingAction) error {
	if action < s.PendingAction {
		return fmt.Errorf("pending action cannot regress from %s to %s", s.PendingAction, action)
	}
	s.PendingAction = action
	return nil
}

// Reset prepares the state for a new election id.
func (s *OrchestratorState) Reset(electionID uint32) {
	s.LastElectionID = electionID
	s.PendingAction = ActionNone
	s.PermanentKeyHash = types.KeyHash{}
	s.AdnlKeyHash = types.KeyHash{}
}

var (
	bucketState = []byte("orchestrator")
	keyState    = []byte("state")

	ErrClosed = errors.New("store closed")
)

// Store is the bbolt backed persistence layer. Values are CBOR encoded; every
// save is a single write transaction, giving write-then-rename atomicity at
// the file level.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketState)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to init state store: %w", err)
	}
	return &Store{db: db}, nil
}

// LoadState reads the persisted orchestrator state. The bool result reports
// whether any state was present.
func (s *Store) LoadState() (*OrchestratorState, bool, error) {
	if s.db == nil {
		return nil, false, ErrClosed
	}
	var state *OrchestratorState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyState)
		if data == nil {
			return nil
		}
		state = &OrchestratorState{}
		if err := cbor.Unmarshal(data, state); err != nil {
			return fmt.Errorf("failed to decode orchestrator state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return state, state != nil, nil
}

// SaveState persists the orchestrator state atomically.
func (s *Store) SaveState(state *OrchestratorState) error {
	if s.db == nil {
		return ErrClosed
	}
	data, err := cbor.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode orchestrator state: %w", err)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyState, data)
	}); err != nil {
		return fmt.Errorf("failed to persist orchestrator state: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	return db.Close()
}
