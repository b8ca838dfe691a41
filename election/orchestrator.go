// Package election drives validator election participation: key provisioning
// through the node control channel, stake computation through the staking
// vehicle and durable progress tracking.
package election

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/validator-tools/keeper/chain"
	"github.com/validator-tools/keeper/control"
	"github.com/validator-tools/keeper/staking"
	"github.com/validator-tools/keeper/storage"
	"github.com/validator-tools/keeper/types"
)

// ErrCycleAbandoned marks an election the orchestrator gave up on. Missing a
// round is preferable to an inconsistent on-chain action.
var ErrCycleAbandoned = errors.New("election cycle abandoned")

type (
	// ControlClient is the key management surface of the node.
	ControlClient interface {
		GenerateKeyPair(ctx context.Context) (types.KeyHash, error)
		ExportPublicKey(ctx context.Context, keyHash types.KeyHash) ([]byte, error)
		Sign(ctx context.Context, keyHash types.KeyHash, data []byte) ([]byte, error)
		AddValidatorPermanentKey(ctx context.Context, keyHash types.KeyHash, electionDate, ttl uint32) error
		AddValidatorAdnlAddress(ctx context.Context, permanentKeyHash, keyHash types.KeyHash, ttl uint32) error
	}

	// Observer supplies chain facts once per tick.
	Observer interface {
		PollLatest(ctx context.Context) (*chain.Snapshot, error)
		ElectorState(ctx context.Context, electorAddress types.Address) (*chain.ElectorData, error)
		ElectorParticipants(ctx context.Context, electorAddress types.Address, electionID uint32) (map[types.KeyHash]struct{}, error)
		AccountState(ctx context.Context, address types.Address) (*chain.AccountState, error)
		NodeSynced(ctx context.Context, maxTimeDiff int32, masterchainOnly bool) (bool, error)
	}

	// Sender submits an outbound transfer through the message layer. The stake
	// transfer carries the signed participation payload, top-ups carry none.
	Sender interface {
		SubmitTransfer(ctx context.Context, from types.Address, req staking.StakeRequest, payload []byte) error
	}

	// Store persists orchestrator progress.
	Store interface {
		LoadState() (*storage.OrchestratorState, bool, error)
		SaveState(state *storage.OrchestratorState) error
	}
)

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	// StakeFactor is the max-factor submitted with the stake (fixed point, 2^16).
	StakeFactor uint32
	// MaxTimeDiff gates participation on node sync.
	MaxTimeDiff int32
	// MaxAttempts bounds per-state retries before the cycle is abandoned.
	MaxAttempts int
	// KeyTTLOffset pads the permanent key TTL past the stake unfreeze time.
	KeyTTLOffset uint32
	// StartOffset delays election entry this many seconds past the window start.
	StartOffset uint32
	// EndOffset stops resubmitting this many seconds before the window closes.
	EndOffset uint32
	// Force bypasses the participation safety checks.
	Force bool
	// DisableJitter enters the election window immediately.
	DisableJitter bool

	Rand  *rand.Rand
	Clock func() time.Time
}

func (o Options) withDefaults() Options {
	if o.StakeFactor == 0 {
		o.StakeFactor = 3 << 16
	}
	if o.MaxTimeDiff == 0 {
		o.MaxTimeDiff = 120
	}
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 5
	}
	if o.KeyTTLOffset == 0 {
		o.KeyTTLOffset = 1000
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Orchestrator is the election state machine. One instance runs at most one
// state transition at a time; Tick is driven by a single loop.
type Orchestrator struct {
	control  ControlClient
	observer Observer
	vehicle  staking.Vehicle
	sender   Sender
	store    Store
	opts     Options
	log      zerolog.Logger

	// guard lets a shutdown wait for the current atomic step to finish
	guard sync.Mutex

	state *storage.OrchestratorState

	// per-process cycle memory, reset when the election id changes
	jitterElection uint32
	jitterEntry    uint32
	attempts       int
	abandoned      uint32
}

// NewOrchestrator loads persisted state; an unreadable store is fatal, the
// orchestrator must not guess prior progress.
func NewOrchestrator(
	controlClient ControlClient,
	observer Observer,
	vehicle staking.Vehicle,
	sender Sender,
	store Store,
	opts Options,
	log zerolog.Logger,
) (*Orchestrator, error) {
	state, found, err := store.LoadState()
	if err != nil {
		return nil, fmt.Errorf("failed to load orchestrator state: %w", err)
	}
	if !found {
		state = &storage.OrchestratorState{}
	}

	o := &Orchestrator{
		control:  controlClient,
		observer: observer,
		vehicle:  vehicle,
		sender:   sender,
		store:    store,
		opts:     opts.withDefaults(),
		log:      log,
		state:    state,
	}
	log.Info().
		Uint32("last_election_id", state.LastElectionID).
		Stringer("pending_action", state.PendingAction).
		Msg("orchestrator state loaded")
	return o, nil
}

// Guard returns the mutex a shutdown handler should acquire to let the
// current atomic step finish before teardown.
func (o *Orchestrator) Guard() *sync.Mutex { return &o.guard }

// Tick evaluates the state machine once. Transport failures are retried on
// later ticks; exhausted retries and safety violations abandon the cycle.
func (o *Orchestrator) Tick(ctx context.Context) error {
	snapshot, err := o.observer.PollLatest(ctx)
	if err != nil {
		return fmt.Errorf("failed to poll chain: %w", err)
	}
	now := uint32(o.opts.Clock().Unix())
	params := snapshot.Election

	if params.ElectionID == o.abandoned && o.abandoned != 0 {
		return nil
	}

	if o.state.LastElectionID != params.ElectionID {
		return o.enterElection(ctx, snapshot, now)
	}

	switch o.state.PendingAction {
	case storage.ActionConfirmed:
		// cycle complete, wait for the next election id
		return nil
	case storage.ActionNone:
		o.guard.Lock()
		defer o.guard.Unlock()
		return o.issueKeys(ctx)
	case storage.ActionKeysIssued:
		return o.registerAndStake(ctx, snapshot, now)
	case storage.ActionStakeSubmitted:
		return o.confirmStake(ctx, snapshot, now)
	default:
		return fmt.Errorf("corrupt state: unknown pending action %d", o.state.PendingAction)
	}
}

// enterElection decides whether and when to join a newly observed election.
// Entry is delayed by a jitter drawn uniformly from the first quarter of the
// window so that many nodes reacting to the same block spread their load.
func (o *Orchestrator) enterElection(ctx context.Context, snapshot *chain.Snapshot, now uint32) error {
	params := snapshot.Election
	if !params.Open(now) {
		return nil
	}

	if o.jitterElection != params.ElectionID {
		o.jitterElection = params.ElectionID
		o.jitterEntry = params.StartTime + o.opts.StartOffset
		if !o.opts.DisableJitter {
			if quarter := (params.EndTime - params.StartTime) / 4; quarter > 0 {
				o.jitterEntry += uint32(o.opts.Rand.Int63n(int64(quarter)))
			}
		}
		o.log.Info().
			Uint32("election_id", params.ElectionID).
			Uint32("entry_at", o.jitterEntry).
			Msg("election window open, scheduled entry")
	}
	if now < o.jitterEntry {
		return nil
	}

	if !o.opts.Force {
		synced, err := o.observer.NodeSynced(ctx, o.opts.MaxTimeDiff, true)
		if err != nil {
			return err
		}
		if !synced {
			o.log.Warn().Msg("node out of sync, not entering election")
			return nil
		}
	}

	elector, err := o.observer.ElectorState(ctx, snapshot.ElectorAddress)
	if err != nil {
		return fmt.Errorf("failed to read elector state: %w", err)
	}

	// A stake from an earlier round may still be frozen. Wait for it to
	// unfreeze so the recovered funds can back the new stake, unless the
	// unfreeze lands too close to the window end to be worth waiting for.
	if unfreezeAt, ok := elector.NearestUnfreezeAt(params.EndTime); ok && now < unfreezeAt {
		if unfreezeAt+o.opts.EndOffset >= params.EndTime {
			o.log.Warn().
				Uint32("unfreeze_at", unfreezeAt).
				Msg("previous stake unfreezes after the election window closes")
		} else {
			o.log.Info().
				Uint32("unfreeze_at", unfreezeAt).
				Msg("waiting for the previous stake to unfreeze")
			return nil
		}
	}

	o.guard.Lock()
	defer o.guard.Unlock()

	if stake, ok := elector.UnfrozenStake(o.vehicle.WalletAddress()); ok {
		o.log.Info().Str("stake", types.Tokens(stake)).Msg("recovering unfrozen stake")
		withdrawal := staking.RecoverRequest(snapshot.ElectorAddress)
		if err := o.sender.SubmitTransfer(ctx, o.vehicle.WalletAddress(), withdrawal, RecoverStakePayload(uint64(now))); err != nil {
			return fmt.Errorf("failed to recover stake: %w", err)
		}
	}

	o.state.Reset(params.ElectionID)
	o.attempts = 0
	if err := o.store.SaveState(o.state); err != nil {
		return err
	}
	o.log.Info().Uint32("election_id", params.ElectionID).Msg("entering election")

	// entry itself has no external side effect, proceed to key issuance
	return o.issueKeys(ctx)
}

// issueKeys provisions a fresh permanent key and network address key on the
// node. Generation is not idempotent, so progress is persisted before any
// later step may retry. The caller holds the shutdown guard.
func (o *Orchestrator) issueKeys(ctx context.Context) error {
	permanent, err := o.control.GenerateKeyPair(ctx)
	if err != nil {
		return o.noteFailure(fmt.Errorf("failed to generate permanent key: %w", err))
	}
	adnl, err := o.control.GenerateKeyPair(ctx)
	if err != nil {
		return o.noteFailure(fmt.Errorf("failed to generate adnl key: %w", err))
	}

	o.state.PermanentKeyHash = permanent
	o.state.AdnlKeyHash = adnl
	o.state.IssuedKeyHashes = append(o.state.IssuedKeyHashes, permanent, adnl)
	if err := o.state.Advance(storage.ActionKeysIssued); err != nil {
		return err
	}
	if err := o.store.SaveState(o.state); err != nil {
		return err
	}

	o.attempts = 0
	o.log.Info().
		Stringer("permanent_key", o.state.PermanentKeyHash).
		Stringer("adnl_key", o.state.AdnlKeyHash).
		Msg("issued validator keys")
	return nil
}

// registerAndStake registers the issued keys for this election and submits
// the stake transfers. The election id is re-checked against a fresh snapshot
// immediately before registration: elections can roll over between ticks and
// keys must never be bound to a stale id.
func (o *Orchestrator) registerAndStake(ctx context.Context, snapshot *chain.Snapshot, now uint32) error {
	o.guard.Lock()
	defer o.guard.Unlock()

	fresh, err := o.observer.PollLatest(ctx)
	if err != nil {
		return o.noteFailure(err)
	}
	if fresh.Election.ElectionID != o.state.LastElectionID {
		o.log.Warn().
			Uint32("captured", o.state.LastElectionID).
			Uint32("current", fresh.Election.ElectionID).
			Msg("election rolled over before key registration, discarding keys")
		o.state.Reset(fresh.Election.ElectionID)
		o.attempts = 0
		return o.store.SaveState(o.state)
	}
	electionID := o.state.LastElectionID

	// Reconcile with the node: a restart may have wiped the keys the
	// persisted state refers to. Reissue instead of trusting the store.
	pubkey, err := o.control.ExportPublicKey(ctx, o.state.PermanentKeyHash)
	if errors.Is(err, control.ErrUnknownKey) {
		o.log.Warn().Msg("node lost issued keys, reissuing")
		o.state.PendingAction = storage.ActionNone
		if err := o.store.SaveState(o.state); err != nil {
			return err
		}
		return o.issueKeys(ctx)
	}
	if err != nil {
		return o.noteFailure(err)
	}

	// Registration idempotence across restarts: if the elector already lists
	// this key the stake was accepted in a previous life.
	participants, err := o.observer.ElectorParticipants(ctx, snapshot.ElectorAddress, electionID)
	if err != nil {
		return o.noteFailure(err)
	}
	if _, registered := participants[keyOf(pubkey)]; registered {
		o.log.Info().Msg("validator already registered with the elector")
		if err := o.state.Advance(storage.ActionStakeSubmitted); err != nil {
			return err
		}
		return o.store.SaveState(o.state)
	}

	ttl := electionID +
		snapshot.Timings.ValidatorsElectedFor +
		snapshot.Timings.ElectionsStartBefore +
		snapshot.Timings.ElectionsEndBefore +
		snapshot.Timings.StakeHeldFor +
		o.opts.KeyTTLOffset
	if err := o.control.AddValidatorPermanentKey(ctx, o.state.PermanentKeyHash, electionID, ttl); err != nil {
		return o.noteFailure(fmt.Errorf("failed to register permanent key: %w", err))
	}
	// ttl is unused by the node for address keys
	if err := o.control.AddValidatorAdnlAddress(ctx, o.state.PermanentKeyHash, o.state.AdnlKeyHash, 0); err != nil {
		return o.noteFailure(fmt.Errorf("failed to register adnl address: %w", err))
	}
	o.log.Info().Uint32("election_id", electionID).Msg("registered validator keys")

	// checkpoint before the externally observable submission so a crash
	// resumes into the idempotent confirm/resubmit path
	if err := o.state.Advance(storage.ActionStakeSubmitted); err != nil {
		return err
	}
	if err := o.store.SaveState(o.state); err != nil {
		return err
	}
	o.attempts = 0

	return o.submitTransfers(ctx, snapshot, now, pubkey)
}

// confirmStake polls the elector for acceptance and resubmits while the
// window is still open. Resubmission recomputes transfers from live balances,
// so an already-funded proxy or accepted stake is never paid twice.
func (o *Orchestrator) confirmStake(ctx context.Context, snapshot *chain.Snapshot, now uint32) error {
	electionID := o.state.LastElectionID

	pubkey, err := o.control.ExportPublicKey(ctx, o.state.PermanentKeyHash)
	if err != nil {
		return o.noteFailure(err)
	}
	participants, err := o.observer.ElectorParticipants(ctx, snapshot.ElectorAddress, electionID)
	if err != nil {
		return o.noteFailure(err)
	}
	if _, accepted := participants[keyOf(pubkey)]; accepted {
		o.guard.Lock()
		defer o.guard.Unlock()
		if err := o.state.Advance(storage.ActionConfirmed); err != nil {
			return err
		}
		if err := o.store.SaveState(o.state); err != nil {
			return err
		}
		o.log.Info().Uint32("election_id", electionID).Msg("stake confirmed by the elector")
		return nil
	}

	if now+o.opts.EndOffset >= snapshot.Election.EndTime {
		o.abandoned = electionID
		return fmt.Errorf("%w: election %d window closed without confirmation", ErrCycleAbandoned, electionID)
	}

	o.guard.Lock()
	defer o.guard.Unlock()
	if err := o.submitTransfers(ctx, snapshot, now, pubkey); err != nil {
		return err
	}
	return nil
}

// submitTransfers asks the vehicle what needs to move and submits each
// transfer in order. The stake transfer carries the signed participation
// payload.
func (o *Orchestrator) submitTransfers(ctx context.Context, snapshot *chain.Snapshot, now uint32, pubkey []byte) error {
	env := &staking.Env{Snapshot: snapshot, Accounts: o.observer, Now: now}
	transfers, err := o.vehicle.RequiredTransfers(ctx, env)
	if err != nil {
		return o.noteFailure(fmt.Errorf("failed to compute transfers: %w", err))
	}

	var payload []byte
	for _, transfer := range transfers {
		if transfer.Purpose == staking.PurposeStake && payload == nil {
			data := &ParticipantData{
				ElectionID: o.state.LastElectionID,
				MaxFactor:  o.opts.StakeFactor,
				Source:     o.vehicle.Participant(o.state.LastElectionID),
				AdnlAddr:   o.state.AdnlKeyHash,
				PublicKey:  pubkey,
			}
			signed, err := data.Sign(ctx, o.control, o.state.PermanentKeyHash)
			if err != nil {
				// an unknown key here is fatal for the cycle: regenerating a
				// permanent key mid-election risks a registration mismatch
				if errors.Is(err, control.ErrUnknownKey) {
					o.abandoned = o.state.LastElectionID
					return fmt.Errorf("%w: %s", ErrCycleAbandoned, err)
				}
				return o.noteFailure(err)
			}
			payload = signed.Encode()
		}
	}

	for _, transfer := range transfers {
		var body []byte
		if transfer.Purpose == staking.PurposeStake {
			body = payload
		}
		o.log.Info().
			Str("purpose", transfer.Purpose).
			Stringer("destination", transfer.Destination).
			Str("amount", types.Tokens(transfer.Amount)).
			Msg("submitting transfer")
		if err := o.sender.SubmitTransfer(ctx, o.vehicle.WalletAddress(), transfer, body); err != nil {
			return o.noteFailure(fmt.Errorf("failed to submit %s transfer: %w", transfer.Purpose, err))
		}
	}
	return nil
}

// noteFailure counts a per-state failure; exhausting the bound abandons the
// cycle instead of retrying forever.
func (o *Orchestrator) noteFailure(err error) error {
	o.attempts++
	if o.attempts >= o.opts.MaxAttempts {
		o.abandoned = o.state.LastElectionID
		o.attempts = 0
		return fmt.Errorf("%w: retries exhausted: %s", ErrCycleAbandoned, err)
	}
	return err
}

func keyOf(pubkey []byte) types.KeyHash {
	var h types.KeyHash
	copy(h[:], pubkey)
	return h
}
