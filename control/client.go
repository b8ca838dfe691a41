package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/validator-tools/keeper/types"
)

var (
	// ErrUnknownKey means the node holds no key with the given hash.
	ErrUnknownKey = errors.New("unknown key")
	// ErrInvalidResponse means the node answered with the wrong response type.
	ErrInvalidResponse = errors.New("invalid response type")
)

// transport is what the client needs from a Session.
type transport interface {
	SendReceive(ctx context.Context, payload []byte) ([]byte, error)
	Close() error
}

// ClientOptions tune the retry behaviour of idempotent operations.
type ClientOptions struct {
	// Retries is the attempt count on transport failures of idempotent calls.
	Retries int
	// Backoff is the fixed delay between attempts.
	Backoff time.Duration
}

func (o *ClientOptions) withDefaults() ClientOptions {
	opts := ClientOptions{Retries: 3, Backoff: 500 * time.Millisecond}
	if o != nil {
		if o.Retries > 0 {
			opts.Retries = o.Retries
		}
		if o.Backoff > 0 {
			opts.Backoff = o.Backoff
		}
	}
	return opts
}

// Client is the typed facade over the control channel. Operations with side
// effects are never retried automatically; idempotent reads are retried with
// fixed backoff.
type Client struct {
	transport transport
	opts      ClientOptions
	log       zerolog.Logger
}

func NewClient(t transport, opts *ClientOptions, log zerolog.Logger) *Client {
	return &Client{transport: t, opts: opts.withDefaults(), log: log}
}

func (c *Client) Close() error { return c.transport.Close() }

// GenerateKeyPair creates a new key pair on the node. Not retried: a blind
// retry could leave orphan keys on the node.
func (c *Client) GenerateKeyPair(ctx context.Context) (types.KeyHash, error) {
	resp, err := c.query(ctx, GenerateKeyPair{}, false)
	if err != nil {
		return types.KeyHash{}, err
	}
	r, ok := resp.(KeyHashResponse)
	if !ok {
		return types.KeyHash{}, fmt.Errorf("%w: %T", ErrInvalidResponse, resp)
	}
	return r.KeyHash, nil
}

// ExportPublicKey reads a public key back from the node. Idempotent.
func (c *Client) ExportPublicKey(ctx context.Context, keyHash types.KeyHash) ([]byte, error) {
	resp, err := c.query(ctx, ExportPublicKey{KeyHash: keyHash}, true)
	if err != nil {
		return nil, err
	}
	r, ok := resp.(PublicKeyResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrInvalidResponse, resp)
	}
	return r.Key, nil
}

// Sign signs data with a node-held key. ErrUnknownKey propagates unmodified.
func (c *Client) Sign(ctx context.Context, keyHash types.KeyHash, data []byte) ([]byte, error) {
	resp, err := c.query(ctx, Sign{KeyHash: keyHash, Data: data}, false)
	if err != nil {
		return nil, err
	}
	r, ok := resp.(SignatureResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrInvalidResponse, resp)
	}
	if len(r.Signature) != 64 {
		return nil, fmt.Errorf("%w: signature length %d", ErrInvalidResponse, len(r.Signature))
	}
	return r.Signature, nil
}

// AddValidatorPermanentKey registers a permanent validator key for an election.
func (c *Client) AddValidatorPermanentKey(ctx context.Context, keyHash types.KeyHash, electionDate, ttl uint32) error {
	return c.expectSuccess(ctx, AddValidatorPermanentKey{
		KeyHash:      keyHash,
		ElectionDate: electionDate,
		TTL:          ttl,
	})
}

// AddValidatorAdnlAddress binds a network address key to a permanent key.
func (c *Client) AddValidatorAdnlAddress(ctx context.Context, permanentKeyHash, keyHash types.KeyHash, ttl uint32) error {
	return c.expectSuccess(ctx, AddValidatorAdnlAddress{
		PermanentKeyHash: permanentKeyHash,
		KeyHash:          keyHash,
		TTL:              ttl,
	})
}

// GetStats reads the node's key/value statistics. Idempotent.
func (c *Client) GetStats(ctx context.Context) (*NodeStats, error) {
	resp, err := c.query(ctx, GetStats{}, true)
	if err != nil {
		return nil, err
	}
	r, ok := resp.(StatsResponse)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrInvalidResponse, resp)
	}
	return ParseNodeStats(r.Items)
}

// SetStatesGcInterval sets the node's state GC interval.
func (c *Client) SetStatesGcInterval(ctx context.Context, intervalMs uint32) error {
	return c.expectSuccess(ctx, SetStatesGcInterval{IntervalMs: intervalMs})
}

// SendMessage injects an external message into the network through the node.
// Safe to retry at the protocol level, but retrying is the caller's decision.
func (c *Client) SendMessage(ctx context.Context, body []byte) error {
	return c.expectSuccess(ctx, SendMessage{Body: body})
}

// GetConfigParams fetches global configuration parameters as JSON along with
// the block they were read from. Idempotent.
func (c *Client) GetConfigParams(ctx context.Context, params ...uint32) (types.BlockID, []byte, error) {
	resp, err := c.query(ctx, GetConfigParams{Params: params}, true)
	if err != nil {
		return types.BlockID{}, nil, err
	}
	r, ok := resp.(ConfigInfoResponse)
	if !ok {
		return types.BlockID{}, nil, fmt.Errorf("%w: %T", ErrInvalidResponse, resp)
	}
	return r.BlockID, r.Params, nil
}

// GetShardAccountState reads an account's serialized state. Idempotent.
// The bool result reports whether the account exists.
func (c *Client) GetShardAccountState(ctx context.Context, address types.Address) ([]byte, bool, error) {
	resp, err := c.query(ctx, GetShardAccountState{Address: address}, true)
	if err != nil {
		return nil, false, err
	}
	r, ok := resp.(ShardAccountResponse)
	if !ok {
		return nil, false, fmt.Errorf("%w: %T", ErrInvalidResponse, resp)
	}
	return r.State, r.Exists, nil
}

func (c *Client) expectSuccess(ctx context.Context, req Request) error {
	resp, err := c.query(ctx, req, false)
	if err != nil {
		return err
	}
	if _, ok := resp.(Success); !ok {
		return fmt.Errorf("%w: %T", ErrInvalidResponse, resp)
	}
	return nil
}

// query runs one encode/send/decode round trip. Transport failures of
// idempotent requests are retried with fixed backoff; node-reported errors
// are mapped to typed errors and never retried.
func (c *Client) query(ctx context.Context, req Request, idempotent bool) (Response, error) {
	payload := EncodeRequest(req)

	attempts := 1
	if idempotent {
		attempts = c.opts.Retries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.log.Debug().Err(lastErr).Int("attempt", attempt).Msg("retrying control query")
			select {
			case <-time.After(c.opts.Backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		reply, err := c.transport.SendReceive(ctx, payload)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrSessionClosed) {
				break
			}
			continue
		}

		resp, err := DecodeResponse(reply)
		if err != nil {
			// malformed payloads are protocol errors, fatal for the call
			return nil, err
		}
		if remote, ok := resp.(ControlError); ok {
			return nil, mapRemoteError(remote)
		}
		return resp, nil
	}
	return nil, lastErr
}

func mapRemoteError(e ControlError) error {
	switch e.Code {
	case CodeUnknownKey:
		return ErrUnknownKey
	default:
		return e
	}
}
