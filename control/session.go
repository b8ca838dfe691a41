package control

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrHandshake means the peer key mismatched or the handshake frame was rejected.
	ErrHandshake = errors.New("control handshake failed")
	// ErrCorruptFrame means a frame failed its checksum and was rejected.
	ErrCorruptFrame = errors.New("corrupt control frame")
	// ErrTimeout means the round trip deadline elapsed.
	ErrTimeout = errors.New("control query timeout")
	// ErrSessionClosed means the session is no longer usable.
	ErrSessionClosed = errors.New("control session closed")
)

const (
	// frame overhead: 32-byte nonce plus 32-byte checksum trailer
	frameOverhead = 64
	// maximum accepted frame, the control schema never needs more
	maxFrameLen = 1 << 24

	handshakeSeedLen = 160
)

// SessionOptions tune connection establishment and round trips.
type SessionOptions struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

func (o *SessionOptions) withDefaults() SessionOptions {
	opts := SessionOptions{ConnectTimeout: 10 * time.Second, QueryTimeout: 10 * time.Second}
	if o != nil {
		if o.ConnectTimeout > 0 {
			opts.ConnectTimeout = o.ConnectTimeout
		}
		if o.QueryTimeout > 0 {
			opts.QueryTimeout = o.QueryTimeout
		}
	}
	return opts
}

// Session is an encrypted point-to-point control channel. The wire format has
// no multiplexing id, so a session serves one request at a time; concurrent
// callers are serialized by an internal mutex.
type Session struct {
	mu     sync.Mutex
	conn   net.Conn
	send   cipher.Stream
	recv   cipher.Stream
	opts   SessionOptions
	closed bool
}

// Connect dials the node control endpoint and performs the handshake.
// serverKey is the node's static public key, clientSecret the client's static
// secret; both are X25519 keys.
func Connect(ctx context.Context, address string, serverKey, clientSecret [32]byte, opts *SessionOptions) (*Session, error) {
	options := opts.withDefaults()

	dialer := net.Dialer{Timeout: options.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to node control: %w", err)
	}

	s, err := newSession(conn, serverKey, clientSecret, options)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// newSession runs the handshake over an established connection.
func newSession(conn net.Conn, serverKey, clientSecret [32]byte, opts SessionOptions) (*Session, error) {
	seed := make([]byte, handshakeSeedLen)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate session seed: %w", err)
	}

	// The seed defines both directional session ciphers. The server recovers
	// it from the handshake frame and builds the mirrored pair.
	recv, err := newCTRStream(seed[0:32], seed[64:80])
	if err != nil {
		return nil, err
	}
	send, err := newCTRStream(seed[32:64], seed[80:96])
	if err != nil {
		return nil, err
	}

	packet, err := buildHandshakePacket(serverKey, clientSecret, seed)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(opts.ConnectTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	if _, err := conn.Write(packet); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	s := &Session{conn: conn, send: send, recv: recv, opts: opts}

	// The server confirms the handshake with an empty frame. Anything else
	// (including a checksum failure on the confirmation) rejects the session.
	payload, err := s.readFrame()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHandshake, err)
	}
	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: unexpected confirmation payload", ErrHandshake)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to clear handshake deadline: %w", err)
	}
	return s, nil
}

// SendReceive performs one request/response round trip. The deadline is the
// sooner of the context deadline and the configured query timeout.
func (s *Session) SendReceive(ctx context.Context, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	deadline := time.Now().Add(s.opts.QueryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set query deadline: %w", err)
	}

	if err := s.writeFrame(payload); err != nil {
		s.poison()
		return nil, err
	}

	for {
		reply, err := s.readFrame()
		if err != nil {
			if errors.Is(err, ErrCorruptFrame) {
				return nil, err
			}
			s.poison()
			return nil, err
		}
		// empty frames are keep-alives, skip them
		if len(reply) == 0 {
			continue
		}
		return reply, nil
	}
}

// Close terminates the session. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}

// poison marks the session unusable after a socket level failure. The cipher
// streams are positional, a partial read or write desynchronizes them for good.
func (s *Session) poison() {
	if !s.closed {
		s.closed = true
		_ = s.conn.Close()
	}
}

// writeFrame wraps payload with the length prefix, a random nonce and the
// checksum trailer, then encrypts everything with the send cipher.
func (s *Session) writeFrame(payload []byte) error {
	frame := make([]byte, 4+32+len(payload)+32)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)+frameOverhead))
	if _, err := rand.Read(frame[4:36]); err != nil {
		return fmt.Errorf("failed to generate frame nonce: %w", err)
	}
	copy(frame[36:], payload)
	checksum := sha256.Sum256(frame[4 : 36+len(payload)])
	copy(frame[36+len(payload):], checksum[:])

	s.send.XORKeyStream(frame, frame)
	if _, err := s.conn.Write(frame); err != nil {
		return mapIOError(err, "failed to write frame")
	}
	return nil
}

// readFrame reads and decrypts one frame, verifying the checksum trailer.
// The returned payload excludes the nonce and the checksum.
func (s *Session) readFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return nil, mapIOError(err, "failed to read frame length")
	}
	s.recv.XORKeyStream(lenBuf[:], lenBuf[:])

	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < frameOverhead || length > maxFrameLen {
		// unlike a checksum mismatch, a bad length leaves the stream position
		// unknowable: the ciphers are desynchronized for good
		s.poison()
		return nil, fmt.Errorf("%w: invalid frame length %d", ErrCorruptFrame, length)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(s.conn, frame); err != nil {
		return nil, mapIOError(err, "failed to read frame")
	}
	s.recv.XORKeyStream(frame, frame)

	checksum := sha256.Sum256(frame[:length-32])
	if !bytes.Equal(checksum[:], frame[length-32:]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptFrame)
	}

	return frame[32 : length-32], nil
}

func mapIOError(err error, msg string) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, msg)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// buildHandshakePacket produces the only unencrypted frame of a session:
// server key fingerprint, client public key, seed checksum and the seed itself
// encrypted with a cipher derived from the shared static key material.
func buildHandshakePacket(serverKey, clientSecret [32]byte, seed []byte) ([]byte, error) {
	clientPublic, err := curve25519.X25519(clientSecret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("invalid client secret: %w", err)
	}
	shared, err := curve25519.X25519(clientSecret[:], serverKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid server key", ErrHandshake)
	}

	checksum := sha256.Sum256(seed)

	packet := make([]byte, 96+len(seed))
	serverID := keyFingerprint(serverKey)
	copy(packet[0:32], serverID[:])
	copy(packet[32:64], clientPublic)
	copy(packet[64:96], checksum[:])
	copy(packet[96:], seed)

	stream, err := handshakeCipher(shared, checksum[:])
	if err != nil {
		return nil, err
	}
	stream.XORKeyStream(packet[96:], packet[96:])
	return packet, nil
}

// handshakeCipher derives the seed encryption cipher from the shared secret
// with an HMAC based KDF, salted by the seed checksum.
func handshakeCipher(shared, checksum []byte) (cipher.Stream, error) {
	kdf := hkdf.New(sha256.New, shared, checksum, []byte("control handshake"))
	material := make([]byte, 48)
	if _, err := io.ReadFull(kdf, material); err != nil {
		return nil, fmt.Errorf("failed to derive handshake cipher: %w", err)
	}
	return newCTRStream(material[:32], material[32:48])
}

// keyFingerprint identifies a static key on the wire.
func keyFingerprint(key [32]byte) [32]byte {
	var tagged [36]byte
	binary.LittleEndian.PutUint32(tagged[0:4], tagPublicKey)
	copy(tagged[4:], key[:])
	return sha256.Sum256(tagged[:])
}

func newCTRStream(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cipher: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}
