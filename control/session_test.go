package control

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

// testPeer is the node side of a session, built by replaying the handshake
// from the server's perspective over an in-memory pipe.
type testPeer struct {
	session *Session
}

func newTestKeyPair(t *testing.T) (secret, public [32]byte) {
	t.Helper()
	_, err := rand.Read(secret[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(public[:], pub)
	return secret, public
}

func acceptTestSession(t *testing.T, conn net.Conn, secret, public [32]byte) *testPeer {
	t.Helper()
	peer := replayTestHandshake(t, conn, secret, public)
	require.NoError(t, peer.session.writeFrame(nil))
	return peer
}

// replayTestHandshake validates the client handshake and builds the mirrored
// server session, leaving the confirmation frame to the caller.
func replayTestHandshake(t *testing.T, conn net.Conn, secret, public [32]byte) *testPeer {
	t.Helper()

	packet := make([]byte, 96+handshakeSeedLen)
	_, err := io.ReadFull(conn, packet)
	require.NoError(t, err)

	fingerprint := keyFingerprint(public)
	require.Equal(t, fingerprint[:], packet[0:32], "client addressed a different server key")

	var clientPublic [32]byte
	copy(clientPublic[:], packet[32:64])
	shared, err := curve25519.X25519(secret[:], clientPublic[:])
	require.NoError(t, err)

	stream, err := handshakeCipher(shared, packet[64:96])
	require.NoError(t, err)
	seed := make([]byte, handshakeSeedLen)
	stream.XORKeyStream(seed, packet[96:])

	checksum := sha256.Sum256(seed)
	require.Equal(t, checksum[:], packet[64:96], "seed checksum mismatch")

	// the server's streams mirror the client's
	send, err := newCTRStream(seed[0:32], seed[64:80])
	require.NoError(t, err)
	recv, err := newCTRStream(seed[32:64], seed[80:96])
	require.NoError(t, err)

	return &testPeer{session: &Session{
		conn: conn,
		send: send,
		recv: recv,
		opts: (*SessionOptions)(nil).withDefaults(),
	}}
}

func startSessionPair(t *testing.T) (*Session, *testPeer) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	serverSecret, serverPublic := newTestKeyPair(t)
	clientSecret, _ := newTestKeyPair(t)

	peerCh := make(chan *testPeer, 1)
	go func() {
		peerCh <- acceptTestSession(t, serverConn, serverSecret, serverPublic)
	}()

	session, err := newSession(clientConn, serverPublic, clientSecret, (*SessionOptions)(nil).withDefaults())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session, <-peerCh
}

func TestSessionRoundTrip(t *testing.T) {
	session, peer := startSessionPair(t)

	go func() {
		request, err := peer.session.readFrame()
		require.NoError(t, err)
		require.Equal(t, []byte("ping"), request)
		require.NoError(t, peer.session.writeFrame([]byte("pong")))
	}()

	reply, err := session.SendReceive(context.Background(), []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("pong"), reply)
}

func TestSessionSkipsKeepAlives(t *testing.T) {
	session, peer := startSessionPair(t)

	go func() {
		_, err := peer.session.readFrame()
		require.NoError(t, err)
		// empty frames are keep-alives and must be transparent to the caller
		require.NoError(t, peer.session.writeFrame(nil))
		require.NoError(t, peer.session.writeFrame(nil))
		require.NoError(t, peer.session.writeFrame([]byte("late reply")))
	}()

	reply, err := session.SendReceive(context.Background(), []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, []byte("late reply"), reply)
}

func TestSessionCorruptFrame(t *testing.T) {
	session, peer := startSessionPair(t)

	go func() {
		_, err := peer.session.readFrame()
		require.NoError(t, err)

		// a well-formed frame with a broken checksum trailer
		frame := make([]byte, 4+frameOverhead)
		frame[0] = frameOverhead
		frame[len(frame)-1] ^= 0xff
		peer.session.send.XORKeyStream(frame, frame)
		_, err = peer.session.conn.Write(frame)
		require.NoError(t, err)
	}()

	_, err := session.SendReceive(context.Background(), []byte("ping"))
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestSessionInvalidLengthPoisonsSession(t *testing.T) {
	session, peer := startSessionPair(t)

	go func() {
		_, err := peer.session.readFrame()
		require.NoError(t, err)

		// a length below the frame overhead leaves the stream position
		// unknowable, unlike a checksum mismatch on a fully consumed frame
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], 10)
		peer.session.send.XORKeyStream(lenBuf[:], lenBuf[:])
		_, err = peer.session.conn.Write(lenBuf[:])
		require.NoError(t, err)
	}()

	_, err := session.SendReceive(context.Background(), []byte("ping"))
	require.ErrorIs(t, err, ErrCorruptFrame)

	_, err = session.SendReceive(context.Background(), []byte("ping"))
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionRejectsBadConfirmation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	serverSecret, serverPublic := newTestKeyPair(t)
	clientSecret, _ := newTestKeyPair(t)

	confirmErr := make(chan error, 1)
	go func() {
		// a non-empty confirmation instead of the empty frame is a
		// protocol violation
		peer := replayTestHandshake(t, serverConn, serverSecret, serverPublic)
		confirmErr <- peer.session.writeFrame([]byte("hello"))
	}()

	_, err := newSession(clientConn, serverPublic, clientSecret, (*SessionOptions)(nil).withDefaults())
	require.ErrorIs(t, err, ErrHandshake)
	require.NoError(t, <-confirmErr)
}

func TestSessionClosed(t *testing.T) {
	session, _ := startSessionPair(t)
	require.NoError(t, session.Close())
	require.NoError(t, session.Close(), "close is idempotent")

	_, err := session.SendReceive(context.Background(), []byte("ping"))
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSessionQueryTimeout(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
	})

	serverSecret, serverPublic := newTestKeyPair(t)
	clientSecret, _ := newTestKeyPair(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		peer := acceptTestSession(t, serverConn, serverSecret, serverPublic)
		// swallow the request, never reply
		_, _ = peer.session.readFrame()
	}()

	session, err := newSession(clientConn, serverPublic, clientSecret, SessionOptions{
		ConnectTimeout: time.Second,
		QueryTimeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	_, err = session.SendReceive(context.Background(), []byte("ping"))
	require.ErrorIs(t, err, ErrTimeout)
	<-done

	// a timed out session is poisoned: the streams may be desynchronized
	_, err = session.SendReceive(context.Background(), []byte("ping"))
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestHandshakePacketLayout(t *testing.T) {
	_, serverPublic := newTestKeyPair(t)
	clientSecret, clientPublic := newTestKeyPair(t)

	seed := make([]byte, handshakeSeedLen)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	packet, err := buildHandshakePacket(serverPublic, clientSecret, seed)
	require.NoError(t, err)
	require.Len(t, packet, 96+handshakeSeedLen)

	fingerprint := keyFingerprint(serverPublic)
	require.Equal(t, fingerprint[:], packet[0:32])
	require.Equal(t, clientPublic[:], packet[32:64])
	checksum := sha256.Sum256(seed)
	require.Equal(t, checksum[:], packet[64:96])
	// the seed itself travels encrypted
	require.NotEqual(t, seed, packet[96:])
}
