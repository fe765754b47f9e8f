package noiseik

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/floegate/floegate/internal/config"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newPair(t *testing.T) (*Session, *Session) {
	t.Helper()

	privA, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	privB, err := config.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	psk := config.Key{1, 2, 3}

	a := NewSession(100, privA, config.PublicKey(privB), psk)
	b := NewSession(200, privB, config.PublicKey(privA), psk)
	return a, b
}

func handshake(t *testing.T, a, b *Session, now time.Time) {
	t.Helper()
	buf := make([]byte, 2048)

	init, err := a.FormatHandshakeInitiation(buf, now)
	if err != nil {
		t.Fatalf("initiation: %v", err)
	}
	if init.Kind != ResultWriteToNetwork || len(init.Data) != MessageInitiationSize {
		t.Fatalf("initiation result: kind=%v len=%d", init.Kind, len(init.Data))
	}

	respBuf := make([]byte, 2048)
	resp, err := b.Decapsulate(init.Data, respBuf, now)
	if err != nil {
		t.Fatalf("consuming initiation: %v", err)
	}
	if resp.Kind != ResultWriteToNetwork || len(resp.Data) != MessageResponseSize {
		t.Fatalf("response result: kind=%v len=%d", resp.Kind, len(resp.Data))
	}

	done, err := a.Decapsulate(resp.Data, buf, now)
	if err != nil {
		t.Fatalf("consuming response: %v", err)
	}
	if done.Kind != ResultDone {
		t.Fatalf("response consumption: kind=%v", done.Kind)
	}
}

func fakeIPv4Packet() []byte {
	packet := make([]byte, 28)
	packet[0] = 0x45
	copy(packet[20:], "ping")
	return packet
}

func TestHandshakeAndTransport(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	handshake(t, a, b, t0)

	if !a.HasTransportKeys() || !b.HasTransportKeys() {
		t.Fatal("transport keys missing after handshake")
	}

	packet := fakeIPv4Packet()
	buf := make([]byte, 2048)
	enc, err := a.Encapsulate(packet, buf, t0)
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	if enc.Kind != ResultWriteToNetwork {
		t.Fatalf("encapsulate kind: %v", enc.Kind)
	}

	out := make([]byte, 2048)
	dec, err := b.Decapsulate(enc.Data, out, t0)
	if err != nil {
		t.Fatalf("decapsulate: %v", err)
	}
	if dec.Kind != ResultWriteToTunnelV4 {
		t.Fatalf("decapsulate kind: %v", dec.Kind)
	}
	if !bytes.Equal(dec.Data, packet) {
		t.Errorf("round-trip mismatch: got %x, want %x", dec.Data, packet)
	}
}

func TestEncapsulateBeforeHandshakeQueues(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	packet := fakeIPv4Packet()
	buf := make([]byte, 2048)

	res, err := a.Encapsulate(packet, buf, t0)
	if err != nil {
		t.Fatalf("encapsulate: %v", err)
	}
	if res.Kind != ResultWriteToNetwork || len(res.Data) != MessageInitiationSize {
		t.Fatalf("expected a handshake initiation, got kind=%v len=%d", res.Kind, len(res.Data))
	}
	if !a.HasQueued() {
		t.Fatal("packet was not queued")
	}

	respBuf := make([]byte, 2048)
	resp, err := b.Decapsulate(res.Data, respBuf, t0)
	if err != nil {
		t.Fatalf("consuming initiation: %v", err)
	}
	if _, err := a.Decapsulate(resp.Data, buf, t0); err != nil {
		t.Fatalf("consuming response: %v", err)
	}

	// Draining with a nil packet releases the queued data.
	drain, err := a.Decapsulate(nil, buf, t0)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if drain.Kind != ResultWriteToNetwork {
		t.Fatalf("drain kind: %v", drain.Kind)
	}

	out := make([]byte, 2048)
	dec, err := b.Decapsulate(drain.Data, out, t0)
	if err != nil {
		t.Fatalf("decapsulating drained packet: %v", err)
	}
	if !bytes.Equal(dec.Data, packet) {
		t.Errorf("drained packet mismatch")
	}

	if again, _ := a.Decapsulate(nil, buf, t0); again.Kind != ResultDone {
		t.Errorf("second drain should be done, got %v", again.Kind)
	}
}

func TestHandshakeExpiresAfterRekeyAttemptTime(t *testing.T) {
	t.Parallel()

	a, _ := newPair(t)
	buf := make([]byte, 2048)
	if _, err := a.FormatHandshakeInitiation(buf, t0); err != nil {
		t.Fatal(err)
	}

	// Retries happen every 5 s until the attempt window closes.
	res, err := a.UpdateTimers(buf, t0.Add(5*time.Second))
	if err != nil {
		t.Fatalf("retransmit: %v", err)
	}
	if res.Kind != ResultWriteToNetwork {
		t.Fatalf("expected retransmit, got %v", res.Kind)
	}

	_, err = a.UpdateTimers(buf, t0.Add(RekeyAttemptTime))
	if !errors.Is(err, ErrConnectionExpired) {
		t.Fatalf("expected ErrConnectionExpired, got %v", err)
	}
	if !a.Expired() {
		t.Error("session not marked expired")
	}
}

func TestReplayedDataIsRejected(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	handshake(t, a, b, t0)

	buf := make([]byte, 2048)
	enc, err := a.Encapsulate(fakeIPv4Packet(), buf, t0)
	if err != nil {
		t.Fatal(err)
	}
	replayed := append([]byte(nil), enc.Data...)

	out := make([]byte, 2048)
	if _, err := b.Decapsulate(enc.Data, out, t0); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if _, err := b.Decapsulate(replayed, out, t0); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("replay: got %v, want ErrDecrypt", err)
	}
}

func TestParseInitiationPublicKey(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	buf := make([]byte, 2048)
	init, err := a.FormatHandshakeInitiation(buf, t0)
	if err != nil {
		t.Fatal(err)
	}

	got, err := ParseInitiationPublicKey(b.staticPriv, init.Data)
	if err != nil {
		t.Fatalf("parsing initiation: %v", err)
	}
	if got != a.staticPub {
		t.Errorf("sender public key: got %s, want %s", got, a.staticPub)
	}
}

func TestKeepaliveRoundTrip(t *testing.T) {
	t.Parallel()

	a, b := newPair(t)
	handshake(t, a, b, t0)

	// B receives data but never sends; after the keepalive timeout its
	// timers emit an empty transport message.
	buf := make([]byte, 2048)
	recvAt := t0.Add(time.Second)
	enc, _ := a.Encapsulate(fakeIPv4Packet(), buf, recvAt)
	out := make([]byte, 2048)
	if _, err := b.Decapsulate(enc.Data, out, recvAt); err != nil {
		t.Fatal(err)
	}

	ka, err := b.UpdateTimers(buf, recvAt.Add(keepaliveTimeout))
	if err != nil {
		t.Fatal(err)
	}
	if ka.Kind != ResultWriteToNetwork {
		t.Fatalf("expected keepalive, got %v", ka.Kind)
	}

	res, err := a.Decapsulate(ka.Data, out, recvAt.Add(keepaliveTimeout))
	if err != nil {
		t.Fatalf("decapsulating keepalive: %v", err)
	}
	if res.Kind != ResultDone {
		t.Errorf("keepalive should decode to done, got %v", res.Kind)
	}
}
