// Package noiseik implements the WireGuard variant of the Noise_IK
// handshake and its transport framing as a sans-I/O session object. The
// crypto is built from the x/crypto primitives; handshake timestamps and
// replay protection reuse the wireguard-go helper packages.
//
// The API follows the "result" style of the session layer it backs: every
// call takes an explicit timestamp and a scratch buffer, and returns at
// most one action for the caller to perform (write a datagram, hand a
// decrypted packet to the TUN, or nothing).
package noiseik

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.zx2c4.com/wireguard/replay"
	"golang.zx2c4.com/wireguard/tai64n"

	"github.com/floegate/floegate/internal/config"
)

const (
	construction = "Noise_IKpsk2_25519_ChaChaPoly_BLAKE2s"
	identifier   = "WireGuard v1 zx2c4 Jason@zx2c4.com"
	labelMAC1    = "mac1----"
	labelCookie  = "cookie--"
)

// Timer constants. RekeyAttemptTime deviates from stock WireGuard's 90 s:
// a dead tunnel should be detected in roughly the same window as a dead
// ICE path, so the handshake gives up after 15 s.
const (
	RekeyAttemptTime = 15 * time.Second

	rekeyTimeout     = 5 * time.Second
	rekeyAfterTime   = 120 * time.Second
	rejectAfterTime  = 180 * time.Second
	keepaliveTimeout = 10 * time.Second

	rejectAfterMessages = 1 << 60
	cookieValidity      = 120 * time.Second

	// maxQueuedPackets bounds plaintext packets held while the handshake
	// completes; overflow drops the oldest.
	maxQueuedPackets = 128
)

// ErrConnectionExpired signals that the handshake could not be completed
// (or re-keyed) in time; the session is dead and the connection must be
// torn down.
var ErrConnectionExpired = errors.New("connection expired")

// ErrDecrypt covers all authentication failures on inbound messages.
var ErrDecrypt = errors.New("decryption failed")

// ResultKind says what the caller must do with a Result.
type ResultKind int

const (
	// ResultDone: nothing further to do for this call.
	ResultDone ResultKind = iota

	// ResultWriteToNetwork: send Data to the peer, then keep calling
	// Decapsulate with a nil packet until it stops producing work.
	ResultWriteToNetwork

	// ResultWriteToTunnelV4 / V6: Data is a decrypted IP packet for the
	// TUN device.
	ResultWriteToTunnelV4
	ResultWriteToTunnelV6
)

// Result is the outcome of one session operation. Data aliases the
// scratch buffer passed in.
type Result struct {
	Kind ResultKind
	Data []byte
}

var doneResult = Result{Kind: ResultDone}

var (
	initialChainKey [blake2s.Size]byte
	initialHash     [blake2s.Size]byte
)

func init() {
	initialChainKey = blake2s.Sum256([]byte(construction))
	h := newBlake2s()
	h.Write(initialChainKey[:])
	h.Write([]byte(identifier))
	h.Sum(initialHash[:0])
}

// handshakeState carries the Noise chaining variables of an in-flight
// handshake.
type handshakeState struct {
	initiator     bool
	chainKey      [blake2s.Size]byte
	hash          [blake2s.Size]byte
	ephPriv       [32]byte
	ephPub        [32]byte
	remoteIndex   uint32
	lastTimestamp tai64n.Timestamp
	startedAt     time.Time
}

// keypair is one set of transport keys.
type keypair struct {
	send        cipher.AEAD
	recv        cipher.AEAD
	sendNonce   uint64
	replay      replay.Filter
	created     time.Time
	initiator   bool
	remoteIndex uint32
}

// Session is one Noise_IK session towards a fixed peer. The local index
// is assigned at creation and used as the receiver index in everything
// the peer sends us, giving O(1) demultiplexing upstream.
type Session struct {
	localIndex uint32

	staticPriv config.Key
	staticPub  config.Key
	remotePub  config.Key
	psk        config.Key

	sendMAC1Key   [blake2s.Size]byte // keyed with the peer's public key
	verifyMAC1Key [blake2s.Size]byte // keyed with our own public key

	cookie       []byte
	cookieSetAt  time.Time
	lastMAC1Sent [macSize]byte

	handshake *handshakeState
	current   *keypair
	previous  *keypair

	queued [][]byte

	lastHandshakeAt  time.Time
	lastInitiationAt time.Time
	lastSentAt       time.Time
	lastRecvAt       time.Time

	expired bool
}

// NewSession creates a session. index is the locally assigned session
// index; staticPriv is our Noise static key, remotePub the peer's public
// key and preshared the optional PSK (zero for none).
func NewSession(index uint32, staticPriv, remotePub, preshared config.Key) *Session {
	s := &Session{
		localIndex: index,
		staticPriv: staticPriv,
		staticPub:  config.PublicKey(staticPriv),
		remotePub:  remotePub,
		psk:        preshared,
	}
	s.sendMAC1Key = macKey(labelMAC1, remotePub)
	s.verifyMAC1Key = macKey(labelMAC1, s.staticPub)
	return s
}

func macKey(label string, key config.Key) [blake2s.Size]byte {
	h := newBlake2s()
	h.Write([]byte(label))
	h.Write(key[:])
	var out [blake2s.Size]byte
	h.Sum(out[:0])
	return out
}

// LocalIndex returns the session's receiver index.
func (s *Session) LocalIndex() uint32 { return s.localIndex }

// RemotePublicKey returns the peer's static public key.
func (s *Session) RemotePublicKey() config.Key { return s.remotePub }

// LastHandshake returns when the last handshake completed, zero if none
// did yet.
func (s *Session) LastHandshake() time.Time { return s.lastHandshakeAt }

// Expired reports whether the session has given up.
func (s *Session) Expired() bool { return s.expired }

// FormatHandshakeInitiation starts a handshake and returns the initiation
// message to send. A handshake already in flight is retransmitted with
// the same ephemeral key so the peer's response stays valid.
func (s *Session) FormatHandshakeInitiation(buf []byte, now time.Time) (Result, error) {
	if hs := s.handshake; hs != nil && hs.initiator && now.Sub(hs.startedAt) < RekeyAttemptTime {
		return s.writeInitiation(buf, now)
	}
	if err := s.beginHandshake(now); err != nil {
		return doneResult, err
	}
	return s.writeInitiation(buf, now)
}

func (s *Session) beginHandshake(now time.Time) error {
	hs := &handshakeState{
		initiator: true,
		chainKey:  initialChainKey,
		hash:      initialHash,
		startedAt: now,
	}
	if s.handshake != nil {
		hs.lastTimestamp = s.handshake.lastTimestamp
	}

	if _, err := rand.Read(hs.ephPriv[:]); err != nil {
		return fmt.Errorf("generating ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(hs.ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("deriving ephemeral public key: %w", err)
	}
	copy(hs.ephPub[:], pub)

	s.handshake = hs
	return nil
}

func (s *Session) writeInitiation(buf []byte, now time.Time) (Result, error) {
	hs := s.handshake

	msg := buf[:MessageInitiationSize]
	binary.LittleEndian.PutUint32(msg[0:4], MessageTypeInitiation)
	binary.LittleEndian.PutUint32(msg[4:8], s.localIndex)
	copy(msg[8:40], hs.ephPub[:])

	// Reset the transcript: a retransmit re-derives everything from the
	// same ephemeral key.
	hs.chainKey = initialChainKey
	hs.hash = initialHash
	mixHash(&hs.hash, s.remotePub[:])

	hs.chainKey = kdf1(hs.chainKey[:], hs.ephPub[:])
	mixHash(&hs.hash, hs.ephPub[:])

	es, err := curve25519.X25519(hs.ephPriv[:], s.remotePub[:])
	if err != nil {
		return doneResult, fmt.Errorf("es: %w", err)
	}
	var k [blake2s.Size]byte
	hs.chainKey, k = kdf2(hs.chainKey[:], es)
	seal(msg[40:40], k, s.staticPub[:], hs.hash[:])
	mixHash(&hs.hash, msg[40:88])

	ss, err := curve25519.X25519(s.staticPriv[:], s.remotePub[:])
	if err != nil {
		return doneResult, fmt.Errorf("ss: %w", err)
	}
	hs.chainKey, k = kdf2(hs.chainKey[:], ss)
	ts := stamp(now)
	seal(msg[88:88], k, ts[:], hs.hash[:])
	mixHash(&hs.hash, msg[88:116])

	s.applyMACs(msg, 116, now)
	copy(s.lastMAC1Sent[:], msg[116:132])

	s.lastInitiationAt = now
	s.lastSentAt = now

	return Result{Kind: ResultWriteToNetwork, Data: msg}, nil
}

// applyMACs writes mac1 and, when a fresh cookie is held, mac2.
func (s *Session) applyMACs(msg []byte, macOffset int, now time.Time) {
	mac1 := keyedMAC(s.sendMAC1Key[:], msg[:macOffset])
	copy(msg[macOffset:macOffset+macSize], mac1[:])

	mac2 := msg[macOffset+macSize : macOffset+2*macSize]
	if s.cookie != nil && now.Sub(s.cookieSetAt) < cookieValidity {
		m := keyedMAC(s.cookie, msg[:macOffset+macSize])
		copy(mac2, m[:])
	} else {
		clear(mac2)
	}
}

func keyedMAC(key, data []byte) [macSize]byte {
	h, err := blake2s.New128(key)
	if err != nil {
		panic(err) // Key length is always valid here.
	}
	h.Write(data)
	var out [macSize]byte
	h.Sum(out[:0])
	return out
}

// Encapsulate encrypts one IP packet for the peer. Without transport keys
// the packet is queued and a handshake is started if none is running.
func (s *Session) Encapsulate(packet, buf []byte, now time.Time) (Result, error) {
	if s.expired {
		return doneResult, ErrConnectionExpired
	}

	kp := s.current
	if kp == nil || now.Sub(kp.created) >= rejectAfterTime || kp.sendNonce >= rejectAfterMessages {
		s.queuePacket(packet)
		if s.handshake == nil {
			return s.FormatHandshakeInitiation(buf, now)
		}
		return doneResult, nil
	}

	out := s.sealTransport(kp, packet, buf)
	s.lastSentAt = now
	return Result{Kind: ResultWriteToNetwork, Data: out}, nil
}

func (s *Session) sealTransport(kp *keypair, packet, buf []byte) []byte {
	header := buf[:MessageDataHeaderSize]
	binary.LittleEndian.PutUint32(header[0:4], MessageTypeData)
	binary.LittleEndian.PutUint32(header[4:8], kp.remoteIndex)
	binary.LittleEndian.PutUint64(header[8:16], kp.sendNonce)

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], kp.sendNonce)
	kp.sendNonce++

	return kp.send.Seal(buf[:MessageDataHeaderSize], nonce[:], packet, nil)
}

func (s *Session) queuePacket(packet []byte) {
	if len(s.queued) == maxQueuedPackets {
		s.queued = s.queued[1:]
	}
	s.queued = append(s.queued, append([]byte(nil), packet...))
}

// Decapsulate processes one inbound datagram. Passing a nil packet
// drains internal work: packets queued while the handshake was still
// running are released one per call.
func (s *Session) Decapsulate(packet, buf []byte, now time.Time) (Result, error) {
	if packet == nil {
		return s.drainQueued(buf, now)
	}

	t, err := MessageType(packet)
	if err != nil {
		return doneResult, err
	}

	switch t {
	case MessageTypeInitiation:
		return s.consumeInitiation(packet, buf, now)
	case MessageTypeResponse:
		return s.consumeResponse(packet, now)
	case MessageTypeCookieReply:
		return s.consumeCookieReply(packet, now)
	case MessageTypeData:
		return s.consumeData(packet, buf, now)
	default:
		return doneResult, ErrNotWireGuard
	}
}

func (s *Session) drainQueued(buf []byte, now time.Time) (Result, error) {
	kp := s.current
	if kp == nil || len(s.queued) == 0 {
		return doneResult, nil
	}
	packet := s.queued[0]
	s.queued = s.queued[1:]
	out := s.sealTransport(kp, packet, buf)
	s.lastSentAt = now
	return Result{Kind: ResultWriteToNetwork, Data: out}, nil
}

func (s *Session) consumeInitiation(packet, buf []byte, now time.Time) (Result, error) {
	if len(packet) != MessageInitiationSize {
		return doneResult, ErrShortPacket
	}
	if !s.verifyMAC1(packet, 116) {
		return doneResult, ErrDecrypt
	}

	hs := handshakeState{
		chainKey:  initialChainKey,
		hash:      initialHash,
		remoteIndex: binary.LittleEndian.Uint32(packet[4:8]),
		startedAt: now,
	}
	mixHash(&hs.hash, s.staticPub[:])

	theirEph := packet[8:40]
	hs.chainKey = kdf1(hs.chainKey[:], theirEph)
	mixHash(&hs.hash, theirEph)

	es, err := curve25519.X25519(s.staticPriv[:], theirEph)
	if err != nil {
		return doneResult, fmt.Errorf("es: %w", err)
	}
	var k [blake2s.Size]byte
	hs.chainKey, k = kdf2(hs.chainKey[:], es)
	staticPlain, err := open(k, packet[40:88], hs.hash[:])
	if err != nil {
		return doneResult, ErrDecrypt
	}
	if subtle.ConstantTimeCompare(staticPlain, s.remotePub[:]) != 1 {
		// This session is pinned to one peer; a different static key is
		// someone else's traffic.
		return doneResult, ErrDecrypt
	}
	mixHash(&hs.hash, packet[40:88])

	ss, err := curve25519.X25519(s.staticPriv[:], s.remotePub[:])
	if err != nil {
		return doneResult, fmt.Errorf("ss: %w", err)
	}
	hs.chainKey, k = kdf2(hs.chainKey[:], ss)
	tsPlain, err := open(k, packet[88:116], hs.hash[:])
	if err != nil {
		return doneResult, ErrDecrypt
	}
	var ts tai64n.Timestamp
	copy(ts[:], tsPlain)
	if s.handshake != nil && !ts.After(s.handshake.lastTimestamp) {
		return doneResult, ErrDecrypt // Replayed initiation.
	}
	hs.lastTimestamp = ts
	mixHash(&hs.hash, packet[88:116])

	copy(hs.ephPub[:], theirEph) // Responder stores the peer ephemeral here.

	return s.writeResponse(&hs, buf, now)
}

func (s *Session) writeResponse(hs *handshakeState, buf []byte, now time.Time) (Result, error) {
	msg := buf[:MessageResponseSize]
	binary.LittleEndian.PutUint32(msg[0:4], MessageTypeResponse)
	binary.LittleEndian.PutUint32(msg[4:8], s.localIndex)
	binary.LittleEndian.PutUint32(msg[8:12], hs.remoteIndex)

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return doneResult, fmt.Errorf("generating ephemeral key: %w", err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return doneResult, fmt.Errorf("deriving ephemeral public key: %w", err)
	}
	copy(msg[12:44], ephPub)

	hs.chainKey = kdf1(hs.chainKey[:], ephPub)
	mixHash(&hs.hash, ephPub)

	ee, err := curve25519.X25519(ephPriv[:], hs.ephPub[:])
	if err != nil {
		return doneResult, fmt.Errorf("ee: %w", err)
	}
	hs.chainKey = kdf1(hs.chainKey[:], ee)

	se, err := curve25519.X25519(s.staticPriv[:], hs.ephPub[:])
	if err != nil {
		return doneResult, fmt.Errorf("se: %w", err)
	}
	hs.chainKey = kdf1(hs.chainKey[:], se)

	var tau, k [blake2s.Size]byte
	hs.chainKey, tau, k = kdf3(hs.chainKey[:], s.psk[:])
	mixHash(&hs.hash, tau[:])
	seal(msg[44:44], k, nil, hs.hash[:])
	mixHash(&hs.hash, msg[44:60])

	s.applyMACs(msg, 60, now)

	recvKey, sendKey := kdf2(hs.chainKey[:], nil)
	s.installKeypair(recvKey, sendKey, false, hs.remoteIndex, now)
	s.handshake = &handshakeState{lastTimestamp: hs.lastTimestamp}

	s.lastSentAt = now
	return Result{Kind: ResultWriteToNetwork, Data: msg}, nil
}

func (s *Session) consumeResponse(packet []byte, now time.Time) (Result, error) {
	if len(packet) != MessageResponseSize {
		return doneResult, ErrShortPacket
	}
	hs := s.handshake
	if hs == nil || !hs.initiator {
		return doneResult, ErrDecrypt
	}
	if binary.LittleEndian.Uint32(packet[8:12]) != s.localIndex {
		return doneResult, ErrDecrypt
	}
	if !s.verifyMAC1(packet, 60) {
		return doneResult, ErrDecrypt
	}

	chainKey := hs.chainKey
	hash := hs.hash

	theirEph := packet[12:44]
	chainKey = kdf1(chainKey[:], theirEph)
	mixHash(&hash, theirEph)

	ee, err := curve25519.X25519(hs.ephPriv[:], theirEph)
	if err != nil {
		return doneResult, fmt.Errorf("ee: %w", err)
	}
	chainKey = kdf1(chainKey[:], ee)

	se, err := curve25519.X25519(s.staticPriv[:], theirEph)
	if err != nil {
		return doneResult, fmt.Errorf("se: %w", err)
	}
	chainKey = kdf1(chainKey[:], se)

	var tau, k [blake2s.Size]byte
	chainKey, tau, k = kdf3(chainKey[:], s.psk[:])
	mixHash(&hash, tau[:])
	if _, err := open(k, packet[44:60], hash[:]); err != nil {
		return doneResult, ErrDecrypt
	}

	sendKey, recvKey := kdf2(chainKey[:], nil)
	remoteIndex := binary.LittleEndian.Uint32(packet[4:8])
	s.installKeypair(recvKey, sendKey, true, remoteIndex, now)
	s.handshake = nil

	return doneResult, nil
}

func (s *Session) installKeypair(recvKey, sendKey [blake2s.Size]byte, initiator bool, remoteIndex uint32, now time.Time) {
	send, err := chacha20poly1305.New(sendKey[:])
	if err != nil {
		panic(err) // Key size is fixed.
	}
	recv, err := chacha20poly1305.New(recvKey[:])
	if err != nil {
		panic(err)
	}
	s.previous = s.current
	s.current = &keypair{
		send:        send,
		recv:        recv,
		created:     now,
		initiator:   initiator,
		remoteIndex: remoteIndex,
	}
	s.lastHandshakeAt = now
	s.expired = false
}

func (s *Session) consumeCookieReply(packet []byte, now time.Time) (Result, error) {
	if len(packet) != MessageCookieReplySize {
		return doneResult, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(packet[4:8]) != s.localIndex {
		return doneResult, ErrDecrypt
	}

	key := macKey(labelCookie, s.remotePub)
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		panic(err)
	}
	cookie, err := aead.Open(nil, packet[8:32], packet[32:64], s.lastMAC1Sent[:])
	if err != nil {
		return doneResult, ErrDecrypt
	}
	s.cookie = cookie
	s.cookieSetAt = now
	return doneResult, nil
}

func (s *Session) consumeData(packet, buf []byte, now time.Time) (Result, error) {
	if len(packet) < MessageDataHeaderSize+macSize {
		return doneResult, ErrShortPacket
	}
	if binary.LittleEndian.Uint32(packet[4:8]) != s.localIndex {
		return doneResult, ErrDecrypt
	}
	counter := binary.LittleEndian.Uint64(packet[8:16])

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[4:], counter)

	kp := s.current
	plain, err := openTransport(kp, nonce[:], packet[MessageDataHeaderSize:], buf)
	if err != nil && s.previous != nil {
		kp = s.previous
		plain, err = openTransport(kp, nonce[:], packet[MessageDataHeaderSize:], buf)
	}
	if err != nil {
		return doneResult, ErrDecrypt
	}
	if !kp.replay.ValidateCounter(counter, rejectAfterMessages) {
		return doneResult, ErrDecrypt
	}
	s.lastRecvAt = now

	if len(plain) == 0 {
		return doneResult, nil // Keepalive.
	}
	switch plain[0] >> 4 {
	case 4:
		return Result{Kind: ResultWriteToTunnelV4, Data: plain}, nil
	case 6:
		return Result{Kind: ResultWriteToTunnelV6, Data: plain}, nil
	default:
		return doneResult, fmt.Errorf("decrypted packet has unknown IP version %d", plain[0]>>4)
	}
}

func openTransport(kp *keypair, nonce, ciphertext, buf []byte) ([]byte, error) {
	if kp == nil {
		return nil, ErrDecrypt
	}
	return kp.recv.Open(buf[:0], nonce, ciphertext, nil)
}

func (s *Session) verifyMAC1(packet []byte, macOffset int) bool {
	mac := keyedMAC(s.verifyMAC1Key[:], packet[:macOffset])
	return subtle.ConstantTimeCompare(mac[:], packet[macOffset:macOffset+macSize]) == 1
}

// UpdateTimers advances the session clock: handshake retransmits,
// handshake expiry, proactive re-keying and passive keepalives.
func (s *Session) UpdateTimers(buf []byte, now time.Time) (Result, error) {
	if s.expired {
		return doneResult, ErrConnectionExpired
	}

	if hs := s.handshake; hs != nil && hs.initiator {
		if now.Sub(hs.startedAt) >= RekeyAttemptTime {
			s.expired = true
			s.handshake = nil
			s.queued = nil
			return doneResult, ErrConnectionExpired
		}
		if now.Sub(s.lastInitiationAt) >= rekeyTimeout {
			return s.writeInitiation(buf, now)
		}
	}

	if kp := s.current; kp != nil {
		age := now.Sub(kp.created)
		if kp.initiator && age >= rekeyAfterTime && (s.handshake == nil || !s.handshake.initiator) {
			return s.FormatHandshakeInitiation(buf, now)
		}
		if age >= rejectAfterTime {
			s.current = nil
			s.previous = nil
		}
	}

	// Passive keepalive: answer received traffic so the peer's NAT
	// mapping stays alive even on one-way flows.
	if kp := s.current; kp != nil && !s.lastRecvAt.IsZero() &&
		s.lastRecvAt.After(s.lastSentAt) && now.Sub(s.lastRecvAt) >= keepaliveTimeout {
		out := s.sealTransport(kp, nil, buf)
		s.lastSentAt = now
		return Result{Kind: ResultWriteToNetwork, Data: out}, nil
	}

	return doneResult, nil
}

// NextTimerUpdate returns the next instant UpdateTimers should run at,
// or zero when no timer is armed.
func (s *Session) NextTimerUpdate(now time.Time) time.Time {
	var earliest time.Time
	consider := func(t time.Time) {
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}

	if hs := s.handshake; hs != nil && hs.initiator {
		consider(s.lastInitiationAt.Add(rekeyTimeout))
		consider(hs.startedAt.Add(RekeyAttemptTime))
	}
	if kp := s.current; kp != nil {
		if kp.initiator {
			consider(kp.created.Add(rekeyAfterTime))
		}
		consider(kp.created.Add(rejectAfterTime))
		if !s.lastRecvAt.IsZero() && s.lastRecvAt.After(s.lastSentAt) {
			consider(s.lastRecvAt.Add(keepaliveTimeout))
		}
	}
	return earliest
}

// HasTransportKeys reports whether data packets can currently be sent.
func (s *Session) HasTransportKeys() bool { return s.current != nil }

// HasQueued reports whether plaintext packets await the handshake.
func (s *Session) HasQueued() bool { return len(s.queued) > 0 }

// seal encrypts plaintext with a zero nonce, appending to dst.
func seal(dst []byte, key [blake2s.Size]byte, plaintext, ad []byte) []byte {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(dst, nonce[:], plaintext, ad)
}

// open decrypts a zero-nonce AEAD box.
func open(key [blake2s.Size]byte, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		panic(err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	plain, err := aead.Open(nil, nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// stamp builds a TAI64N timestamp from an explicit instant.
func stamp(now time.Time) tai64n.Timestamp {
	var ts tai64n.Timestamp
	secs := uint64(now.Unix()) + 0x400000000000000a
	binary.BigEndian.PutUint64(ts[0:8], secs)
	binary.BigEndian.PutUint32(ts[8:12], uint32(now.Nanosecond()))
	return ts
}

// ParseInitiationPublicKey decrypts the static-key field of a handshake
// initiation without advancing any session state. The node uses it to
// find the connection a HandshakeInit belongs to.
func ParseInitiationPublicKey(staticPriv config.Key, packet []byte) (config.Key, error) {
	if len(packet) != MessageInitiationSize {
		return config.Key{}, ErrShortPacket
	}
	if t, err := MessageType(packet); err != nil || t != MessageTypeInitiation {
		return config.Key{}, ErrNotWireGuard
	}

	chainKey := initialChainKey
	hash := initialHash
	ourPub := config.PublicKey(staticPriv)
	mixHash(&hash, ourPub[:])

	theirEph := packet[8:40]
	chainKey = kdf1(chainKey[:], theirEph)
	mixHash(&hash, theirEph)

	es, err := curve25519.X25519(staticPriv[:], theirEph)
	if err != nil {
		return config.Key{}, fmt.Errorf("es: %w", err)
	}
	var k [blake2s.Size]byte
	_, k = kdf2(chainKey[:], es)
	staticPlain, err := open(k, packet[40:88], hash[:])
	if err != nil {
		return config.Key{}, ErrDecrypt
	}
	var remote config.Key
	copy(remote[:], staticPlain)
	return remote, nil
}
