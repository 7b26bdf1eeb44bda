// Package crypto implements the authenticated encryption applied to
// voice media packets.
//
// Media packets are sealed with xsalsa20_poly1305 (NaCl secretbox). The
// voice server advertises one or more nonce strategies; the three modes
// differ only in how the 24-byte nonce is derived and whether it is
// carried on the wire:
//
//   - Normal: the 12-byte RTP header, zero-padded. Nothing appended.
//   - Suffix: 24 random bytes, appended in full after the ciphertext.
//   - Lite: a 4-byte big-endian wrapping counter, appended after the
//     ciphertext.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the xsalsa20_poly1305 nonce width.
	NonceSize = 24

	// TagSize is the poly1305 authentication tag width prepended to
	// every sealed payload.
	TagSize = secretbox.Overhead

	// KeySize is the secretbox key width.
	KeySize = 32

	// RTPHeaderLen is the fixed media packet header width used by the
	// Normal nonce derivation.
	RTPHeaderLen = 12
)

// Errors reported by the encryptor and decryptor.
var (
	// ErrUnknownMode indicates a mode name not spoken by this
	// implementation.
	ErrUnknownMode = errors.New("unknown encryption mode")

	// ErrNoSupportedMode indicates the peer advertised no mode we can
	// speak.
	ErrNoSupportedMode = errors.New("no supported encryption mode offered")

	// ErrShortBuffer indicates a packet buffer too small for the
	// requested operation.
	ErrShortBuffer = errors.New("packet buffer too short")

	// ErrAuthFailed indicates the ciphertext failed authentication.
	ErrAuthFailed = errors.New("packet authentication failed")

	// ErrBadKeyLength indicates a session key of the wrong size.
	ErrBadKeyLength = errors.New("session key must be 32 bytes")
)

// Mode identifies a nonce derivation strategy.
type Mode int

const (
	// ModeNormal derives the nonce from the packet header.
	ModeNormal Mode = iota

	// ModeSuffix appends a random 24-byte nonce to each packet.
	ModeSuffix

	// ModeLite appends a 4-byte counter nonce to each packet.
	ModeLite
)

// ParseMode maps a wire-protocol mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "xsalsa20_poly1305":
		return ModeNormal, nil
	case "xsalsa20_poly1305_suffix":
		return ModeSuffix, nil
	case "xsalsa20_poly1305_lite":
		return ModeLite, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, name)
	}
}

// String returns the wire-protocol name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "xsalsa20_poly1305"
	case ModeSuffix:
		return "xsalsa20_poly1305_suffix"
	case ModeLite:
		return "xsalsa20_poly1305_lite"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// SuffixLen returns the number of nonce bytes the mode appends after
// the ciphertext.
func (m Mode) SuffixLen() int {
	switch m {
	case ModeSuffix:
		return NonceSize
	case ModeLite:
		return 4
	default:
		return 0
	}
}

// nonceEntropy ranks modes by the number of unpredictable nonce bytes.
// The header-derived and counter nonces both boil down to roughly four
// bytes of variation, so Normal and Lite rank equal.
func (m Mode) nonceEntropy() int {
	switch m {
	case ModeSuffix:
		return 24
	default:
		return 4
	}
}

// Compare orders modes by effective nonce entropy. It returns a
// negative value when m ranks below other, zero when they rank equal,
// and a positive value otherwise.
func (m Mode) Compare(other Mode) int {
	return m.nonceEntropy() - other.nonceEntropy()
}

// SelectMode picks the strongest mode among the names advertised by the
// peer, ranking by effective nonce entropy. Unknown names are skipped.
// Among equally ranked modes the later-listed one wins, which keeps the
// choice deterministic for a given advertisement.
func SelectMode(names []string) (Mode, error) {
	best := Mode(-1)
	found := false

	for _, name := range names {
		mode, err := ParseMode(name)
		if err != nil {
			continue
		}
		if !found || mode.Compare(best) >= 0 {
			best = mode
			found = true
		}
	}

	if !found {
		return 0, ErrNoSupportedMode
	}
	return best, nil
}

// Encryptor seals outbound media packets under one session key. The
// Lite counter state makes it single-goroutine; a fresh Encryptor is
// installed on every key (re)negotiation.
type Encryptor struct {
	key         [KeySize]byte
	mode        Mode
	liteCounter uint32
}

// NewEncryptor creates an encryptor for the negotiated mode and key.
// The Lite counter starts at a random value, matching the behavior of
// other implementations of the protocol.
func NewEncryptor(mode Mode, key [KeySize]byte) (*Encryptor, error) {
	e := &Encryptor{key: key, mode: mode}

	if mode == ModeLite {
		var seed [4]byte
		if _, err := rand.Read(seed[:]); err != nil {
			return nil, fmt.Errorf("seeding lite nonce counter: %w", err)
		}
		e.liteCounter = binary.BigEndian.Uint32(seed[:])
	}

	return e, nil
}

// EncryptPacket seals a packet in place. The buffer must be laid out as
//
//	[RTPHeaderLen header][TagSize gap][payloadLen plaintext][suffix space]
//
// where suffix space is SuffixLen bytes for the configured mode. On
// success the tag gap holds the authentication tag, the plaintext is
// replaced by ciphertext, the suffix (if any) holds the nonce, and the
// total wire length is returned.
func (e *Encryptor) EncryptPacket(packet []byte, payloadLen int) (int, error) {
	total := RTPHeaderLen + TagSize + payloadLen + e.mode.SuffixLen()
	if len(packet) < total {
		return 0, ErrShortBuffer
	}

	header := packet[:RTPHeaderLen]
	body := packet[RTPHeaderLen:]
	plaintext := body[TagSize : TagSize+payloadLen]

	var nonce [NonceSize]byte
	switch e.mode {
	case ModeNormal:
		copy(nonce[:], header)
	case ModeSuffix:
		if _, err := rand.Read(nonce[:]); err != nil {
			return 0, fmt.Errorf("generating suffix nonce: %w", err)
		}
		copy(body[TagSize+payloadLen:], nonce[:])
	case ModeLite:
		binary.BigEndian.PutUint32(nonce[:4], e.liteCounter)
		copy(body[TagSize+payloadLen:], nonce[:4])
		e.liteCounter++
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, &e.key)
	copy(body[:TagSize+payloadLen], sealed)

	return total, nil
}

// Decryptor opens inbound media packets under one session key. Unlike
// the encryptor it carries no per-packet state and may be shared.
type Decryptor struct {
	key  [KeySize]byte
	mode Mode
}

// NewDecryptor creates a decryptor for the negotiated mode and key.
func NewDecryptor(mode Mode, key [KeySize]byte) *Decryptor {
	return &Decryptor{key: key, mode: mode}
}

// MinPacketLen returns the smallest valid packet length for a given
// protocol header length.
func (d *Decryptor) MinPacketLen(headerLen int) int {
	return headerLen + TagSize + d.mode.SuffixLen()
}

// DecryptPacket authenticates and decrypts a packet in place, given the
// length of its protocol header. It returns the byte range of the
// decrypted payload within the packet. The tag and any nonce suffix are
// left untouched outside the returned range.
func (d *Decryptor) DecryptPacket(packet []byte, headerLen int) (start, end int, err error) {
	if len(packet) < d.MinPacketLen(headerLen) {
		return 0, 0, ErrShortBuffer
	}

	body := packet[headerLen:]

	var nonce [NonceSize]byte
	if suffix := d.mode.SuffixLen(); suffix > 0 {
		copy(nonce[:], body[len(body)-suffix:])
		body = body[:len(body)-suffix]
	} else {
		copy(nonce[:], packet[:headerLen])
	}

	if len(body) < TagSize {
		return 0, 0, ErrShortBuffer
	}

	opened, ok := secretbox.Open(nil, body, &nonce, &d.key)
	if !ok {
		return 0, 0, ErrAuthFailed
	}

	start = headerLen + TagSize
	end = start + len(opened)
	copy(packet[start:end], opened)

	return start, end, nil
}

// KeyFromSlice converts a variable-length key from the session
// description into the fixed-size array the ciphers need.
func KeyFromSlice(key []byte) ([KeySize]byte, error) {
	var out [KeySize]byte
	if len(key) != KeySize {
		return out, ErrBadKeyLength
	}
	copy(out[:], key)
	return out, nil
}
