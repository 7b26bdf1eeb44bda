// Package transport implements the UDP media socket carrying voice
// between the bridge and the voice server.
//
// The socket performs the IP discovery handshake on connect, then
// exchanges RTP-like packets sealed by the crypto package. Inbound
// datagrams are demultiplexed into RTP media and RTCP reports; both are
// decrypted in place and handed up as structured packets.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/astercord/crypto"
)

const (
	// RTPVersion is the protocol version stamped on every media packet.
	RTPVersion = 2

	// PayloadType is the dynamic RTP payload type the voice server
	// expects for opus audio.
	PayloadType = 0x78

	// MaxRTPPacketSize bounds an outbound packet including header, tag
	// and nonce suffix.
	MaxRTPPacketSize = 1450

	// MaxOpusPayload is the largest opus payload that fits in a packet
	// under the worst-case (suffix) nonce mode.
	MaxOpusPayload = MaxRTPPacketSize - crypto.RTPHeaderLen - crypto.TagSize - crypto.NonceSize

	// voicePacketMax sizes the receive buffer.
	voicePacketMax = 1460

	// rtcpHeaderLen is the fixed header length of the RTCP reports the
	// voice server sends (common header plus sender ssrc).
	rtcpHeaderLen = 8

	discoveryTimeout = 5 * time.Second
)

// Errors reported by the voice socket.
var (
	// ErrCryptoNotSetup indicates send or receive before SetKey.
	ErrCryptoNotSetup = errors.New("crypto not set up")

	// ErrPacketTooSmall indicates an inbound datagram below the
	// minimum length for its kind.
	ErrPacketTooSmall = errors.New("packet below minimum length")

	// ErrDemuxFailed indicates an inbound datagram that is neither RTP
	// nor RTCP.
	ErrDemuxFailed = errors.New("could not demultiplex packet")

	// ErrPayloadTooLarge indicates an outbound payload exceeding
	// MaxOpusPayload.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum packet size")
)

// VoicePacket is a decrypted inbound packet, either *RTPPacket or
// *RTCPPacket.
type VoicePacket interface {
	isVoicePacket()
}

// RTPPacket is a received media packet. Buffer retains the whole
// datagram; the decrypted audio payload lives at
// Buffer[PayloadStart:PayloadEnd].
type RTPPacket struct {
	Sequence     uint16
	Timestamp    uint32
	SSRC         uint32
	Buffer       []byte
	PayloadStart int
	PayloadEnd   int
}

func (*RTPPacket) isVoicePacket() {}

// Payload returns the decrypted audio payload.
func (p *RTPPacket) Payload() []byte {
	return p.Buffer[p.PayloadStart:p.PayloadEnd]
}

// RTCPPacket is a received control report: the RTCP header followed by
// its decrypted payload.
type RTCPPacket struct {
	Decrypted []byte
}

func (*RTCPPacket) isVoicePacket() {}

// VoiceSocket is a connected UDP media socket. Send and receive may run
// on different goroutines, but each side is single-goroutine.
type VoiceSocket struct {
	conn       *net.UDPConn
	ssrc       uint32
	publicAddr net.IP
	publicPort uint16

	sequence uint16

	// keyMu guards the cipher pair: SetKey may be called again on
	// renegotiation while the send and receive goroutines are using
	// the previous pair.
	keyMu sync.RWMutex
	enc   *crypto.Encryptor
	dec   *crypto.Decryptor

	sendBuf [voicePacketMax]byte
}

// Connect binds a UDP socket, connects it to the voice server and runs
// the IP discovery round trip. The returned socket cannot send or
// receive media until SetKey installs the session keys.
func Connect(ctx context.Context, addr string, ssrc uint32) (*VoiceSocket, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting media socket: %w", err)
	}
	udp := conn.(*net.UDPConn)

	s := &VoiceSocket{
		conn:     udp,
		ssrc:     ssrc,
		sequence: uint16(rand.Uint32()),
	}

	if err := s.discoverIP(ctx); err != nil {
		udp.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "transport.Connect",
		"remote":      addr,
		"ssrc":        ssrc,
		"public_addr": s.publicAddr.String(),
		"public_port": s.publicPort,
	}).Debug("UDP voice socket ready")

	return s, nil
}

// discoverIP performs the discovery round trip and records the publicly
// visible address and port.
func (s *VoiceSocket) discoverIP(ctx context.Context) error {
	var buf [discoveryPacketSize]byte
	marshalDiscoveryRequest(buf[:], s.ssrc)

	if _, err := s.conn.Write(buf[:]); err != nil {
		return fmt.Errorf("sending discovery request: %w", err)
	}

	deadline := time.Now().Add(discoveryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("setting discovery deadline: %w", err)
	}
	defer s.conn.SetReadDeadline(time.Time{})

	n, err := s.conn.Read(buf[:])
	if err != nil {
		return fmt.Errorf("reading discovery response: %w", err)
	}

	ip, port, err := parseDiscoveryResponse(buf[:n])
	if err != nil {
		return err
	}

	s.publicAddr = ip
	s.publicPort = port
	return nil
}

// SSRC returns the locally assigned synchronization source id.
func (s *VoiceSocket) SSRC() uint32 { return s.ssrc }

// PublicAddr returns the externally visible address learned during
// discovery.
func (s *VoiceSocket) PublicAddr() net.IP { return s.publicAddr }

// PublicPort returns the externally visible port learned during
// discovery.
func (s *VoiceSocket) PublicPort() uint16 { return s.publicPort }

// SetKey installs a fresh cipher pair for the negotiated mode. It may
// be called again on renegotiation and replaces all prior nonce state.
func (s *VoiceSocket) SetKey(mode crypto.Mode, key []byte) error {
	fixed, err := crypto.KeyFromSlice(key)
	if err != nil {
		return err
	}

	enc, err := crypto.NewEncryptor(mode, fixed)
	if err != nil {
		return err
	}

	s.keyMu.Lock()
	s.enc = enc
	s.dec = crypto.NewDecryptor(mode, fixed)
	s.keyMu.Unlock()
	return nil
}

// SendVoice seals one opus payload into a media packet and sends it.
// The sequence number advances (wrapping) on every call; the timestamp
// is provided by the caller, measured in samples. Returns the wire
// length of the sent packet.
func (s *VoiceSocket) SendVoice(timestamp uint32, payload []byte) (int, error) {
	s.keyMu.RLock()
	enc := s.enc
	s.keyMu.RUnlock()
	if enc == nil {
		return 0, ErrCryptoNotSetup
	}
	if len(payload) > MaxOpusPayload {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	seq := s.sequence
	s.sequence++

	header := rtp.Header{
		Version:        RTPVersion,
		PayloadType:    PayloadType,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           s.ssrc,
	}
	if _, err := header.MarshalTo(s.sendBuf[:]); err != nil {
		return 0, fmt.Errorf("marshaling RTP header: %w", err)
	}

	copy(s.sendBuf[crypto.RTPHeaderLen+crypto.TagSize:], payload)

	n, err := enc.EncryptPacket(s.sendBuf[:], len(payload))
	if err != nil {
		return 0, fmt.Errorf("encrypting voice packet: %w", err)
	}

	if _, err := s.conn.Write(s.sendBuf[:n]); err != nil {
		return 0, fmt.Errorf("sending voice packet: %w", err)
	}
	return n, nil
}

// ReceivePacket reads one datagram, demultiplexes it and decrypts it in
// place. Failures are fatal only to this call, not to the socket.
func (s *VoiceSocket) ReceivePacket() (VoicePacket, error) {
	buf := make([]byte, voicePacketMax)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[:n]

	return s.demuxAndDecrypt(buf)
}

// demuxAndDecrypt classifies a datagram as RTP or RTCP and decrypts it.
// Split out of ReceivePacket so it can be exercised without a socket.
func (s *VoiceSocket) demuxAndDecrypt(buf []byte) (VoicePacket, error) {
	s.keyMu.RLock()
	dec := s.dec
	s.keyMu.RUnlock()
	if dec == nil {
		return nil, ErrCryptoNotSetup
	}

	if len(buf) < 4 {
		return nil, ErrPacketTooSmall
	}
	if buf[0]>>6 != RTPVersion {
		return nil, ErrDemuxFailed
	}

	// RTCP packet types occupy 200..204 in the second header byte; RTP
	// puts the payload type there, below that range.
	if pt := buf[1]; pt >= 200 && pt <= 204 {
		return decryptRTCP(dec, buf)
	}
	return decryptRTP(dec, buf)
}

func decryptRTP(dec *crypto.Decryptor, buf []byte) (VoicePacket, error) {
	if len(buf) < dec.MinPacketLen(crypto.RTPHeaderLen) {
		return nil, ErrPacketTooSmall
	}

	// The voice server hides header extensions inside the ciphertext,
	// so only the fixed 12 bytes are readable here. Parsed by hand for
	// that reason: a full RTP unmarshal would chase the extension flag
	// into encrypted data.
	sequence := binary.BigEndian.Uint16(buf[2:4])
	timestamp := binary.BigEndian.Uint32(buf[4:8])
	ssrc := binary.BigEndian.Uint32(buf[8:12])

	start, end, err := dec.DecryptPacket(buf, crypto.RTPHeaderLen)
	if err != nil {
		return nil, err
	}

	return &RTPPacket{
		Sequence:     sequence,
		Timestamp:    timestamp,
		SSRC:         ssrc,
		Buffer:       buf,
		PayloadStart: start,
		PayloadEnd:   end,
	}, nil
}

func decryptRTCP(dec *crypto.Decryptor, buf []byte) (VoicePacket, error) {
	if len(buf) < dec.MinPacketLen(rtcpHeaderLen) {
		return nil, ErrPacketTooSmall
	}

	start, end, err := dec.DecryptPacket(buf, rtcpHeaderLen)
	if err != nil {
		return nil, err
	}

	// Header plus decrypted payload, with the tag and nonce stripped.
	decrypted := make([]byte, 0, rtcpHeaderLen+end-start)
	decrypted = append(decrypted, buf[:rtcpHeaderLen]...)
	decrypted = append(decrypted, buf[start:end]...)

	return &RTCPPacket{Decrypted: decrypted}, nil
}

// Close releases the socket. A blocked ReceivePacket call returns with
// an error.
func (s *VoiceSocket) Close() error {
	return s.conn.Close()
}
