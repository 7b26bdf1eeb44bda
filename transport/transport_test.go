package transport

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/opd-ai/astercord/crypto"
)

func TestDiscoveryRequestMarshal(t *testing.T) {
	var buf [discoveryPacketSize]byte
	marshalDiscoveryRequest(buf[:], 0xDEADBEEF)

	assert.Equal(t, uint16(discoveryTypeRequest), binary.BigEndian.Uint16(buf[0:2]))
	assert.Equal(t, uint16(discoveryMessageLen), binary.BigEndian.Uint16(buf[2:4]))
	assert.Equal(t, uint32(0xDEADBEEF), binary.BigEndian.Uint32(buf[4:8]))
	for i := 8; i < discoveryPacketSize; i++ {
		require.Zero(t, buf[i], "byte %d not zeroed", i)
	}
}

func makeDiscoveryReply(t *testing.T, addr string, port uint16) []byte {
	t.Helper()
	buf := make([]byte, discoveryPacketSize)
	binary.BigEndian.PutUint16(buf[0:2], discoveryTypeReply)
	binary.BigEndian.PutUint16(buf[2:4], discoveryMessageLen)
	binary.BigEndian.PutUint32(buf[4:8], 1)
	copy(buf[discoveryAddrOffset:], addr)
	binary.BigEndian.PutUint16(buf[discoveryPacketSize-2:], port)
	return buf
}

func TestDiscoveryResponseParse(t *testing.T) {
	tests := []struct {
		name     string
		buf      []byte
		wantIP   string
		wantPort uint16
		wantErr  error
	}{
		{
			name:     "valid IPv4 reply",
			buf:      makeDiscoveryReply(t, "203.0.113.7", 50004),
			wantIP:   "203.0.113.7",
			wantPort: 50004,
		},
		{
			name:    "truncated packet",
			buf:     make([]byte, 10),
			wantErr: ErrDiscoveryResponse,
		},
		{
			name:    "request echoed back",
			buf:     func() []byte { b := make([]byte, discoveryPacketSize); marshalDiscoveryRequest(b, 1); return b }(),
			wantErr: ErrDiscoveryResponse,
		},
		{
			name: "address not terminated",
			buf: func() []byte {
				b := makeDiscoveryReply(t, "", 1)
				for i := discoveryAddrOffset; i < discoveryAddrOffset+discoveryAddrLen; i++ {
					b[i] = 'x'
				}
				return b
			}(),
			wantErr: ErrDiscoveryAddress,
		},
		{
			name:    "unparsable address",
			buf:     makeDiscoveryReply(t, "not-an-ip", 1),
			wantErr: ErrDiscoveryAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, port, err := parseDiscoveryResponse(tt.buf)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIP, ip.String())
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestSkipOverExtensions(t *testing.T) {
	// Two-entry extension block followed by three bytes of audio.
	withExt, err := hex.DecodeString("BEDE000232DF690410FF9000F8FFFE")
	require.NoError(t, err)

	tests := []struct {
		name      string
		buf       []byte
		start     int
		wantStart int
		wantOK    bool
	}{
		{"no magic passes through", []byte{0xF8, 0xFF, 0xFE}, 0, 0, true},
		{"extensions skipped", withExt, 0, 12, true},
		{"too short for magic", []byte{0xBE}, 0, 0, false},
		{"magic without count", []byte{0xBE, 0xDE, 0x00}, 0, 0, false},
		{"count overruns payload", []byte{0xBE, 0xDE, 0x00, 0x05, 0x01}, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, ok := SkipOverExtensions(tt.buf, tt.start, len(tt.buf))
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantStart, start)
			}
		})
	}
}

// fakeVoiceServer answers discovery and captures subsequent datagrams.
type fakeVoiceServer struct {
	conn    *net.UDPConn
	peer    *net.UDPAddr
	packets chan []byte
}

func startFakeVoiceServer(t *testing.T) *fakeVoiceServer {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	srv := &fakeVoiceServer{conn: conn, packets: make(chan []byte, 8)}
	go srv.run(t)
	return srv
}

func (f *fakeVoiceServer) run(t *testing.T) {
	buf := make([]byte, voicePacketMax)
	for {
		n, peer, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])

		if n == discoveryPacketSize && binary.BigEndian.Uint16(pkt[0:2]) == discoveryTypeRequest {
			f.peer = peer
			reply := makeDiscoveryReply(t, "198.51.100.5", 40100)
			binary.BigEndian.PutUint32(reply[4:8], binary.BigEndian.Uint32(pkt[4:8]))
			f.conn.WriteToUDP(reply, peer)
			continue
		}
		f.packets <- pkt
	}
}

func (f *fakeVoiceServer) send(t *testing.T, pkt []byte) {
	t.Helper()
	_, err := f.conn.WriteToUDP(pkt, f.peer)
	require.NoError(t, err)
}

func (f *fakeVoiceServer) recv(t *testing.T) []byte {
	t.Helper()
	select {
	case pkt := <-f.packets:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func testKey() []byte {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i * 7)
	}
	return key
}

func TestVoiceSocketDiscovery(t *testing.T) {
	srv := startFakeVoiceServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sock, err := Connect(ctx, srv.conn.LocalAddr().String(), 0x11223344)
	require.NoError(t, err)
	defer sock.Close()

	assert.Equal(t, uint32(0x11223344), sock.SSRC())
	assert.Equal(t, "198.51.100.5", sock.PublicAddr().String())
	assert.Equal(t, uint16(40100), sock.PublicPort())
}

func TestVoiceSocketSendVoice(t *testing.T) {
	srv := startFakeVoiceServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sock, err := Connect(ctx, srv.conn.LocalAddr().String(), 77)
	require.NoError(t, err)
	defer sock.Close()

	payload := []byte{0xF8, 0xFF, 0xFE, 0x01, 0x02}
	_, err = sock.SendVoice(960, payload)
	require.ErrorIs(t, err, ErrCryptoNotSetup)

	require.NoError(t, sock.SetKey(crypto.ModeSuffix, testKey()))

	n, err := sock.SendVoice(960, payload)
	require.NoError(t, err)
	assert.Equal(t, crypto.RTPHeaderLen+crypto.TagSize+len(payload)+crypto.NonceSize, n)

	pkt := srv.recv(t)
	require.Len(t, pkt, n)

	assert.Equal(t, byte(RTPVersion), pkt[0]>>6)
	assert.Equal(t, byte(PayloadType), pkt[1]&0x7F)
	assert.Equal(t, uint32(960), binary.BigEndian.Uint32(pkt[4:8]))
	assert.Equal(t, uint32(77), binary.BigEndian.Uint32(pkt[8:12]))

	key, err := crypto.KeyFromSlice(testKey())
	require.NoError(t, err)
	dec := crypto.NewDecryptor(crypto.ModeSuffix, key)
	start, end, err := dec.DecryptPacket(pkt, crypto.RTPHeaderLen)
	require.NoError(t, err)
	assert.Equal(t, payload, pkt[start:end])

	// Sequence numbers advance by one per packet.
	first := binary.BigEndian.Uint16(pkt[2:4])
	_, err = sock.SendVoice(1920, payload)
	require.NoError(t, err)
	second := binary.BigEndian.Uint16(srv.recv(t)[2:4])
	assert.Equal(t, first+1, second)
}

func TestVoiceSocketReceiveRTP(t *testing.T) {
	srv := startFakeVoiceServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sock, err := Connect(ctx, srv.conn.LocalAddr().String(), 1)
	require.NoError(t, err)
	defer sock.Close()
	require.NoError(t, sock.SetKey(crypto.ModeNormal, testKey()))

	key, err := crypto.KeyFromSlice(testKey())
	require.NoError(t, err)
	enc, err := crypto.NewEncryptor(crypto.ModeNormal, key)
	require.NoError(t, err)

	payload := []byte{0xAA, 0xBB, 0xCC}
	pkt := make([]byte, voicePacketMax)
	pkt[0] = RTPVersion << 6
	pkt[1] = PayloadType
	binary.BigEndian.PutUint16(pkt[2:4], 4321)
	binary.BigEndian.PutUint32(pkt[4:8], 28800)
	binary.BigEndian.PutUint32(pkt[8:12], 555)
	copy(pkt[crypto.RTPHeaderLen+crypto.TagSize:], payload)
	n, err := enc.EncryptPacket(pkt, len(payload))
	require.NoError(t, err)

	srv.send(t, pkt[:n])

	recv, err := sock.ReceivePacket()
	require.NoError(t, err)
	media, ok := recv.(*RTPPacket)
	require.True(t, ok)

	assert.Equal(t, uint16(4321), media.Sequence)
	assert.Equal(t, uint32(28800), media.Timestamp)
	assert.Equal(t, uint32(555), media.SSRC)
	assert.Equal(t, payload, media.Payload())
}

func TestDemuxRTCP(t *testing.T) {
	key, err := crypto.KeyFromSlice(testKey())
	require.NoError(t, err)

	// RTCP is never sent by this side, so seal a report by hand the way
	// the voice server would: header, tag||ciphertext, 4-byte lite
	// nonce suffix.
	report := []byte{0x01, 0x02, 0x03, 0x04}
	header := make([]byte, rtcpHeaderLen)
	header[0] = RTPVersion << 6
	header[1] = 200 // sender report
	binary.BigEndian.PutUint16(header[2:4], 6)
	binary.BigEndian.PutUint32(header[4:8], 555)

	var nonce [crypto.NonceSize]byte
	binary.BigEndian.PutUint32(nonce[:4], 99)
	pkt := append([]byte{}, header...)
	pkt = secretbox.Seal(pkt, report, &nonce, &key)
	pkt = append(pkt, nonce[:4]...)

	sock := &VoiceSocket{dec: crypto.NewDecryptor(crypto.ModeLite, key)}
	recv, err := sock.demuxAndDecrypt(pkt)
	require.NoError(t, err)

	rtcp, ok := recv.(*RTCPPacket)
	require.True(t, ok)
	assert.Equal(t, header, rtcp.Decrypted[:rtcpHeaderLen])
	assert.Equal(t, report, rtcp.Decrypted[rtcpHeaderLen:])
}

func TestDemuxRejectsGarbage(t *testing.T) {
	key, _ := crypto.KeyFromSlice(testKey())
	sock := &VoiceSocket{dec: crypto.NewDecryptor(crypto.ModeNormal, key)}

	_, err := sock.demuxAndDecrypt([]byte{0x80})
	assert.ErrorIs(t, err, ErrPacketTooSmall)

	_, err = sock.demuxAndDecrypt([]byte{0x00, 0x78, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrDemuxFailed)
}

func TestSetKeyReplacesCipher(t *testing.T) {
	oldKey, err := crypto.KeyFromSlice(testKey())
	require.NoError(t, err)
	newRaw := make([]byte, 32)
	for i := range newRaw {
		newRaw[i] = byte(0x40 + i)
	}
	newKey, err := crypto.KeyFromSlice(newRaw)
	require.NoError(t, err)

	seal := func(key [32]byte) []byte {
		enc, err := crypto.NewEncryptor(crypto.ModeNormal, key)
		require.NoError(t, err)
		pkt := make([]byte, voicePacketMax)
		pkt[0] = RTPVersion << 6
		pkt[1] = PayloadType
		binary.BigEndian.PutUint16(pkt[2:4], 1)
		binary.BigEndian.PutUint32(pkt[8:12], 555)
		copy(pkt[crypto.RTPHeaderLen+crypto.TagSize:], []byte{0x11, 0x22})
		n, err := enc.EncryptPacket(pkt, 2)
		require.NoError(t, err)
		return pkt[:n]
	}

	sock := &VoiceSocket{}
	require.NoError(t, sock.SetKey(crypto.ModeNormal, testKey()))

	// A packet sealed under the renegotiated key fails until the
	// socket is re-keyed.
	_, err = sock.demuxAndDecrypt(seal(newKey))
	assert.ErrorIs(t, err, crypto.ErrAuthFailed)

	require.NoError(t, sock.SetKey(crypto.ModeNormal, newRaw))
	recv, err := sock.demuxAndDecrypt(seal(newKey))
	require.NoError(t, err)
	media, ok := recv.(*RTPPacket)
	require.True(t, ok)
	assert.Equal(t, []byte{0x11, 0x22}, media.Payload())

	_, err = sock.demuxAndDecrypt(seal(oldKey))
	assert.ErrorIs(t, err, crypto.ErrAuthFailed)
}
