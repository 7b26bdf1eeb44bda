package transport

import "encoding/binary"

// extensionMagic marks a header-extension block at the start of a
// decrypted voice payload. The format is not RFC 8285 even though it
// resembles it: two magic bytes, a 16-bit entry count, then four bytes
// per entry.
const extensionMagic = 0xBEDE

// SkipOverExtensions returns the start of the audio data within
// buf[start:end] after skipping any leading header-extension block.
// If the magic marker is absent the range is returned unchanged. The
// second return value is false when the payload is too short to hold
// the declared extensions.
func SkipOverExtensions(buf []byte, start, end int) (int, bool) {
	payload := buf[start:end]
	if len(payload) < 2 {
		return 0, false
	}
	if binary.BigEndian.Uint16(payload[:2]) != extensionMagic {
		return start, true
	}
	if len(payload) < 4 {
		return 0, false
	}

	entries := int(binary.BigEndian.Uint16(payload[2:4]))
	skipped := 4 + entries*4
	if skipped > len(payload) {
		return 0, false
	}

	return start + skipped, true
}
