package channel

import (
	"fmt"
	"io"
)

// Handshake string consists of (in order):
//   - 1 byte for pstr length (length of protocol identifier - has to be 19)
//   - 19 bytes for pstr (protocol identifier - BitTorrent protocol)
//   - 8 reserved bytes (bit 0x10 of byte 5 advertises extension protocol support)
//   - 20 bytes for infohash (SHA-1 of bencoded metainfo file)
//   - 20 bytes for peerID (random id to identify ourselves)
type Handshake struct {
	Pstr     string
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// length of handshake string in bytes
const handshakeLen = 68

// Create new Handshake struct with given infoHash and peerID. When
// extensions is set the reserved bits advertise extension protocol support,
// which is required to fetch metadata for magnet links.
func newHandshake(infoHash, peerID [20]byte, extensions bool) *Handshake {
	h := Handshake{
		Pstr:     "BitTorrent protocol",
		InfoHash: infoHash,
		PeerID:   peerID,
	}
	if extensions {
		h.Reserved[5] |= 0x10
	}
	return &h
}

// Reports whether the remote side advertised extension protocol support.
func (h *Handshake) supportsExtensions() bool {
	return h.Reserved[5]&0x10 != 0
}

// Put together a handshake string.
func (h *Handshake) serializeHandshake() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(h.Pstr)) // len of pstr string in hex
	curr := 1
	curr += copy(buf[curr:], h.Pstr)
	curr += copy(buf[curr:], h.Reserved[:])
	curr += copy(buf[curr:], h.InfoHash[:])
	curr += copy(buf[curr:], h.PeerID[:])
	return buf
}

// Convert raw handshake string into a Handshake struct
func readHandshake(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	_, err := io.ReadFull(r, pstrLenBuf)
	if err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != 19 {
		err := fmt.Errorf("pstr length should be 19 (0x13) but is %d", pstrLen)
		return nil, err
	}

	handshakeBuf := make([]byte, handshakeLen-1)
	_, err = io.ReadFull(r, handshakeBuf)
	if err != nil {
		return nil, err
	}

	h := Handshake{
		Pstr: string(handshakeBuf[0:pstrLen]),
	}
	copy(h.Reserved[:], handshakeBuf[pstrLen:pstrLen+8])
	copy(h.InfoHash[:], handshakeBuf[pstrLen+8:pstrLen+8+20])
	copy(h.PeerID[:], handshakeBuf[pstrLen+8+20:])

	return &h, nil
}
