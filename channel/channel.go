package channel

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"marlin/message"
	"marlin/peer"
)

// Channel is the communication channel between the client and one peer.
type Channel struct {
	Conn     net.Conn // shared
	Choked   bool     // shared
	Bitfield Bitfield // shared
	peer     peer.Peer
	peerID   [20]byte // remote peer's id from the handshake
	infoHash [20]byte
	ext      *ExtensionInfo // nil until the extended handshake completes
	extended bool           // remote advertised extension support
}

// Options controls how a channel is established.
type Options struct {
	// Dialer used for the TCP connection; defaults to a net.Dialer with a
	// 5 second timeout. A SOCKS5 dialer from golang.org/x/net/proxy plugs in
	// here.
	Dialer proxy.Dialer

	// Advertise extension protocol support in the handshake reserved bits.
	Extensions bool

	// Skip waiting for the bitfield message after the handshake. Metadata
	// fetches for magnet links do not need piece availability.
	SkipBitfield bool
}

func completeHandshake(conn net.Conn, infoHash, peerID [20]byte, extensions bool) (*Handshake, error) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	request := newHandshake(infoHash, peerID, extensions) // initialize Handshake struct
	_, err := conn.Write(request.serializeHandshake())    // convert it to connection data
	if err != nil {
		return nil, errors.Wrap(err, "send handshake")
	}

	// convert handshake response to Handshake struct
	result, err := readHandshake(conn)
	if err != nil {
		return nil, errors.Wrap(err, "receive handshake")
	}

	// check if info hash sent equals to the one received
	if !bytes.Equal(result.InfoHash[:], infoHash[:]) {
		err := fmt.Errorf("expected infohash %x but got %x", infoHash, result.InfoHash)
		return nil, err
	}

	return result, nil
}

// Receive bitfield peer message right after successful handshake.
func receiveBitfield(conn net.Conn) (Bitfield, error) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	defer conn.SetDeadline(time.Time{})

	for {
		msg, err := message.Read(conn)
		if err != nil {
			return nil, err
		}

		// keep-alive
		if msg == nil {
			continue
		}

		if msg.ID != message.Bitfield {
			err := fmt.Errorf("expected bitfield but got message ID %d", msg.ID)
			return nil, err
		}

		return msg.Payload, nil
	}
}

// New establishes a channel to the peer: dial, handshake, and (unless
// skipped) the initial bitfield exchange.
func New(p peer.Peer, infoHash, peerID [20]byte, opts Options) (*Channel, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: 5 * time.Second}
	}

	conn, err := dialer.Dial("tcp", p.String())
	if err != nil {
		return nil, errors.Wrapf(err, "dial peer %s", p)
	}

	remote, err := completeHandshake(conn, infoHash, peerID, opts.Extensions)
	if err != nil {
		conn.Close()
		return nil, err
	}

	ch := &Channel{
		Conn:     conn,
		Choked:   true,
		peer:     p,
		peerID:   remote.PeerID,
		infoHash: infoHash,
		extended: remote.supportsExtensions(),
	}

	if !opts.SkipBitfield {
		bf, err := receiveBitfield(conn)
		if err != nil {
			conn.Close()
			return nil, err
		}
		ch.Bitfield = bf
	}

	return ch, nil
}

// PeerID returns the remote peer's id from the handshake.
func (ch *Channel) PeerID() [20]byte {
	return ch.peerID
}

// SupportsExtensions reports whether the remote peer advertised extension
// protocol support in its handshake.
func (ch *Channel) SupportsExtensions() bool {
	return ch.extended
}

func (ch *Channel) Close() error {
	return ch.Conn.Close()
}

func (ch *Channel) Read() (*message.Message, error) {
	msg, err := message.Read(ch.Conn)
	return msg, err
}

func (ch *Channel) SendRequest(index, begin, length int) error {
	req := message.CreateRequestMessage(index, begin, length)
	_, err := ch.Conn.Write(req.Serialize())
	return err
}

func (ch *Channel) SendInterested() error {
	msg := message.Message{ID: message.Interested}
	_, err := ch.Conn.Write(msg.Serialize())
	return err
}

func (ch *Channel) SendNotInterested() error {
	msg := message.Message{ID: message.NotInterested}
	_, err := ch.Conn.Write(msg.Serialize())
	return err
}

func (ch *Channel) SendUnchoke() error {
	msg := message.Message{ID: message.Unchoke}
	_, err := ch.Conn.Write(msg.Serialize())
	return err
}

func (ch *Channel) SendHave(index int) error {
	msg := message.CreateHaveMessage(index)
	_, err := ch.Conn.Write(msg.Serialize())
	return err
}
