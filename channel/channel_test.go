package channel

import (
	"bytes"
	"crypto/sha1"
	"net"
	"strconv"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marlin/message"
	"marlin/peer"
)

var (
	testInfoHash = [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	testPeerID   = [20]byte{'m', 'a', 'r', 'l', 'i', 'n', '-', 't', 'e', 's', 't', '-', 'p', 'e', 'e', 'r', '-', 'i', 'd', '!'}
	remotePeerID = [20]byte{'r', 'e', 'm', 'o', 't', 'e', '-', 't', 'e', 's', 't', '-', 'p', 'e', 'e', 'r', '-', 'i', 'd', '!'}
)

func TestHandshakeSerializeRead(t *testing.T) {
	h := newHandshake(testInfoHash, testPeerID, true)
	buf := h.serializeHandshake()
	require.Len(t, buf, handshakeLen)

	out, err := readHandshake(bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, "BitTorrent protocol", out.Pstr)
	assert.Equal(t, testInfoHash, out.InfoHash)
	assert.Equal(t, testPeerID, out.PeerID)
	assert.True(t, out.supportsExtensions())

	plain := newHandshake(testInfoHash, testPeerID, false)
	out, err = readHandshake(bytes.NewReader(plain.serializeHandshake()))
	require.NoError(t, err)
	assert.False(t, out.supportsExtensions())
}

func TestReadHandshakeBadPstr(t *testing.T) {
	buf := newHandshake(testInfoHash, testPeerID, false).serializeHandshake()
	buf[0] = 18
	_, err := readHandshake(bytes.NewReader(buf))
	assert.Error(t, err)
}

func TestCompleteHandshake(t *testing.T) {
	client, remote := net.Pipe()
	defer client.Close()
	defer remote.Close()

	go func() {
		theirs, err := readHandshake(remote)
		if err != nil {
			return
		}
		reply := newHandshake(theirs.InfoHash, remotePeerID, false)
		remote.Write(reply.serializeHandshake())
	}()

	result, err := completeHandshake(client, testInfoHash, testPeerID, false)
	require.NoError(t, err)
	assert.Equal(t, remotePeerID, result.PeerID)
}

func TestCompleteHandshakeWrongInfoHash(t *testing.T) {
	client, remote := net.Pipe()
	defer client.Close()
	defer remote.Close()

	go func() {
		readHandshake(remote)
		wrong := [20]byte{0xff}
		reply := newHandshake(wrong, remotePeerID, false)
		remote.Write(reply.serializeHandshake())
	}()

	_, err := completeHandshake(client, testInfoHash, testPeerID, false)
	assert.Error(t, err)
}

func TestReceiveBitfield(t *testing.T) {
	client, remote := net.Pipe()
	defer client.Close()
	defer remote.Close()

	go func() {
		// keepalive first, the reader should skip it
		var keepAlive *message.Message
		remote.Write(keepAlive.Serialize())
		msg := message.Message{ID: message.Bitfield, Payload: []byte{0b10100000}}
		remote.Write(msg.Serialize())
	}()

	bf, err := receiveBitfield(client)
	require.NoError(t, err)
	assert.True(t, bf.HasPiece(0))
	assert.False(t, bf.HasPiece(1))
	assert.True(t, bf.HasPiece(2))
}

func TestReceiveBitfieldWrongMessage(t *testing.T) {
	client, remote := net.Pipe()
	defer client.Close()
	defer remote.Close()

	go func() {
		msg := message.Message{ID: message.Unchoke}
		remote.Write(msg.Serialize())
	}()

	_, err := receiveBitfield(client)
	assert.Error(t, err)
}

func TestBitfield(t *testing.T) {
	bf := Bitfield{0b01010100, 0b01010100}
	assert.False(t, bf.HasPiece(0))
	assert.True(t, bf.HasPiece(1))
	assert.True(t, bf.HasPiece(9))
	assert.False(t, bf.HasPiece(30)) // out of range

	bf.SetPiece(0)
	assert.True(t, bf.HasPiece(0))
	bf.SetPiece(30) // out of range, no-op
	assert.Equal(t, Bitfield{0b11010100, 0b01010100}, bf)
}

// fakePeer accepts one connection and drives the remote side of the
// protocol.
func fakePeer(t *testing.T, extensions bool, serve func(conn net.Conn)) peer.Peer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		theirs, err := readHandshake(conn)
		if err != nil {
			return
		}
		reply := newHandshake(theirs.InfoHash, remotePeerID, extensions)
		conn.Write(reply.serializeHandshake())
		serve(conn)
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	return peer.Peer{IP: net.ParseIP("127.0.0.1"), Port: uint16(port)}
}

func TestNew(t *testing.T) {
	p := fakePeer(t, false, func(conn net.Conn) {
		msg := message.Message{ID: message.Bitfield, Payload: []byte{0xff}}
		conn.Write(msg.Serialize())
	})

	ch, err := New(p, testInfoHash, testPeerID, Options{})
	require.NoError(t, err)
	defer ch.Close()

	assert.Equal(t, remotePeerID, ch.PeerID())
	assert.False(t, ch.SupportsExtensions())
	assert.True(t, ch.Bitfield.HasPiece(5))
	assert.True(t, ch.Choked)
}

func TestExtHandshakeAndFetchMetadata(t *testing.T) {
	// the metadata the fake peer serves
	var info bytes.Buffer
	require.NoError(t, bencode.Marshal(&info, struct {
		PieceLength int    `bencode:"piece length"`
		Pieces      string `bencode:"pieces"`
		Length      int    `bencode:"length"`
		Name        string `bencode:"name"`
	}{16384, string(bytes.Repeat([]byte{'p'}, 20)), 42, "meta"}))
	metadata := info.Bytes()
	infoHash := sha1.Sum(metadata)

	p := fakePeer(t, true, func(conn net.Conn) {
		for {
			msg, err := message.Read(conn)
			if err != nil {
				return
			}
			if msg == nil || msg.ID != message.Extended {
				continue
			}
			extID, body, err := message.ReadExtendedMessage(msg)
			if err != nil {
				return
			}

			if extID == 0 {
				// answer the extended handshake with our ids and size
				var reply bytes.Buffer
				bencode.Marshal(&reply, extHandshakeMsg{
					M:            extMessageIDs{UtMetadata: 7},
					MetadataSize: len(metadata),
				})
				out := message.CreateExtendedMessage(0, reply.Bytes())
				conn.Write(out.Serialize())
				continue
			}

			// metadata request addressed to our advertised ID
			req := metadataRequestMsg{}
			if err := bencode.Unmarshal(bytes.NewReader(body), &req); err != nil {
				return
			}
			var header bytes.Buffer
			bencode.Marshal(&header, struct {
				MsgType   int `bencode:"msg_type"`
				Piece     int `bencode:"piece"`
				TotalSize int `bencode:"total_size"`
			}{metadataMsgData, req.Piece, len(metadata)})
			payload := append(header.Bytes(), metadata...)
			out := message.CreateExtendedMessage(localUtMetadataID, payload)
			conn.Write(out.Serialize())
		}
	})

	ch, err := New(p, infoHash, testPeerID, Options{Extensions: true, SkipBitfield: true})
	require.NoError(t, err)
	defer ch.Close()
	require.True(t, ch.SupportsExtensions())

	ext, err := ch.ExtHandshake()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), ext.UtMetadata)
	assert.Equal(t, len(metadata), ext.MetadataSize)

	got, err := ch.FetchMetadata()
	require.NoError(t, err)
	assert.Equal(t, metadata, got)
}

func TestFetchMetadataWithoutHandshake(t *testing.T) {
	ch := &Channel{}
	_, err := ch.FetchMetadata()
	assert.Error(t, err)
}

func TestExtHandshakeUnsupportedPeer(t *testing.T) {
	ch := &Channel{extended: false}
	_, err := ch.ExtHandshake()
	assert.Error(t, err)
}
