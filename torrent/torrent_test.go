package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marlin/channel"
	"marlin/message"
	"marlin/metainfo"
)

// buildTorrent cuts payload into pieces and returns matching metainfo.
func buildTorrent(payload []byte, pieceLength int) *metainfo.TorrentFile {
	numPieces := (len(payload) + pieceLength - 1) / pieceLength
	hashes := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		end := (i + 1) * pieceLength
		if end > len(payload) {
			end = len(payload)
		}
		hashes[i] = sha1.Sum(payload[i*pieceLength : end])
	}
	return &metainfo.TorrentFile{
		InfoHash:    sha1.Sum(payload), // arbitrary for tests, never checked on this path
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Length:      len(payload),
		Name:        "test-payload",
	}
}

// fakeSeeder serves every piece of payload over the wire protocol.
func fakeSeeder(t *testing.T, tf *metainfo.TorrentFile, payload []byte) (ip net.IP, port uint16) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveSeeder(conn, tf, payload)
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, _ := strconv.Atoi(portStr)
	return net.ParseIP("127.0.0.1"), uint16(p)
}

func serveSeeder(conn net.Conn, tf *metainfo.TorrentFile, payload []byte) {
	defer conn.Close()

	// handshake: echo the info hash back
	buf := make([]byte, 68)
	if _, err := readFull(conn, buf); err != nil {
		return
	}
	reply := make([]byte, 68)
	copy(reply, buf)
	copy(reply[48:], "fake-seeder-peer-id!")
	conn.Write(reply)

	// full bitfield
	numPieces := len(tf.PieceHashes)
	bf := make(channel.Bitfield, (numPieces+7)/8)
	for i := 0; i < numPieces; i++ {
		bf.SetPiece(i)
	}
	bfMsg := message.Message{ID: message.Bitfield, Payload: bf}
	conn.Write(bfMsg.Serialize())

	for {
		msg, err := message.Read(conn)
		if err != nil {
			return
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case message.Interested:
			unchoke := message.Message{ID: message.Unchoke}
			conn.Write(unchoke.Serialize())
		case message.Request:
			index := int(uint32(msg.Payload[0])<<24 | uint32(msg.Payload[1])<<16 | uint32(msg.Payload[2])<<8 | uint32(msg.Payload[3]))
			begin := int(uint32(msg.Payload[4])<<24 | uint32(msg.Payload[5])<<16 | uint32(msg.Payload[6])<<8 | uint32(msg.Payload[7]))
			length := int(uint32(msg.Payload[8])<<24 | uint32(msg.Payload[9])<<16 | uint32(msg.Payload[10])<<8 | uint32(msg.Payload[11]))

			offset := index*tf.PieceLength + begin
			if offset+length > len(payload) {
				return
			}
			block := payload[offset : offset+length]
			piece := make([]byte, 8+len(block))
			copy(piece[0:4], msg.Payload[0:4])
			copy(piece[4:8], msg.Payload[4:8])
			copy(piece[8:], block)
			out := message.Message{ID: message.Piece, Payload: piece}
			conn.Write(out.Serialize())
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// fakeTracker announces a single seeder.
func fakeTracker(t *testing.T, ip net.IP, port uint16) *httptest.Server {
	t.Helper()
	compact := append([]byte(ip.To4()), byte(port>>8), byte(port))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "d8:intervali60e5:peers6:%se", compact)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() Config {
	return Config{UseTrackers: true, Port: 6881}
}

func TestDownload(t *testing.T) {
	payload := make([]byte, 80)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	tf := buildTorrent(payload, 32)

	ip, port := fakeSeeder(t, tf, payload)
	srv := fakeTracker(t, ip, port)
	tf.Announce = srv.URL

	tor, err := New(tf, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	got, err := tor.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadPiece(t *testing.T) {
	payload := make([]byte, 80)
	for i := range payload {
		payload[i] = byte(255 - i)
	}
	tf := buildTorrent(payload, 32)

	ip, port := fakeSeeder(t, tf, payload)
	srv := fakeTracker(t, ip, port)
	tf.Announce = srv.URL

	tor, err := New(tf, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// final short piece
	got, err := tor.DownloadPiece(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, payload[64:], got)

	_, err = tor.DownloadPiece(ctx, 99)
	assert.Error(t, err)
}

func TestDownloadToFile(t *testing.T) {
	payload := []byte("marlin writes the payload to the output file")
	tf := buildTorrent(payload, 16)

	ip, port := fakeSeeder(t, tf, payload)
	srv := fakeTracker(t, ip, port)
	tf.Announce = srv.URL

	tor, err := New(tf, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := t.TempDir() + "/out.bin"
	require.NoError(t, tor.DownloadToFile(ctx, out))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}
	_, err := New(&metainfo.TorrentFile{}, cfg)
	assert.Error(t, err)
}

func TestGeneratePeerID(t *testing.T) {
	a := GeneratePeerID()
	b := GeneratePeerID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 20)
}
