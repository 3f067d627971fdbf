package metainfo

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTorrent(t *testing.T, bto bencodeTorrent) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, bto))
	return buf.Bytes()
}

func TestParseSingleFile(t *testing.T) {
	pieces := strings.Repeat("a", 20) + strings.Repeat("b", 20)
	raw := encodeTorrent(t, bencodeTorrent{
		Announce: "http://tracker.example.com:8080/announce",
		Info: bencodeInfo{
			PieceLength: 262144,
			Pieces:      pieces,
			Length:      300000,
			Name:        "debian.iso",
		},
	})

	tf, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example.com:8080/announce", tf.Announce)
	assert.Equal(t, "debian.iso", tf.Name)
	assert.Equal(t, 300000, tf.Length)
	assert.Equal(t, 262144, tf.PieceLength)
	require.Len(t, tf.PieceHashes, 2)
	assert.Equal(t, []byte(strings.Repeat("a", 20)), tf.PieceHashes[0][:])
	assert.NotEqual(t, [20]byte{}, tf.InfoHash)
}

func TestParseMultiFile(t *testing.T) {
	raw := encodeTorrent(t, bencodeTorrent{
		Announce: "http://tracker.example.com/announce",
		AnnounceList: [][]string{
			{"http://tracker.example.com/announce"},
			{"udp://tracker.example.org:6969"},
		},
		Info: bencodeInfo{
			PieceLength: 16384,
			Pieces:      strings.Repeat("x", 20),
			Name:        "bundle",
			Files: []bencodeFileInfo{
				{Length: 100, Path: []string{"a.txt"}},
				{Length: 200, Path: []string{"dir", "b.txt"}},
			},
		},
	})

	tf, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, 300, tf.Length)
	assert.Equal(t, []string{
		"http://tracker.example.com/announce",
		"udp://tracker.example.org:6969",
	}, tf.AnnounceList)
}

func TestParseErrors(t *testing.T) {
	// pieces blob not a multiple of 20
	raw := encodeTorrent(t, bencodeTorrent{
		Announce: "http://t/announce",
		Info: bencodeInfo{
			PieceLength: 16384,
			Pieces:      "short",
			Length:      10,
			Name:        "x",
		},
	})
	_, err := Parse(bytes.NewReader(raw))
	assert.Error(t, err)

	// neither length nor files
	raw = encodeTorrent(t, bencodeTorrent{
		Announce: "http://t/announce",
		Info: bencodeInfo{
			PieceLength: 16384,
			Pieces:      strings.Repeat("x", 20),
			Name:        "x",
		},
	})
	_, err = Parse(bytes.NewReader(raw))
	assert.Error(t, err)

	// not bencode at all
	_, err = Parse(strings.NewReader("hello world"))
	assert.Error(t, err)
}

func TestFromInfoBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, bencodeInfo{
		PieceLength: 16384,
		Pieces:      strings.Repeat("h", 20),
		Length:      1234,
		Name:        "magnet-file",
	}))
	raw := buf.Bytes()

	tf, err := FromInfoBytes([]string{"http://t/announce"}, raw)
	require.NoError(t, err)

	assert.Equal(t, sha1.Sum(raw), tf.InfoHash)
	assert.Equal(t, "magnet-file", tf.Name)
	assert.Equal(t, 1234, tf.Length)
	assert.Equal(t, "http://t/announce", tf.Announce)
}

func TestPieceSize(t *testing.T) {
	tf := TorrentFile{PieceLength: 100, Length: 250}
	assert.Equal(t, 100, tf.PieceSize(0))
	assert.Equal(t, 100, tf.PieceSize(1))
	assert.Equal(t, 50, tf.PieceSize(2))
}

func TestTrackers(t *testing.T) {
	tf := TorrentFile{Announce: "http://a/announce"}
	assert.Equal(t, []string{"http://a/announce"}, tf.Trackers())

	tf.AnnounceList = []string{"udp://b:6969", "http://a/announce"}
	assert.Equal(t, tf.AnnounceList, tf.Trackers())
}
