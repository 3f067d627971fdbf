package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
)

// TorrentFile holds the decoded metainfo of a torrent: where to announce,
// how the payload is cut into pieces and how to verify them.
type TorrentFile struct {
	Announce     string
	AnnounceList []string
	InfoHash     [20]byte
	PieceLength  int
	PieceHashes  [][20]byte
	Length       int
	Name         string
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int               `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Private     bool              `bencode:"private,omitempty"`
	Source      string            `bencode:"source,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

type bencodeFileInfo struct {
	Length   int      `bencode:"length"`
	Path     []string `bencode:"path"`
	PathUTF8 []string `bencode:"path.utf-8,omitempty"`
}

// Open reads and decodes a .torrent file from disk.
func Open(path string) (*TorrentFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open torrent file")
	}
	defer file.Close()

	return Parse(file)
}

// Parse decodes bencoded metainfo from r.
func Parse(r io.Reader) (*TorrentFile, error) {
	bto := bencodeTorrent{}
	err := bencode.Unmarshal(r, &bto)
	if err != nil {
		return nil, errors.Wrap(err, "decode metainfo")
	}

	return bto.toTorrentFile()
}

// FromInfoBytes builds a TorrentFile from a raw bencoded info dictionary
// obtained through the metadata extension, together with the trackers known
// from the magnet link. The info hash is the SHA-1 of the raw bytes; callers
// verify it against the magnet's hash before trusting the metadata.
func FromInfoBytes(trackers []string, raw []byte) (*TorrentFile, error) {
	binfo := bencodeInfo{}
	err := bencode.Unmarshal(bytes.NewReader(raw), &binfo)
	if err != nil {
		return nil, errors.Wrap(err, "decode info dictionary")
	}

	pieceHashes, err := binfo.generatePieceHashes()
	if err != nil {
		return nil, err
	}

	length := binfo.Length
	for _, f := range binfo.Files {
		length += f.Length
	}

	tf := TorrentFile{
		AnnounceList: trackers,
		InfoHash:     sha1.Sum(raw),
		PieceLength:  binfo.PieceLength,
		PieceHashes:  pieceHashes,
		Length:       length,
		Name:         binfo.Name,
	}
	if len(trackers) > 0 {
		tf.Announce = trackers[0]
	}
	return &tf, nil
}

func (binfo *bencodeInfo) hash() ([20]byte, error) {
	var buf bytes.Buffer
	err := bencode.Marshal(&buf, *binfo)
	if err != nil {
		return [20]byte{}, errors.Wrap(err, "encode info dictionary")
	}
	h := sha1.Sum(buf.Bytes())
	return h, nil
}

func (binfo *bencodeInfo) generatePieceHashes() ([][20]byte, error) {
	hashLength := 20
	buf := []byte(binfo.Pieces)

	if len(buf)%hashLength != 0 {
		err := fmt.Errorf("received incorrect number of pieces with length %d", len(buf))
		return nil, err
	}

	numHashes := len(buf) / hashLength
	hashes := make([][20]byte, numHashes)

	for i := 0; i < numHashes; i++ {
		copy(hashes[i][:], buf[i*hashLength:(i+1)*hashLength])
	}
	return hashes, nil
}

func (bto *bencodeTorrent) totalLength() (int, error) {
	files := bto.Info.Files
	if files == nil {
		if bto.Info.Length == 0 {
			return 0, fmt.Errorf("metainfo has neither length nor files")
		}
		return bto.Info.Length, nil
	}

	length := 0
	for _, f := range files {
		length += f.Length
	}
	return length, nil
}

func flattenAnnounceList(announceList [][]string) []string {
	flat := make([]string, 0, len(announceList))
	for _, tier := range announceList {
		flat = append(flat, tier...)
	}
	return flat
}

func (bto *bencodeTorrent) toTorrentFile() (*TorrentFile, error) {
	infoHash, err := bto.Info.hash()
	if err != nil {
		return nil, err
	}

	pieceHashes, err := bto.Info.generatePieceHashes()
	if err != nil {
		return nil, err
	}

	length, err := bto.totalLength()
	if err != nil {
		return nil, err
	}

	tf := TorrentFile{
		Announce:     bto.Announce,
		AnnounceList: flattenAnnounceList(bto.AnnounceList),
		InfoHash:     infoHash,
		PieceLength:  bto.Info.PieceLength,
		PieceHashes:  pieceHashes,
		Length:       length,
		Name:         bto.Info.Name,
	}
	return &tf, nil
}

// Trackers returns the announce list, falling back to the single announce
// URL for torrents without an announce-list.
func (tf *TorrentFile) Trackers() []string {
	if len(tf.AnnounceList) > 0 {
		return tf.AnnounceList
	}
	if tf.Announce != "" {
		return []string{tf.Announce}
	}
	return nil
}

// PieceSize returns the length of the piece at index; the final piece is
// usually shorter than PieceLength.
func (tf *TorrentFile) PieceSize(index int) int {
	begin := index * tf.PieceLength
	end := begin + tf.PieceLength
	if end > tf.Length {
		end = tf.Length
	}
	return end - begin
}
