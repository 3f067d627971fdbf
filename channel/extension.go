package channel

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"

	"marlin/message"
)

// Extension message ID we assign to ut_metadata in our extended handshake;
// the peer addresses metadata pieces to this ID.
const localUtMetadataID = 1

// metadata is transferred in 16 KiB pieces (BEP 9)
const metadataPieceLength = 16 * 1024

const maxMetadataSize = 10_000_000

const (
	metadataMsgRequest = 0
	metadataMsgData    = 1
	metadataMsgReject  = 2
)

// ExtensionInfo is the result of the extended handshake with a peer.
type ExtensionInfo struct {
	// UtMetadata is the peer's message ID for ut_metadata requests.
	UtMetadata uint8

	// MetadataSize is the total size of the bencoded info dictionary,
	// zero when the peer did not report one.
	MetadataSize int
}

type extHandshakeMsg struct {
	M            extMessageIDs `bencode:"m"`
	MetadataSize int           `bencode:"metadata_size,omitempty"`
}

type extMessageIDs struct {
	UtMetadata int `bencode:"ut_metadata"`
}

type metadataRequestMsg struct {
	MsgType int `bencode:"msg_type"`
	Piece   int `bencode:"piece"`
}

// ExtHandshake performs the extended handshake (BEP 10): announce our
// ut_metadata mapping and read the peer's extension dictionary.
func (ch *Channel) ExtHandshake() (*ExtensionInfo, error) {
	if !ch.extended {
		return nil, fmt.Errorf("peer %s does not support the extension protocol", ch.peer)
	}

	var payload bytes.Buffer
	err := bencode.Marshal(&payload, extHandshakeMsg{
		M: extMessageIDs{UtMetadata: localUtMetadataID},
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode extended handshake")
	}

	msg := message.CreateExtendedMessage(0, payload.Bytes())
	_, err = ch.Conn.Write(msg.Serialize())
	if err != nil {
		return nil, errors.Wrap(err, "send extended handshake")
	}

	ch.Conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer ch.Conn.SetDeadline(time.Time{})

	extID, body, err := ch.readExtended()
	if err != nil {
		return nil, err
	}
	if extID != 0 {
		return nil, fmt.Errorf("expected extended handshake but got extension ID %d", extID)
	}

	theirs := extHandshakeMsg{}
	err = bencode.Unmarshal(bytes.NewReader(body), &theirs)
	if err != nil {
		return nil, errors.Wrap(err, "decode extended handshake")
	}
	if theirs.M.UtMetadata == 0 {
		return nil, fmt.Errorf("peer %s does not support ut_metadata", ch.peer)
	}
	if theirs.MetadataSize > maxMetadataSize {
		return nil, fmt.Errorf("metadata size %d exceeds limit", theirs.MetadataSize)
	}

	ch.ext = &ExtensionInfo{
		UtMetadata:   uint8(theirs.M.UtMetadata),
		MetadataSize: theirs.MetadataSize,
	}
	return ch.ext, nil
}

// FetchMetadata downloads the torrent's bencoded info dictionary through the
// ut_metadata extension and verifies it against the info hash. ExtHandshake
// must have completed first.
func (ch *Channel) FetchMetadata() ([]byte, error) {
	if ch.ext == nil {
		return nil, fmt.Errorf("extended handshake has not completed")
	}
	if ch.ext.MetadataSize <= 0 {
		return nil, fmt.Errorf("peer %s did not report a metadata size", ch.peer)
	}

	ch.Conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer ch.Conn.SetDeadline(time.Time{})

	numPieces := (ch.ext.MetadataSize + metadataPieceLength - 1) / metadataPieceLength
	metadata := make([]byte, ch.ext.MetadataSize)

	for i := 0; i < numPieces; i++ {
		piece, data, err := ch.requestMetadataPiece(i)
		if err != nil {
			return nil, err
		}
		begin := piece * metadataPieceLength
		if begin+len(data) > len(metadata) {
			return nil, fmt.Errorf("metadata piece %d overruns reported size", piece)
		}
		copy(metadata[begin:], data)
	}

	hash := sha1.Sum(metadata)
	if !bytes.Equal(hash[:], ch.infoHash[:]) {
		return nil, fmt.Errorf("metadata failed integrity check")
	}

	return metadata, nil
}

func (ch *Channel) requestMetadataPiece(index int) (int, []byte, error) {
	var payload bytes.Buffer
	err := bencode.Marshal(&payload, metadataRequestMsg{
		MsgType: metadataMsgRequest,
		Piece:   index,
	})
	if err != nil {
		return 0, nil, errors.Wrap(err, "encode metadata request")
	}

	msg := message.CreateExtendedMessage(ch.ext.UtMetadata, payload.Bytes())
	_, err = ch.Conn.Write(msg.Serialize())
	if err != nil {
		return 0, nil, errors.Wrapf(err, "request metadata piece %d", index)
	}

	extID, body, err := ch.readExtended()
	if err != nil {
		return 0, nil, err
	}
	if extID != localUtMetadataID {
		return 0, nil, fmt.Errorf("expected ut_metadata message but got extension ID %d", extID)
	}

	// the data message is a bencoded header followed by the raw piece bytes
	r := bytes.NewReader(body)
	decoded, err := bencode.Decode(r)
	if err != nil {
		return 0, nil, errors.Wrap(err, "decode metadata piece header")
	}
	header, ok := decoded.(map[string]interface{})
	if !ok {
		return 0, nil, fmt.Errorf("metadata piece header is not a dictionary")
	}

	msgType, _ := header["msg_type"].(int64)
	if msgType == metadataMsgReject {
		return 0, nil, fmt.Errorf("peer %s rejected metadata piece %d", ch.peer, index)
	}
	if msgType != metadataMsgData {
		return 0, nil, fmt.Errorf("expected metadata data message, got msg_type %d", msgType)
	}

	piece, _ := header["piece"].(int64)
	data := body[len(body)-r.Len():]
	return int(piece), data, nil
}

// readExtended reads messages until an extended one arrives, skipping
// keepalives and unrelated traffic such as bitfield or have messages.
func (ch *Channel) readExtended() (uint8, []byte, error) {
	for {
		msg, err := ch.Read()
		if err != nil {
			return 0, nil, errors.Wrap(err, "read extended message")
		}

		// keep-alive
		if msg == nil {
			continue
		}

		if msg.ID != message.Extended {
			continue
		}

		return message.ReadExtendedMessage(msg)
	}
}
