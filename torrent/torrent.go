package torrent

import (
	"context"
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"marlin/metainfo"
	"marlin/peer"
)

// Torrent is one download in flight: the decoded metainfo plus everything
// the engine needs to fetch and assemble the payload.
type Torrent struct {
	tf     *metainfo.TorrentFile
	config Config
	peerID [20]byte
	peers  chan []peer.Peer
	dialer proxy.Dialer

	piecesDone  atomic.Int32
	activePeers atomic.Int32

	log *logrus.Entry
}

// New prepares a download for the given metainfo.
func New(tf *metainfo.TorrentFile, config Config) (*Torrent, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	dialer, err := config.dialer()
	if err != nil {
		return nil, errors.Wrap(err, "configure proxy dialer")
	}

	return &Torrent{
		tf:     tf,
		config: config,
		peerID: GeneratePeerID(),
		peers:  make(chan []peer.Peer),
		dialer: dialer,
		log:    logrus.WithField("torrent", tf.Name),
	}, nil
}

// PeerID returns the id this client announces and handshakes with.
func (t *Torrent) PeerID() [20]byte {
	return t.peerID
}

// Metainfo returns the torrent's decoded metainfo.
func (t *Torrent) Metainfo() *metainfo.TorrentFile {
	return t.tf
}

// Peers announces the torrent and returns the first batch of peers found.
func Peers(ctx context.Context, tf *metainfo.TorrentFile, config Config) ([]peer.Peer, error) {
	t, err := New(tf, config)
	if err != nil {
		return nil, err
	}
	if !config.UseDHT && len(tf.Trackers()) == 0 {
		return nil, errors.New("metainfo carries no trackers and dht is disabled")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.startDiscovery(ctx)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case batch := <-t.peers:
		return batch, nil
	}
}

// DownloadToFile downloads the whole torrent and writes it to path.
func (t *Torrent) DownloadToFile(ctx context.Context, path string) error {
	buf, err := t.Download(ctx)
	if err != nil {
		return err
	}

	outFile, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer outFile.Close()

	_, err = outFile.Write(buf)
	if err != nil {
		return errors.Wrap(err, "write output file")
	}
	return nil
}
