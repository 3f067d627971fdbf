package torrent

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"marlin/channel"
	"marlin/magnet"
	"marlin/metainfo"
	"marlin/peer"
	"marlin/tracker"
)

// Trackers want a "left" value before the metadata (and with it the real
// length) is known.
const metadataLeft = 999

// ResolveMagnet turns a magnet link into full metainfo by fetching the
// bencoded info dictionary from a peer through the ut_metadata extension.
func ResolveMagnet(ctx context.Context, m *magnet.Magnet, config Config) (*metainfo.TorrentFile, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if !config.UseDHT && len(m.Trackers) == 0 {
		return nil, errors.New("magnet link carries no trackers and dht is disabled")
	}
	dialer, err := config.dialer()
	if err != nil {
		return nil, errors.Wrap(err, "configure proxy dialer")
	}

	log := logrus.WithField("magnet", m.DisplayName)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peers := make(chan []peer.Peer)
	startMagnetDiscovery(ctx, m, config, peers, log)

	tried := make(map[string]bool)
	for {
		var batch []peer.Peer
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case batch = <-peers:
		}

		for _, p := range batch {
			addr := p.String()
			if tried[addr] {
				continue
			}
			tried[addr] = true

			raw, err := fetchMetadataFromPeer(p, m.InfoHash, GeneratePeerID(), dialer)
			if err != nil {
				log.WithError(err).WithField("peer", addr).Debug("metadata fetch failed")
				continue
			}

			tf, err := metainfo.FromInfoBytes(m.Trackers, raw)
			if err != nil {
				log.WithError(err).WithField("peer", addr).Debug("metadata did not decode")
				continue
			}

			log.WithField("name", tf.Name).Info("metadata resolved")
			return tf, nil
		}
	}
}

// MagnetPeers announces the magnet's info hash and returns the first batch
// of peers found.
func MagnetPeers(ctx context.Context, m *magnet.Magnet, config Config) ([]peer.Peer, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if !config.UseDHT && len(m.Trackers) == 0 {
		return nil, errors.New("magnet link carries no trackers and dht is disabled")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	peers := make(chan []peer.Peer)
	startMagnetDiscovery(ctx, m, config, peers, logrus.WithField("magnet", m.DisplayName))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case batch := <-peers:
		return batch, nil
	}
}

func startMagnetDiscovery(ctx context.Context, m *magnet.Magnet, config Config, out chan []peer.Peer, log *logrus.Entry) {
	if config.UseTrackers && len(m.Trackers) > 0 {
		announcer := tracker.NewAnnouncer(m.Trackers, tracker.Request{
			InfoHash: m.InfoHash,
			PeerID:   GeneratePeerID(),
			Port:     config.Port,
			Left:     metadataLeft,
		})
		go announcer.Run(ctx, out)
	}

	if config.UseDHT {
		if err := discoverDHTPeers(ctx, m.InfoHash, out, log); err != nil {
			log.WithError(err).Warn("dht discovery unavailable")
		}
	}
}

func fetchMetadataFromPeer(p peer.Peer, infoHash, peerID [20]byte, dialer proxy.Dialer) ([]byte, error) {
	ch, err := channel.New(p, infoHash, peerID, channel.Options{
		Dialer:       dialer,
		Extensions:   true,
		SkipBitfield: true,
	})
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	if !ch.SupportsExtensions() {
		return nil, fmt.Errorf("peer %s does not support extensions", p)
	}

	if _, err := ch.ExtHandshake(); err != nil {
		return nil, err
	}
	return ch.FetchMetadata()
}
