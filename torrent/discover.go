package torrent

import (
	"context"
	"fmt"
	"time"

	"github.com/nictuku/dht"
	"github.com/sirupsen/logrus"

	"marlin/peer"
	"marlin/tracker"
)

// checkDiscovery rejects configurations that would leave the download with
// no peer source at all.
func (t *Torrent) checkDiscovery() error {
	if !t.config.UseDHT && len(t.tf.Trackers()) == 0 {
		return fmt.Errorf("metainfo carries no trackers and dht is disabled")
	}
	return nil
}

// startDiscovery feeds t.peers from the configured sources until ctx is
// cancelled.
func (t *Torrent) startDiscovery(ctx context.Context) {
	if t.config.UseTrackers {
		trackers := t.tf.Trackers()
		if len(trackers) == 0 {
			t.log.Debug("metainfo carries no trackers")
		} else {
			announcer := tracker.NewAnnouncer(trackers, tracker.Request{
				InfoHash: t.tf.InfoHash,
				PeerID:   t.peerID,
				Port:     t.config.Port,
				Left:     t.tf.Length,
			})
			go announcer.Run(ctx, t.peers)
		}
	}

	if t.config.UseDHT {
		if err := discoverDHTPeers(ctx, t.tf.InfoHash, t.peers, t.log); err != nil {
			t.log.WithError(err).Warn("dht discovery unavailable")
		}
	}
}

// discoverDHTPeers joins the DHT and keeps asking for peers holding the
// info hash, delivering them to out until ctx is cancelled.
func discoverDHTPeers(ctx context.Context, infoHash [20]byte, out chan<- []peer.Peer, log *logrus.Entry) error {
	node, err := dht.New(nil)
	if err != nil {
		return err
	}
	if err = node.Start(); err != nil {
		return err
	}

	ih := string(infoHash[:])

	go drainDHTResults(ctx, node, out)
	go func() {
		defer node.Stop()
		for {
			node.PeersRequest(ih, false)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	log.Debug("dht discovery started")
	return nil
}

func drainDHTResults(ctx context.Context, node *dht.DHT, out chan<- []peer.Peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-node.PeersRequestResults:
			if !ok {
				return
			}
			batch := make([]peer.Peer, 0)
			for _, addrs := range r {
				for _, raw := range addrs {
					p, err := peer.FromHostPort(dht.DecodePeerAddress(raw))
					if err != nil {
						continue
					}
					batch = append(batch, p)
				}
			}
			if len(batch) == 0 {
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}
