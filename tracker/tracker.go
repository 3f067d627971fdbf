package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"marlin/peer"
)

// GET request to tracker URL returns:
//   - interval (time to send GET request for list of peers again)
//   - peers (list of peers)
type httpTrackerResponse struct {
	Interval      int    `bencode:"interval"`
	Peers         string `bencode:"peers"`
	FailureReason string `bencode:"failure reason"`
}

// Request carries everything a tracker needs to know about us and the
// torrent being announced.
type Request struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     uint16
	Left     int
}

// RequestPeers announces to a single tracker and returns the peer list and
// the tracker's re-announce interval in seconds.
func RequestPeers(announce string, req Request) ([]peer.Peer, int, error) {
	base, err := url.Parse(announce)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "parse tracker url %q", announce)
	}

	switch base.Scheme {
	case "http", "https":
		params := url.Values{
			"info_hash":  []string{string(req.InfoHash[:])},
			"peer_id":    []string{string(req.PeerID[:])},
			"port":       []string{strconv.Itoa(int(req.Port))},
			"uploaded":   []string{"0"},
			"downloaded": []string{"0"},
			"compact":    []string{"1"},
			"left":       []string{strconv.Itoa(req.Left)},
		}
		base.RawQuery = params.Encode()
		return httpRequestPeers(base.String())
	case "udp":
		return udpRequestPeers(base.Host, req)
	default:
		err := fmt.Errorf("bad or unsupported url scheme %q", base.Scheme)
		return nil, 0, err
	}
}

func httpRequestPeers(url string) ([]peer.Peer, int, error) {
	// get the response
	conn := &http.Client{Timeout: 5 * time.Second}
	response, err := conn.Get(url)
	if err != nil {
		return nil, 0, errors.Wrap(err, "announce to tracker")
	}
	defer response.Body.Close()

	// fill body of the response into the response struct
	trackerResponse := httpTrackerResponse{}
	err = bencode.Unmarshal(response.Body, &trackerResponse)
	if err != nil {
		return nil, 0, errors.Wrap(err, "decode tracker response")
	}

	if trackerResponse.FailureReason != "" {
		return nil, 0, fmt.Errorf("tracker refused announce: %s", trackerResponse.FailureReason)
	}

	peers, err := peer.Unmarshal([]byte(trackerResponse.Peers))
	if err != nil {
		return nil, 0, err
	}
	return peers, trackerResponse.Interval, nil
}

// Announcer periodically announces to the torrent's trackers and delivers
// discovered peers to a channel.
type Announcer struct {
	Trackers []string
	Request  Request

	log *logrus.Entry
}

func NewAnnouncer(trackers []string, req Request) *Announcer {
	return &Announcer{
		Trackers: trackers,
		Request:  req,
		log:      logrus.WithField("component", "tracker"),
	}
}

// Run announces until ctx is cancelled. Every round it walks the tracker
// list until one answers, sends the peers to out, then sleeps for the
// interval the tracker asked for.
func (a *Announcer) Run(ctx context.Context, out chan<- []peer.Peer) {
	interval := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		interval = a.announceOnce(ctx, out)
	}
}

func (a *Announcer) announceOnce(ctx context.Context, out chan<- []peer.Peer) time.Duration {
	for _, announce := range a.Trackers {
		peers, seconds, err := RequestPeers(announce, a.Request)
		if err != nil {
			a.log.WithError(err).WithField("tracker", announce).Debug("announce failed")
			continue
		}
		if len(peers) == 0 {
			continue
		}

		a.log.WithFields(logrus.Fields{
			"tracker": announce,
			"peers":   len(peers),
		}).Debug("announce succeeded")

		select {
		case out <- peers:
		case <-ctx.Done():
		}

		if seconds < 1 {
			seconds = 60
		}
		return time.Duration(seconds) * time.Second
	}

	// nobody answered, retry soon
	return 5 * time.Second
}
