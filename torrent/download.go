package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"strconv"
	"time"

	"github.com/gosuri/uiprogress"

	"marlin/channel"
	"marlin/message"
	"marlin/peer"
)

// data is downloaded in blocks (16kB) and not pieces
const maxBlockSize = 16 * 1024

const maxPipelineDepth = 25

type pieceWork struct {
	index  int
	hash   [20]byte
	length int
}

type pieceResult struct {
	index  int
	buffer []byte
}

type pieceState struct {
	index         int
	channel       *channel.Channel
	buffer        []byte
	downloaded    int
	requested     int
	pipelineDepth int
}

func (ps *pieceState) readMessage() error {
	msg, err := ps.channel.Read()
	if err != nil {
		return err
	}

	// keep-alive
	if msg == nil {
		return nil
	}

	switch msg.ID {
	case message.Unchoke:
		ps.channel.Choked = false
	case message.Choke:
		ps.channel.Choked = true
	case message.Have:
		index, err := message.ReadHaveMessage(msg)
		if err != nil {
			return err
		}
		ps.channel.Bitfield.SetPiece(index)
	case message.Piece:
		blockLen, err := message.ReadPieceMessage(ps.index, ps.buffer, msg)
		if err != nil {
			return err
		}
		ps.downloaded += blockLen
		ps.pipelineDepth--
	}
	return nil
}

func downloadPiece(ch *channel.Channel, w *pieceWork) ([]byte, error) {
	state := pieceState{
		index:   w.index,
		channel: ch,
		buffer:  make([]byte, w.length),
	}

	ch.Conn.SetDeadline(time.Now().Add(30 * time.Second))
	defer ch.Conn.SetDeadline(time.Time{})

	for state.downloaded < w.length {
		if !state.channel.Choked {
			// do not exceed maximum pipeline depth and request at most the piece length
			for state.pipelineDepth < maxPipelineDepth && state.requested < w.length {
				blockSize := maxBlockSize
				// remaining block size might be smaller than 16kB
				if w.length-state.requested < blockSize {
					blockSize = w.length - state.requested
				}

				err := ch.SendRequest(w.index, state.requested, blockSize)
				if err != nil {
					return nil, err
				}
				state.pipelineDepth++
				state.requested += blockSize
			}
		}

		// check status between client and peer
		// might get choked/unchoked/have/piece message
		err := state.readMessage()
		if err != nil {
			return nil, err
		}
	}

	return state.buffer, nil
}

func checkIntegrity(w *pieceWork, buf []byte) error {
	hash := sha1.Sum(buf)
	if !bytes.Equal(hash[:], w.hash[:]) {
		return fmt.Errorf("index %d failed integrity check", w.index)
	}
	return nil
}

func (t *Torrent) startDownloader(ctx context.Context, p peer.Peer, workQueue chan *pieceWork, results chan<- *pieceResult) {
	ch, err := channel.New(p, t.tf.InfoHash, t.peerID, channel.Options{Dialer: t.dialer})
	if err != nil {
		t.log.WithError(err).WithField("peer", p.String()).Debug("peer connection failed")
		return
	}
	defer ch.Close()

	t.activePeers.Add(1)
	defer t.activePeers.Add(-1)

	ch.SendUnchoke()
	ch.SendInterested()

	for {
		var w *pieceWork
		select {
		case <-ctx.Done():
			return
		case w = <-workQueue:
		}

		if !ch.Bitfield.HasPiece(w.index) {
			workQueue <- w
			continue
		}

		buf, err := downloadPiece(ch, w)
		if err != nil {
			t.log.WithError(err).WithField("peer", p.String()).Debug("dropping peer")
			workQueue <- w
			return
		}

		if err := checkIntegrity(w, buf); err != nil {
			t.log.WithField("piece", w.index).Warn("piece failed integrity check, requeueing")
			workQueue <- w
			continue
		}

		ch.SendHave(w.index)
		select {
		case results <- &pieceResult{w.index, buf}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Torrent) downloadProgress() *uiprogress.Bar {
	uiprogress.Start()
	bar := uiprogress.AddBar(len(t.tf.PieceHashes))
	bar.AppendCompleted()
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "pieces: " + strconv.Itoa(int(t.piecesDone.Load())) + "/" + strconv.Itoa(len(t.tf.PieceHashes))
	})
	bar.AppendFunc(func(b *uiprogress.Bar) string {
		return "peers: " + strconv.Itoa(int(t.activePeers.Load()))
	})
	bar.AppendElapsed()
	return bar
}

// spawnDownloaders starts a downloader goroutine for every newly discovered
// peer until ctx is cancelled.
func (t *Torrent) spawnDownloaders(ctx context.Context, workQueue chan *pieceWork, results chan<- *pieceResult) {
	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-t.peers:
			for _, p := range batch {
				addr := p.String()
				if seen[addr] {
					continue
				}
				seen[addr] = true
				go t.startDownloader(ctx, p, workQueue, results)
			}
		}
	}
}

// Download fetches the whole torrent and returns its payload.
func (t *Torrent) Download(ctx context.Context) ([]byte, error) {
	if err := t.checkDiscovery(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	t.log.WithField("pieces", len(t.tf.PieceHashes)).Info("starting download")

	workQueue := make(chan *pieceWork, len(t.tf.PieceHashes))
	results := make(chan *pieceResult)
	for index, hash := range t.tf.PieceHashes {
		workQueue <- &pieceWork{index, hash, t.tf.PieceSize(index)}
	}

	t.startDiscovery(ctx)
	go t.spawnDownloaders(ctx, workQueue, results)

	var progressBar *uiprogress.Bar
	if t.config.ShowDownloadProgress {
		progressBar = t.downloadProgress()
		defer uiprogress.Stop()
	}

	buf := make([]byte, t.tf.Length)
	for int(t.piecesDone.Load()) < len(t.tf.PieceHashes) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-results:
			begin := res.index * t.tf.PieceLength
			copy(buf[begin:begin+len(res.buffer)], res.buffer)
			t.piecesDone.Add(1)
			if progressBar != nil {
				progressBar.Incr()
			}
		}
	}

	t.log.Info("download complete")
	return buf, nil
}

// DownloadPiece fetches and verifies a single piece from the first peer that
// has it.
func (t *Torrent) DownloadPiece(ctx context.Context, index int) ([]byte, error) {
	if index < 0 || index >= len(t.tf.PieceHashes) {
		return nil, fmt.Errorf("piece index %d out of range (torrent has %d pieces)", index, len(t.tf.PieceHashes))
	}
	if err := t.checkDiscovery(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.startDiscovery(ctx)

	w := &pieceWork{index, t.tf.PieceHashes[index], t.tf.PieceSize(index)}
	tried := make(map[string]bool)

	for {
		var batch []peer.Peer
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case batch = <-t.peers:
		}

		for _, p := range batch {
			addr := p.String()
			if tried[addr] {
				continue
			}
			tried[addr] = true

			buf, err := t.downloadPieceFromPeer(p, w)
			if err != nil {
				t.log.WithError(err).WithField("peer", addr).Debug("piece download failed")
				continue
			}
			return buf, nil
		}
	}
}

func (t *Torrent) downloadPieceFromPeer(p peer.Peer, w *pieceWork) ([]byte, error) {
	ch, err := channel.New(p, t.tf.InfoHash, t.peerID, channel.Options{Dialer: t.dialer})
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	if !ch.Bitfield.HasPiece(w.index) {
		return nil, fmt.Errorf("peer %s does not have piece %d", p, w.index)
	}

	ch.SendUnchoke()
	ch.SendInterested()

	buf, err := downloadPiece(ch, w)
	if err != nil {
		return nil, err
	}
	if err := checkIntegrity(w, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
