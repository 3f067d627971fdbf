package tracker

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"

	"marlin/peer"
)

// UDP tracker protocol (BEP 15): a connect round trip to obtain a connection
// ID, then an announce round trip.

const (
	udpProtocolID = 0x41727101980

	udpActionConnect  = 0
	udpActionAnnounce = 1
)

const connectLen = 16
const announceLen = 98

type udpConnect struct {
	ProtocolID    uint64 // request & response
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte // response
}

func newConnect() *udpConnect {
	return &udpConnect{
		ProtocolID:    udpProtocolID,
		Action:        udpActionConnect,
		TransactionID: randomID(4),
	}
}

func (c *udpConnect) serialize() []byte {
	buf := make([]byte, connectLen)
	binary.BigEndian.PutUint64(buf[0:8], c.ProtocolID)
	binary.BigEndian.PutUint32(buf[8:12], c.Action)
	copy(buf[12:16], c.TransactionID)
	return buf
}

func readConnect(buf []byte) (*udpConnect, error) {
	if len(buf) < connectLen {
		return nil, fmt.Errorf("connect response too short: %d bytes", len(buf))
	}

	c := udpConnect{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: append([]byte(nil), buf[4:8]...),
		ConnectionID:  append([]byte(nil), buf[8:16]...),
	}
	return &c, nil
}

type udpAnnounce struct {
	Action        uint32 // request & response
	TransactionID []byte // request & response

	ConnectionID []byte   // request
	InfoHash     [20]byte // request
	PeerID       [20]byte // request
	Downloaded   uint64   // request
	Left         uint64   // request
	Uploaded     uint64   // request
	Event        uint32   // request
	IP           uint32   // request
	Key          []byte   // request
	NumWant      int      // request
	Port         uint16   // request

	Interval uint32 // response
	Leechers uint32 // response
	Seeders  uint32 // response
	Peers    []byte // response
}

func newAnnounce(req Request, connectionID []byte) *udpAnnounce {
	return &udpAnnounce{
		ConnectionID:  connectionID,
		Action:        udpActionAnnounce,
		TransactionID: randomID(4),
		InfoHash:      req.InfoHash,
		PeerID:        req.PeerID,
		Left:          uint64(req.Left),
		Key:           randomID(4),
		NumWant:       -1,
		Port:          req.Port,
	}
}

func (a *udpAnnounce) serialize() []byte {
	buf := make([]byte, announceLen)
	copy(buf[0:8], a.ConnectionID)
	binary.BigEndian.PutUint32(buf[8:12], a.Action)
	copy(buf[12:16], a.TransactionID)
	copy(buf[16:36], a.InfoHash[:])
	copy(buf[36:56], a.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], a.Downloaded)
	binary.BigEndian.PutUint64(buf[64:72], a.Left)
	binary.BigEndian.PutUint64(buf[72:80], a.Uploaded)
	binary.BigEndian.PutUint32(buf[80:84], a.Event)
	binary.BigEndian.PutUint32(buf[84:88], a.IP)
	copy(buf[88:92], a.Key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(a.NumWant))
	binary.BigEndian.PutUint16(buf[96:98], a.Port)
	return buf
}

func readAnnounce(buf []byte) (*udpAnnounce, error) {
	if len(buf) < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", len(buf))
	}

	a := udpAnnounce{
		Action:        binary.BigEndian.Uint32(buf[0:4]),
		TransactionID: append([]byte(nil), buf[4:8]...),
		Interval:      binary.BigEndian.Uint32(buf[8:12]),
		Leechers:      binary.BigEndian.Uint32(buf[12:16]),
		Seeders:       binary.BigEndian.Uint32(buf[16:20]),
		Peers:         append([]byte(nil), buf[20:]...),
	}
	return &a, nil
}

func udpRequestPeers(host string, req Request) ([]peer.Peer, int, error) {
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "resolve udp tracker %q", host)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, 0, errors.Wrap(err, "dial udp tracker")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	connectReq := newConnect()
	_, err = conn.Write(connectReq.serialize())
	if err != nil {
		return nil, 0, errors.Wrap(err, "send connect request")
	}

	connectBuf := make([]byte, connectLen)
	n, err := conn.Read(connectBuf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "read connect response")
	}
	connectRes, err := readConnect(connectBuf[:n])
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(connectReq.TransactionID, connectRes.TransactionID) {
		err := fmt.Errorf("expected TID %x received %x", connectReq.TransactionID, connectRes.TransactionID)
		return nil, 0, err
	}
	if connectRes.Action != udpActionConnect {
		err := fmt.Errorf("expected action %d (connect) received %d", udpActionConnect, connectRes.Action)
		return nil, 0, err
	}

	announceReq := newAnnounce(req, connectRes.ConnectionID)
	_, err = conn.Write(announceReq.serialize())
	if err != nil {
		return nil, 0, errors.Wrap(err, "send announce request")
	}

	announceBuf := make([]byte, 2048)
	n, err = conn.Read(announceBuf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "read announce response")
	}
	announceRes, err := readAnnounce(announceBuf[:n])
	if err != nil {
		return nil, 0, err
	}
	if !bytes.Equal(announceReq.TransactionID, announceRes.TransactionID) {
		err := fmt.Errorf("expected TID %x received %x", announceReq.TransactionID, announceRes.TransactionID)
		return nil, 0, err
	}
	if announceRes.Action != udpActionAnnounce {
		err := fmt.Errorf("expected action %d (announce) received %d", udpActionAnnounce, announceRes.Action)
		return nil, 0, err
	}

	peers, err := peer.Unmarshal(announceRes.Peers)
	if err != nil {
		return nil, 0, err
	}
	return peers, int(announceRes.Interval), nil
}

func randomID(size int) []byte {
	id := make([]byte, size)
	_, _ = rand.Read(id)
	return id
}
