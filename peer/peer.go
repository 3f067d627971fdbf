package peer

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

type Peer struct {
	IP   net.IP
	Port uint16
}

// Unmarshal parses a compact peers blob from the tracker.
//
// Each peer is 6 bytes long: 4 for IP and 2 for port number.
// Hence, the blob has to be a multiple of 6.
func Unmarshal(peersBinary []byte) ([]Peer, error) {
	const peerSize = 6
	if len(peersBinary)%peerSize != 0 {
		err := fmt.Errorf("received malformed binary of peers")
		return nil, err
	}

	numPeers := len(peersBinary) / peerSize
	peers := make([]Peer, numPeers)
	for i := 0; i < numPeers; i++ {
		offset := i * peerSize
		peers[i].IP = net.IP(peersBinary[offset : offset+4])
		peers[i].Port = binary.BigEndian.Uint16(peersBinary[offset+4 : offset+6])
	}

	return peers, nil
}

// FromHostPort parses an "ip:port" string, as printed by String.
func FromHostPort(addr string) (Peer, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Peer{}, err
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return Peer{}, fmt.Errorf("invalid peer ip %q", host)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Peer{}, fmt.Errorf("invalid peer port %q", portStr)
	}

	return Peer{IP: ip, Port: uint16(port)}, nil
}

// Return Peer ip and port with suitable format - ip:port
func (p Peer) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}
