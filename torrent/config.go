package torrent

import (
	"fmt"
	"math/rand"

	"golang.org/x/net/proxy"
)

type Config struct {
	// Peer discovery sources; at least one must be enabled.
	UseTrackers bool
	UseDHT      bool

	// Render a progress bar on the terminal while downloading.
	ShowDownloadProgress bool

	// Port advertised to trackers. We do not accept inbound connections,
	// so this is informational only.
	Port uint16

	// Optional "host:port" of a SOCKS5 proxy to dial peers through.
	Socks5Proxy string
}

var DefaultConfig = Config{
	UseTrackers:          true,
	UseDHT:               true,
	ShowDownloadProgress: false,
	Port:                 6881,
}

func (c Config) validate() error {
	if !c.UseTrackers && !c.UseDHT {
		err := fmt.Errorf("enable tracker or dht peer discovery")
		return err
	}
	return nil
}

// dialer returns the dialer peers are reached through, SOCKS5 when
// configured.
func (c Config) dialer() (proxy.Dialer, error) {
	if c.Socks5Proxy == "" {
		return nil, nil
	}
	return proxy.SOCKS5("tcp", c.Socks5Proxy, nil, proxy.Direct)
}

// GeneratePeerID returns a fresh random peer id for this session.
func GeneratePeerID() [20]byte {
	symbols := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"
	peerID := [20]byte{}
	for i := 0; i < 20; i++ {
		peerID[i] = symbols[rand.Intn(len(symbols))]
	}
	return peerID
}
