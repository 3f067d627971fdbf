package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const xtPrefix = "urn:btih:"

// Magnet is a parsed magnet link: the info hash identifying the torrent plus
// the optional display name and tracker list.
type Magnet struct {
	InfoHash    [20]byte
	DisplayName string
	Trackers    []string
}

// Parse decodes a magnet URI of the form
// magnet:?xt=urn:btih:<hash>&dn=<name>&tr=<tracker>.
// The hash may be 40 hex characters or 32 base32 characters.
func Parse(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, errors.Wrap(err, "parse magnet link")
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("expected magnet scheme, got %q", u.Scheme)
	}

	params := u.Query()
	xt := params.Get("xt")
	if xt == "" {
		return nil, fmt.Errorf("magnet link is missing the xt parameter")
	}
	if !strings.HasPrefix(xt, xtPrefix) {
		return nil, fmt.Errorf("unsupported xt %q", xt)
	}

	infoHash, err := decodeInfoHash(xt[len(xtPrefix):])
	if err != nil {
		return nil, err
	}

	m := Magnet{
		InfoHash:    infoHash,
		DisplayName: params.Get("dn"),
		Trackers:    params["tr"],
	}
	return &m, nil
}

func decodeInfoHash(encoded string) ([20]byte, error) {
	var infoHash [20]byte

	switch len(encoded) {
	case 40:
		decoded, err := hex.DecodeString(encoded)
		if err != nil {
			return infoHash, errors.Wrap(err, "decode hex info hash")
		}
		copy(infoHash[:], decoded)
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(encoded))
		if err != nil {
			return infoHash, errors.Wrap(err, "decode base32 info hash")
		}
		if len(decoded) != 20 {
			return infoHash, fmt.Errorf("info hash must be 20 bytes, got %d", len(decoded))
		}
		copy(infoHash[:], decoded)
	default:
		return infoHash, fmt.Errorf("info hash must be 40 hex or 32 base32 characters, got %d", len(encoded))
	}

	return infoHash, nil
}
