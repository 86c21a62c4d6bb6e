package btorrent

import (
	"encoding/hex"
	"fmt"
	stdurl "net/url"
	"regexp"
	"strings"

	"github.com/namvu9/bencode"
)

var hexHashRE = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// ParseMagnet parses a magnet link into a metadata-less
// Torrent. Only BitTorrent v1 URNs (btih) with a 40-hex-
// character info hash are accepted; anything else is
// rejected before any resource is allocated.
func ParseMagnet(raw string) (*Torrent, error) {
	url, err := stdurl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed magnet link: %w", err)
	}

	if url.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet link: scheme %q", url.Scheme)
	}

	query := url.Query()

	hash, err := exactTopic(query.Get("xt"))
	if err != nil {
		return nil, err
	}

	var dict bencode.Dictionary
	dict.SetStringKey("info-hash", bencode.Bytes(hash))

	if dn := query.Get("dn"); dn != "" {
		dict.SetStringKey("dn", bencode.Bytes(dn))
	}

	if trs := query["tr"]; len(trs) > 0 {
		var tier bencode.List
		for _, tr := range trs {
			tier = append(tier, bencode.Bytes(tr))
		}

		dict.SetStringKey("announce", tier[0])
		dict.SetStringKey("announce-list", tier)
	}

	return &Torrent{dict: &dict}, nil
}

func exactTopic(xt string) ([]byte, error) {
	parts := strings.SplitN(xt, ":", 3)
	if len(parts) != 3 || parts[0] != "urn" {
		return nil, fmt.Errorf("magnet link has no exact topic (xt) URN")
	}

	if parts[1] != "btih" {
		return nil, fmt.Errorf("unsupported URN scheme %q: only btih is supported", parts[1])
	}

	if !hexHashRE.MatchString(parts[2]) {
		return nil, fmt.Errorf("info hash %q is not a 40-character hex string", parts[2])
	}

	return hex.DecodeString(parts[2])
}
