// Package peernet implements LAN peer coordination: UDP broadcast
// discovery, the announce/have HTTP client, and the negotiation cache the
// download tiers consult before contacting upstream.
package peernet

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// discoveryMagic prefixes every UDP discovery datagram so stray traffic on
// the port is ignored cheaply.
var discoveryMagic = []byte("URPMD1")

// Announcement is the JSON payload a peer broadcasts over UDP and POSTs to
// /api/announce. MachineID is a stable UUID so a peer renumbered by DHCP is
// still recognized as the same machine.
type Announcement struct {
	MachineID       string   `json:"machine_id"`
	Host            string   `json:"host,omitempty"`
	Port            int      `json:"port"`
	DistroRelease   string   `json:"distro_release"`
	Arch            string   `json:"arch"`
	ServedMedia     []string `json:"served_media"`
	DevelopmentMode bool     `json:"development_mode"`
}

// EncodeDatagram frames an announcement for UDP broadcast: magic + JSON.
func EncodeDatagram(a Announcement) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, discoveryMagic...), body...), nil
}

// DecodeDatagram parses a received datagram, rejecting anything without the
// protocol magic.
func DecodeDatagram(data []byte) (Announcement, error) {
	var a Announcement
	if !bytes.HasPrefix(data, discoveryMagic) {
		return a, errors.New("not a discovery datagram")
	}
	if err := json.Unmarshal(data[len(discoveryMagic):], &a); err != nil {
		return a, errors.WithMessage(err, "decoding announcement")
	}
	if a.Port == 0 {
		return a, errors.New("announcement missing port")
	}
	return a, nil
}
