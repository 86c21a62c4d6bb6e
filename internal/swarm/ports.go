package swarm

import (
	"github.com/driftwd/driftwood/internal/errors"
	"gitlab.com/NebulousLabs/go-upnp"
)

// forwardPort asks the local gateway to map the listen port
// via UPnP so peers behind the NAT boundary can dial in.
func forwardPort(port uint16) error {
	var op errors.Op = "swarm.forwardPort"

	d, err := upnp.Discover()
	if err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	if err := d.Forward(port, "Driftwood BitTorrent client"); err != nil {
		return errors.Wrap(err, op, errors.Network)
	}

	return nil
}
