package station

import (
	"fmt"

	"github.com/ham-lab-isu/K2craft/internal/transport"
)

// Peer identifies one controller connection.
type Peer struct {
	ID     uint64
	Remote string
}

func (p Peer) String() string {
	return fmt.Sprintf("%s#%d", p.Remote, p.ID)
}

func peerFromEvent(ev transport.Event) Peer {
	return Peer{ID: ev.Conn, Remote: ev.Remote}
}
