package ws

import (
	"github.com/sirupsen/logrus"
)

// Broadcaster fans a frame out to the live sessions of one room. Each
// recipient gets its own non-blocking enqueue, so a full or closed peer only
// loses its own copy.
type Broadcaster struct {
	registry *Registry
	log      *logrus.Entry
}

func NewBroadcaster(registry *Registry, log *logrus.Entry) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		log:      log,
	}
}

// Broadcast delivers frame to every open session bound to roomID except the
// one with ID exclude (pass "" to exclude nobody). It returns the number of
// sessions the frame was queued for.
func (b *Broadcaster) Broadcast(roomID string, frame []byte, exclude string) int {
	delivered := 0
	for _, s := range b.registry.InRoom(roomID) {
		if s.ID() == exclude || !s.peer.Open() {
			continue
		}
		if !s.peer.Send(frame) {
			b.log.WithFields(logrus.Fields{
				"room": roomID,
				"conn": s.ID(),
			}).Warn("Dropped frame for slow or closed connection")
			continue
		}
		delivered++
	}
	return delivered
}
