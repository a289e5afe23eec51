package producer

import (
	"sync"

	"ajnotify/internal/bus"
	"ajnotify/internal/ns"
)

// channel is the sending endpoint of one category. lastSerial and lastMsgID are
// set and cleared together under mu.
type channel struct {
	category ns.Category
	handle   bus.Handle

	mu         sync.Mutex
	pending    bool
	lastSerial bus.Serial
	lastMsgID  int32
}

func (c *channel) record(s bus.Serial, id int32) {
	c.lastSerial, c.lastMsgID, c.pending = s, id, true
}

func (c *channel) clear() {
	c.lastSerial, c.lastMsgID, c.pending = 0, 0, false
}

// withdrawLocked cancels the recorded broadcast. ok is false when nothing was
// recorded; on a bus error the record is kept.
func (c *channel) withdrawLocked(b bus.Bus) (id int32, ok bool, err error) {
	if !c.pending {
		return 0, false, nil
	}
	if err := b.WithdrawBroadcast(c.handle, c.lastSerial); err != nil {
		return c.lastMsgID, false, err
	}
	id = c.lastMsgID
	c.clear()
	return id, true, nil
}
