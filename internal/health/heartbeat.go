package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/linnemanlabs-confirmd/internal/xerrors"
)

// Heartbeat records when a background loop last completed a pass.
type Heartbeat struct {
	name string
	now  func() time.Time
	last atomic.Int64
}

// NewHeartbeat starts with a beat at construction so a loop gets one full
// interval to report before its probe fails.
func NewHeartbeat(name string, now func() time.Time) *Heartbeat {
	if now == nil {
		now = time.Now
	}
	h := &Heartbeat{name: name, now: now}
	h.Beat()
	return h
}

func (h *Heartbeat) Beat() {
	h.last.Store(h.now().UnixNano())
}

func (h *Heartbeat) Last() time.Time {
	return time.Unix(0, h.last.Load())
}

// Probe fails once the last beat is older than maxAge.
func (h *Heartbeat) Probe(maxAge time.Duration) CheckFunc {
	return func(context.Context) error {
		age := h.now().Sub(h.Last())
		if age > maxAge {
			return xerrors.Newf("%s: no heartbeat for %s", h.name, age.Truncate(time.Second))
		}
		return nil
	}
}
