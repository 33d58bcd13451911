package flow

import (
	"github.com/shiwa/timecard-mini/ptpsync/internal/offset"
	"github.com/shiwa/timecard-mini/ptpsync/internal/ptp"
)

// ringSize — сколько обменов Sync может быть в работе одновременно.
// При log_sync_interval −4 это две секунды обменов.
const ringSize = 16

type slot struct {
	ctx  offset.SampleContext
	used bool
}

// samples — кольцо незавершённых обменов, ключ — sequenceId Sync.
type samples struct {
	slots [ringSize]slot
	next  int
}

// open создаёт контекст для seq. Возвращает контекст и признак того, что
// был вытеснен незавершённый обмен.
func (r *samples) open(seq uint16, rx ptp.Timestamp) (*offset.SampleContext, bool) {
	if s := r.bySync(seq); s != nil {
		*s = offset.SampleContext{SyncSequenceID: seq, Created: rx}
		return s, false
	}
	sl := r.free()
	if sl == nil {
		sl = &r.slots[r.next]
		r.next = (r.next + 1) % ringSize
	}
	evicted := sl.used
	sl.ctx = offset.SampleContext{SyncSequenceID: seq, Created: rx}
	sl.used = true
	return &sl.ctx, evicted
}

// free возвращает свободный слот или nil, если кольцо заполнено.
func (r *samples) free() *slot {
	for i := range r.slots {
		if !r.slots[i].used {
			return &r.slots[i]
		}
	}
	return nil
}

func (r *samples) bySync(seq uint16) *offset.SampleContext {
	for i := range r.slots {
		if r.slots[i].used && r.slots[i].ctx.SyncSequenceID == seq {
			return &r.slots[i].ctx
		}
	}
	return nil
}

func (r *samples) byDelayReq(seq uint16) *offset.SampleContext {
	for i := range r.slots {
		s := &r.slots[i]
		if s.used && s.ctx.DelayReqPending && s.ctx.DelayReqSequenceID == seq {
			return &s.ctx
		}
	}
	return nil
}

// delayCandidate — самый свежий обмен с T2, для которого ещё не отправлен Delay_Req.
func (r *samples) delayCandidate() *offset.SampleContext {
	var best *offset.SampleContext
	for i := range r.slots {
		s := &r.slots[i]
		if !s.used || s.ctx.T2.IsZero() || s.ctx.DelayReqPending {
			continue
		}
		if best == nil || best.Created.Before(s.ctx.Created) {
			best = &s.ctx
		}
	}
	return best
}

func (r *samples) release(ctx *offset.SampleContext) {
	for i := range r.slots {
		if &r.slots[i].ctx == ctx {
			r.slots[i] = slot{}
			return
		}
	}
}

// purge удаляет обмены старше maxAgeNs и возвращает их число.
func (r *samples) purge(now ptp.Timestamp, maxAgeNs int64) int {
	n := 0
	for i := range r.slots {
		if r.slots[i].used && now.Sub(r.slots[i].ctx.Created) > maxAgeNs {
			r.slots[i] = slot{}
			n++
		}
	}
	return n
}

func (r *samples) reset() {
	*r = samples{}
}

func (r *samples) len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].used {
			n++
		}
	}
	return n
}
