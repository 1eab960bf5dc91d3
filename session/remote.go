package session

import "time"

// DefaultEchoBuffer is how far a remote update must be ahead of the last local change to count as news.
const DefaultEchoBuffer = 500 * time.Millisecond

// ShouldApplyRemote reports whether a remote session stamped remoteUpdatedAt is genuinely newer than
// watermark, the latest stamp of a user change made here or a remote change applied here. Anything
// within buffer is treated as racing that change and loses to it.
func ShouldApplyRemote(remoteUpdatedAt, watermark time.Time, buffer time.Duration) bool {
	if watermark.IsZero() {
		return true
	}
	return remoteUpdatedAt.Sub(watermark) > buffer
}

const recentStampCount = 256

// recentStamps remembers the last stamps this client produced so their echoes can be told apart
// from changes made elsewhere.
type recentStamps struct {
	ring [recentStampCount]int64
	next int
	n    int
}

func (r *recentStamps) add(t time.Time) {
	r.ring[r.next] = t.UnixMilli()
	r.next = (r.next + 1) % len(r.ring)
	if r.n < len(r.ring) {
		r.n++
	}
}

func (r *recentStamps) contains(t time.Time) bool {
	ms := t.UnixMilli()
	for i := range r.n {
		if r.ring[i] == ms {
			return true
		}
	}
	return false
}
