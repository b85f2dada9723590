package dispatch

import (
	"fmt"
	"sort"
	"time"
)

// timer is a single scheduled callback.
type timer struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

// timerQueue stores timers ordered by deadline. It is not safe for
// concurrent use; owners guard it with their own lock.
type timerQueue struct {
	prefix  string
	counter uint64
	timers  []*timer // ordered by 'when' (earliest first)
	index   map[string]*timer
}

func newTimerQueue(prefix string) *timerQueue {
	return &timerQueue{
		prefix: prefix,
		index:  make(map[string]*timer),
	}
}

func (q *timerQueue) schedule(at time.Time, f func()) string {
	q.counter++
	id := fmt.Sprintf("%s-%d", q.prefix, q.counter)
	t := &timer{id: id, when: at, f: f}

	// Equal deadlines keep insertion order.
	idx := sort.Search(len(q.timers), func(i int) bool {
		return q.timers[i].when.After(at)
	})
	q.timers = append(q.timers, nil)
	copy(q.timers[idx+1:], q.timers[idx:])
	q.timers[idx] = t

	q.index[id] = t
	return id
}

func (q *timerQueue) cancel(id string) bool {
	t, ok := q.index[id]
	if !ok {
		return false
	}
	// Removal from q.timers is lazy; popDue and next skip cancelled entries.
	t.cancelled = true
	delete(q.index, id)
	return true
}

// popDue removes and returns the earliest live timer due at now, or nil.
func (q *timerQueue) popDue(now time.Time) *timer {
	for len(q.timers) > 0 {
		t := q.timers[0]
		if t.cancelled {
			q.timers = q.timers[1:]
			continue
		}
		if t.when.After(now) {
			return nil
		}
		q.timers = q.timers[1:]
		delete(q.index, t.id)
		return t
	}
	return nil
}

// next returns the deadline of the earliest live timer.
func (q *timerQueue) next() (time.Time, bool) {
	for len(q.timers) > 0 {
		t := q.timers[0]
		if t.cancelled {
			q.timers = q.timers[1:]
			continue
		}
		return t.when, true
	}
	return time.Time{}, false
}

func (q *timerQueue) len() int { return len(q.index) }
