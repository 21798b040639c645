package supervisor

import (
	"context"
	"encoding/json"
	"time"
)

// spawnRequest is a spawn waiting for a free slot
type spawnRequest struct {
	ctx         context.Context
	sessionID   string
	agentType   string
	description string
	payload     json.RawMessage
	submitted   time.Time

	// reply receives exactly one value: nil once launched, or the reason the
	// spawn did not launch.
	reply chan error
}

func (r *spawnRequest) resolve(err error) {
	select {
	case r.reply <- err:
	default:
	}
}

// queue holds pending spawns in submission order
type queue struct {
	items []*spawnRequest
}

func (q *queue) push(r *spawnRequest) {
	q.items = append(q.items, r)
}

// pop removes and returns the oldest request, or nil when empty
func (q *queue) pop() *spawnRequest {
	if len(q.items) == 0 {
		return nil
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r
}

// remove withdraws a request. It reports false if the request is no longer
// queued.
func (q *queue) remove(r *spawnRequest) bool {
	for i, item := range q.items {
		if item == r {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// find returns the queued request for a session
func (q *queue) find(sessionID string) *spawnRequest {
	for _, item := range q.items {
		if item.sessionID == sessionID {
			return item
		}
	}
	return nil
}

// takeAll empties the queue and returns what was in it
func (q *queue) takeAll() []*spawnRequest {
	items := q.items
	q.items = nil
	return items
}

func (q *queue) len() int {
	return len(q.items)
}
