package dispatch

import "time"

// queueItem is one pending entry in the priority queue. eligibleAt is the
// job's scheduled_at when set and created_at otherwise, so equal-priority
// jobs dispatch oldest-first. seq breaks exact ties in insertion order.
//
// Entries are not removed on cancellation; the dispatch loop re-checks the
// store before claiming and drops stale entries as it pops them.
type queueItem struct {
	jobID      string
	priority   int
	eligibleAt time.Time
	seq        uint64
}

// jobQueue implements heap.Interface ordered by ascending priority, then
// eligibility time, then insertion order.
type jobQueue []*queueItem

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	if !q[i].eligibleAt.Equal(q[j].eligibleAt) {
		return q[i].eligibleAt.Before(q[j].eligibleAt)
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*queueItem)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
