package service

import (
	"container/heap"

	"github.com/bnema/restora/internal/domain"
)

type queueEntry struct {
	id       string
	priority int
	seq      int64
}

// pendingQueue orders entries by priority (highest first), then submission order.
type pendingQueue []queueEntry

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *pendingQueue) Push(x any) { *q = append(*q, x.(queueEntry)) }

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

func (q *pendingQueue) push(j *domain.Job) {
	heap.Push(q, queueEntry{id: j.ID, priority: j.Priority, seq: j.Seq})
}

func (q *pendingQueue) pop() (queueEntry, bool) {
	if q.Len() == 0 {
		return queueEntry{}, false
	}
	return heap.Pop(q).(queueEntry), true
}

// queueView is an immutable snapshot published after every mutation.
type queueView struct {
	ordered []*domain.Job
	byID    map[string]*domain.Job
}

var emptyView = &queueView{byID: map[string]*domain.Job{}}
