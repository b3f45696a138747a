// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import "container/heap"

// submissionQueue orders pending submissions by task priority (high first)
// and FIFO within one priority, using the submission sequence number as the
// tie-breaker. Not safe for concurrent use; the pool serializes access.
type submissionQueue struct {
	items []*submission
}

// Len implements heap.Interface.
func (q *submissionQueue) Len() int { return len(q.items) }

// Less implements heap.Interface.
func (q *submissionQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

// Swap implements heap.Interface.
func (q *submissionQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
}

// Push implements heap.Interface.
func (q *submissionQueue) Push(x any) {
	q.items = append(q.items, x.(*submission))
}

// Pop implements heap.Interface.
func (q *submissionQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}

// push adds a submission in priority order.
func (q *submissionQueue) push(sub *submission) {
	heap.Push(q, sub)
}

// pop removes and returns the highest-priority submission, nil when empty.
func (q *submissionQueue) pop() *submission {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*submission)
}

// drain removes and returns all pending submissions.
func (q *submissionQueue) drain() []*submission {
	out := make([]*submission, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.pop())
	}
	return out
}
