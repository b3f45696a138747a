// Copyright 2026 The QuantaSim Authors
// SPDX-License-Identifier: Apache-2.0

package offload

import "testing"

func queuedSubmission(id string, prio Priority, seq uint64) *submission {
	sub := newSubmission(&Task{Id: id, Priority: prio})
	sub.seq = seq
	return sub
}

// TestSubmissionQueue_PriorityOrder tests that pop returns the highest
// priority first, FIFO within one priority.
func TestSubmissionQueue_PriorityOrder(t *testing.T) {
	var q submissionQueue
	q.push(queuedSubmission("low-1", PriorityLow, 1))
	q.push(queuedSubmission("high-1", PriorityHigh, 2))
	q.push(queuedSubmission("medium-1", PriorityMedium, 3))
	q.push(queuedSubmission("high-2", PriorityHigh, 4))
	q.push(queuedSubmission("low-2", PriorityLow, 5))

	want := []string{"high-1", "high-2", "medium-1", "low-1", "low-2"}
	for i, id := range want {
		sub := q.pop()
		if sub == nil {
			t.Fatalf("pop %d returned nil", i)
		}
		if sub.task.Id != id {
			t.Errorf("pop %d = %q, want %q", i, sub.task.Id, id)
		}
	}
	if q.pop() != nil {
		t.Error("pop on empty queue should return nil")
	}
}

// TestSubmissionQueue_Drain tests that drain empties the queue in order.
func TestSubmissionQueue_Drain(t *testing.T) {
	var q submissionQueue
	q.push(queuedSubmission("a", PriorityLow, 1))
	q.push(queuedSubmission("b", PriorityHigh, 2))

	drained := q.drain()
	if len(drained) != 2 {
		t.Fatalf("drained %d submissions, want 2", len(drained))
	}
	if drained[0].task.Id != "b" || drained[1].task.Id != "a" {
		t.Errorf("drain order = [%s %s], want [b a]", drained[0].task.Id, drained[1].task.Id)
	}
	if q.Len() != 0 {
		t.Errorf("queue length after drain = %d, want 0", q.Len())
	}
}

// TestSubmission_SettleOnce tests that only one settle call wins.
func TestSubmission_SettleOnce(t *testing.T) {
	sub := newSubmission(&Task{Id: "t1"})
	if !sub.settle() {
		t.Fatal("first settle should win")
	}
	if sub.settle() {
		t.Fatal("second settle should lose")
	}
}

// TestPriority_String tests the priority names.
func TestPriority_String(t *testing.T) {
	cases := map[Priority]string{
		PriorityLow:    "low",
		PriorityMedium: "medium",
		PriorityHigh:   "high",
	}
	for prio, want := range cases {
		if got := prio.String(); got != want {
			t.Errorf("Priority(%d).String() = %q, want %q", prio, got, want)
		}
	}
}
