package core

import "testing"

func TestJobQueueFIFO(t *testing.T) {
	var q JobQueue
	q.Push(NewJob("a"))
	q.Push(NewJob("b"))
	q.Push(NewJob("a"))

	if q.Count("a") != 2 || !q.Contains("b") || q.Contains("c") {
		t.Fatalf("unexpected counts in %+v", q.Snapshot())
	}

	job, ok := q.RemoveAt(1)
	if !ok || job.Project != "b" {
		t.Fatalf("RemoveAt(1) = %+v, %v", job, ok)
	}
	job, _ = q.Pop()
	if job.Project != "a" || q.Len() != 1 {
		t.Fatalf("Pop = %+v, len %d", job, q.Len())
	}

	rest := q.Drain()
	if len(rest) != 1 || q.Len() != 0 {
		t.Errorf("Drain = %+v, len %d", rest, q.Len())
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue should fail")
	}
}
