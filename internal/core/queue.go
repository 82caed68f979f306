package core

// JobQueue is a FIFO of pending jobs. It is not safe for concurrent use;
// the Dispatcher guards it with its own lock.
type JobQueue struct {
	jobs []Job
}

func (q *JobQueue) Push(job Job) {
	q.jobs = append(q.jobs, job)
}

// Pop removes and returns the oldest job.
func (q *JobQueue) Pop() (Job, bool) {
	return q.RemoveAt(0)
}

// RemoveAt removes and returns the job at position i.
func (q *JobQueue) RemoveAt(i int) (Job, bool) {
	if i < 0 || i >= len(q.jobs) {
		return Job{}, false
	}
	job := q.jobs[i]
	copy(q.jobs[i:], q.jobs[i+1:])
	q.jobs[len(q.jobs)-1] = Job{}
	q.jobs = q.jobs[:len(q.jobs)-1]
	return job, true
}

// At returns the job at position i without removing it.
func (q *JobQueue) At(i int) Job {
	return q.jobs[i]
}

func (q *JobQueue) Len() int {
	return len(q.jobs)
}

// Contains reports whether project has a pending job.
func (q *JobQueue) Contains(project string) bool {
	return q.Count(project) > 0
}

// Count returns the number of pending jobs for project.
func (q *JobQueue) Count(project string) int {
	n := 0
	for _, job := range q.jobs {
		if job.Project == project {
			n++
		}
	}
	return n
}

// Snapshot copies the pending jobs in queue order.
func (q *JobQueue) Snapshot() []Job {
	return append([]Job(nil), q.jobs...)
}

// Drain empties the queue and returns what was pending.
func (q *JobQueue) Drain() []Job {
	jobs := q.jobs
	q.jobs = nil
	return jobs
}
