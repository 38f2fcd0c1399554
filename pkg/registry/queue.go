package registry

import "container/heap"

type jobKind int

const (
	jobMission jobKind = iota
	jobRollout
)

func (k jobKind) String() string {
	if k == jobRollout {
		return "rollout"
	}
	return "mission"
}

// job is one queued mission or rollout.
type job struct {
	kind     jobKind
	id       string
	priority int
	seq      uint64
	index    int
}

// jobQueue is a min-heap on (priority, seq): lower priority values run first
// and equal priorities run in submission order.
type jobQueue []*job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	j := x.(*job)
	j.index = len(*q)
	*q = append(*q, j)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*q = old[:n-1]
	return j
}

// remove drops a queued job. It reports false if the job already left the queue.
func (q *jobQueue) remove(j *job) bool {
	if j.index < 0 || j.index >= q.Len() || (*q)[j.index] != j {
		return false
	}
	heap.Remove(q, j.index)
	return true
}
