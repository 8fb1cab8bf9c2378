package queue

import "time"

// schedule implements heap.Interface over runnable jobs (earliest NextRunAt on top).
// Use container/heap to manipulate it.
type schedule []*Job

func (s schedule) Len() int { return len(s) }
func (s schedule) Less(i, j int) bool {
	if s[i].NextRunAt.Equal(s[j].NextRunAt) {
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	}
	return s[i].NextRunAt.Before(s[j].NextRunAt)
}
func (s schedule) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s *schedule) Push(x interface{}) {
	*s = append(*s, x.(*Job))
}

func (s *schedule) Pop() interface{} {
	old := *s
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*s = old[0 : n-1]
	return x
}

// Peek returns the earliest job without removing it
func (s schedule) Peek() *Job {
	if len(s) == 0 {
		return nil
	}
	return s[0]
}

// dueIn reports how long until the top job may run; zero when due now.
func (s schedule) dueIn(now time.Time) (time.Duration, bool) {
	top := s.Peek()
	if top == nil {
		return 0, false
	}
	if d := top.NextRunAt.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}
