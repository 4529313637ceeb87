// Package sched implements the QoS-class round-robin scheduler. Selection
// is strictly by class priority; within a class, FIFO. Preemption is
// cooperative: the running task keeps the CPU until it yields, blocks, or
// exits.
package sched

// QosClass is a scheduler priority tier. Higher values are selected first.
type QosClass uint8

const (
	QosIdle QosClass = iota
	QosNormal
	QosInteractive
	QosPerfBurst

	numClasses = 4
)

func (c QosClass) String() string {
	switch c {
	case QosIdle:
		return "idle"
	case QosNormal:
		return "normal"
	case QosInteractive:
		return "interactive"
	case QosPerfBurst:
		return "perf_burst"
	default:
		return "unknown"
	}
}

// DefaultTimesliceNsec is the advisory timeslice handed to the timer path
// when timer preemption is enabled.
const DefaultTimesliceNsec = 5_000_000

// TaskID identifies a schedulable task.
type TaskID uint32

// Scheduler holds the per-class run queues and the currently running task.
// Single-CPU: there is at most one running task at a time.
type Scheduler struct {
	queues       [numClasses][]TaskID
	current      TaskID
	hasCurrent   bool
	currentClass QosClass
	class        map[TaskID]QosClass
	timesliceNs  uint64
}

// New returns an empty scheduler with the default timeslice.
func New() *Scheduler {
	return &Scheduler{
		class:       make(map[TaskID]QosClass),
		timesliceNs: DefaultTimesliceNsec,
	}
}

// SetTimeslice overrides the advisory timeslice in nanoseconds.
func (s *Scheduler) SetTimeslice(ns uint64) {
	if ns > 0 {
		s.timesliceNs = ns
	}
}

// Timeslice returns the advisory timeslice in nanoseconds.
func (s *Scheduler) Timeslice() uint64 { return s.timesliceNs }

// Enqueue makes the task runnable at the tail of its class queue.
func (s *Scheduler) Enqueue(id TaskID, class QosClass) {
	if class > QosPerfBurst {
		class = QosNormal
	}
	s.class[id] = class
	s.queues[class] = append(s.queues[class], id)
}

// ScheduleNext picks the head of the highest non-empty class queue and makes
// it current. Returns false when no task is runnable; the caller's idle path
// then waits for an interrupt.
func (s *Scheduler) ScheduleNext() (TaskID, bool) {
	for c := int(QosPerfBurst); c >= int(QosIdle); c-- {
		q := s.queues[c]
		if len(q) == 0 {
			continue
		}
		id := q[0]
		s.queues[c] = q[1:]
		s.current = id
		s.hasCurrent = true
		s.currentClass = QosClass(c)
		return id, true
	}
	s.hasCurrent = false
	return 0, false
}

// YieldCurrent pushes the running task to the tail of its own class queue
// and clears current. A following ScheduleNext picks the next runnable task.
func (s *Scheduler) YieldCurrent() {
	if !s.hasCurrent {
		return
	}
	s.queues[s.currentClass] = append(s.queues[s.currentClass], s.current)
	s.hasCurrent = false
}

// BlockCurrent clears current without re-enqueueing; the task becomes
// runnable again only through Enqueue when its event arrives.
func (s *Scheduler) BlockCurrent() {
	s.hasCurrent = false
}

// FinishCurrent retires the running task entirely.
func (s *Scheduler) FinishCurrent() {
	if !s.hasCurrent {
		return
	}
	delete(s.class, s.current)
	s.hasCurrent = false
}

// Current reports the running task, if any.
func (s *Scheduler) Current() (TaskID, bool) {
	return s.current, s.hasCurrent
}

// Purge removes the task from every queue and from current. Used by task
// teardown so a dead id can never be scheduled.
func (s *Scheduler) Purge(id TaskID) {
	for c := range s.queues {
		q := s.queues[c][:0]
		for _, t := range s.queues[c] {
			if t != id {
				q = append(q, t)
			}
		}
		s.queues[c] = q
	}
	if s.hasCurrent && s.current == id {
		s.hasCurrent = false
	}
	delete(s.class, id)
}

// Runnable reports the number of queued (not running) tasks.
func (s *Scheduler) Runnable() int {
	n := 0
	for c := range s.queues {
		n += len(s.queues[c])
	}
	return n
}
