package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Mailbox runs jobs on per-tab lanes. Jobs for one tab run one at a time in
// submission order; different tabs run concurrently. A lane's worker exits
// once its queue is empty.
type Mailbox struct {
	name string

	mu    sync.Mutex
	lanes map[int]*lane
}

type lane struct {
	jobs []job
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

func NewMailbox(name string) *Mailbox {
	return &Mailbox{name: name, lanes: make(map[int]*lane)}
}

// Do queues fn on tabID's lane and waits for it. If ctx ends while the job
// is still queued, the job is skipped and ctx.Err() returned; once started a
// job runs to completion.
func (m *Mailbox) Do(ctx context.Context, tabID int, fn func(ctx context.Context) error) error {
	done := m.Submit(ctx, tabID, fn)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn without waiting. The returned channel receives its result.
func (m *Mailbox) Submit(ctx context.Context, tabID int, fn func(ctx context.Context) error) <-chan error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	m.mu.Lock()
	l, busy := m.lanes[tabID]
	if !busy {
		l = &lane{}
		m.lanes[tabID] = l
	}
	l.jobs = append(l.jobs, j)
	m.mu.Unlock()

	if !busy {
		go m.work(tabID, l)
	}
	return j.done
}

// Pending reports the number of queued or running jobs for tabID.
func (m *Mailbox) Pending(tabID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[tabID]; ok {
		return len(l.jobs)
	}
	return 0
}

func (m *Mailbox) work(tabID int, l *lane) {
	for {
		m.mu.Lock()
		if len(l.jobs) == 0 {
			delete(m.lanes, tabID)
			m.mu.Unlock()
			return
		}
		j := l.jobs[0]
		m.mu.Unlock()

		j.done <- m.run(tabID, j)

		m.mu.Lock()
		l.jobs[0] = job{}
		l.jobs = l.jobs[1:]
		m.mu.Unlock()
	}
}

func (m *Mailbox) run(tabID int, j job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mailbox job panicked", "mailbox", m.name, "tab_id", tabID, "panic", r)
			err = fmt.Errorf("%s: tab %d job panicked: %v", m.name, tabID, r)
		}
	}()
	return j.fn(j.ctx)
}
