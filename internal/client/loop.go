package client

import "sync"

// loop runs callbacks one at a time. The goroutine that finds it idle drains
// it; callbacks scheduled while it is draining, including from inside a
// running callback, wait their turn.
type loop struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
}

func (l *loop) run(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	for len(l.tasks) > 0 {
		task := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()
		l.call(task)
		l.mu.Lock()
	}
	l.running = false
	l.mu.Unlock()
}

// call runs task and releases the loop if task panics.
func (l *loop) call(task func()) {
	ok := false
	defer func() {
		if !ok {
			l.mu.Lock()
			l.running = false
			l.mu.Unlock()
		}
	}()
	task()
	ok = true
}
