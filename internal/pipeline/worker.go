package pipeline

import (
	"sync"

	"github.com/stellarlinkco/memokeeper/internal/bus"
)

// worker owns one chat's FIFO queue and its recent-message window.
type worker struct {
	chatID int64
	wake   chan struct{}

	mu    sync.Mutex
	queue []bus.InboundMessage

	// recent is only touched by the worker goroutine.
	recent []string
	next   int
	filled bool
}

func newWorker(chatID int64, window int) *worker {
	return &worker{
		chatID: chatID,
		wake:   make(chan struct{}, 1),
		recent: make([]string, window),
	}
}

func (w *worker) push(msg bus.InboundMessage) {
	w.mu.Lock()
	w.queue = append(w.queue, msg)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *worker) pop() (bus.InboundMessage, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return bus.InboundMessage{}, false
	}
	msg := w.queue[0]
	w.queue[0] = bus.InboundMessage{}
	w.queue = w.queue[1:]
	if len(w.queue) == 0 {
		w.queue = nil
	}
	return msg, true
}

func (w *worker) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *worker) remember(text string) {
	w.recent[w.next] = text
	w.next = (w.next + 1) % len(w.recent)
	if w.next == 0 {
		w.filled = true
	}
}

// recentTexts returns the window oldest first.
func (w *worker) recentTexts() []string {
	if !w.filled {
		out := make([]string, w.next)
		copy(out, w.recent[:w.next])
		return out
	}
	out := make([]string, 0, len(w.recent))
	out = append(out, w.recent[w.next:]...)
	return append(out, w.recent[:w.next]...)
}
