package transport

import "sync"

// DefaultQueueSize is the default capacity of a pending-command queue.
const DefaultQueueSize = 256

// Queue is a bounded FIFO of messages.
//
// It holds commands issued before the pulse source is attached. When full,
// the oldest message is discarded so the most recent intent survives.
type Queue struct {
	messages []Message
	maxSize  int
	dropped  int
	mu       sync.Mutex
}

// NewQueue creates a queue with the default capacity.
func NewQueue() *Queue {
	return NewQueueWithSize(DefaultQueueSize)
}

// NewQueueWithSize creates a queue with a custom capacity.
// A non-positive size selects DefaultQueueSize.
func NewQueueWithSize(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &Queue{
		messages: make([]Message, 0, maxSize),
		maxSize:  maxSize,
	}
}

// Push appends a message, discarding the oldest one if the queue is full.
func (q *Queue) Push(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= q.maxSize {
		q.messages = q.messages[1:]
		q.dropped++
	}
	q.messages = append(q.messages, m)
}

// Pop removes and returns the oldest message.
func (q *Queue) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return Message{}, false
	}
	m := q.messages[0]
	q.messages = q.messages[1:]
	return m, true
}

// Drain removes and returns every queued message in FIFO order.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.messages
	q.messages = make([]Message, 0, q.maxSize)
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Dropped returns how many messages were discarded because the queue was full.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
