package messaging

import (
	"context"
	"log/slog"
	"sync"
)

// Job is one unit of work for a chat.
type Job func(ctx context.Context)

// ChatQueue runs jobs serially per chat and concurrently across chats.
// A chat's worker goroutine exits once its backlog is empty.
type ChatQueue struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string][]Job
	stopped bool
	wg      sync.WaitGroup
}

// NewChatQueue creates an empty queue.
func NewChatQueue() *ChatQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatQueue{ctx: ctx, cancel: cancel, pending: make(map[string][]Job)}
}

// Enqueue appends job to chatID's backlog, starting a worker if none is running.
func (q *ChatQueue) Enqueue(chatID string, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrServiceStopped
	}
	backlog, active := q.pending[chatID]
	q.pending[chatID] = append(backlog, job)
	if !active {
		q.wg.Add(1)
		go q.drain(chatID)
	}
	if len(backlog) > 0 {
		slog.Debug("ChatQueue.Enqueue: chat busy, job queued", "chat_id", chatID, "backlog", len(backlog)+1)
	}
	return nil
}

func (q *ChatQueue) drain(chatID string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		backlog := q.pending[chatID]
		if len(backlog) == 0 {
			delete(q.pending, chatID)
			q.mu.Unlock()
			return
		}
		job := backlog[0]
		q.pending[chatID] = backlog[1:]
		q.mu.Unlock()

		q.run(chatID, job)
	}
}

func (q *ChatQueue) run(chatID string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("ChatQueue.run: job panicked", "chat_id", chatID, "panic", r)
		}
	}()
	job(q.ctx)
}

// ActiveChats returns the number of chats with a running worker.
func (q *ChatQueue) ActiveChats() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop rejects new jobs and waits for queued ones to finish. If ctx ends
// first, running jobs see their context cancelled.
func (q *ChatQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		slog.Warn("ChatQueue.Stop: shutdown deadline reached with jobs still running")
		return ctx.Err()
	}
}
