package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var (
	ErrGlobalBufferFull = errors.New("workerpool: global buffer is full")
	ErrRoomBufferFull   = errors.New("workerpool: room buffer is full")
	ErrClosed           = errors.New("workerpool: pool closed")
)

type WorkerPool struct {
	config    Config
	taskQueue chan Task

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	workers   sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room groups the tasks of one job. Collect returns their results in
// submission order.
type Room struct {
	bufferSize int
	resultChan chan result
	wg         sync.WaitGroup
	wp         *WorkerPool

	mu   sync.Mutex
	next int
}

type Task struct {
	run   func() any
	room  *Room
	index int
}

type result struct {
	index int
	value any
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		numberOfCPUs := runtime.NumCPU()
		numberOfWorkers := (numberOfCPUs * 3)
		config.WorkerCount = numberOfWorkers
	}

	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.Worker()
	}

	return wp
}

func (wp *WorkerPool) Worker() {
	defer wp.workers.Done()
	for t := range wp.taskQueue {
		t.room.resultChan <- result{index: t.index, value: t.run()}
		t.room.wg.Done()
	}
}

// Close lets queued tasks finish and stops the workers. Submitting after
// Close fails with ErrClosed.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
		wp.workers.Wait()
	})
}

// CreateRoom returns a room for up to size tasks.
func (wp *WorkerPool) CreateRoom(size int) *Room {
	return &Room{
		bufferSize: size,
		resultChan: make(chan result, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global buffer is
// full.
func (ro *Room) NewTaskWaitForFreeSlot(job func() any) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrClosed
	}

	ro.mu.Lock()
	task := Task{
		run:   job,
		room:  ro,
		index: ro.next,
	}
	ro.next++
	ro.mu.Unlock()

	ro.wg.Add(1)
	ro.wp.taskQueue <- task
	return nil
}

// NewTask queues job or fails right away when a buffer is full.
func (ro *Room) NewTask(job func() any) error {
	if len(ro.wp.taskQueue) == cap(ro.wp.taskQueue) {
		return ErrGlobalBufferFull
	}

	ro.mu.Lock()
	full := ro.next >= ro.bufferSize
	ro.mu.Unlock()
	if full {
		return ErrRoomBufferFull
	}

	return ro.NewTaskWaitForFreeSlot(job)
}

// Collect waits for every queued task and returns the results in the
// order the tasks were added.
func (ro *Room) Collect() []any {
	go ro.WaitAndClose()

	ro.mu.Lock()
	n := ro.next
	ro.mu.Unlock()

	results := make([]any, n)
	for r := range ro.resultChan {
		if r.index < len(results) {
			results[r.index] = r.value
		}
	}

	return results
}

func (ro *Room) WaitAndClose() {
	ro.wg.Wait()
	close(ro.resultChan)
}
