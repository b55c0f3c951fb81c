// Package taskpool runs request handlers on a fixed set of goroutines fed
// from a bounded queue. Handlers may block on disk or the index; the event
// loops never enter this pool.
package taskpool

import (
	"sync"
	"time"

	"github.com/quernd/quernd/logger"
	"github.com/quernd/quernd/util/bqueue"
)

type Pool struct {
	name    string
	log     *logger.Logger
	tasks   *bqueue.Queue[func()]
	wg      sync.WaitGroup
	workers int

	// OnPanic, when set, observes handler panics after they are logged.
	OnPanic func(recovered interface{})
}

func New(name string, workers, depth int, log *logger.Logger) *Pool {
	return &Pool{
		name:    name,
		log:     log.WithField("pool", name),
		tasks:   bqueue.New[func()](depth, true),
		workers: workers,
	}
}

func (p *Pool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		task, ok := p.tasks.Pop(time.Second)
		if !ok {
			if p.tasks.Finished() {
				return
			}
			continue
		}
		p.invoke(task)
	}
}

func (p *Pool) invoke(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Error("handler panicked")
			if p.OnPanic != nil {
				p.OnPanic(r)
			}
		}
	}()
	task()
}

// Enqueue schedules a task; it fails once the pool is shutting down.
func (p *Pool) Enqueue(task func()) bool {
	return p.tasks.Push(task)
}

// Shutdown rejects new tasks, drains queued ones and waits for the workers.
func (p *Pool) Shutdown() {
	p.tasks.Finish()
	p.wg.Wait()
}
