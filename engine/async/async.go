package async

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/xiaonanln/gopresents/engine/consts"
	"github.com/xiaonanln/gopresents/engine/gwlog"
	"github.com/xiaonanln/gopresents/engine/gwutils"
	"github.com/xiaonanln/gopresents/engine/opmon"
	"github.com/xiaonanln/gopresents/engine/post"
)

// ErrShutdown is passed to callbacks of jobs appended after the pool shut down
var ErrShutdown = errors.New("async pool is shut down")

// AsyncCallback receives the result of an AsyncRoutine on the pool's poster
type AsyncCallback func(res interface{}, err error)

// AsyncRoutine is the blocking part of a job, run on a worker goroutine
type AsyncRoutine func() (res interface{}, err error)

// Pool runs jobs on per-group worker goroutines and posts results back to a Poster
type Pool struct {
	poster post.Poster

	workersLock sync.RWMutex
	workers     map[string]*asyncJobWorker
	closed      bool
	running     sync.WaitGroup
}

type asyncJobWorker struct {
	group    string
	jobQueue chan asyncJobItem
}

type asyncJobItem struct {
	routine  AsyncRoutine
	callback AsyncCallback
}

// NewPool creates a pool whose callbacks run on poster
func NewPool(poster post.Poster) *Pool {
	return &Pool{
		poster:  poster,
		workers: map[string]*asyncJobWorker{},
	}
}

func (p *Pool) callback(ac AsyncCallback, res interface{}, err error) {
	if ac != nil {
		p.poster.Post(func() {
			ac(res, err)
		})
	}
}

func (p *Pool) newAsyncJobWorker(group string) *asyncJobWorker {
	ajw := &asyncJobWorker{
		group:    group,
		jobQueue: make(chan asyncJobItem, consts.ASYNC_JOB_QUEUE_MAXLEN),
	}
	p.running.Add(1)
	go p.loop(ajw)
	return ajw
}

func (p *Pool) loop(ajw *asyncJobWorker) {
	defer p.running.Done()
	opname := "async." + ajw.group
	for item := range ajw.jobQueue {
		var res interface{}
		var err error
		op := opmon.StartOperation(opname)
		if gwutils.RunPanicless(func() {
			res, err = item.routine()
		}) {
			err = errors.Errorf("async job of group %s panicked", ajw.group)
		}
		op.Finish(consts.ASYNC_JOB_WARN_THRESHOLD)
		p.callback(item.callback, res, err)
	}
}

func (p *Pool) getAsyncJobWorker(group string) (ajw *asyncJobWorker) {
	p.workersLock.RLock()
	ajw = p.workers[group]
	p.workersLock.RUnlock()

	if ajw == nil {
		p.workersLock.Lock()
		if p.closed {
			p.workersLock.Unlock()
			return nil
		}
		ajw = p.workers[group]
		if ajw == nil {
			ajw = p.newAsyncJobWorker(group)
			p.workers[group] = ajw
		}
		p.workersLock.Unlock()
	}
	return
}

// AppendAsyncJob queues the routine on the worker of group; jobs of one group run in order
func (p *Pool) AppendAsyncJob(group string, routine AsyncRoutine, callback AsyncCallback) {
	ajw := p.getAsyncJobWorker(group)

	p.workersLock.RLock()
	defer p.workersLock.RUnlock()
	if ajw == nil || p.closed {
		gwlog.Warnf("async: job of group %s appended after shutdown", group)
		p.callback(callback, nil, ErrShutdown)
		return
	}
	ajw.jobQueue <- asyncJobItem{routine, callback}
}

// Shutdown closes all job queues and waits for queued jobs to finish
func (p *Pool) Shutdown() {
	// Close all job queue workers
	p.workersLock.Lock()
	if !p.closed {
		p.closed = true
		for _, ajw := range p.workers {
			close(ajw.jobQueue)
		}
		p.workers = map[string]*asyncJobWorker{}
	}
	p.workersLock.Unlock()

	// wait for all job workers to quit
	p.running.Wait()
}
