package transport

import "github.com/gammazero/workerpool"

// boundedPool wraps github.com/gammazero/workerpool to cap broadcast
// fan-out concurrency at a fixed pool size.
type boundedPool struct {
	wp *workerpool.WorkerPool
}

func newBoundedPool(size int) *boundedPool {
	return &boundedPool{wp: workerpool.New(size)}
}

func (p *boundedPool) submit(task func()) {
	p.wp.Submit(task)
}

func (p *boundedPool) stop() {
	p.wp.StopWait()
}
