package queue

import (
	"sync"
)

// BusyObserver is told how many workers are delivering a task whenever that
// number changes. Implemented by the metrics package.
type BusyObserver interface {
	QueueBusy(busy int)
}

// deliveryPool bounds concurrent deliveries. Only the consumer loop starts
// work, so a positive free() guarantees the next start succeeds.
type deliveryPool struct {
	slots    chan struct{}
	wg       sync.WaitGroup
	onChange func(busy int)

	mu      sync.Mutex
	stopped bool
}

func newDeliveryPool(size int, onChange func(busy int)) *deliveryPool {
	if size <= 0 {
		size = 1
	}
	if onChange == nil {
		onChange = func(int) {}
	}
	return &deliveryPool{slots: make(chan struct{}, size), onChange: onChange}
}

// start runs fn on its own goroutine if a slot is free. It reports false when
// the pool is full or stopped.
func (p *deliveryPool) start(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return false
	}
	p.wg.Add(1)
	p.onChange(len(p.slots))

	go func() {
		defer func() {
			<-p.slots
			p.onChange(len(p.slots))
			p.wg.Done()
		}()
		fn()
	}()
	return true
}

func (p *deliveryPool) busy() int { return len(p.slots) }

func (p *deliveryPool) free() int { return cap(p.slots) - len(p.slots) }

// stop refuses new work and waits for running deliveries.
func (p *deliveryPool) stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.wg.Wait()
}
