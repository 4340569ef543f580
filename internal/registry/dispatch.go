package registry

import (
	"sync"

	"yqhp/cluster-registry/pkg/utils"
)

// dispatcher queues events without bound and hands them to one listener in order.
type dispatcher struct {
	listener Listener

	mu    sync.Mutex
	queue []Event

	signal   chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newDispatcher(listener Listener) *dispatcher {
	d := &dispatcher{
		listener: listener,
		signal:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	utils.SafeGoWithName("registry-dispatcher", d.run)
	return d
}

func (d *dispatcher) push(events ...Event) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, events...)
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.signal:
		}
		for {
			ev, ok := d.pop()
			if !ok {
				break
			}
			select {
			case <-d.stop:
				return
			default:
			}
			d.deliver(ev)
		}
	}
}

func (d *dispatcher) pop() (Event, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Event{}, false
	}
	ev := d.queue[0]
	d.queue = d.queue[1:]
	return ev, true
}

func (d *dispatcher) deliver(ev Event) {
	defer utils.Recover("registry-listener")
	d.listener(ev)
}

func (d *dispatcher) close() {
	d.stopOnce.Do(func() { close(d.stop) })
}

func (d *dispatcher) done() <-chan struct{} {
	return d.stop
}
