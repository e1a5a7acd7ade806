package room

import (
	"sync"

	"github.com/mossy-p/sfu-signaling/internal/engine"
)

type identified interface {
	ID() string
}

// collection is a concurrency-safe set of engine handles keyed by id.
type collection[T identified] struct {
	mu    sync.RWMutex
	items map[string]T
}

func (c *collection[T]) add(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.items == nil {
		c.items = make(map[string]T)
	}
	c.items[v.ID()] = v
}

func (c *collection[T]) get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[id]
	return v, ok
}

func (c *collection[T]) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
}

func (c *collection[T]) list() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.items))
	for _, v := range c.items {
		out = append(out, v)
	}
	return out
}

type closable interface {
	identified
	Closed() bool
}

// forgetIfClosed removes v from c when v closed before its event handler
// was attached, since that close event was never observed.
func forgetIfClosed[T closable](c *collection[T], v T) bool {
	if !v.Closed() {
		return false
	}
	c.remove(v.ID())
	return true
}

func (c *collection[T]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// media holds the engine objects owned by a session or a broadcaster.
type media struct {
	transports    collection[engine.Transport]
	producers     collection[engine.Producer]
	consumers     collection[engine.Consumer]
	dataProducers collection[engine.DataProducer]
	dataConsumers collection[engine.DataConsumer]
}

func (m *media) transport(id string) (engine.Transport, error) {
	t, ok := m.transports.get(id)
	if !ok {
		return nil, notFound("transport", id)
	}
	return t, nil
}

func (m *media) producer(id string) (engine.Producer, error) {
	p, ok := m.producers.get(id)
	if !ok {
		return nil, notFound("producer", id)
	}
	return p, nil
}

func (m *media) consumer(id string) (engine.Consumer, error) {
	c, ok := m.consumers.get(id)
	if !ok {
		return nil, notFound("consumer", id)
	}
	return c, nil
}

func (m *media) dataProducer(id string) (engine.DataProducer, error) {
	p, ok := m.dataProducers.get(id)
	if !ok {
		return nil, notFound("dataProducer", id)
	}
	return p, nil
}

func (m *media) dataConsumer(id string) (engine.DataConsumer, error) {
	c, ok := m.dataConsumers.get(id)
	if !ok {
		return nil, notFound("dataConsumer", id)
	}
	return c, nil
}

// consumingTransport returns the transport created with consuming=true.
func (m *media) consumingTransport() engine.Transport {
	for _, t := range m.transports.list() {
		if t.AppData().Bool("consuming") {
			return t
		}
	}
	return nil
}

func (m *media) consumesProducer(producerID string) bool {
	for _, c := range m.consumers.list() {
		if c.ProducerID() == producerID {
			return true
		}
	}
	return false
}

func (m *media) consumesDataProducer(dataProducerID string) bool {
	for _, c := range m.dataConsumers.list() {
		if c.DataProducerID() == dataProducerID {
			return true
		}
	}
	return false
}

// closeTransports closes every owned transport, which in turn closes the
// producers and consumers living on them.
func (m *media) closeTransports() {
	for _, t := range m.transports.list() {
		t.Close()
	}
}
