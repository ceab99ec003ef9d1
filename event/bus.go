package event

import (
	"sync"

	"github.com/cloudflare/cfssl/log"
	"github.com/crowdfund/meta"
)

// Sink receives every event after it has been written to the log.
type Sink interface {
	Publish(ev meta.Event) error
}

type namedSink struct {
	name string
	sink Sink
}

// Bus records ledger events in the log as part of the ledger's own
// transaction and fans them out to sinks once committed. A failing sink is
// logged and skipped; the ledger operation that produced the event already
// succeeded.
type Bus struct {
	log   *Log
	mu    sync.RWMutex
	sinks []namedSink
}

func NewBus(l *Log) *Bus {
	return &Bus{log: l}
}

func (b *Bus) Subscribe(name string, s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, namedSink{name: name, sink: s})
}

// Record writes ev to the log inside the caller's transaction. Without a
// log the event passes through unnumbered.
func (b *Bus) Record(kv meta.KV, ev meta.Event) (meta.Event, error) {
	if b.log == nil {
		return ev, nil
	}
	return b.log.Record(kv, ev)
}

func (b *Bus) Retract(kv meta.KV, ev meta.Event) error {
	if b.log == nil {
		return nil
	}
	return b.log.Retract(kv, ev)
}

// Publish fans a committed event out to the sinks.
func (b *Bus) Publish(ev meta.Event) {
	b.mu.RLock()
	sinks := make([]namedSink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.sink.Publish(ev); err != nil {
			log.Warningf("event sink %s: %v", s.name, err)
		}
	}
}
