package friends

import (
	"log/slog"

	"github.com/Arceliar/phony"
)

// Store is the key-value slice the manager persists into.
type Store interface {
	GetJSON(namespace string, out any) error
	Put(namespace string, value []byte) error
}

// persister applies snapshot writes in submission order without blocking callers.
type persister struct {
	phony.Inbox
	store  Store
	logger *slog.Logger
}

func (p *persister) write(namespace string, raw []byte) {
	p.Act(nil, func() {
		if err := p.store.Put(namespace, raw); err != nil {
			p.logger.Warn("persist failed", "namespace", namespace, "err", err)
		}
	})
}

// flush waits for every queued write.
func (p *persister) flush() {
	phony.Block(p, func() {})
}
