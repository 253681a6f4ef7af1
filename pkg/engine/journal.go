package engine

import (
	"errors"
	"sync/atomic"

	"github.com/dougsko/hiqsdr/pkg/hardware"
	"github.com/dougsko/hiqsdr/pkg/storage"
)

// journal counts datagrams and records how the stream ended
type journal struct {
	engine  *CoreEngine
	packets atomic.Uint64
}

func newJournal(e *CoreEngine) *journal {
	return &journal{engine: e}
}

func (j *journal) OnSubscribe(s *hardware.Subscription) {
	s.Request(hardware.Unbounded)
}

func (j *journal) OnNext(buf *hardware.Buffer) {
	j.packets.Add(1)
	buf.Release()
}

func (j *journal) OnError(err error) {
	kind := storage.KindStreamError
	if errors.Is(err, hardware.ErrClosedBeforeComplete) {
		kind = storage.KindStreamClosed
	}
	j.engine.record("rx", kind, err.Error(), j.packets.Load())
}

func (j *journal) OnComplete() {
	j.engine.record("rx", storage.KindStreamCompleted, "", j.packets.Load())
}
