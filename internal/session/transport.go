package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrTransportClosed  = errors.New("transport closed")
	ErrTransportTimeout = errors.New("transport send timeout")
)

// ChannelTransport is a bounded outbound queue drained by a connection
// writer goroutine.
type ChannelTransport struct {
	ch          chan Outbound
	done        chan struct{}
	once        sync.Once
	sendTimeout time.Duration
}

func NewChannelTransport(buffer int, sendTimeout time.Duration) *ChannelTransport {
	if buffer <= 0 {
		buffer = 32
	}
	if sendTimeout <= 0 {
		sendTimeout = 600 * time.Millisecond
	}
	return &ChannelTransport{
		ch:          make(chan Outbound, buffer),
		done:        make(chan struct{}),
		sendTimeout: sendTimeout,
	}
}

func (t *ChannelTransport) Send(ctx context.Context, msg Outbound) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	timer := time.NewTimer(t.sendTimeout)
	defer timer.Stop()
	select {
	case t.ch <- msg:
		return nil
	case <-t.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTransportTimeout
	}
}

// Messages is drained by the writer. It is never closed; watch Done.
func (t *ChannelTransport) Messages() <-chan Outbound { return t.ch }

func (t *ChannelTransport) Done() <-chan struct{} { return t.done }

func (t *ChannelTransport) Close() {
	t.once.Do(func() { close(t.done) })
}
