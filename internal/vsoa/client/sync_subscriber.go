package client

import "context"

// SyncMessage is one delivered publish or datagram, queued for polling
// consumers that prefer Next() over a MessageFunc callback.
type SyncMessage struct {
	URL          string
	Param, Data  []byte
	Quick        bool
}

// SyncSubscriber buffers inbound messages for a single url behind a channel,
// for callers that want to poll rather than register a callback. Wrap a
// Client's OnMessage with NewSyncSubscriber before calling Connect, since
// Config.OnMessage is fixed at construction time.
type SyncSubscriber struct {
	url  string
	ch   chan SyncMessage
	next MessageFunc // the caller's own handler, if any, for other urls
}

// NewSyncSubscriber returns a MessageFunc to install as Config.OnMessage and
// the SyncSubscriber that filters matchedURL out of that stream. queueLen
// bounds how many undelivered messages are buffered before Next's sender
// drops the oldest (polling consumers that fall behind see gaps, not
// unbounded growth).
func NewSyncSubscriber(matchedURL string, queueLen int, passthrough MessageFunc) (MessageFunc, *SyncSubscriber) {
	if queueLen <= 0 {
		queueLen = 1
	}
	s := &SyncSubscriber{
		url:  matchedURL,
		ch:   make(chan SyncMessage, queueLen),
		next: passthrough,
	}
	fn := func(url string, param, data []byte, quick bool) {
		if url != matchedURL {
			if s.next != nil {
				s.next(url, param, data, quick)
			}
			return
		}
		msg := SyncMessage{URL: url, Param: param, Data: data, Quick: quick}
		select {
		case s.ch <- msg:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- msg:
			default:
			}
		}
	}
	return fn, s
}

// Next blocks until a message for this subscriber's url arrives or ctx is done.
func (s *SyncSubscriber) Next(ctx context.Context) (SyncMessage, error) {
	select {
	case m := <-s.ch:
		return m, nil
	case <-ctx.Done():
		return SyncMessage{}, ctx.Err()
	}
}
