package coalesce

import (
	"errors"
	"net/http"
	"sync"
)

// broadcastBufferSize bounds per-follower buffering. Larger tolerates
// slower followers at the cost of memory held per subscriber.
const broadcastBufferSize = 64

// MessageKind tags a StreamMessage's payload.
type MessageKind int

const (
	// MessageHeaders carries the leader's response headers. It is always
	// the first message a follower observes.
	MessageHeaders MessageKind = iota
	// MessageChunk carries one body chunk.
	MessageChunk
	// MessageDone signals the leader finished successfully.
	MessageDone
	// MessageError signals the leader failed; Err is populated.
	MessageError
)

// StreamMessage is broadcast from a leader to every follower subscribed to
// the same key.
type StreamMessage struct {
	Kind    MessageKind
	Headers http.Header
	Chunk   []byte
	Err     error
}

// ErrLagged is delivered to a follower whose buffer filled because it could
// not keep up with the leader. A lagged follower should be retried as a
// fresh request (mapped to a retryable 503 by the pipeline) rather than
// served a corrupted stream.
var ErrLagged = errors.New("coalesce: follower lagged behind leader")

type stream struct {
	mu          sync.Mutex
	subscribers map[int]chan StreamMessage
	nextID      int
	headers     http.Header // cached so a late subscriber still gets MessageHeaders first
	haveHeaders bool
	closed      bool
}

// StreamCoalescer coalesces concurrent streaming requests for the same key,
// broadcasting the leader's chunks to every follower in real time instead of
// buffering the whole object.
type StreamCoalescer struct {
	mu      sync.Mutex
	streams map[string]*stream
}

// NewStreamCoalescer builds an empty streaming coalescer.
func NewStreamCoalescer() *StreamCoalescer {
	return &StreamCoalescer{streams: make(map[string]*stream)}
}

// StreamLeader is held by the caller responsible for fetching from the
// origin and broadcasting chunks to any followers that joined.
type StreamLeader struct {
	c   *StreamCoalescer
	key string
	s   *stream
}

// InFlightCount reports the number of keys with an active leader, for
// monitoring and for the "coalescer cleanup" testable property.
func (c *StreamCoalescer) InFlightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

// Acquire joins the broadcast for key. If no leader is active, the caller
// becomes the leader and must call SendHeaders/SendChunk/Finish (or Fail).
// Otherwise the caller becomes a follower and receives a channel of
// StreamMessage, already seeded with MessageHeaders if the leader has sent
// them.
func (c *StreamCoalescer) Acquire(key string) (*StreamLeader, <-chan StreamMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.streams[key]; ok {
		ch := s.subscribe()
		return nil, ch, false
	}

	s := &stream{subscribers: make(map[int]chan StreamMessage)}
	c.streams[key] = s
	return &StreamLeader{c: c, key: key, s: s}, nil, true
}

func (s *stream) subscribe() <-chan StreamMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan StreamMessage, broadcastBufferSize)
	id := s.nextID
	s.nextID++
	s.subscribers[id] = ch

	if s.haveHeaders {
		ch <- StreamMessage{Kind: MessageHeaders, Headers: s.headers}
	}
	if s.closed {
		close(ch)
	}
	return ch
}

// broadcast delivers msg to every current subscriber without blocking: a
// subscriber whose buffer is full is considered lagged, is sent ErrLagged
// on a best-effort basis, and is dropped from the subscriber set.
func (s *stream) broadcast(msg StreamMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Kind == MessageHeaders {
		s.headers = msg.Headers
		s.haveHeaders = true
	}

	for id, ch := range s.subscribers {
		select {
		case ch <- msg:
		default:
			select {
			case ch <- StreamMessage{Kind: MessageError, Err: ErrLagged}:
			default:
			}
			close(ch)
			delete(s.subscribers, id)
		}
	}
}

func (s *stream) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

// SendHeaders broadcasts response headers. It must be the first message
// sent; followers that joined before this call see it as the first element
// of their channel, and followers that join after still see it because it
// is cached on the stream.
func (l *StreamLeader) SendHeaders(h http.Header) {
	l.s.broadcast(StreamMessage{Kind: MessageHeaders, Headers: h})
}

// SendChunk broadcasts one body chunk to current followers.
func (l *StreamLeader) SendChunk(chunk []byte) {
	l.s.broadcast(StreamMessage{Kind: MessageChunk, Chunk: chunk})
}

// Finish signals successful completion and removes the key from the
// coalescer so the next request for it becomes a fresh leader.
func (l *StreamLeader) Finish() {
	l.s.broadcast(StreamMessage{Kind: MessageDone})
	l.cleanup()
}

// Fail signals the fetch failed and removes the key from the coalescer.
func (l *StreamLeader) Fail(err error) {
	l.s.broadcast(StreamMessage{Kind: MessageError, Err: err})
	l.cleanup()
}

// cleanup removes the stream from the coalescer map and closes any
// remaining subscriber channels.
func (l *StreamLeader) cleanup() {
	l.c.mu.Lock()
	delete(l.c.streams, l.key)
	l.c.mu.Unlock()
	l.s.closeAll()
}
