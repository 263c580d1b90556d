package messagepipeline_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/illmade-knight/go-mq2db/pkg/types"
)

// --- MockMessageConsumer ---

// MockMessageConsumer simulates a message source.
type MockMessageConsumer struct {
	msgChan    chan types.ConsumedMessage
	doneChan   chan struct{}
	stopOnce   sync.Once
	startErr   error
	startMu    sync.Mutex
	startCount int
	stopCount  int
}

func NewMockMessageConsumer(bufferSize int) *MockMessageConsumer {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &MockMessageConsumer{
		msgChan:  make(chan types.ConsumedMessage, bufferSize),
		doneChan: make(chan struct{}),
	}
}

func (m *MockMessageConsumer) Messages() <-chan types.ConsumedMessage {
	return m.msgChan
}

func (m *MockMessageConsumer) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.startCount++
	return m.startErr
}

// Stop closes the done channel. The message channel stays open so that
// late pushes do not panic; the worker Nacks whatever is left in it.
func (m *MockMessageConsumer) Stop() error {
	m.stopOnce.Do(func() {
		m.startMu.Lock()
		m.stopCount++
		m.startMu.Unlock()
		close(m.doneChan)
	})
	return nil
}

func (m *MockMessageConsumer) Done() <-chan struct{} {
	return m.doneChan
}

// Push injects a message.
func (m *MockMessageConsumer) Push(msg types.ConsumedMessage) {
	m.msgChan <- msg
}

// Pending returns the number of pushed messages the worker has not yet taken.
func (m *MockMessageConsumer) Pending() int {
	return len(m.msgChan)
}

func (m *MockMessageConsumer) SetStartError(err error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	m.startErr = err
}

func (m *MockMessageConsumer) GetStartCount() int {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.startCount
}

func (m *MockMessageConsumer) GetStopCount() int {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	return m.stopCount
}

// --- MockFlusher ---

var errSinkDown = errors.New("sink unavailable")

// MockFlusher records committed batches. It can be told to fail a number of
// flushes, or to block until released.
type MockFlusher struct {
	mu        sync.Mutex
	columns   []string
	batches   [][]types.Record
	attempts  int
	failNext  int
	failAll   bool
	block     chan struct{}
	entered   chan struct{}
	flushTime []time.Time
}

func NewMockFlusher(columns ...string) *MockFlusher {
	return &MockFlusher{columns: columns}
}

func (f *MockFlusher) Columns() []string { return f.columns }

func (f *MockFlusher) Flush(ctx context.Context, now time.Time, rows []types.Record) error {
	f.mu.Lock()
	f.attempts++
	block, entered := f.block, f.entered
	f.mu.Unlock()

	if block != nil {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll || f.failNext > 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		return errSinkDown
	}
	batch := make([]types.Record, len(rows))
	copy(batch, rows)
	f.batches = append(f.batches, batch)
	f.flushTime = append(f.flushTime, now)
	return nil
}

func (f *MockFlusher) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func (f *MockFlusher) FailAll(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = fail
}

// BlockUntil makes flushes wait for release; entered is signalled on entry.
func (f *MockFlusher) BlockUntil(release chan struct{}, entered chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block, f.entered = release, entered
}

func (f *MockFlusher) Batches() [][]types.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]types.Record, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *MockFlusher) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// --- messageState ---

// messageState tracks the Ack/Nack status of one message.
type messageState struct {
	ID         string
	mu         sync.Mutex
	ackCalled  bool
	nackCalled bool
}

func (ms *messageState) Ack() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.ackCalled = true
}

func (ms *messageState) Nack() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.nackCalled = true
}

func (ms *messageState) IsAcked() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.ackCalled
}

func (ms *messageState) IsNacked() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.nackCalled
}

// newMessage builds a ConsumedMessage whose Ack/Nack are tracked by the returned state.
func newMessage(id string, payload string) (types.ConsumedMessage, *messageState) {
	state := &messageState{ID: id}
	return types.ConsumedMessage{
		ID:      id,
		Payload: []byte(payload),
		Value:   payload,
		Ack:     state.Ack,
		Nack:    state.Nack,
	}, state
}
