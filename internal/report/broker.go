// Package report distributes pipeline progress and failure events.
//
// Alongside the operation stream the pipeline exposes a sequence of shard-
// and item-level failure records; nothing is skipped silently. The broker
// fans those events out to SSE clients and keeps the run's live counters.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable
// state (clients + counters). Public methods communicate with this loop
// through channels, so no mutexes are required.
package report

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event is one broadcast message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Failure is one item- or shard-level problem on the failure report channel.
type Failure struct {
	Shard  string    `json:"shard,omitempty"`
	Page   string    `json:"page,omitempty"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Counters are the additive progress deltas workers report.
type Counters struct {
	Pages      int64 `json:"pages"`
	Revisions  int64 `json:"revisions"`
	Operations int64 `json:"operations"`
	Skips      int64 `json:"skips"`
}

// Status is a point-in-time snapshot of the run.
type Status struct {
	Phase        string   `json:"phase"`
	ShardsTotal  int      `json:"shards_total"`
	ShardsDone   int      `json:"shards_done"`
	ShardsFailed int      `json:"shards_failed"`
	Counters     Counters `json:"counters"`
	Emitted      int64    `json:"emitted"`
}

type shardResult struct {
	failed bool
}

// Broker manages SSE client connections, broadcasts events, and aggregates
// run status.
type Broker struct {
	subscribeCh   chan chan []byte
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	failureCh     chan Failure
	counterCh     chan Counters
	shardCh       chan shardResult
	phaseCh       chan string
	totalCh       chan int
	emittedCh     chan int64
	statusReqCh   chan chan Status
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a broker and starts its event loop.
func NewBroker() *Broker {
	b := &Broker{
		subscribeCh:   make(chan chan []byte),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		failureCh:     make(chan Failure, 256),
		counterCh:     make(chan Counters, 256),
		shardCh:       make(chan shardResult, 64),
		phaseCh:       make(chan string),
		totalCh:       make(chan int),
		emittedCh:     make(chan int64, 256),
		statusReqCh:   make(chan chan Status),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var status Status

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		raw := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event.Type, payload))
		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking the loop.
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case f := <-b.failureCh:
			broadcast(Event{Type: "failure", Data: f})

		case c := <-b.counterCh:
			status.Counters.Pages += c.Pages
			status.Counters.Revisions += c.Revisions
			status.Counters.Operations += c.Operations
			status.Counters.Skips += c.Skips

		case r := <-b.shardCh:
			if r.failed {
				status.ShardsFailed++
			} else {
				status.ShardsDone++
			}
			broadcast(Event{Type: "shard.settled", Data: status})

		case phase := <-b.phaseCh:
			status.Phase = phase
			broadcast(Event{Type: "phase", Data: map[string]string{"phase": phase}})

		case n := <-b.totalCh:
			status.ShardsTotal = n

		case n := <-b.emittedCh:
			status.Emitted += n

		case resp := <-b.statusReqCh:
			resp <- status

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops the loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}
	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish broadcasts an arbitrary event.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishFailure puts one failure on the report channel.
func (b *Broker) PublishFailure(f Failure) {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	if b.closed.Load() {
		return
	}
	select {
	case b.failureCh <- f:
	case <-b.stopped:
	}
}

// Advance adds progress deltas to the run counters.
func (b *Broker) Advance(c Counters) {
	if b.closed.Load() {
		return
	}
	select {
	case b.counterCh <- c:
	case <-b.stopped:
	}
}

// ShardDone records a successfully settled shard.
func (b *Broker) ShardDone() { b.shardSettled(false) }

// ShardFailed records a shard removed from the merge.
func (b *Broker) ShardFailed() { b.shardSettled(true) }

func (b *Broker) shardSettled(failed bool) {
	if b.closed.Load() {
		return
	}
	select {
	case b.shardCh <- shardResult{failed: failed}:
	case <-b.stopped:
	}
}

// SetPhase updates the run phase ("extract", "merge", "done").
func (b *Broker) SetPhase(phase string) {
	if b.closed.Load() {
		return
	}
	select {
	case b.phaseCh <- phase:
	case <-b.stopped:
	}
}

// SetShardsTotal records the number of shards scheduled for this run.
func (b *Broker) SetShardsTotal(n int) {
	if b.closed.Load() {
		return
	}
	select {
	case b.totalCh <- n:
	case <-b.stopped:
	}
}

// AddEmitted counts operations handed to the sink.
func (b *Broker) AddEmitted(n int64) {
	if b.closed.Load() {
		return
	}
	select {
	case b.emittedCh <- n:
	case <-b.stopped:
	}
}

// Status returns a snapshot of the run counters.
func (b *Broker) Status() Status {
	if b.closed.Load() {
		return Status{}
	}
	resp := make(chan Status, 1)
	select {
	case b.statusReqCh <- resp:
	case <-b.stopped:
		return Status{}
	}
	select {
	case s := <-resp:
		return s
	case <-b.stopped:
		return Status{}
	}
}

// ServeHTTP streams broker events to an SSE client until it disconnects.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
