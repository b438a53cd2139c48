package core

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/prometheus/common/log"

	"github.com/gomaelstrom/node/pkg/maelstrom/definition"
	"github.com/gomaelstrom/node/pkg/maelstrom/types"
)

// InputPump reads newline-delimited JSON envelopes from a single reader
// and fans each parsed envelope out to every subscriber registered at the
// time it arrives (section 4.2). It never touches node state -- it is
// strictly single-producer from the perspective of each subscriber. The
// fan-out exists because a node has several independent consumers: the
// main loop and the kv coordinator's own reply feed.
type InputPump struct {
	scanner *bufio.Scanner
	log     definition.Logger

	mu          sync.Mutex
	subscribers []chan types.Envelope
}

// NewInputPump wraps r for line-oriented reads. Maelstrom lines can be
// large (a poll_ok can carry many thousands of messages), so the scanner's
// buffer is grown well past bufio's 64KiB default.
func NewInputPump(r io.Reader, log definition.Logger) *InputPump {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &InputPump{scanner: scanner, log: log}
}

// Subscribe registers a new consumer. Per section 4.2, a subscriber added
// mid-run receives only envelopes parsed after it registered -- no replay.
func (p *InputPump) Subscribe() <-chan types.Envelope {
	ch := make(chan types.Envelope, 256)
	p.mu.Lock()
	p.subscribers = append(p.subscribers, ch)
	p.mu.Unlock()
	return ch
}

// Run blocks reading lines until the stream ends, then closes every
// subscriber channel. Stream-end on input terminates the process
// (section 5) -- the caller is expected to exit shortly after Run
// returns.
func (p *InputPump) Run() {
	for p.scanner.Scan() {
		line := p.scanner.Bytes()
		var env types.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			p.log.Errorf("malformed request, dropping line: %v", err)
			continue
		}
		p.mu.Lock()
		subs := make([]chan types.Envelope, len(p.subscribers))
		copy(subs, p.subscribers)
		p.mu.Unlock()
		for _, s := range subs {
			s <- env
		}
	}
	p.mu.Lock()
	for _, s := range p.subscribers {
		close(s)
	}
	p.mu.Unlock()
}

// OutputPump accepts envelopes from any producer through a single ordered
// queue, serializes each as one line, and flushes after each line
// (section 4.2). It is the single writer to the output stream.
type OutputPump struct {
	w     *bufio.Writer
	queue chan types.Envelope
	log   definition.Logger
	done  chan struct{}
}

// NewOutputPump wraps w. The queue is a buffered channel holding up to
// 4096 envelopes; it is bounded, so once it is full Emit blocks until the
// writer drains it.
func NewOutputPump(w io.Writer, log definition.Logger) *OutputPump {
	return &OutputPump{
		w:     bufio.NewWriter(w),
		queue: make(chan types.Envelope, 4096),
		log:   log,
		done:  make(chan struct{}),
	}
}

// Emit enqueues an envelope for transmission. It does not wait for the
// write itself, but it blocks while the queue is full.
func (p *OutputPump) Emit(e types.Envelope) {
	p.queue <- e
}

// Run drains the queue until it is closed by Close, writing and flushing
// one line per envelope.
func (p *OutputPump) Run() {
	defer close(p.done)
	for e := range p.queue {
		data, err := types.Encode(e)
		if err != nil {
			log.Errorf("failed encoding envelope %#v: %v", e, err)
			continue
		}
		if _, err := p.w.Write(data); err != nil {
			p.log.Errorf("failed writing envelope: %v", err)
			continue
		}
		if err := p.w.WriteByte('\n'); err != nil {
			p.log.Errorf("failed writing newline: %v", err)
			continue
		}
		if err := p.w.Flush(); err != nil {
			p.log.Errorf("failed flushing output: %v", err)
		}
	}
}

// Close stops accepting new envelopes and waits for the queue to drain.
func (p *OutputPump) Close() {
	close(p.queue)
	<-p.done
}
