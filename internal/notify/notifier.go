package notify

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
)

// Publisher delivers a payload to a topic
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close() error
}

type CaptureEvent struct {
	capture.Metadata
	Sequence int   `json:"sequence"`
	Bytes    int64 `json:"bytes"`
}

type FaultEvent struct {
	Kind           scanner.FaultKind `json:"kind"`
	Pass           int               `json:"pass"`
	Channel        int               `json:"channel"`
	FrequencyHz    int64             `json:"freq_hz"`
	Timestamp      time.Time         `json:"timestamp"`
	SamplesWritten int64             `json:"samples_written"`
	BytesWritten   int64             `json:"bytes_written"`
	Error          string            `json:"error"`
}

type message struct {
	topic   string
	payload []byte
}

// WithLogger sets the logger for the notifier
func WithLogger(logger *slog.Logger) func(n *Notifier) {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// WithQueueSize sets the number of events buffered for publishing
func WithQueueSize(size int) func(n *Notifier) {
	return func(n *Notifier) {
		if size > 0 {
			n.queueSize = size
		}
	}
}

// Notifier publishes closed captures and faults. Events are queued and
// published from a background goroutine so the scan loop never waits on the
// broker; events are dropped while the queue is full.
type Notifier struct {
	publisher Publisher
	topic     string
	queueSize int
	logger    *slog.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan message
	done    chan struct{}
	dropped int
}

var _ scanner.Observer = (*Notifier)(nil)

func New(publisher Publisher, topic string, options ...func(n *Notifier)) (*Notifier, error) {
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}

	topic = strings.TrimSuffix(topic, "/")
	if topic == "" {
		topic = DefaultTopic
	}

	n := Notifier{
		publisher: publisher,
		topic:     topic,
		queueSize: DefaultQueueSize,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		done:      make(chan struct{}),
	}

	for _, option := range options {
		option(&n)
	}

	n.queue = make(chan message, n.queueSize)
	go n.run()

	return &n, nil
}

func (n *Notifier) run() {
	defer close(n.done)

	for m := range n.queue {
		if err := n.publisher.Publish(m.topic, m.payload); err != nil {
			n.logger.Error("publish failed", slog.String("topic", m.topic), slog.String("error", err.Error()))
		}
	}
}

func (n *Notifier) enqueue(subtopic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.logger.Error("marshaling event", slog.String("error", err.Error()))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}

	select {
	case n.queue <- message{topic: n.topic + "/" + subtopic, payload: payload}:
	default:
		n.dropped++
		n.logger.Warn("event queue full, event dropped", slog.String("topic", subtopic), slog.Int("dropped", n.dropped))
	}
}

// Dropped returns the number of events dropped on a full queue
func (n *Notifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

func (n *Notifier) DwellStarted(scanner.DwellInfo)   {}
func (n *Notifier) DwellFinished(scanner.DwellStats) {}

func (n *Notifier) CaptureClosed(summary capture.Summary) {
	n.enqueue("captures", CaptureEvent{Metadata: summary.Metadata, Sequence: summary.Sequence, Bytes: summary.Bytes})
}

func (n *Notifier) Fault(f scanner.Fault) {
	event := FaultEvent{
		Kind:           f.Kind,
		Pass:           f.Pass,
		Channel:        f.Channel,
		FrequencyHz:    f.FrequencyHz,
		Timestamp:      f.Timestamp.UTC(),
		SamplesWritten: f.SamplesWritten,
		BytesWritten:   f.BytesWritten,
	}
	if f.Err != nil {
		event.Error = f.Err.Error()
	}
	n.enqueue("faults", event)
}

// Close publishes the queued events and closes the publisher
func (n *Notifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	<-n.done
	return n.publisher.Close()
}
