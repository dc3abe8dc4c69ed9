package notify

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roman-kulish/burst-capture/internal/capture"
	"github.com/roman-kulish/burst-capture/internal/scanner"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
	block    chan struct{}
	closed   bool
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	if p.block != nil {
		<-p.block
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.messages == nil {
		p.messages = make(map[string][][]byte)
	}
	p.messages[topic] = append(p.messages[topic], payload)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func TestNotifier_Publish(t *testing.T) {
	p := &fakePublisher{}

	n, err := New(p, "lab/sdr1/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n.CaptureClosed(capture.Summary{
		Metadata: capture.Metadata{ID: "abc", FrequencyHz: 868_100_000, SamplesCaptured: 1000, Reason: capture.ReasonPostRoll},
		Sequence: 2,
		Bytes:    4000,
	})
	n.Fault(scanner.Fault{Kind: scanner.FaultWriter, FrequencyHz: 868_100_000, Timestamp: time.Now(), Err: errors.New("disk full")})

	if err = n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.closed {
		t.Error("Expected publisher closed")
	}

	captures := p.messages["lab/sdr1/captures"]
	if len(captures) != 1 {
		t.Fatalf("Expected 1 capture event, got %d", len(captures))
	}

	var ce CaptureEvent
	if err = json.Unmarshal(captures[0], &ce); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if ce.ID != "abc" || ce.Sequence != 2 || ce.Bytes != 4000 || ce.Reason != capture.ReasonPostRoll {
		t.Errorf("Unexpected capture event: %+v", ce)
	}

	faults := p.messages["lab/sdr1/faults"]
	if len(faults) != 1 {
		t.Fatalf("Expected 1 fault event, got %d", len(faults))
	}

	var fe FaultEvent
	if err = json.Unmarshal(faults[0], &fe); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if fe.Kind != scanner.FaultWriter || fe.Error != "disk full" {
		t.Errorf("Unexpected fault event: %+v", fe)
	}

	// events after close are ignored
	n.Fault(scanner.Fault{Kind: scanner.FaultTransport})
	if err = n.Close(); err != nil {
		t.Errorf("Second close: %v", err)
	}
}

func TestNotifier_DropsWhenFull(t *testing.T) {
	p := &fakePublisher{block: make(chan struct{})}

	n, err := New(p, "", WithQueueSize(1))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// the worker holds at most one event while blocked and the queue one more
	for i := 0; i < 5; i++ {
		n.Fault(scanner.Fault{Kind: scanner.FaultTransport})
	}

	if d := n.Dropped(); d < 3 {
		t.Errorf("Expected at least 3 dropped events, got %d", d)
	}

	close(p.block)
	if err = n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(p.messages[DefaultTopic+"/faults"]) + n.Dropped(); got != 5 {
		t.Errorf("Expected published and dropped to add up to 5, got %d", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Broker: "tcp://localhost:1883"}, false},
		{"no broker", Config{}, true},
		{"bad qos", Config{Broker: "tcp://localhost:1883", QoS: 3}, true},
		{"negative queue", Config{Broker: "tcp://localhost:1883", QueueSize: -1}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.config.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Expected error %v, got %v", tc.wantErr, err)
			}
		})
	}
}
