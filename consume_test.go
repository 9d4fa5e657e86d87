package main

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

type tOpen struct {
	partition int32
	spec      offsetSpec
}

// tHandle replays canned fetch batches, then keeps returning empty fetches.
type tHandle struct {
	batches  [][]brokerMessage
	fetchErr error
	next     int64
	fetches  int
	closed   bool
}

func (h *tHandle) Fetch() ([]brokerMessage, error) {
	if h.fetchErr != nil {
		return nil, h.fetchErr
	}
	h.fetches++
	if h.fetches > len(h.batches) {
		return nil, nil
	}
	batch := h.batches[h.fetches-1]
	for _, m := range batch {
		if m.Offset >= h.next {
			h.next = m.Offset + 1
		}
	}
	return batch, nil
}

func (h *tHandle) NextOffset() int64 { return h.next }

func (h *tHandle) Close() error {
	h.closed = true
	return nil
}

// tOpener hands out handles per partition. Partitions present in bounds get
// a fresh cursor resolved against those log bounds; partitions present in
// handles get the canned handle; anything else is unknown.
type tOpener struct {
	bounds  map[int32][2]int64
	handles map[int32]*tHandle
	openErr map[int32]error
	opens   []tOpen
	closed  bool
}

func (o *tOpener) Open(topic string, partition int32, spec offsetSpec) (partitionHandle, error) {
	o.opens = append(o.opens, tOpen{partition: partition, spec: spec})
	if err := o.openErr[partition]; err != nil {
		return nil, err
	}
	if b, ok := o.bounds[partition]; ok {
		return &tHandle{next: spec.resolve(b[0], b[1])}, nil
	}
	h, ok := o.handles[partition]
	if !ok {
		return nil, sarama.ErrUnknownTopicOrPartition
	}
	return h, nil
}

func (o *tOpener) Close() error {
	o.closed = true
	return nil
}

func tBatch(startOffset int64, values ...string) []brokerMessage {
	msgs := make([]brokerMessage, 0, len(values))
	for i, v := range values {
		msgs = append(msgs, brokerMessage{Offset: startOffset + int64(i), Value: []byte(v)})
	}
	return msgs
}

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	original := stdoutWriter
	t.Cleanup(func() { stdoutWriter = original })
	var buf bytes.Buffer
	stdoutWriter = &buf
	return &buf
}

func TestFetchLoopReadCount(t *testing.T) {
	buf := captureOutput(t)

	values := make([]string, 10)
	for i := range values {
		values[i] = fmt.Sprintf("v%d", i)
	}
	h := &tHandle{batches: [][]brokerMessage{tBatch(0, values...)}}
	cmd := &consumeCmd{Topic: "hans", ReadCount: 3}
	readers := []*partitionReader{{partition: 0, handle: h}}

	if err := cmd.fetchLoop(readers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := "===== Topic: hans = Partition: 0 =======\nv0\nv1\nv2\n"
	if buf.String() != expected {
		t.Errorf("expected output %q, got %q", expected, buf.String())
	}
	// The cap stops output only, every observed message still counts.
	if readers[0].messagesRead != 10 {
		t.Errorf("expected messagesRead 10, got %d", readers[0].messagesRead)
	}
}

func TestFetchLoopReadCountAcrossPartitions(t *testing.T) {
	buf := captureOutput(t)

	h0 := &tHandle{batches: [][]brokerMessage{tBatch(0, "a0", "a1", "a2", "a3")}}
	h1 := &tHandle{batches: [][]brokerMessage{tBatch(0, "b0"), tBatch(1, "b1"), tBatch(2, "b2")}}
	sleeps := 0
	cmd := &consumeCmd{Topic: "hans", ReadCount: 2, sleep: func(time.Duration) { sleeps++ }}
	readers := []*partitionReader{
		{partition: 0, handle: h0},
		{partition: 1, handle: h1},
	}

	if err := cmd.fetchLoop(readers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stops only when every partition reached the cap: partition 1 needs a
	// second round, partition 0 is already over the cap after the first.
	expected := strings.Join([]string{
		"===== Topic: hans = Partition: 0 =======",
		"a0",
		"a1",
		"===== Topic: hans = Partition: 1 =======",
		"b0",
		"===== Topic: hans = Partition: 1 =======",
		"b1",
		"",
	}, "\n")
	if buf.String() != expected {
		t.Errorf("expected output %q, got %q", expected, buf.String())
	}
	if h1.fetches != 2 {
		t.Errorf("expected 2 fetches on partition 1, got %d", h1.fetches)
	}
	if sleeps != 0 {
		t.Errorf("expected no idle sleeps, got %d", sleeps)
	}
}

func TestFetchLoopDump(t *testing.T) {
	buf := captureOutput(t)

	h0 := &tHandle{batches: [][]brokerMessage{tBatch(0, "a0"), tBatch(1, "a1")}}
	h1 := &tHandle{batches: [][]brokerMessage{tBatch(5, "b5")}}
	sleeps := 0
	cmd := &consumeCmd{Topic: "hans", Dump: true, sleep: func(time.Duration) { sleeps++ }}
	readers := []*partitionReader{
		{partition: 0, handle: h0},
		{partition: 1, handle: h1},
	}

	if err := cmd.fetchLoop(readers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := strings.Join([]string{
		"===== Topic: hans = Partition: 0 =======",
		"a0",
		"===== Topic: hans = Partition: 1 =======",
		"b5",
		"===== Topic: hans = Partition: 0 =======",
		"a1",
		"",
	}, "\n")
	if buf.String() != expected {
		t.Errorf("expected output %q, got %q", expected, buf.String())
	}
	// Terminates on the first all-empty round, without sleeping first.
	if h0.fetches != 3 || h1.fetches != 3 {
		t.Errorf("expected 3 rounds, got %d and %d fetches", h0.fetches, h1.fetches)
	}
	if sleeps != 0 {
		t.Errorf("expected no idle sleeps, got %d", sleeps)
	}
}

func TestFetchLoopTail(t *testing.T) {
	captureOutput(t)

	h := &tHandle{batches: [][]brokerMessage{tBatch(0, "a0", "a1")}}
	cmd := &consumeCmd{Topic: "hans", shutdown: make(chan struct{})}
	sleeps := 0
	cmd.sleep = func(time.Duration) {
		sleeps++
		if sleeps == 3 {
			close(cmd.shutdown)
		}
	}
	readers := []*partitionReader{{partition: 0, handle: h}}

	if err := cmd.fetchLoop(readers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Neither dump nor read-count set: the loop never stops by itself and
	// sleeps only after rounds that fetched nothing.
	if sleeps != 3 {
		t.Errorf("expected 3 idle sleeps, got %d", sleeps)
	}
	if h.fetches != 4 {
		t.Errorf("expected 4 fetches (1 productive, 3 idle), got %d", h.fetches)
	}
}

func TestFetchLoopSkipHeader(t *testing.T) {
	buf := captureOutput(t)

	h := &tHandle{batches: [][]brokerMessage{tBatch(0, "a0"), tBatch(1, "a1")}}
	cmd := &consumeCmd{Topic: "hans", Dump: true, SkipHeader: true}
	readers := []*partitionReader{{partition: 0, handle: h}}

	if err := cmd.fetchLoop(readers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Contains(buf.String(), "=====") {
		t.Errorf("expected no header lines, got %q", buf.String())
	}
	if buf.String() != "a0\na1\n" {
		t.Errorf("expected bare values, got %q", buf.String())
	}
}

func TestFetchLoopPrintOffset(t *testing.T) {
	buf := captureOutput(t)

	h := &tHandle{batches: [][]brokerMessage{tBatch(41, "a41", "a42")}}
	cmd := &consumeCmd{Topic: "hans", Dump: true, PrintOffset: true, SkipHeader: true}
	readers := []*partitionReader{{partition: 0, handle: h}}

	if err := cmd.fetchLoop(readers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := "41 | a41\n42 | a42\n"
	if buf.String() != expected {
		t.Errorf("expected %q, got %q", expected, buf.String())
	}
}

func TestFetchLoopJSON(t *testing.T) {
	buf := captureOutput(t)

	h := &tHandle{batches: [][]brokerMessage{tBatch(7, "a7")}}
	cmd := &consumeCmd{Topic: "hans", Dump: true, JSON: true}
	readers := []*partitionReader{{partition: 2, handle: h}}

	if err := cmd.fetchLoop(readers); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"partition":2,"offset":7,"key":null,"value":"a7"}` + "\n"
	if buf.String() != expected {
		t.Errorf("expected %q, got %q", expected, buf.String())
	}
}

func TestFetchLoopFetchErrorPropagates(t *testing.T) {
	captureOutput(t)

	h := &tHandle{fetchErr: sarama.ErrOutOfBrokers}
	cmd := &consumeCmd{Topic: "hans", Dump: true}
	readers := []*partitionReader{{partition: 0, handle: h}}

	if err := cmd.fetchLoop(readers); err == nil {
		t.Errorf("expected error, got none")
	}
}

func TestCountMessages(t *testing.T) {
	tests := []struct {
		name       string
		bounds     map[int32][2]int64
		partitions []int32
		showBounds bool
		expected   string
	}{
		{
			name:       "single partition",
			bounds:     map[int32][2]int64{0: {5, 17}},
			partitions: []int32{0},
			expected:   "hans | Partition 0 | 12 messages\n",
		},
		{
			name:       "with bounds",
			bounds:     map[int32][2]int64{0: {5, 17}},
			partitions: []int32{0},
			showBounds: true,
			expected:   "hans | Partition 0 | 12 messages (5, 17)\n",
		},
		{
			name:       "multiple partitions",
			bounds:     map[int32][2]int64{0: {0, 3}, 1: {10, 10}, 2: {2, 8}},
			partitions: []int32{0, 1, 2},
			expected:   "hans | Partition 0 | 3 messages\nhans | Partition 1 | 0 messages\nhans | Partition 2 | 6 messages\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureOutput(t)
			opener := &tOpener{bounds: tt.bounds}
			cmd := &consumeCmd{Topic: "hans", CountMessages: true, ShowMinMaxOffsets: tt.showBounds, opener: opener}

			if err := cmd.countMessages(tt.partitions); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if buf.String() != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, buf.String())
			}
		})
	}
}

func TestConsumeDiscoversPartitions(t *testing.T) {
	buf := captureOutput(t)

	opener := &tOpener{handles: map[int32]*tHandle{
		0: {batches: [][]brokerMessage{tBatch(0, "a0")}},
		1: {batches: [][]brokerMessage{tBatch(0, "b0")}},
	}}
	cmd := &consumeCmd{Topic: "hans", Dump: true, Probe: true, SkipHeader: true, opener: opener}

	if err := cmd.consume(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if buf.String() != "a0\nb0\n" {
		t.Errorf("expected both partitions consumed, got %q", buf.String())
	}
	if !opener.closed {
		t.Errorf("expected opener to be closed")
	}
}

func TestConsumeZeroPartitions(t *testing.T) {
	buf := captureOutput(t)

	opener := &tOpener{}
	cmd := &consumeCmd{Topic: "hans", Dump: true, Probe: true, opener: opener}

	if err := cmd.consume(); err != nil {
		t.Fatalf("expected zero partitions to be handled, got error: %v", err)
	}
	if buf.String() != "" {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestConsumeExplicitUnknownPartition(t *testing.T) {
	captureOutput(t)

	opener := &tOpener{handles: map[int32]*tHandle{
		0: {},
	}}
	cmd := &consumeCmd{Topic: "hans", Dump: true, Partitions: []int32{0, 5}, opener: opener}

	err := cmd.consume()
	if err == nil {
		t.Fatalf("expected error for unknown explicit partition, got none")
	}
	// The handle opened before the failure must be released again.
	if !opener.handles[0].closed {
		t.Errorf("expected partition 0 handle to be closed")
	}
}

func TestConsumePrepare(t *testing.T) {
	explicit := func(n int64) *int64 { return &n }

	td := map[string]struct {
		cmd         consumeCmd
		expectedErr string
	}{
		"missing topic": {
			cmd:         consumeCmd{},
			expectedErr: "topic is required, set -topic or " + ENV_TOPIC,
		},
		"negative read count": {
			cmd:         consumeCmd{Topic: "hans", ReadCount: -1},
			expectedErr: "read-count must be positive",
		},
		"dump with read count": {
			cmd:         consumeCmd{Topic: "hans", Dump: true, ReadCount: 3},
			expectedErr: "at most one of -dump, -read-count and -count-messages may be given",
		},
		"dump with count messages": {
			cmd:         consumeCmd{Topic: "hans", Dump: true, CountMessages: true},
			expectedErr: "at most one of -dump, -read-count and -count-messages may be given",
		},
		"count messages with offset": {
			cmd:         consumeCmd{Topic: "hans", CountMessages: true, Offset: explicit(3)},
			expectedErr: "count-messages does not take an offset selection",
		},
		"count messages with latest": {
			cmd:         consumeCmd{Topic: "hans", CountMessages: true, Latest: true},
			expectedErr: "count-messages does not take an offset selection",
		},
		"bounds without count messages": {
			cmd:         consumeCmd{Topic: "hans", ShowMinMaxOffsets: true},
			expectedErr: "show-min-max-offsets only applies to count-messages",
		},
		"earliest and latest": {
			cmd:         consumeCmd{Topic: "hans", Earliest: true, Latest: true},
			expectedErr: "at most one of -offset, -earliest and -latest may be given",
		},
		"environment without config": {
			cmd:         consumeCmd{Topic: "hans", Environment: "prod"},
			expectedErr: "-environment requires -config",
		},
		"valid tail": {
			cmd: consumeCmd{Topic: "hans"},
		},
		"valid read count": {
			cmd: consumeCmd{Topic: "hans", ReadCount: 5, Latest: true},
		},
	}

	for tn, tc := range td {
		t.Run(tn, func(t *testing.T) {
			cmd := tc.cmd
			err := cmd.prepare()
			if tc.expectedErr != "" {
				if err == nil || err.Error() != tc.expectedErr {
					t.Errorf("expected error %q, got %v", tc.expectedErr, err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConsumePrepareDefaults(t *testing.T) {
	cmd := consumeCmd{Topic: "hans"}
	if err := cmd.prepare(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cmd.Brokers) != 1 || cmd.Brokers[0] != "localhost:9092" {
		t.Errorf("expected default brokers [localhost:9092], got %v", cmd.Brokers)
	}
	if cmd.spec != earliestSpec() {
		t.Errorf("expected earliest as default offset spec, got %v", cmd.spec)
	}
	if cmd.sleep == nil || cmd.ports == nil || cmd.tunnels == nil {
		t.Errorf("expected collaborators to be defaulted")
	}
}

func TestConsumePrepareJqImpliesJSON(t *testing.T) {
	cmd := consumeCmd{Topic: "hans"}
	cmd.Jq = ".value"
	if err := cmd.prepare(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cmd.JSON {
		t.Errorf("expected -jq to imply JSON output")
	}
}
