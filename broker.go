package main

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// brokerMessage is one consumed record.
type brokerMessage struct {
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// partitionHandle is a cursor over a single partition. Fetch performs one
// bounded broker round trip and returns whatever is available now, in offset
// order; an empty result means the cursor has reached the end of the
// partition. NextOffset reports the offset the next Fetch would start at.
type partitionHandle interface {
	Fetch() ([]brokerMessage, error)
	NextOffset() int64
	Close() error
}

// consumerOpener opens partition handles. Open fails with an error matching
// sarama.ErrUnknownTopicOrPartition when the partition does not exist.
type consumerOpener interface {
	Open(topic string, partition int32, spec offsetSpec) (partitionHandle, error)
	Close() error
}

// fetchTuning bounds the round trips issued by saramaPartitionHandle.Fetch.
type fetchTuning struct {
	maxWaitTime time.Duration
	minBytes    int32
	fetchSize   int32
}

type saramaOpener struct {
	client sarama.Client
	tuning fetchTuning
}

func newSaramaOpener(client sarama.Client, tuning fetchTuning) *saramaOpener {
	return &saramaOpener{client: client, tuning: tuning}
}

func (o *saramaOpener) Open(topic string, partition int32, spec offsetSpec) (partitionHandle, error) {
	// Leader lookup is the existence check: sarama reports
	// ErrUnknownTopicOrPartition here for partitions the topic does not have.
	if _, err := o.client.Leader(topic, partition); err != nil {
		return nil, err
	}

	oldest, err := o.client.GetOffset(topic, partition, sarama.OffsetOldest)
	if err != nil {
		return nil, fmt.Errorf("failed to read oldest offset for partition %d err=%w", partition, err)
	}
	newest, err := o.client.GetOffset(topic, partition, sarama.OffsetNewest)
	if err != nil {
		return nil, fmt.Errorf("failed to read newest offset for partition %d err=%w", partition, err)
	}

	return &saramaPartitionHandle{
		client:    o.client,
		topic:     topic,
		partition: partition,
		next:      spec.resolve(oldest, newest),
		tuning:    o.tuning,
	}, nil
}

func (o *saramaOpener) Close() error {
	return o.client.Close()
}

// saramaPartitionHandle drives manual fetch requests against the partition
// leader instead of running a sarama.PartitionConsumer. The pull model keeps
// each round trip bounded and leaves the pacing to the caller.
type saramaPartitionHandle struct {
	client    sarama.Client
	topic     string
	partition int32
	next      int64
	tuning    fetchTuning
}

func (h *saramaPartitionHandle) Fetch() ([]brokerMessage, error) {
	broker, err := h.client.Leader(h.topic, h.partition)
	if err != nil {
		return nil, fmt.Errorf("failed to get leader for partition %d err=%w", h.partition, err)
	}

	resp, err := broker.Fetch(h.buildFetchRequest())
	if err != nil {
		return nil, fmt.Errorf("fetch failed for partition %d err=%w", h.partition, err)
	}

	block := resp.GetBlock(h.topic, h.partition)
	if block == nil {
		return nil, fmt.Errorf("fetch response carried no block for partition %d", h.partition)
	}
	if block.Err != sarama.ErrNoError {
		return nil, fmt.Errorf("fetch failed for partition %d err=%w", h.partition, block.Err)
	}

	msgs := h.flatten(block)
	if len(msgs) > 0 {
		h.next = msgs[len(msgs)-1].Offset + 1
	}
	return msgs, nil
}

func (h *saramaPartitionHandle) buildFetchRequest() *sarama.FetchRequest {
	req := &sarama.FetchRequest{
		MinBytes:    h.tuning.minBytes,
		MaxWaitTime: int32(h.tuning.maxWaitTime / time.Millisecond),
	}
	version := h.client.Config().Version
	if version.IsAtLeast(sarama.V0_9_0_0) {
		req.Version = 1
	}
	if version.IsAtLeast(sarama.V0_10_0_0) {
		req.Version = 2
	}
	if version.IsAtLeast(sarama.V0_10_1_0) {
		req.Version = 3
		req.MaxBytes = sarama.MaxResponseSize
	}
	if version.IsAtLeast(sarama.V0_11_0_0) {
		// Version 4 is the floor for record batches.
		req.Version = 4
		req.Isolation = sarama.ReadUncommitted
	}
	req.AddBlock(h.topic, h.partition, h.next, h.tuning.fetchSize, -1)
	return req
}

// flatten unpacks the response's record sets into plain messages, dropping
// anything before the cursor. Compressed legacy message sets carry relative
// inner offsets, control batches carry no payload; both follow the handling
// of sarama's own partition consumer.
func (h *saramaPartitionHandle) flatten(block *sarama.FetchResponseBlock) []brokerMessage {
	var out []brokerMessage
	for _, records := range block.RecordsSet {
		switch {
		case records.MsgSet != nil:
			for _, msgBlock := range records.MsgSet.Messages {
				inner := msgBlock.Messages()
				for _, mb := range inner {
					offset := mb.Offset
					timestamp := mb.Msg.Timestamp
					if mb.Msg.Version >= 1 {
						offset += msgBlock.Offset - inner[len(inner)-1].Offset
						if mb.Msg.LogAppendTime {
							timestamp = msgBlock.Msg.Timestamp
						}
					}
					if offset < h.next {
						continue
					}
					out = append(out, brokerMessage{
						Offset:    offset,
						Key:       mb.Msg.Key,
						Value:     mb.Msg.Value,
						Timestamp: timestamp,
					})
				}
			}
		case records.RecordBatch != nil:
			batch := records.RecordBatch
			if batch.Control {
				continue
			}
			for _, rec := range batch.Records {
				offset := batch.FirstOffset + rec.OffsetDelta
				if offset < h.next {
					continue
				}
				timestamp := batch.FirstTimestamp.Add(rec.TimestampDelta)
				if batch.LogAppendTime {
					timestamp = batch.MaxTimestamp
				}
				out = append(out, brokerMessage{
					Offset:    offset,
					Key:       rec.Key,
					Value:     rec.Value,
					Timestamp: timestamp,
				})
			}
		}
	}
	return out
}

func (h *saramaPartitionHandle) NextOffset() int64 {
	return h.next
}

// Close is a no-op: the handle borrows the shared client's broker
// connections and owns nothing itself.
func (h *saramaPartitionHandle) Close() error {
	return nil
}
