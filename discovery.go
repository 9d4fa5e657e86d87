package main

import (
	"errors"
	"fmt"
	"slices"

	"github.com/IBM/sarama"
)

// partitionLister enumerates a topic's partitions in ascending order.
type partitionLister interface {
	listPartitions(topic string) ([]int32, error)
}

// probeLister discovers partitions by opening a throwaway handle per index,
// counting upward from zero until the broker reports an unknown partition.
// It works against brokers whose metadata endpoints are restricted, at the
// cost of one open per partition. A topic the broker does not know yields an
// empty set, not an error.
type probeLister struct {
	opener consumerOpener
}

func (l *probeLister) listPartitions(topic string) ([]int32, error) {
	var partitions []int32
	for idx := int32(0); ; idx++ {
		handle, err := l.opener.Open(topic, idx, earliestSpec())
		if errors.Is(err, sarama.ErrUnknownTopicOrPartition) {
			return partitions, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to probe partition %d err=%w", idx, err)
		}
		logClose(fmt.Sprintf("probe handle for partition %d", idx), handle)
		partitions = append(partitions, idx)
	}
}

// metadataLister reads the partition set from cluster metadata in a single
// request.
type metadataLister struct {
	client sarama.Client
}

func (l *metadataLister) listPartitions(topic string) ([]int32, error) {
	partitions, err := l.client.Partitions(topic)
	if err != nil {
		return nil, fmt.Errorf("failed to read partitions for topic %v err=%w", topic, err)
	}
	out := slices.Clone(partitions)
	slices.Sort(out)
	return out, nil
}
