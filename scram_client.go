package main

import (
	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// scramClient adapts an xdg-go/scram conversation to the sarama.SCRAMClient
// interface.
type scramClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func scramSHA256Client() sarama.SCRAMClient {
	return &scramClient{HashGeneratorFcn: scram.SHA256}
}

func scramSHA512Client() sarama.SCRAMClient {
	return &scramClient{HashGeneratorFcn: scram.SHA512}
}

func (c *scramClient) Begin(userName, password, authzID string) (err error) {
	if c.Client, err = c.HashGeneratorFcn.NewClient(userName, password, authzID); err != nil {
		return err
	}
	c.ClientConversation = c.Client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.ClientConversation.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.ClientConversation.Done()
}
