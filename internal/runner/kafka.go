/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package runner

import (
	"github.com/Shopify/sarama"
)

// KafkaPublisher is the production Publisher: a serialized
// sarama.SyncProducer, at most one in-flight send per call site.
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher connects a SyncProducer to the given brokers.
func NewKafkaPublisher(brokers []string) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaPublisher{producer: producer}, nil
}

// Publish sends one payload to topic, blocking until the broker acks.
func (p *KafkaPublisher) Publish(topic string, payload []byte) error {
	_, _, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	})
	return err
}

// Close shuts the producer down.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
