package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"live-trader/go/pkg/shared"
)

// KafkaFeed reads ticks published by the tick bridge. Every subscription opens
// a fresh reader positioned at the end of the topic.
type KafkaFeed struct {
	open  func(topic string) (shared.Consumer, error)
	topic string
	log   shared.Logger
}

func NewKafkaFeed(cfg shared.KafkaConfig, topic string, log shared.Logger) *KafkaFeed {
	return &KafkaFeed{
		open: func(topic string) (shared.Consumer, error) {
			return shared.NewConsumer(cfg, topic, true)
		},
		topic: topic,
		log:   log,
	}
}

func (f *KafkaFeed) Subscribe(ctx context.Context, instrument string) (Stream, error) {
	c, err := f.open(f.topic)
	if err != nil {
		return nil, &ConnectivityError{Op: "kafka subscribe", Err: err}
	}
	_, symbol := SplitInstrument(instrument, "")
	return &kafkaStream{consumer: c, symbol: symbol, instrument: instrument, log: f.log}, nil
}

type kafkaStream struct {
	consumer   shared.Consumer
	symbol     string
	instrument string
	log        shared.Logger
}

// Next skips other symbols and undecodable payloads.
func (s *kafkaStream) Next(ctx context.Context) (shared.Tick, error) {
	for {
		msg, err := s.consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return shared.Tick{}, err
			}
			return shared.Tick{}, &ConnectivityError{Op: "kafka poll", Err: err}
		}
		var tk shared.Tick
		if err := json.Unmarshal(msg.Value, &tk); err != nil {
			s.log.Printf("[feed] skip offset=%d: %v", msg.Offset, err)
			continue
		}
		if !strings.EqualFold(tk.Symbol, s.symbol) && !strings.EqualFold(tk.Symbol, s.instrument) {
			continue
		}
		return tk, nil
	}
}

func (s *kafkaStream) Close() error { return s.consumer.Close() }
