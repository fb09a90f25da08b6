package messaging

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/poolcore/pkg/circuit"
	"github.com/bardlex/poolcore/pkg/errors"
	"github.com/bardlex/poolcore/pkg/log"
	"github.com/bardlex/poolcore/pkg/retry"
)

// KafkaBroker implements Broker on kafka-go with one pooled writer per topic.
type KafkaBroker struct {
	brokers     []string
	pollTimeout time.Duration
	logger      *log.Logger

	writersMu sync.RWMutex
	writers   map[string]*kafka.Writer

	breaker *circuit.Breaker
	policy  *retry.Policy
}

var _ Broker = (*KafkaBroker)(nil)

// NewKafkaBroker creates a broker for the given bootstrap servers. Writers
// are created lazily, one per topic.
//
// Parameters:
//   - brokers: Kafka bootstrap addresses
//   - pollTimeout: longest a subscription waits per fetch before it checks
//     for shutdown
//   - logger: base logger for publish and consume errors
//
// Returns:
//   - *KafkaBroker: broker with no open connections yet
func NewKafkaBroker(brokers []string, pollTimeout time.Duration, logger *log.Logger) *KafkaBroker {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &KafkaBroker{
		brokers:     brokers,
		pollTimeout: pollTimeout,
		logger:      logger.WithComponent("kafka"),
		writers:     make(map[string]*kafka.Writer),
		breaker:     circuit.New(circuit.DefaultConfig("kafka")),
		policy:      retry.BrokerPolicy(),
	}
}

// producer gets or creates the writer for topic.
func (k *KafkaBroker) producer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if w, ok := k.writers[topic]; ok {
		k.writersMu.RUnlock()
		return w
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if w, ok := k.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
	k.writers[topic] = w
	k.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// Publish writes one record, retrying transient failures behind the breaker.
func (k *KafkaBroker) Publish(ctx context.Context, topic, key string, value []byte) error {
	return k.breaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.policy, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: value,
				Time:  time.Now(),
			}
			if err := k.producer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Transport(err, "kafka_publish", "failed to publish message").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(value))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(value))
			return nil
		})
	})
}

// Subscribe starts consuming topic as a member of group, from the newest
// offset when the group has no commit yet.
func (k *KafkaBroker) Subscribe(ctx context.Context, topic, group string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     group,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     k.pollTimeout,
	})
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", group)

	sub := &kafkaSubscription{
		reader: reader,
		out:    make(chan Message),
		done:   make(chan struct{}),
		logger: k.logger.WithFields("topic", topic, "group_id", group),
	}
	sub.wg.Add(1)
	go sub.pump(k.pollTimeout, k.policy)
	return sub, nil
}

// Close closes every pooled writer.
func (k *KafkaBroker) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var errs []error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			errs = append(errs, err)
		}
	}
	k.writers = make(map[string]*kafka.Writer)
	return stderrors.Join(errs...)
}

type kafkaSubscription struct {
	reader *kafka.Reader
	out    chan Message
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	logger *log.Logger
}

func (s *kafkaSubscription) Messages() <-chan Message {
	return s.out
}

// pump fetches with a bounded wait so that Close is observed within
// pollTimeout even when the topic is idle.
func (s *kafkaSubscription) pump(pollTimeout time.Duration, policy *retry.Policy) {
	defer s.wg.Done()
	defer close(s.out)

	failures := 0
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		m, err := s.reader.ReadMessage(ctx)
		cancel()

		if err != nil {
			if stderrors.Is(err, context.DeadlineExceeded) {
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}

			s.logger.WithError(err).Warn("failed to read message")
			delay := policy.Delay(min(failures, 8))
			failures++
			select {
			case <-s.done:
				return
			case <-time.After(delay):
			}
			continue
		}
		failures = 0

		select {
		case s.out <- Message{Topic: m.Topic, Key: string(m.Key), Value: m.Value, Time: m.Time}:
		case <-s.done:
			return
		}
	}
}

// Close stops the pump and closes the reader. It is safe to call twice.
func (s *kafkaSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.reader.Close()
	})
	return err
}
