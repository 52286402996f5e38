package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"post-queue/internal/domain"
	"post-queue/internal/infra/metrics"
)

const defaultPrefetch = 8

// RabbitDeliveryQueue передаёт наступившие вызовы воркерам доставки через durable очередь.
type RabbitDeliveryQueue struct {
	conn     *amqp.Connection
	pubCh    *amqp.Channel
	pubMu    sync.Mutex
	queue    string
	prefetch int
	log      zerolog.Logger
}

// NewRabbitDeliveryQueue подключается к брокеру и объявляет очередь.
func NewRabbitDeliveryQueue(amqpURL, queue string, prefetch int, log zerolog.Logger) (*RabbitDeliveryQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	return &RabbitDeliveryQueue{
		conn:     conn,
		pubCh:    ch,
		queue:    queue,
		prefetch: prefetch,
		log:      log,
	}, nil
}

// Publish отправляет вызов в очередь и ждёт подтверждения брокера.
func (q *RabbitDeliveryQueue) Publish(ctx context.Context, job domain.DispatchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.publish(ctx, job.Handle, payload)
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	return err
}

func (q *RabbitDeliveryQueue) publish(ctx context.Context, handle string, payload []byte) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	confirm, err := q.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    handle,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !ok {
		return errors.New("publish nacked by broker")
	}
	return nil
}

// Consume читает очередь до отмены контекста. Сообщение подтверждается, если handler
// вернул nil, иначе возвращается в очередь. Нечитаемые сообщения отбрасываются.
func (q *RabbitDeliveryQueue) Consume(ctx context.Context, handler func(context.Context, domain.DispatchJob) error) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq: delivery channel closed")
			}
			var job domain.DispatchJob
			if err := json.Unmarshal(d.Body, &job); err != nil {
				q.log.Error().Err(err).Str("message_id", d.MessageId).Msg("rabbitmq: нечитаемое сообщение отброшено")
				_ = d.Reject(false)
				continue
			}
			if err := handler(ctx, job); err != nil {
				q.log.Warn().Err(err).Str("handle", job.Handle).Msg("rabbitmq: сообщение возвращено в очередь")
				_ = d.Nack(false, true)
				continue
			}
			if err := d.Ack(false); err != nil {
				q.log.Error().Err(err).Str("handle", job.Handle).Msg("rabbitmq: ack не удался")
			}
		}
	}
}

// Close закрывает соединение.
func (q *RabbitDeliveryQueue) Close() error {
	return q.conn.Close()
}
