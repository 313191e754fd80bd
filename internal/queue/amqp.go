package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/farhan-ahmed1/llmhub/internal/task"
)

// AMQPQueueConfig names the RabbitMQ queues used by AMQPQueue
type AMQPQueueConfig struct {
	// Name of the main work queue; the delay and dead-letter queues are
	// derived from it
	Name string
	// Prefetch bounds unacked deliveries held by this consumer
	Prefetch int
	// DelayLevels are the delays that get a queue of their own. A delay is
	// rounded up to the next level; anything past the last level waits the
	// last level. Defaults to BackoffLevels(time.Second, 5*time.Minute).
	DelayLevels []time.Duration
}

// BackoffLevels lists base·2^k for k >= 0, capped at limit, which is the set
// of delays an exponential retry policy with those bounds produces
func BackoffLevels(base, limit time.Duration) []time.Duration {
	if base <= 0 || limit < base {
		return nil
	}
	var levels []time.Duration
	for d := base; d < limit; d *= 2 {
		levels = append(levels, d)
	}
	return append(levels, limit)
}

type delayQueue struct {
	ttl  time.Duration
	name string
}

// AMQPQueue implements Queue on RabbitMQ.
//
// Retries are published to one of several delay queues, one per delay level,
// each with a queue-wide TTL whose dead-letter target is the main queue, so
// expired messages flow back without a plugin. Every message in a delay queue
// shares its TTL, so the head always expires first and a long delay never
// holds back a shorter one. Unacked deliveries are requeued by the broker when
// the consumer channel closes.
type AMQPQueue struct {
	conn     *amqp091.Connection
	pubCh    *amqp091.Channel
	conCh    *amqp091.Channel
	pubMu    sync.Mutex
	prefetch int

	mainQueue   string
	delayQueues []delayQueue
	deadQueue   string

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp091.Delivery

	inFlight atomic.Int64
	closed   atomic.Bool
}

// NewAMQPQueue declares the queues on conn and returns a ready queue.
// The connection is owned by the caller.
func NewAMQPQueue(conn *amqp091.Connection, cfg AMQPQueueConfig) (*AMQPQueue, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	if cfg.Name == "" {
		cfg.Name = "llmhub.tasks"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if len(cfg.DelayLevels) == 0 {
		cfg.DelayLevels = BackoffLevels(time.Second, 5*time.Minute)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	conCh, err := conn.Channel()
	if err != nil {
		_ = pubCh.Close()
		return nil, fmt.Errorf("failed to open consume channel: %w", err)
	}

	q := &AMQPQueue{
		conn:        conn,
		pubCh:       pubCh,
		conCh:       conCh,
		prefetch:    cfg.Prefetch,
		mainQueue:   cfg.Name,
		delayQueues: delayQueues(cfg.Name, cfg.DelayLevels),
		deadQueue:   cfg.Name + ".dead",
	}

	if err := q.declare(); err != nil {
		_ = q.Close()
		return nil, err
	}
	return q, nil
}

func (q *AMQPQueue) declare() error {
	type queueDecl struct {
		name string
		args amqp091.Table
	}
	queues := []queueDecl{
		{q.mainQueue, nil},
		{q.deadQueue, nil},
	}
	for _, dq := range q.delayQueues {
		queues = append(queues, queueDecl{dq.name, amqp091.Table{
			"x-message-ttl":             dq.ttl.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q.mainQueue,
		}})
	}

	for _, decl := range queues {
		_, err := q.pubCh.QueueDeclare(
			decl.name, // name
			true,      // durable
			false,     // auto-deleted
			false,     // exclusive
			false,     // no-wait
			decl.args, // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue '%s': %w", decl.name, err)
		}
	}

	if err := q.conCh.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}
	return nil
}

// Enqueue publishes a descriptor to the main queue
func (q *AMQPQueue) Enqueue(ctx context.Context, d *task.Descriptor) error {
	return q.EnqueueAfter(ctx, d, 0)
}

// EnqueueAfter publishes a descriptor that reaches the main queue after delay
func (q *AMQPQueue) EnqueueAfter(ctx context.Context, d *task.Descriptor, delay time.Duration) error {
	if d == nil {
		return ErrNilDescript
	}

	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    d.ID,
		Timestamp:    time.Now(),
		Body:         body,
	}

	routingKey := q.mainQueue
	if delay > 0 {
		routingKey = pickDelayQueue(q.delayQueues, delay).name
	}

	return q.publish(ctx, routingKey, msg)
}

func (q *AMQPQueue) publish(ctx context.Context, routingKey string, msg amqp091.Publishing) error {
	if q.closed.Load() {
		return ErrClosed
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	err := q.pubCh.PublishWithContext(ctx,
		"",         // default exchange
		routingKey, // routing key
		false,      // mandatory
		false,      // immediate
		msg,
	)
	if err != nil {
		return fmt.Errorf("failed to publish to '%s': %w", routingKey, err)
	}
	return nil
}

// Dequeue waits for the next delivery
func (q *AMQPQueue) Dequeue(ctx context.Context) (*task.Descriptor, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.conCh.Consume(
			q.mainQueue, // queue
			"",          // consumer tag, generated
			false,       // auto-ack
			false,       // exclusive
			false,       // no-local
			false,       // no-wait
			nil,         // args
		)
	})
	if q.consumeErr != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", q.consumeErr)
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-q.deliveries:
			if !ok {
				return nil, ErrClosed
			}

			d, err := decodeDescriptor(msg.Body)
			if err != nil {
				// Park undecodable bodies instead of redelivering them forever
				_ = q.publish(ctx, q.deadQueue, amqp091.Publishing{
					ContentType:  "application/octet-stream",
					DeliveryMode: amqp091.Persistent,
					Body:         msg.Body,
				})
				_ = msg.Ack(false)
				continue
			}

			d.Receipt = strconv.FormatUint(msg.DeliveryTag, 10)
			q.inFlight.Add(1)
			return d, nil
		}
	}
}

// Ack acknowledges a delivery
func (q *AMQPQueue) Ack(_ context.Context, d *task.Descriptor) error {
	tag, err := deliveryTag(d)
	if err != nil {
		return err
	}
	if err := q.conCh.Ack(tag, false); err != nil {
		return fmt.Errorf("failed to ack delivery: %w", err)
	}
	q.inFlight.Add(-1)
	return nil
}

// Nack requeues a delivery
func (q *AMQPQueue) Nack(_ context.Context, d *task.Descriptor) error {
	tag, err := deliveryTag(d)
	if err != nil {
		return err
	}
	if err := q.conCh.Nack(tag, false, true); err != nil {
		return fmt.Errorf("failed to nack delivery: %w", err)
	}
	q.inFlight.Add(-1)
	return nil
}

// DeadLetter publishes the descriptor and reason to the dead-letter queue
func (q *AMQPQueue) DeadLetter(ctx context.Context, d *task.Descriptor, reason string) error {
	if d == nil {
		return ErrNilDescript
	}

	body, err := json.Marshal(DeadLetterEntry{
		Descriptor: d,
		Reason:     reason,
		MovedAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	return q.publish(ctx, q.deadQueue, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    d.ID,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Stats reports message counts from passive declarations
func (q *AMQPQueue) Stats(_ context.Context) (Stats, error) {
	if q.closed.Load() {
		return Stats{}, ErrClosed
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	count := func(name string) (int64, error) {
		info, err := q.pubCh.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect queue '%s': %w", name, err)
		}
		return int64(info.Messages), nil
	}

	stats := Stats{InFlight: q.inFlight.Load()}
	var err error
	if stats.Ready, err = count(q.mainQueue); err != nil {
		return Stats{}, err
	}
	if stats.DeadLetters, err = count(q.deadQueue); err != nil {
		return Stats{}, err
	}
	for _, dq := range q.delayQueues {
		n, err := count(dq.name)
		if err != nil {
			return Stats{}, err
		}
		stats.Delayed += n
	}
	return stats, nil
}

// Health reports whether the connection is still open
func (q *AMQPQueue) Health(_ context.Context) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if q.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection closed")
	}
	return nil
}

// Close closes both channels
func (q *AMQPQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	for _, ch := range []*amqp091.Channel{q.conCh, q.pubCh} {
		if ch == nil {
			continue
		}
		if err := ch.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// delayQueues names one queue per distinct level, shortest first
func delayQueues(name string, levels []time.Duration) []delayQueue {
	sorted := append([]time.Duration(nil), levels...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []delayQueue
	for _, ttl := range sorted {
		if ttl < time.Millisecond {
			ttl = time.Millisecond
		}
		ttl = ttl.Truncate(time.Millisecond)
		if len(out) > 0 && out[len(out)-1].ttl == ttl {
			continue
		}
		out = append(out, delayQueue{
			ttl:  ttl,
			name: fmt.Sprintf("%s.delay.%d", name, ttl.Milliseconds()),
		})
	}
	return out
}

// pickDelayQueue returns the shortest level not below delay, or the longest
func pickDelayQueue(levels []delayQueue, delay time.Duration) delayQueue {
	i := sort.Search(len(levels), func(i int) bool { return levels[i].ttl >= delay })
	if i == len(levels) {
		i--
	}
	return levels[i]
}

func decodeDescriptor(body []byte) (*task.Descriptor, error) {
	var d task.Descriptor
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal descriptor: %w", err)
	}
	if d.ID == "" {
		return nil, fmt.Errorf("descriptor has no id")
	}
	return &d, nil
}

func deliveryTag(d *task.Descriptor) (uint64, error) {
	if d == nil {
		return 0, ErrNilDescript
	}
	if d.Receipt == "" {
		return 0, ErrNoReceipt
	}
	tag, err := strconv.ParseUint(d.Receipt, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid delivery receipt %q: %w", d.Receipt, err)
	}
	return tag, nil
}
