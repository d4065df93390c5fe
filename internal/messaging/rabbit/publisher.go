// Package rabbit публикует уведомления о заявках в fanout exchange RabbitMQ.
package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/messaging/kafka"
)

// DefaultExchange: fanout exchange для уведомлений о заявках.
const DefaultExchange = "repairdesk.order_events"

var errPublisherClosed = errors.New("rabbit publisher is not initialized")

// channel: часть amqp.Channel, которая нужна паблишеру.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher отправляет outbox-сообщения в fanout exchange.
type Publisher struct {
	conn     *amqp.Connection
	ch       channel
	exchange string
	logger   *log.Entry
}

// Dial подключается к брокеру и объявляет durable fanout exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	p, err := newPublisher(ch, exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, exchange string) (*Publisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   log.WithField("component", "rabbit-publisher"),
	}, nil
}

// Publish отправляет сообщение как persistent JSON. Fanout игнорирует routing key.
func (p *Publisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.ch == nil {
		return errPublisherClosed
	}

	body, err := json.Marshal(kafka.NewEnvelope(event, time.Now()))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         event.EventType,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"exchange":   p.exchange,
			"message_id": event.ID,
		}).Error("failed to publish message to rabbitmq")
		return fmt.Errorf("publish to rabbitmq: %w", err)
	}
	return nil
}

// Close закрывает канал и соединение.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

var _ domain.OutboxPublisher = (*Publisher)(nil)
