package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/repairdesk/internal/domain"
	"github.com/vladislavdragonenkov/repairdesk/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/repairdesk/internal/messaging/rabbit"
	"github.com/vladislavdragonenkov/repairdesk/internal/version"
)

// notifier: выбранный брокер уведомлений.
type notifier struct {
	publisher  domain.OutboxPublisher
	deadLetter domain.OutboxPublisher
	closeFn    func() error
}

func (n *notifier) close(logger *log.Entry) {
	if n == nil || n.closeFn == nil {
		return
	}
	if err := n.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close notifier")
		return
	}
	logger.Info("notifier closed")
}

// initNotifier подключает брокер по cfg.Notifier. Для none возвращает nil:
// уведомления копятся в outbox и не публикуются.
func initNotifier(cfg Config, logger *log.Entry) (*notifier, error) {
	switch cfg.Notifier {
	case NotifierNone, "":
		return nil, nil
	case NotifierKafka:
		brokers := splitList(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, fmt.Errorf("kafka notifier requires brokers")
		}
		producer, err := kafka.NewProducer(brokers, version.ClientID())
		if err != nil {
			return nil, fmt.Errorf("create kafka producer: %w", err)
		}
		topic := kafka.NewOutboxPublisher(producer, cfg.KafkaTopic)
		logger.WithFields(log.Fields{"brokers": brokers, "topic": topic.Topic()}).Info("kafka notifier initialized")
		return &notifier{
			publisher:  topic,
			deadLetter: kafka.NewOutboxPublisher(producer, topic.Topic()+kafka.DeadLetterSuffix),
			closeFn:    producer.Close,
		}, nil
	case NotifierRabbit:
		publisher, err := rabbit.Dial(cfg.RabbitURL, cfg.RabbitExchange)
		if err != nil {
			return nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		logger.WithField("exchange", cfg.RabbitExchange).Info("rabbitmq notifier initialized")
		return &notifier{publisher: publisher, closeFn: publisher.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported notifier: %s", cfg.Notifier)
	}
}
