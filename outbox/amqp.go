package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	DefaultExchange = "recurpay.events"
	dialTimeout     = 10 * time.Second
)

// Publisher delivers one outbox message. The topic doubles as routing key.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close()
}

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	now      func() time.Time
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if clean == "" {
		return "", errors.New("outbox: empty AMQP url")
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("outbox: parse AMQP url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("outbox: AMQP scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

// DialAMQP connects and declares exchange.
func DialAMQP(rawURL, exchange string) (*AMQPPublisher, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("outbox: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("outbox: open channel: %w", err)
	}
	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, now: time.Now}, nil
}

func declare(ch *amqp.Channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("outbox: declare exchange %s: %w", exchange, err)
	}
	return nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Type:         topic,
		Body:         payload,
	}
	err := p.channel.PublishWithContext(ctx, p.exchange, topic, false, false, msg)
	if err == nil {
		return nil
	}

	// A closed channel is reopened once; the connection itself is left to the
	// dispatcher, which redials on the next tick.
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("outbox: publish %s: %w", topic, err)
	}
	p.channel = ch
	if err := declare(ch, p.exchange); err != nil {
		return err
	}
	if err := p.channel.PublishWithContext(ctx, p.exchange, topic, false, false, msg); err != nil {
		return fmt.Errorf("outbox: publish %s after reopen: %w", topic, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// LogPublisher logs events instead of delivering them. It stands in when no
// broker is configured so events still drain from the table.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("outbox event", "topic", topic, "payload", string(payload))
	return nil
}

func (LogPublisher) Close() {}
