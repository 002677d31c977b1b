package broker

import (
	"fmt"

	"github.com/streadway/amqp"
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
}

// amqpConnection is the part of *amqp.Connection the publisher uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var dial = func(url string) (amqpConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn}, nil
}

type pooledChannel struct {
	channel     amqpChannel
	notifyClose chan *amqp.Error
}

func newPooledChannel(conn amqpConnection) (*pooledChannel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &pooledChannel{
		channel:     ch,
		notifyClose: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

func (r *rabbitMqPublisher) newConnection() (amqpConnection, error) {
	conn, err := dial(r.settings.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		for err := range notifyClose {
			r.log.Warn().Err(err).Msg("RabbitMQ connection closed")
		}
	}()
	return conn, nil
}

func (r *rabbitMqPublisher) connectAndInitialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connection != nil && !r.connection.IsClosed() {
		r.connection.Close()
	}
	r.drainPool()

	connection, err := r.newConnection()
	if err != nil {
		return err
	}
	r.connection = connection

	// ExchangeDeclare is idempotent and has no effect if the exchange is already in place
	channel, err := connection.Channel()
	if err != nil {
		return err
	}
	err = channel.ExchangeDeclare(
		r.settings.Exchange, // name
		exchangeKind,        // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	channel.Close()
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for i := 0; i < r.settings.PoolSize; i++ {
		pc, err := newPooledChannel(connection)
		if err != nil {
			return err
		}
		r.channelPool <- pc
	}

	r.log.Info().Str("exchange", r.settings.Exchange).Int("pool_size", r.settings.PoolSize).
		Msg("RabbitMQ connection, exchange, and channel pool initialized")
	return nil
}

func (r *rabbitMqPublisher) recoverConnection() {
	for {
		select {
		case <-r.reconnectTicker.C:
			r.mu.Lock()
			lost := r.connection == nil || r.connection.IsClosed()
			r.mu.Unlock()
			if !lost {
				continue
			}
			r.log.Info().Msg("attempting to reconnect to RabbitMQ")
			if err := r.connectAndInitialize(); err != nil {
				r.log.Error().Err(err).Msg("failed to reconnect to RabbitMQ")
			} else {
				r.log.Info().Msg("reconnected to RabbitMQ")
			}
		case <-r.stopReconnect:
			return
		}
	}
}

func (r *rabbitMqPublisher) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pooledChan := <-r.channelPool:
			select {
			case err := <-pooledChan.notifyClose:
				r.log.Debug().Err(err).Msg("discarding closed channel")
				continue
			default:
				return pooledChan, nil
			}
		default:
			r.mu.Lock()
			conn, closed := r.connection, r.closed
			r.mu.Unlock()
			if closed || conn == nil {
				return nil, errPublisherClosed
			}
			return newPooledChannel(conn)
		}
	}
}

func (r *rabbitMqPublisher) releaseChannel(pooledChan *pooledChannel) {
	select {
	case err := <-pooledChan.notifyClose:
		r.log.Debug().Err(err).Msg("discarding closed channel")
		return
	default:
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		pooledChan.channel.Close()
		return
	}

	select {
	case r.channelPool <- pooledChan:
	default:
		// Pool is full.
		pooledChan.channel.Close()
	}
}

// drainPool closes every pooled channel. Callers hold r.mu.
func (r *rabbitMqPublisher) drainPool() {
	for {
		select {
		case pc := <-r.channelPool:
			pc.channel.Close()
		default:
			return
		}
	}
}
