package signer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	defaultAMQPTimeout = 2 * time.Minute
	amqpDialTimeout    = 10 * time.Second
)

var (
	errMissingAMQPURL    = errors.New("signer: amqp url is required")
	errMissingExchange   = errors.New("signer: exchange is required")
	errMissingPublisher  = errors.New("signer: publisher is required")
	errMissingReplyQueue = errors.New("signer: reply queue is required")
)

// Publisher is the subset of an AMQP channel used to send requests.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPConfig configures an AMQPSigner.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	ReplyQueue string
	Timeout    time.Duration
	Logger     *zap.Logger
}

type amqpReply struct {
	Response *SignatureResponse `json:"response,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// AMQPSigner publishes requests to a topic exchange and routes replies from its reply
// queue back to the waiting caller by correlation id.
type AMQPSigner struct {
	publisher  Publisher
	exchange   string
	routingKey string
	replyQueue string
	timeout    time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Result
	closed  bool

	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewAMQPSigner constructs a signer over an existing publisher. Replies must be fed to
// Serve or HandleDelivery.
func NewAMQPSigner(publisher Publisher, cfg AMQPConfig) (*AMQPSigner, error) {
	if publisher == nil {
		return nil, errMissingPublisher
	}
	if strings.TrimSpace(cfg.Exchange) == "" {
		return nil, errMissingExchange
	}
	if strings.TrimSpace(cfg.ReplyQueue) == "" {
		return nil, errMissingReplyQueue
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultAMQPTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPSigner{
		publisher:  publisher,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		replyQueue: cfg.ReplyQueue,
		timeout:    timeout,
		logger:     logger,
		pending:    make(map[string]chan Result),
	}, nil
}

// DialAMQP connects to the broker, declares the exchange and reply queue and starts
// consuming replies.
func DialAMQP(cfg AMQPConfig) (*AMQPSigner, error) {
	cleanURL, err := sanitizeAMQPURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(amqpDialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	queue, err := ch.QueueDeclare(cfg.ReplyQueue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, err
	}

	cfg.ReplyQueue = queue.Name
	signer, err := NewAMQPSigner(ch, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	signer.conn = conn
	signer.channel = ch
	go signer.Serve(deliveries)
	return signer, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if clean == "" {
		return "", errMissingAMQPURL
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("signer: invalid AMQP scheme %q", parsed.Scheme)
	}
	return clean, nil
}

// Sign publishes the request and returns the channel its reply will be delivered on.
func (s *AMQPSigner) Sign(ctx context.Context, request SignRequest) (<-chan Result, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()
	results := make(chan Result, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSignerUnavailable
	}
	s.pending[correlationID] = results
	s.mu.Unlock()

	err = s.publisher.PublishWithContext(ctx, s.exchange, s.routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: correlationID,
		ReplyTo:       s.replyQueue,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.pending, correlationID)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}

	time.AfterFunc(s.timeout, func() {
		s.resolve(correlationID, Result{Err: ErrSignerTimeout})
	})
	return results, nil
}

// Serve routes deliveries until the channel closes.
func (s *AMQPSigner) Serve(deliveries <-chan amqp.Delivery) {
	for delivery := range deliveries {
		s.HandleDelivery(delivery)
	}
}

// HandleDelivery resolves the pending request matching the delivery's correlation id.
// Deliveries for unknown or already resolved ids are acknowledged and dropped.
func (s *AMQPSigner) HandleDelivery(delivery amqp.Delivery) {
	defer func() {
		if err := delivery.Ack(false); err != nil {
			s.logger.Debug("signer reply ack failed", zap.Error(err))
		}
	}()

	var reply amqpReply
	result := Result{}
	if err := json.Unmarshal(delivery.Body, &reply); err != nil {
		result.Err = fmt.Errorf("%w: decode reply: %v", ErrSignerRejected, err)
	} else if reply.Error != "" || reply.Response == nil {
		result.Err = rejected(reply.Error)
	} else {
		result.Response = *reply.Response
	}

	if !s.resolve(delivery.CorrelationId, result) {
		s.logger.Warn("dropping signer reply with unknown correlation id",
			zap.String("correlation_id", delivery.CorrelationId))
	}
}

func (s *AMQPSigner) resolve(correlationID string, result Result) bool {
	s.mu.Lock()
	results, ok := s.pending[correlationID]
	if ok {
		delete(s.pending, correlationID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	results <- result
	return true
}

// Pending reports how many requests are waiting for a reply.
func (s *AMQPSigner) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close fails every pending request and releases the broker connection.
func (s *AMQPSigner) Close() {
	s.mu.Lock()
	s.closed = true
	pending := s.pending
	s.pending = make(map[string]chan Result)
	s.mu.Unlock()

	for _, results := range pending {
		results <- Result{Err: ErrSignerUnavailable}
	}
	if s.channel != nil {
		s.channel.Close()
	}
	if s.conn != nil {
		s.conn.Close()
	}
}
