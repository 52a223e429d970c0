package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	kafka "github.com/segmentio/kafka-go"

	appconfig "bookmirror/config"
	"bookmirror/logger"
	"bookmirror/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// QuotePublisher forwards top-of-book changes to a Kafka topic, keyed by instrument.
type QuotePublisher struct {
	config    *appconfig.Config
	quoteChan <-chan models.QuoteUpdate
	writer    messageWriter
	ctx       context.Context
	wg        *sync.WaitGroup
	mu        sync.RWMutex
	running   bool
	log       *logger.Log

	published atomic.Int64
	failed    atomic.Int64
}

func NewQuotePublisher(cfg *appconfig.Config, quoteChan <-chan models.QuoteUpdate) (*QuotePublisher, error) {
	kc := cfg.Publisher.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	qp := &QuotePublisher{
		config:    cfg,
		quoteChan: quoteChan,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(kc.Brokers...),
			Topic:        kc.Topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: kc.BatchTimeout,
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
	qp.log.WithComponent("quote_publisher").WithFields(logger.Fields{
		"brokers": kc.Brokers,
		"topic":   kc.Topic,
	}).Debug("quote publisher initialized")
	return qp, nil
}

func (qp *QuotePublisher) Start(ctx context.Context) error {
	qp.mu.Lock()
	if qp.running {
		qp.mu.Unlock()
		return fmt.Errorf("quote publisher already running")
	}
	qp.running = true
	qp.ctx = ctx
	qp.mu.Unlock()

	qp.log.WithComponent("quote_publisher").Info("starting quote publisher")

	qp.wg.Add(1)
	go qp.run()
	return nil
}

func (qp *QuotePublisher) run() {
	defer qp.wg.Done()

	for {
		select {
		case <-qp.ctx.Done():
			return
		case q, ok := <-qp.quoteChan:
			if !ok {
				return
			}
			qp.publish(q)
		}
	}
}

func (qp *QuotePublisher) publish(q models.QuoteUpdate) {
	data, err := json.Marshal(q)
	if err != nil {
		qp.log.WithComponent("quote_publisher").WithError(err).Warn("failed to marshal quote")
		return
	}
	msg := kafka.Message{
		Key:   []byte(q.Instrument),
		Value: data,
		Time:  q.Timestamp,
	}
	if err := qp.writer.WriteMessages(qp.ctx, msg); err != nil {
		qp.failed.Add(1)
		qp.log.WithComponent("quote_publisher").WithError(err).Warn("failed to write quote")
		return
	}
	qp.published.Add(1)
	logger.RecordChannelMessage("kafka_quotes", len(data))
}

// Counts returns how many quotes were written and how many failed.
func (qp *QuotePublisher) Counts() (published, failed int64) {
	return qp.published.Load(), qp.failed.Load()
}

func (qp *QuotePublisher) Stop() {
	qp.mu.Lock()
	qp.running = false
	qp.mu.Unlock()

	qp.log.WithComponent("quote_publisher").Info("stopping quote publisher")
	qp.wg.Wait()
	if err := qp.writer.Close(); err != nil {
		qp.log.WithComponent("quote_publisher").WithError(err).Warn("failed to close kafka writer")
	}
	qp.log.WithComponent("quote_publisher").Info("quote publisher stopped")
}
