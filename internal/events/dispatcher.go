package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"

	"naskahsync/internal/ot"
	"naskahsync/pkg/logger"
	"naskahsync/pkg/metrics"
)

const TypeOpApplied = "OP_APPLIED"

// OpEvent announces an operation applied to an authoritative document.
type OpEvent struct {
	Type      string       `json:"type"`
	DocID     string       `json:"document_id"`
	Op        ot.Operation `json:"op"`
	AppliedAt time.Time    `json:"applied_at"`
}

func NewOpApplied(docID string, op ot.Operation) OpEvent {
	return OpEvent{Type: TypeOpApplied, DocID: docID, Op: op, AppliedAt: time.Now().UTC()}
}

type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    uint64
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *Options) defaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxRetry == 0 {
		o.MaxRetry = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
}

// Dispatcher publishes events from a bounded local queue. Enqueueing never
// blocks the apply path: when the queue is full the event is dropped, since
// downstream consumers do not need every event.
type Dispatcher struct {
	producer sarama.SyncProducer
	topic    string
	queue    chan OpEvent
	opt      Options

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewDispatcher(producer sarama.SyncProducer, topic string, opt Options) *Dispatcher {
	opt.defaults()
	d := &Dispatcher{
		producer: producer,
		topic:    topic,
		queue:    make(chan OpEvent, opt.QueueSize),
		opt:      opt,
	}
	for i := 0; i < opt.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
	return d
}

// NewProducer connects a synchronous producer to brokers.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

// TryEnqueue queues evt and reports whether there was room.
func (d *Dispatcher) TryEnqueue(evt OpEvent) bool {
	select {
	case d.queue <- evt:
		return true
	default:
		metrics.EventsPublished.WithLabelValues("dropped").Inc()
		logger.Sugar.Warnf("Event queue full, dropping %s for doc %s rev %d", evt.Type, evt.DocID, evt.Op.Revision)
		return false
	}
}

// Close drains the queue and stops the workers. The producer is left open.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *Dispatcher) sendWithRetry(workerID int, evt OpEvent) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opt.BaseBackoff
	b.MaxInterval = d.opt.MaxBackoff
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return d.sendOnce(evt)
	}, backoff.WithMaxRetries(b, d.opt.MaxRetry), func(err error, wait time.Duration) {
		logger.Sugar.Debugf("Event send failed, retrying in %s: %v", wait, err)
	})
	if err != nil {
		metrics.EventsPublished.WithLabelValues("failed").Inc()
		logger.Sugar.Errorf("Event send failed, dropping doc=%s op=%s rev=%d worker=%d: %v",
			evt.DocID, evt.Op.OpID, evt.Op.Revision, workerID, err)
		return
	}
	metrics.EventsPublished.WithLabelValues("sent").Inc()
}

func (d *Dispatcher) sendOnce(evt OpEvent) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
