package collab

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"collabEngine/backend/internal/logger"
)

// AuditDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// 目标：
// - 不阻塞主提交流程（Enqueue 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时允许降级（丢弃），避免内存无限增长
type AuditDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan AuditEvent

	// sem 限制并发的 SendMessage 数量
	sem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type AuditDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewAuditDispatcher(producer sarama.SyncProducer, topic string, sem *SemaphoreControl, opt AuditDispatcherOptions) *AuditDispatcher {
	d := &AuditDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan AuditEvent, opt.QueueSize),
		sem:         sem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.Start()
	return d
}

// Enqueue：把事件放入本地队列。
// - 队列满时，等待直到 ctx 超时
// - ctx 超时返回错误（审计流不要求强一致，不是每条事件都必须送达）
func (d *AuditDispatcher) Enqueue(ctx context.Context, evt AuditEvent) error {
	select {
	case d.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *AuditDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		go d.workerLoop(i)
	}
}

func (d *AuditDispatcher) workerLoop(workerID int) {
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *AuditDispatcher) sendWithRetry(workerID int, evt AuditEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.sem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sem != nil {
			_ = d.sem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			logger.Warn("kafka send failed, drop event",
				zap.String("docId", evt.DocID),
				zap.String("event", evt.EventType),
				zap.Uint64("version", evt.Version),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}

		// 退避，每次退避时间 X2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *AuditDispatcher) sendOnce(evt AuditEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
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
