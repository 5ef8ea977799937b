package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/metrics"
	"autonomous-trader/internal/types"
)

// Sink receives events from the dispatcher worker.
type Sink interface {
	Deliver(ctx context.Context, event types.Event) error
}

// Dispatcher fans events out to sinks from a bounded queue. Emit never
// blocks the trading loop; when the queue is full the event is dropped
// and counted.
type Dispatcher struct {
	queue   chan types.Event
	sinks   []Sink
	dropped uint64
	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	once    sync.Once
}

var _ interfaces.Notifier = (*Dispatcher)(nil)

func NewDispatcher(queueSize int, sinks ...Sink) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:  make(chan types.Event, queueSize),
		sinks:  sinks,
		cancel: cancel,
	}
	d.wg.Add(1)
	go d.run(ctx)
	return d
}

// Emit queues an event without blocking.
func (d *Dispatcher) Emit(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case d.queue <- event:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		metrics.NotifyDropsTotal.Inc()
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (d *Dispatcher) Dropped() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.queue)
		d.wg.Wait()
		d.cancel()
	})
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for event := range d.queue {
		for _, sink := range d.sinks {
			if err := sink.Deliver(ctx, event); err != nil {
				logger.Warn(ctx, "Notification delivery failed",
					"kind", event.Kind, "error", err.Error())
			}
		}
	}
}

// LogSink writes events to the structured log.
type LogSink struct{}

func (LogSink) Deliver(ctx context.Context, event types.Event) error {
	logger.Info(ctx, "Loop event", "kind", event.Kind, "payload", event.Payload)
	return nil
}

// WebhookSink POSTs events as JSON to a configured URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

func (w *WebhookSink) Deliver(ctx context.Context, event types.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// TelegramSink sends events through the Telegram Bot API.
type TelegramSink struct {
	BotToken string
	ChatID   string
	Client   *http.Client
}

func NewTelegramSink(botToken, chatID string) *TelegramSink {
	return &TelegramSink{
		BotToken: botToken,
		ChatID:   chatID,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSink) Deliver(ctx context.Context, event types.Event) error {
	text := formatEventText(event)
	body, err := json.Marshal(map[string]any{
		"chat_id": t.ChatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func formatEventText(event types.Event) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "[%s] %s", event.Timestamp.Format(time.RFC3339), event.Kind)
	for k, v := range event.Payload {
		fmt.Fprintf(&b, "\n%s: %v", k, v)
	}
	return b.String()
}
