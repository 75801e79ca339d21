package webhook

import (
	"log"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/lumavoz/conecta/internal/domain"
)

// Event names on the wire. The CRM side dispatches on these literals.
const (
	EventQRUpdate        = "qr_update"
	EventConnEstablished = "connection_established"
	EventDisconnected    = "disconnected"
	EventMessageReceived = "message_received"
)

const queueSize = 256

type job struct {
	event   string
	payload map[string]interface{}
	delay   time.Duration
}

// Dispatcher delivers events to the CRM webhook endpoint. Each instance gets
// its own ordered queue so events for one instance arrive in the order they
// happened, while instances never block each other. Delivery failures are
// logged and swallowed: the webhook is a best-effort collaborator, never a
// dependency of the connection lifecycle.
type Dispatcher struct {
	client  *resty.Client
	baseURL string
	token   string
	delay   time.Duration

	mu     sync.Mutex
	queues map[string]chan job
	wg     sync.WaitGroup
	closed bool
}

// NewDispatcher builds a dispatcher. An empty baseURL disables delivery
// entirely; every Notify call becomes a no-op.
func NewDispatcher(baseURL, token string, messageDelay time.Duration) *Dispatcher {
	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	client.SetHeader("Content-Type", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}

	return &Dispatcher{
		client:  client,
		baseURL: baseURL,
		token:   token,
		delay:   messageDelay,
		queues:  make(map[string]chan job),
	}
}

func (d *Dispatcher) NotifyQRCode(instanceID, qrDataURL string) {
	d.enqueue(instanceID, job{
		event: EventQRUpdate,
		payload: map[string]interface{}{
			"instance_id": instanceID,
			"qr_code":     qrDataURL,
		},
	})
}

func (d *Dispatcher) NotifyConnection(instanceID, status, phone, profileName string) {
	event := EventDisconnected
	payload := map[string]interface{}{
		"instance_id": instanceID,
		"status":      status,
	}
	if status == domain.StatusConnected {
		event = EventConnEstablished
		payload["phone"] = phone
		payload["profile_name"] = profileName
	}
	d.enqueue(instanceID, job{event: event, payload: payload})
}

// NotifyMessage queues a message for delivery. The configured delay is
// applied inside the worker, before the POST, so the CRM has time to finish
// creating the conversation record a just-connected instance triggers.
func (d *Dispatcher) NotifyMessage(instanceID, ownerID string, msg *domain.NormalizedMessage) {
	payload := map[string]interface{}{
		"instance_id": instanceID,
		"message":     msg,
	}
	if ownerID != "" {
		payload["user_id"] = ownerID
	}
	d.enqueue(instanceID, job{
		event:   EventMessageReceived,
		payload: payload,
		delay:   d.delay,
	})
}

func (d *Dispatcher) enqueue(instanceID string, j job) {
	if d.baseURL == "" {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	q, ok := d.queues[instanceID]
	if !ok {
		q = make(chan job, queueSize)
		d.queues[instanceID] = q
		d.wg.Add(1)
		go d.worker(instanceID, q)
	}
	d.mu.Unlock()

	select {
	case q <- j:
	default:
		log.Printf("[Webhook %s] Queue full, dropping %s event", instanceID, j.event)
	}
}

func (d *Dispatcher) worker(instanceID string, q <-chan job) {
	defer d.wg.Done()
	for j := range q {
		if j.delay > 0 {
			time.Sleep(j.delay)
		}
		d.deliver(instanceID, j)
	}
}

func (d *Dispatcher) deliver(instanceID string, j job) {
	j.payload["event"] = j.event
	j.payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	resp, err := d.client.R().
		SetBody(j.payload).
		Post(d.baseURL)
	if err != nil {
		log.Printf("[Webhook %s] Failed to deliver %s: %v", instanceID, j.event, err)
		return
	}
	if resp.IsError() {
		log.Printf("[Webhook %s] Endpoint returned %d for %s", instanceID, resp.StatusCode(), j.event)
	}
}

// Close drains the queues and stops the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
