package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"sync"
	"time"
)

// Dispatcher sends webhook events to registered subscribers asynchronously.
//
// Deliveries are partitioned by ledger ID: each partition is served by
// exactly one worker goroutine, and a failed delivery is retried in place
// by that same worker rather than requeued behind newer work. That keeps
// the events for a given ledger delivered in append order — a subscriber
// watching WebhookEvent.Sequence never sees entry N+1 before a still-retrying
// entry N. Events outside any ledger (tenant-wide alerts with no LedgerID)
// fall into a shared partition and have no ordering guarantee beyond FIFO.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	lanes      []chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *WebhookSubscription
	event      *WebhookEvent
}

// NewDispatcher creates a webhook dispatcher with `workers` ledger-partitioned
// delivery lanes.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lanes:      make([]chan *deliveryJob, workers),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}

	for i := 0; i < workers; i++ {
		d.lanes[i] = make(chan *deliveryJob, 250)
		d.wg.Add(1)
		go d.worker(i)
	}

	return d
}

// Emit sends an event to all registered subscribers for that event type.
func (d *Dispatcher) Emit(eventType EventType, tenantID string, data map[string]interface{}) {
	subscribers := d.registry.GetSubscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	ledgerID := ledgerIDFromData(data)
	event := &WebhookEvent{
		ID:            fmt.Sprintf("evt-%d", time.Now().UnixNano()),
		Type:          eventType,
		Source:        "/ledgers",
		Timestamp:     time.Now(),
		TenantID:      tenantID,
		LedgerID:      ledgerID,
		Sequence:      d.registry.NextSequence(ledgerID),
		SchemaVersion: PayloadSchemaVersion,
		Data:          data,
	}

	lane := d.lanes[partitionFor(ledgerID, len(d.lanes))]
	for _, sub := range subscribers {
		// Only deliver to same tenant
		if sub.TenantID != "" && sub.TenantID != tenantID {
			continue
		}

		select {
		case lane <- &deliveryJob{subscriber: sub, event: event}:
		default:
			d.logger.Printf("⚠️  Webhook lane full, dropping event %s (seq %d) for %s", event.ID, event.Sequence, sub.ID)
		}
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()

	for job := range d.lanes[id] {
		d.deliverWithRetry(job)
	}
}

// deliverWithRetry attempts delivery up to 3 times, sleeping attempt²
// seconds (1s, then 4s) between attempts and blocking this lane's worker. Because the worker owns this
// lane alone, a retry for ledger L always completes (or exhausts) before the
// next queued event for L is picked up, preserving delivery order.
func (d *Dispatcher) deliverWithRetry(job *deliveryJob) {
	for attempt := 1; attempt <= 3; attempt++ {
		if d.deliver(job, attempt) {
			return
		}
		if attempt < 3 {
			time.Sleep(time.Duration(attempt*attempt) * time.Second)
		}
	}
}

func (d *Dispatcher) deliver(job *deliveryJob, attempt int) bool {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("❌ Failed to marshal webhook event: %v", err)
		return true
	}

	req, err := http.NewRequest("POST", job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("❌ Failed to create webhook request: %v", err)
		return true
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ledger-Event-Type", string(job.event.Type))
	req.Header.Set("X-Ledger-Event-ID", job.event.ID)
	req.Header.Set("X-Ledger-Event-Sequence", fmt.Sprintf("%d", job.event.Sequence))
	req.Header.Set("X-Ledger-Schema-Version", job.event.SchemaVersion)
	req.Header.Set("X-Ledger-Delivery-Attempt", fmt.Sprintf("%d", attempt))

	// Sign payload if secret is configured
	if job.subscriber.Secret != "" {
		sig := SignPayload(payload, job.subscriber.Secret)
		req.Header.Set("X-Ledger-Signature", "sha256="+sig)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("❌ Webhook delivery failed: %s → %v (seq %d, attempt %d)", job.subscriber.URL, err, job.event.Sequence, attempt)
		d.registry.MarkFailed(job.subscriber.ID)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("⚠️  Webhook returned %d: %s → %s (seq %d)", resp.StatusCode, job.subscriber.URL, job.event.Type, job.event.Sequence)
		d.registry.MarkFailed(job.subscriber.ID)
		return false
	}

	d.logger.Printf("✅ Webhook delivered: %s → %s (%s, seq %d)", job.event.Type, job.subscriber.URL, job.event.ID, job.event.Sequence)
	return true
}

// Shutdown gracefully shuts down the dispatcher.
func (d *Dispatcher) Shutdown() {
	for _, lane := range d.lanes {
		close(lane)
	}
	d.wg.Wait()
}

// ledgerIDFromData pulls the ledger identifier out of an event's data map,
// if the caller included one under the conventional "ledger_id" key (every
// monitor.Alert-derived payload does). Events with no ledger affinity — a
// subscription test ping, say — share partition 0.
func ledgerIDFromData(data map[string]interface{}) string {
	if v, ok := data["ledger_id"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// partitionFor maps a ledger ID onto a fixed delivery lane so every event
// for that ledger always lands on the same worker, and ledgers with no ID
// land on lane 0.
func partitionFor(ledgerID string, lanes int) int {
	if ledgerID == "" || lanes <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(ledgerID))
	return int(h.Sum32() % uint32(lanes))
}
