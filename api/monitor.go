/*
monitor.go - Stuck-order monitor

PURPOSE:
  Periodically surfaces stuck orders (status paid with no confirmed
  entitlement delivery) through the event sink so operators notice them.
  It NEVER retries them automatically: a stuck order was interrupted
  mid-fulfillment and needs a human decision.

USAGE:
  monitor := NewStuckOrderMonitor(workflow, events, guildIDs)
  monitor.Start()
  // ... later
  monitor.Stop()
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/commerce-engine/commerce"
)

// StuckOrderMonitor sweeps for stuck orders on an interval.
type StuckOrderMonitor struct {
	Workflow      *commerce.Workflow
	Events        commerce.EventSink
	GuildIDs      []string
	CheckInterval time.Duration

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStuckOrderMonitor creates a monitor for the given guilds.
func NewStuckOrderMonitor(workflow *commerce.Workflow, events commerce.EventSink, guildIDs []string) *StuckOrderMonitor {
	return &StuckOrderMonitor{
		Workflow:      workflow,
		Events:        events,
		GuildIDs:      guildIDs,
		CheckInterval: 15 * time.Minute,
		stop:          make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (m *StuckOrderMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.GuildIDs) == 0 {
		log.Println("[Monitor] No guilds configured, not starting")
		return
	}

	m.ticker = time.NewTicker(m.CheckInterval)
	m.wg.Add(1)
	go m.run()
	log.Printf("[Monitor] Started with check interval: %v", m.CheckInterval)
}

// Stop halts the sweep loop and waits for it to finish.
func (m *StuckOrderMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.stop)
	m.wg.Wait()
	log.Println("[Monitor] Stopped")
}

func (m *StuckOrderMonitor) run() {
	defer m.wg.Done()

	m.Sweep(context.Background())
	for {
		select {
		case <-m.stop:
			return
		case <-m.ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep logs every stuck order once per pass.
func (m *StuckOrderMonitor) Sweep(ctx context.Context) {
	for _, guildID := range m.GuildIDs {
		stuck, err := m.Workflow.ListOrders(ctx, guildID, commerce.FilterStuck)
		if err != nil {
			log.Printf("[Monitor] Sweep failed for guild %s: %v", guildID, err)
			continue
		}
		for _, o := range stuck {
			m.Events.LogEvent(ctx, "stuck_order", "detected", "", guildID, map[string]string{
				"order_id": o.ID,
				"user_id":  o.UserID,
				"amount":   commerce.Round2(o.Amount).StringFixed(2),
			})
		}
	}
}
