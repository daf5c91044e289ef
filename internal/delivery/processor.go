package delivery

import (
	"context"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Pyxxilated-Studios/empath/internal/log"
	"github.com/Pyxxilated-Studios/empath/internal/spool"
)

// ProcessorConfig carries the scanner/scheduler's tunables (§4.11, §6).
type ProcessorConfig struct {
	ScanInterval      time.Duration
	ProcessInterval   time.Duration
	MessageExpiration time.Duration // zero disables expiration
	FrozenMarkerPath  string        // presence of this file pauses the process tick
	ShutdownGrace     time.Duration
}

var DefaultProcessorConfig = ProcessorConfig{
	ScanInterval:    30 * time.Second,
	ProcessInterval: 10 * time.Second,
	ShutdownGrace:   30 * time.Second,
}

// Processor drives the scan and process ticks that turn spooled messages
// into delivery attempts.
type Processor struct {
	Config   ProcessorConfig
	Queue    *Queue
	Spool    spool.Spool
	Pipeline *Pipeline

	mu         sync.Mutex
	processing int
}

// Run blocks until ctx is cancelled, running the scan and process loops
// concurrently, then waits up to Config.ShutdownGrace for in-flight
// deliveries to finish.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.scanLoop(gctx) })
	g.Go(func() error { return p.processLoop(gctx) })

	err := g.Wait()
	p.waitForInFlight(p.Config.ShutdownGrace)
	return err
}

func (p *Processor) scanLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.Config.ScanInterval)
	defer ticker.Stop()

	p.scanOnce()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.scanOnce()
		}
	}
}

// scanOnce restores every spooled message not already tracked in the queue
// (§4.11 scan tick).
func (p *Processor) scanOnce() {
	ids, err := p.Spool.List()
	if err != nil {
		log.Errorf("delivery: scan: listing spool failed: %v", err)
		return
	}

	for _, id := range ids {
		if p.Queue.Has(id) {
			continue
		}

		ctx, err := p.Spool.Read(id)
		if err != nil {
			log.Errorf("delivery: scan: reading %q failed: %v", id, err)
			continue
		}

		if ctx.Delivery == nil {
			domain := ""
			if len(ctx.Envelope.Recipients) > 0 {
				domain = domainOf(ctx.Envelope.Recipients[0].String())
			}
			p.Queue.Enqueue(id, domain)
			continue
		}

		p.Queue.Restore(&Info{
			ID:                 id,
			Domain:             ctx.Delivery.RecipientDomain,
			Status:             ctx.Delivery.Status,
			MailServers:        ctx.Delivery.MailServers,
			CurrentServerIndex: ctx.Delivery.CurrentServerIndex,
			AttemptHistory:     ctx.Delivery.AttemptHistory,
			QueuedAt:           ctx.Delivery.QueuedAt,
			NextRetryAt:        ctx.Delivery.NextRetryAt,
		})
	}
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return ""
}

func (p *Processor) processLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.Config.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.processOnce()
		}
	}
}

// processOnce dispatches one pipeline attempt per due message (§4.11
// process tick), honoring the frozen-queue marker file.
func (p *Processor) processOnce() {
	if p.isFrozen() {
		return
	}

	p.expireOverdue()

	now := time.Now()
	for _, id := range p.Queue.AllDue(now) {
		p.mu.Lock()
		p.processing++
		p.mu.Unlock()

		go func(id string) {
			defer func() {
				p.mu.Lock()
				p.processing--
				p.mu.Unlock()
			}()
			if err := p.Pipeline.Attempt(id); err != nil {
				log.Errorf("delivery: attempt for %q failed: %v", id, err)
			}
		}(id)
	}
}

func (p *Processor) isFrozen() bool {
	if p.Config.FrozenMarkerPath == "" {
		return false
	}
	_, err := os.Stat(p.Config.FrozenMarkerPath)
	return err == nil
}

// expireOverdue transitions messages past MessageExpiration to Expired,
// treated like a permanent failure for DSN purposes.
func (p *Processor) expireOverdue() {
	if p.Config.MessageExpiration == 0 {
		return
	}

	now := time.Now()
	for _, info := range p.Queue.All() {
		if isTerminal(info.Status) {
			continue
		}
		if now.Sub(info.QueuedAt) <= p.Config.MessageExpiration {
			continue
		}
		p.Queue.UpdateStatus(info.ID, spool.StatusExpired)
		if err := p.Pipeline.persist(info.ID); err != nil {
			log.Errorf("delivery: expiring %q: persist failed: %v", info.ID, err)
			continue
		}
		p.Pipeline.generateDSNIfDue(info.ID, false)
	}
}

func isTerminal(s spool.DeliveryStatus) bool {
	return s == spool.StatusCompleted || s == spool.StatusFailed || s == spool.StatusExpired
}

func (p *Processor) waitForInFlight(grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		n := p.processing
		p.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	log.Infof("delivery: shutdown grace period elapsed with in-flight deliveries remaining")
}
