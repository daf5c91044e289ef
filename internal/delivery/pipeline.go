package delivery

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/Pyxxilated-Studios/empath/internal/breaker"
	"github.com/Pyxxilated-Studios/empath/internal/dnsresolver"
	"github.com/Pyxxilated-Studios/empath/internal/dsn"
	"github.com/Pyxxilated-Studios/empath/internal/envelope"
	"github.com/Pyxxilated-Studios/empath/internal/log"
	"github.com/Pyxxilated-Studios/empath/internal/mailaddress"
	"github.com/Pyxxilated-Studios/empath/internal/policy"
	"github.com/Pyxxilated-Studios/empath/internal/ratelimit"
	"github.com/Pyxxilated-Studios/empath/internal/smtpclient"
	"github.com/Pyxxilated-Studios/empath/internal/spool"
)

// RetryPolicy carries the exponential-backoff parameters of §4.10.
type RetryPolicy struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	MaxAttempts  int
}

var DefaultRetryPolicy = RetryPolicy{
	BaseDelay:    60 * time.Second,
	MaxDelay:     86400 * time.Second,
	JitterFactor: 0.2,
	MaxAttempts:  25,
}

// nextDelay computes the backoff for the Nth attempt (1-indexed): the base
// delay doubled per attempt and capped at MaxDelay, then scaled by a factor
// drawn uniformly from [1-JitterFactor, 1+JitterFactor].
func (r RetryPolicy) nextDelay(attempt int) time.Duration {
	delay := float64(r.BaseDelay) * pow2(attempt-1)
	if max := float64(r.MaxDelay); delay > max {
		delay = max
	}
	jitter := 1 + (rand.Float64()*2-1)*r.JitterFactor
	return time.Duration(delay * jitter)
}

func pow2(n int) float64 {
	if n <= 0 {
		return 1
	}
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

// Pipeline orchestrates a single (MessageId, domain) delivery attempt
// through gating, resolution, rate limiting, the outbound transaction, and
// outcome classification (§4.10).
type Pipeline struct {
	Queue       *Queue
	Spool       spool.Spool
	Resolver    *dnsresolver.Resolver
	RateLimiter *ratelimit.Limiter
	Breaker     *breaker.Breaker
	Policies    *policy.Registry
	DSN         dsn.Config
	Retry       RetryPolicy
	HelloDomain string
}

// Attempt runs one pipeline pass for id. It returns quickly (without error)
// when the circuit breaker or rate limiter defers the attempt; errors are
// only for unrecoverable bookkeeping failures (spool I/O).
func (p *Pipeline) Attempt(id string) error {
	info, ok := p.Queue.Get(id)
	if !ok {
		return fmt.Errorf("delivery: unknown queue entry %q", id)
	}

	if !p.Breaker.ShouldAllowDelivery(info.Domain) {
		return nil
	}

	if len(info.MailServers) == 0 {
		targets, err := p.resolveMailServers(info.Domain)
		if err != nil {
			var rerr *dnsresolver.ResolveError
			if errors.As(err, &rerr) && !rerr.Permanent {
				p.Queue.RecordAttempt(id, spool.Attempt{Timestamp: time.Now(), Error: err.Error()})
				return p.scheduleRetryOrFail(id, info, err.Error(), false)
			}
			return p.failPermanently(id, info, err.Error())
		}
		p.Queue.SetMailServers(id, targets)
		info, _ = p.Queue.Get(id)
	}

	if ok, retryAfter := p.RateLimiter.Check(info.Domain); !ok {
		next := time.Now().Add(retryAfter)
		p.Queue.SetNextRetryAt(id, next)
		p.Queue.UpdateStatus(id, spool.StatusPending)
		return p.persist(id)
	}

	p.Queue.UpdateStatus(id, spool.StatusInProgress)
	if err := p.persist(id); err != nil {
		return err
	}

	target := info.MailServers[info.CurrentServerIndex]
	ctx, err := p.Spool.Read(id)
	if err != nil {
		return err
	}

	tr := &smtpclient.Transaction{
		HelloDomain: p.HelloDomain,
		Server:      fmt.Sprintf("%s:%d", target.Host, target.Port),
		Policy:      p.domainPolicy(info.Domain),
	}

	recipients := make([]string, len(ctx.Envelope.Recipients))
	for i, r := range ctx.Envelope.Recipients {
		recipients[i] = r.String()
	}
	sender := ""
	if ctx.Envelope.Sender != nil {
		sender = ctx.Envelope.Sender.String()
	}

	deliverErr := tr.Deliver(sender, recipients, ctx.Data)
	return p.classify(id, info, target, deliverErr)
}

func (p *Pipeline) domainPolicy(domain string) smtpclient.Policy {
	pol, ok := p.Policies.Get(domain)
	if !ok {
		return smtpclient.Policy{}
	}
	accept := false
	if pol.AcceptInvalidCerts != nil {
		accept = *pol.AcceptInvalidCerts
	}
	if accept {
		log.Infof("delivery: domain %q accepts invalid certificates", domain)
	}
	return smtpclient.Policy{RequireTLS: pol.RequireTLS, AcceptInvalidCerts: accept}
}

func (p *Pipeline) resolveMailServers(domain string) ([]spool.MxTarget, error) {
	if pol, ok := p.Policies.Get(domain); ok && pol.MxOverride != "" {
		host, port := pol.MxOverride, 25
		if h, ps, err := net.SplitHostPort(pol.MxOverride); err == nil {
			if n, err := strconv.Atoi(ps); err == nil {
				host, port = h, n
			}
		}
		return []spool.MxTarget{{Host: host, Port: port, Priority: 0}}, nil
	}
	return p.Resolver.ResolveMailServers(domain)
}

func (p *Pipeline) classify(id string, info *Info, target spool.MxTarget, deliverErr error) error {
	now := time.Now()
	server := fmt.Sprintf("%s:%d", target.Host, target.Port)

	if deliverErr == nil {
		p.Queue.RecordAttempt(id, spool.Attempt{Timestamp: now, Server: server})
		p.Queue.UpdateStatus(id, spool.StatusCompleted)
		p.Breaker.RecordSuccess(info.Domain)
		if err := p.persist(id); err != nil {
			return err
		}
		if err := p.Spool.Delete(id); err != nil {
			log.Errorf("delivery: failed to delete spooled message %q: %v", id, err)
		}
		p.Queue.Remove(id)
		return nil
	}

	de, _ := deliverErr.(*smtpclient.DeliveryError)
	permanent := de != nil && de.Permanent
	detail := deliverErr.Error()

	p.Queue.RecordAttempt(id, spool.Attempt{Timestamp: now, Server: server, Error: detail})

	if !permanent {
		p.Breaker.RecordFailure(info.Domain)
		if p.Queue.TryNextServer(id) {
			p.Queue.UpdateStatus(id, spool.StatusPending)
			return p.persist(id)
		}
		return p.scheduleRetryOrFail(id, info, detail, false)
	}

	p.Breaker.RecordFailure(info.Domain)
	return p.scheduleRetryOrFail(id, info, detail, true)
}

func (p *Pipeline) scheduleRetryOrFail(id string, info *Info, detail string, permanent bool) error {
	attempts := len(info.AttemptHistory) + 1

	if permanent || attempts >= p.Retry.MaxAttempts {
		p.Queue.UpdateStatus(id, spool.StatusFailed)
		if err := p.persist(id); err != nil {
			return err
		}
		p.generateDSNIfDue(id, permanent)
		return nil
	}

	delay := p.Retry.nextDelay(attempts)
	p.Queue.SetNextRetryAt(id, time.Now().Add(delay))
	p.Queue.UpdateStatus(id, spool.StatusPending)
	return p.persist(id)
}

func (p *Pipeline) failPermanently(id string, info *Info, detail string) error {
	p.Queue.UpdateStatus(id, spool.StatusFailed)
	if err := p.persist(id); err != nil {
		return err
	}
	p.generateDSNIfDue(id, true)
	return nil
}

func (p *Pipeline) generateDSNIfDue(id string, permanent bool) {
	ctx, err := p.Spool.Read(id)
	if err != nil {
		log.Errorf("delivery: cannot read %q for DSN generation: %v", id, err)
		return
	}

	senderStr := ""
	if ctx.Envelope.Sender != nil {
		senderStr = ctx.Envelope.Sender.String()
	}
	status := spool.StatusFailed
	if ctx.Delivery != nil {
		status = ctx.Delivery.Status
	}

	if !dsn.ShouldGenerate(p.DSN, dsn.Sender(senderStr), status) {
		return
	}

	recipients := make([]dsn.RecipientOutcome, len(ctx.Envelope.Recipients))
	for i, r := range ctx.Envelope.Recipients {
		recipients[i] = dsn.RecipientOutcome{Address: r.String(), Permanent: permanent}
	}

	var attemptCount int
	var domain string
	arrivalDate := time.Now()
	if ctx.Delivery != nil {
		attemptCount = ctx.Delivery.AttemptCount()
		domain = ctx.Delivery.RecipientDomain
		arrivalDate = ctx.Delivery.QueuedAt
		if len(ctx.Delivery.AttemptHistory) > 0 {
			last := ctx.Delivery.AttemptHistory[len(ctx.Delivery.AttemptHistory)-1]
			for i := range recipients {
				recipients[i].Error = last.Error
				recipients[i].RemoteMTA = last.Server
				recipients[i].LastAttempt = last.Timestamp
			}
		}
	}

	body, err := dsn.Generate(p.DSN, senderStr, recipients, attemptCount, domain, ctx.Data, arrivalDate)
	if err != nil {
		log.Errorf("delivery: failed to generate DSN for %q: %v", id, err)
		return
	}

	// §4.12 step 3: the bounce is addressed from the postmaster to the
	// original sender, and queued for delivery to the sender's domain, not
	// the domain that just failed.
	postUser, postDomain := envelope.Split(p.DSN.Postmaster)
	bounceEnv := envelope.Envelope{
		Sender:     &mailaddress.Mailbox{LocalPart: postUser, Domain: postDomain},
		Recipients: []mailaddress.Mailbox{*ctx.Envelope.Sender},
	}

	bounceID, err := p.Spool.Write(&spool.Context{Envelope: bounceEnv, Data: body})
	if err != nil {
		log.Errorf("delivery: failed to spool DSN for %q: %v", id, err)
		return
	}
	p.Queue.Enqueue(bounceID, ctx.Envelope.Sender.Domain)
}

func (p *Pipeline) persist(id string) error {
	info, ok := p.Queue.Get(id)
	if !ok {
		return nil
	}
	ctx, err := p.Spool.Read(id)
	if err != nil {
		return err
	}
	ctx.Delivery = &spool.DeliveryState{
		Status:             info.Status,
		AttemptHistory:     info.AttemptHistory,
		RecipientDomain:    info.Domain,
		MailServers:        info.MailServers,
		CurrentServerIndex: info.CurrentServerIndex,
		QueuedAt:           info.QueuedAt,
		NextRetryAt:        info.NextRetryAt,
	}
	if n := len(info.AttemptHistory); n > 0 {
		ctx.Delivery.LastError = info.AttemptHistory[n-1].Error
	}
	return p.Spool.Update(id, ctx)
}
