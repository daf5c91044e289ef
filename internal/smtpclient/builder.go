package smtpclient

import "fmt"

// QuitAfter names the step after which a driven session should send QUIT
// and stop, used by diagnostic tooling that wants to probe a server up to
// a specific point in the conversation (§4.13).
type QuitAfter int

const (
	QuitNever QuitAfter = iota
	QuitAfterConnect
	QuitAfterGreeting
	QuitAfterMailFrom
	QuitAfterRcptTo
	QuitAfterDataEnd
)

func (q QuitAfter) String() string {
	switch q {
	case QuitNever:
		return "never"
	case QuitAfterConnect:
		return "connect"
	case QuitAfterGreeting:
		return "greeting"
	case QuitAfterMailFrom:
		return "mail_from"
	case QuitAfterRcptTo:
		return "rcpt_to"
	case QuitAfterDataEnd:
		return "data_end"
	default:
		return "unknown"
	}
}

type stepKind int

const (
	stepEhlo stepKind = iota
	stepHelo
	stepStartTLS
	stepMailFrom
	stepRcptTo
	stepData
	stepBody
	stepRset
	stepRaw
)

type step struct {
	kind    stepKind
	arg     string
	params  string
	payload []byte
}

// Builder assembles an arbitrary sequence of SMTP steps to drive against a
// connected Transaction, for diagnostics and fuzzing rather than normal
// delivery (which uses Transaction.Deliver directly).
type Builder struct {
	steps     []step
	quitAfter QuitAfter
}

func NewBuilder() *Builder {
	return &Builder{quitAfter: QuitNever}
}

func (b *Builder) Ehlo(domain string) *Builder {
	b.steps = append(b.steps, step{kind: stepEhlo, arg: domain})
	return b
}

func (b *Builder) Helo(domain string) *Builder {
	b.steps = append(b.steps, step{kind: stepHelo, arg: domain})
	return b
}

func (b *Builder) StartTLS() *Builder {
	b.steps = append(b.steps, step{kind: stepStartTLS})
	return b
}

func (b *Builder) MailFrom(addr string, params string) *Builder {
	b.steps = append(b.steps, step{kind: stepMailFrom, arg: addr, params: params})
	return b
}

func (b *Builder) RcptTo(addr string) *Builder {
	b.steps = append(b.steps, step{kind: stepRcptTo, arg: addr})
	return b
}

func (b *Builder) Data() *Builder {
	b.steps = append(b.steps, step{kind: stepData})
	return b
}

func (b *Builder) Body(payload []byte) *Builder {
	b.steps = append(b.steps, step{kind: stepBody, payload: payload})
	return b
}

func (b *Builder) Rset() *Builder {
	b.steps = append(b.steps, step{kind: stepRset})
	return b
}

// Raw appends a raw command line, bypassing all higher-level validation.
func (b *Builder) Raw(line string) *Builder {
	b.steps = append(b.steps, step{kind: stepRaw, arg: line})
	return b
}

func (b *Builder) QuitAfter(q QuitAfter) *Builder {
	b.quitAfter = q
	return b
}

// Run drives t's underlying connection through the built step sequence,
// honoring QuitAfter. It connects t lazily if not already connected.
func (b *Builder) Run(t *Transaction) error {
	if t.c == nil {
		if err := t.connectAndGreet(); err != nil {
			return err
		}
		if b.quitAfter == QuitAfterConnect {
			t.quit()
			return nil
		}
	}

	for _, s := range b.steps {
		stop, err := b.runStep(t, s)
		if err != nil {
			return err
		}
		if stop {
			t.quit()
			return nil
		}
	}

	if b.quitAfter != QuitNever {
		t.quit()
	}
	return nil
}

// runStep executes one step and reports whether QuitAfter was reached,
// in which case the caller stops iterating immediately.
func (b *Builder) runStep(t *Transaction, s step) (bool, error) {
	switch s.kind {
	case stepEhlo, stepHelo:
		if err := t.c.Hello(s.arg); err != nil {
			return false, classify(err)
		}
		return b.quitAfter == QuitAfterGreeting, nil
	case stepStartTLS:
		return false, t.negotiateTLS()
	case stepMailFrom:
		if err := t.mailFromWithParams(s.arg, s.params); err != nil {
			return false, err
		}
		return b.quitAfter == QuitAfterMailFrom, nil
	case stepRcptTo:
		if err := t.rcptTo(s.arg); err != nil {
			return false, err
		}
		return b.quitAfter == QuitAfterRcptTo, nil
	case stepBody:
		if err := t.data(s.payload); err != nil {
			return false, err
		}
		return b.quitAfter == QuitAfterDataEnd, nil
	case stepData:
		// A bare Data() call with no following Body is a placeholder; the
		// real DATA command is issued when the Body step runs.
		return false, nil
	case stepRset:
		if err := t.c.Reset(); err != nil {
			return false, classify(err)
		}
		return false, nil
	case stepRaw:
		if _, err := t.c.Text.Cmd(s.arg); err != nil {
			return false, classify(err)
		}
		return false, nil
	default:
		return false, fmt.Errorf("smtpclient: unknown step kind %d", s.kind)
	}
}
