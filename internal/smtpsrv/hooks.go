package smtpsrv

// Verdict is a validation handler's decision (§4.14). A rejected verdict
// carries the SMTP response to send; Close forces the connection shut
// after that response.
type Verdict struct {
	Accept  bool
	Code    int
	Message string
	Close   bool
}

func accept() Verdict { return Verdict{Accept: true} }

func reject(code int, message string) Verdict {
	return Verdict{Accept: false, Code: code, Message: message}
}

// Hooks are synchronous validation callbacks invoked at fixed points in the
// session. A nil hook is treated as an automatic Accept. Hooks MUST NOT
// block; they run on the connection's own goroutine.
type Hooks struct {
	OnConnect  func(*Session) Verdict
	OnEhlo     func(*Session) Verdict
	OnMailFrom func(*Session) Verdict
	OnRcptTo   func(*Session) Verdict
	OnPostDot  func(*Session) Verdict
}

func runHook(h func(*Session) Verdict, s *Session) Verdict {
	if h == nil {
		return accept()
	}
	return h(s)
}
