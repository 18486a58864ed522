package coordinator

import "context"

// Token is the cancellation token of one run. The coordinator installs a
// fresh token for every start and resume; only the goroutine holding the
// currently installed token may clear or suspend the session.
type Token struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

func newToken(gen uint64) *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{gen: gen, ctx: ctx, cancel: cancel}
}

// Signal requests cancellation. Idempotent.
func (t *Token) Signal() {
	t.cancel()
}

// Signalled reports whether Signal has been called.
func (t *Token) Signalled() bool {
	return t.ctx.Err() != nil
}

// Context is done once the token is signalled. It is handed to runtime calls
// so blocking reads unblock on cancellation.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Generation is unique per Store and increases with every installed token.
func (t *Token) Generation() uint64 {
	return t.gen
}
