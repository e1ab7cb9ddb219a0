package fetcher

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

// fetchIDHeader tags outgoing requests so the transport can find the
// caller's context. It is stripped before the request leaves the process.
const fetchIDHeader = "X-Aggregator-Fetch-Id"

// contextTransport cancels in-flight requests when the context of the
// fetch that issued them is done. The collector API takes no context, so
// each request carries an id that maps back to it.
type contextTransport struct {
	base http.RoundTripper

	mu       sync.Mutex
	inflight map[string]context.Context
}

func newContextTransport(base http.RoundTripper) *contextTransport {
	return &contextTransport{base: base, inflight: make(map[string]context.Context)}
}

// bind registers ctx and returns the id to send with the request.
func (t *contextTransport) bind(ctx context.Context) (string, func()) {
	id := uuid.NewString()
	t.mu.Lock()
	t.inflight[id] = ctx
	t.mu.Unlock()
	return id, func() {
		t.mu.Lock()
		delete(t.inflight, id)
		t.mu.Unlock()
	}
}

func (t *contextTransport) lookup(id string) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight[id]
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := req.Header.Get(fetchIDHeader)
	if id == "" {
		return t.base.RoundTrip(req)
	}

	parent := t.lookup(id)
	reqCtx, cancel := context.WithCancel(req.Context())
	stop := func() bool { return false }
	if parent != nil {
		stop = context.AfterFunc(parent, cancel)
	}

	out := req.Clone(reqCtx)
	out.Header.Del(fetchIDHeader)
	resp, err := t.base.RoundTrip(out)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: func() {
		stop()
		cancel()
	}}
	return resp, nil
}

type releaseBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
