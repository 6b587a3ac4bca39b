package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// ProbeSource implements Source with a periodic HTTP HEAD probe against a
// known endpoint. The daemon has no OS reachability API to lean on, so a
// cheap generate_204-style probe stands in for one.
type ProbeSource struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu        sync.Mutex
	state     State
	probed    bool
	listeners map[int]func(State)
	next      int
	cancel    context.CancelFunc
}

// NewProbeSource creates a probe source. It does not probe until Start.
func NewProbeSource(url string, interval time.Duration) *ProbeSource {
	return &ProbeSource{
		url:      url,
		interval: interval,
		client: &http.Client{
			Timeout: 5 * time.Second,
			// A redirect (captive portal login page) still proves the link
			// is up; reachability is judged by the status code below.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		listeners: make(map[int]func(State)),
	}
}

// Start begins probing on the configured interval.
func (p *ProbeSource) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop halts probing.
func (p *ProbeSource) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Current returns the last probed state, probing synchronously if no probe
// has happened yet.
func (p *ProbeSource) Current() State {
	p.mu.Lock()
	if p.probed {
		defer p.mu.Unlock()
		return p.state
	}
	p.mu.Unlock()

	return p.probe(context.Background())
}

// OnChange registers a callback invoked after every probe.
func (p *ProbeSource) OnChange(fn func(State)) func() {
	p.mu.Lock()
	id := p.next
	p.next++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

func (p *ProbeSource) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *ProbeSource) probe(ctx context.Context) State {
	state := State{}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, err := p.client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			state.Connected = true
			// 2xx means the probe endpoint answered directly; anything else
			// (redirects to a portal, 5xx from an interceptor) means the
			// link is up but the internet is not reachable.
			state.Reachable = resp.StatusCode >= 200 && resp.StatusCode < 300
		}
	}

	p.mu.Lock()
	p.state = state
	p.probed = true
	fns := make([]func(State), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
	return state
}
