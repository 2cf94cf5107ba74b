package lifecycle

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Prober periodically checks the network with a HEAD request
type Prober struct {
	url      string
	interval time.Duration
	client   *http.Client
	conn     *Connectivity

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewProber(url string, interval, timeout time.Duration, conn *Connectivity) *Prober {
	return &Prober{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		conn:     conn,
	}
}

// Probe performs one check and reports the outcome
func (p *Prober) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		logrus.WithError(err).Errorf("Invalid probe URL %s", p.url)
		return p.conn.Online()
	}

	online := false
	resp, err := p.client.Do(req)
	if err != nil {
		logrus.WithError(err).Debugf("Probe of %s failed", p.url)
	} else {
		_ = resp.Body.Close()
		// any answer means the network is there
		online = true
	}
	p.conn.Report(online)
	return online
}

// Start probes immediately and then every interval
func (p *Prober) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ticker.C:
				p.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates probing
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}

	p.cancel()
	p.wg.Wait()
	p.running = false
}
