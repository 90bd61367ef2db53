package hardware

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

var errPortClosed = errors.New("fake port closed")

// fakePort is an in-memory Port.
type fakePort struct {
	mu       sync.Mutex
	in       []byte
	out      bytes.Buffer
	readErr  error
	writeErr error
	block    chan struct{} // Write waits on it when set
	writes   int           // Write calls that returned
	closed   bool
	timeout  time.Duration
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errPortClosed
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	n := copy(b, p.in)
	p.in = p.in[n:]
	p.mu.Unlock()

	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	block := p.block
	p.mu.Unlock()
	if block != nil {
		<-block
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	if p.closed {
		return 0, errPortClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.out.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.block != nil {
		close(p.block)
		p.block = nil
	}
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	p.timeout = t
	p.mu.Unlock()
	return nil
}

func (p *fakePort) feed(s string) {
	p.mu.Lock()
	p.in = append(p.in, s...)
	p.mu.Unlock()
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func (p *fakePort) writeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) set(fn func(p *fakePort)) {
	p.mu.Lock()
	fn(p)
	p.mu.Unlock()
}

// fakeOpener hands out a new fakePort per open and remembers the latest
// one per endpoint.
type fakeOpener struct {
	mu    sync.Mutex
	ports map[string]*fakePort
	fail  map[string]error
	opens map[string]int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		ports: make(map[string]*fakePort),
		fail:  make(map[string]error),
		opens: make(map[string]int),
	}
}

func (o *fakeOpener) Open(endpoint string, _ int) (Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[endpoint]++
	if err := o.fail[endpoint]; err != nil {
		return nil, err
	}
	p := &fakePort{}
	o.ports[endpoint] = p
	return p, nil
}

func (o *fakeOpener) port(endpoint string) *fakePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ports[endpoint]
}

func (o *fakeOpener) openCount(endpoint string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[endpoint]
}
