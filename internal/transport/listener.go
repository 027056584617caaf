// Package transport reads raw printer byte streams and hands complete frames
// to the decoder. Listeners never give up: a lost peer is logged, observers
// are notified and the listener goes back to waiting.
package transport

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	readChunkSize = 4096
	pollInterval  = 500 * time.Millisecond

	// Reconnect backoff for channel sources.
	DefaultBaseDelay = 5 * time.Second
	DefaultMaxDelay  = 60 * time.Second
)

// Config carries the callbacks shared by all listener variants. OnFrame is
// called synchronously from the read loop with a complete frame.
type Config struct {
	OnFrame      func(frame []byte)
	OnDisconnect func(channel string)
	OnReconnect  func(channel string)

	// BaseDelay/MaxDelay bound the reconnect backoff for channel sources.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c *Config) baseDelay() time.Duration {
	if c.BaseDelay > 0 {
		return c.BaseDelay
	}
	return DefaultBaseDelay
}

func (c *Config) maxDelay() time.Duration {
	if c.MaxDelay > 0 {
		return c.MaxDelay
	}
	return DefaultMaxDelay
}

func (c *Config) disconnected(channel string) {
	if c.OnDisconnect != nil {
		c.OnDisconnect(channel)
	}
}

func (c *Config) reconnected(channel string) {
	if c.OnReconnect != nil {
		c.OnReconnect(channel)
	}
}

// Listener is a frame source with a bounded-shutdown lifecycle.
type Listener interface {
	Start() error
	Stop(timeout time.Duration) error
}

// NetworkListener accepts TCP connections from a print spooler and serves one
// peer at a time, forever. Peers come and go; the bind socket does not.
type NetworkListener struct {
	cfg  Config
	addr string

	ln   net.Listener
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewNetworkListener creates a listener bound to addr on Start.
func NewNetworkListener(addr string, cfg Config) *NetworkListener {
	return &NetworkListener{cfg: cfg, addr: addr}
}

// Start binds the socket and launches the accept loop. Binding failures are
// returned synchronously so a bad address fails fast.
func (l *NetworkListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("listener already started")
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind %s", l.addr)
	}
	l.ln = ln
	l.done = make(chan struct{})
	l.started = true

	log.Info().Str("addr", ln.Addr().String()).Msg("Listening for printer stream")

	l.wg.Add(1)
	go l.acceptLoop()
	return nil
}

// Addr returns the bound address, useful when addr was ":0".
func (l *NetworkListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *NetworkListener) acceptLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		default:
		}

		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			log.Warn().Err(err).Msg("Accept failed")
			continue
		}

		channel := conn.RemoteAddr().String()
		log.Info().Str("peer", channel).Msg("Printer stream connected")
		l.cfg.reconnected(channel)

		l.serve(conn, channel)

		log.Info().Str("peer", channel).Msg("Printer stream disconnected")
		l.cfg.disconnected(channel)
	}
}

// serve reads one connection until it dies or shutdown. Partial frames do not
// survive the connection: a receipt cut off mid-stream was never terminated
// and is unrecoverable anyway.
func (l *NetworkListener) serve(conn net.Conn, channel string) {
	defer conn.Close()

	var asm assembler
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-l.done:
			if n := asm.pending(); n > 0 {
				log.Warn().Str("peer", channel).Int("bytes", n).
					Msg("Dropping partial frame on shutdown")
			}
			asm.reset()
			return
		default:
		}

		// Short deadline so shutdown is noticed promptly.
		conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := conn.Read(buf)
		if n > 0 {
			if frame := asm.push(buf[:n]); frame != nil && l.cfg.OnFrame != nil {
				l.cfg.OnFrame(frame)
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if err != io.EOF {
				log.Warn().Str("peer", channel).Err(err).Msg("Stream read failed")
			}
			// An unterminated receipt does not survive the connection.
			if n := asm.pending(); n > 0 {
				log.Warn().Str("peer", channel).Int("bytes", n).
					Msg("Dropping partial frame on disconnect")
			}
			asm.reset()
			return
		}
	}
}

// Stop closes the socket and waits up to timeout for the loops to exit.
func (l *NetworkListener) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	close(l.done)
	l.ln.Close()
	l.mu.Unlock()

	return waitTimeout(&l.wg, timeout)
}

// Opener dials or opens one raw byte channel (a serial port, a spool pipe, a
// remote capture socket). ChannelListener owns the returned reader.
type Opener func() (io.ReadCloser, error)

// ChannelListener drives a single reopenable byte channel with exponential
// reconnect backoff: the delay doubles from BaseDelay up to MaxDelay and
// resets after any successful open.
type ChannelListener struct {
	cfg     Config
	channel string
	open    Opener

	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewChannelListener creates a listener over open. channel names the source
// in logs and observer callbacks.
func NewChannelListener(channel string, open Opener, cfg Config) *ChannelListener {
	return &ChannelListener{cfg: cfg, channel: channel, open: open}
}

func (l *ChannelListener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return errors.New("listener already started")
	}
	l.done = make(chan struct{})
	l.started = true

	l.wg.Add(1)
	go l.run()
	return nil
}

func (l *ChannelListener) run() {
	defer l.wg.Done()

	delay := l.cfg.baseDelay()
	for {
		select {
		case <-l.done:
			return
		default:
		}

		rc, err := l.open()
		if err != nil {
			log.Warn().Str("channel", l.channel).Err(err).
				Dur("retry_in", delay).Msg("Channel open failed")
			if !l.sleep(delay) {
				return
			}
			delay = nextDelay(delay, l.cfg.maxDelay())
			continue
		}

		delay = l.cfg.baseDelay()
		log.Info().Str("channel", l.channel).Msg("Channel connected")
		l.cfg.reconnected(l.channel)

		l.read(rc)

		log.Info().Str("channel", l.channel).Msg("Channel disconnected")
		l.cfg.disconnected(l.channel)
	}
}

func (l *ChannelListener) read(rc io.ReadCloser) {
	defer rc.Close()

	// Unblock the reader on shutdown.
	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-l.done:
			rc.Close()
		case <-closed:
		}
	}()

	var asm assembler
	buf := make([]byte, readChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			if frame := asm.push(buf[:n]); frame != nil && l.cfg.OnFrame != nil {
				l.cfg.OnFrame(frame)
			}
		}
		if err != nil {
			select {
			case <-l.done:
				if n := asm.pending(); n > 0 {
					log.Warn().Str("channel", l.channel).Int("bytes", n).
						Msg("Dropping partial frame on shutdown")
				}
			default:
				if err != io.EOF {
					log.Warn().Str("channel", l.channel).Err(err).Msg("Channel read failed")
				}
				if n := asm.pending(); n > 0 {
					log.Warn().Str("channel", l.channel).Int("bytes", n).
						Msg("Dropping partial frame on disconnect")
				}
			}
			asm.reset()
			return
		}
	}
}

// sleep waits d or until shutdown; it reports whether to keep running.
func (l *ChannelListener) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-l.done:
		return false
	}
}

func (l *ChannelListener) Stop(timeout time.Duration) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = false
	close(l.done)
	l.mu.Unlock()

	return waitTimeout(&l.wg, timeout)
}

func nextDelay(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

// NewReaderListener wraps a one-shot reader (stdin, a capture file) as a
// Listener. EOF ends the stream; there is no reconnect.
func NewReaderListener(channel string, r io.ReadCloser, cfg Config) *ChannelListener {
	var once sync.Once
	open := func() (io.ReadCloser, error) {
		var rc io.ReadCloser
		opened := false
		once.Do(func() {
			rc = r
			opened = true
		})
		if !opened {
			return nil, io.EOF
		}
		return rc, nil
	}
	// The source cannot reopen, so keep the retry loop dormant.
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	return NewChannelListener(channel, open, cfg)
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) error {
	doneCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
		return nil
	case <-time.After(timeout):
		return errors.New("listener did not stop in time")
	}
}
