package transport

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// frameSink collects frames thread-safely and signals arrivals.
type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	ch     chan []byte
}

func newFrameSink() *frameSink {
	return &frameSink{ch: make(chan []byte, 16)}
}

func (s *frameSink) onFrame(frame []byte) {
	s.mu.Lock()
	s.frames = append(s.frames, frame)
	s.mu.Unlock()
	s.ch <- frame
}

func (s *frameSink) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case f := <-s.ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func (s *frameSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func TestAssemblerFlushesOnLineFeed(t *testing.T) {
	var a assembler

	require.Nil(t, a.push([]byte("Item A  2 x 5")))
	require.Nil(t, a.push([]byte("00")))
	frame := a.push([]byte("\nTOTAL"))

	// The boundary flushes everything accumulated, trailing text included.
	require.Equal(t, []byte("Item A  2 x 500\nTOTAL"), frame)
	require.Zero(t, a.pending())
}

func TestAssemblerFlushesOnCutCommand(t *testing.T) {
	var a assembler

	require.Nil(t, a.push([]byte{0x1b, '@', 'h', 'i'}))
	frame := a.push([]byte{0x1d, 'V', 0x00})
	require.Equal(t, []byte{0x1b, '@', 'h', 'i', 0x1d, 'V', 0x00}, frame)
}

func TestAssemblerCutSplitAcrossChunks(t *testing.T) {
	var a assembler

	require.Nil(t, a.push([]byte{'h', 'i', 0x1d}))
	frame := a.push([]byte{'V'})
	require.Equal(t, []byte{'h', 'i', 0x1d, 'V'}, frame)
}

func TestNetworkListenerDeliversFrames(t *testing.T) {
	sink := newFrameSink()
	l := NewNetworkListener("127.0.0.1:0", Config{OnFrame: sink.onFrame})
	require.NoError(t, l.Start())
	defer l.Stop(5 * time.Second)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("Receipt #1001\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("Receipt #1001\n"), sink.wait(t))

	// Fragmented writes assemble into one frame.
	_, err = conn.Write([]byte("TOTAL: 4"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("200\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("TOTAL: 4200\n"), sink.wait(t))
}

func TestNetworkListenerSurvivesPeerLoss(t *testing.T) {
	sink := newFrameSink()
	var mu sync.Mutex
	var disconnects, reconnects int
	l := NewNetworkListener("127.0.0.1:0", Config{
		OnFrame: sink.onFrame,
		OnDisconnect: func(string) {
			mu.Lock()
			disconnects++
			mu.Unlock()
		},
		OnReconnect: func(string) {
			mu.Lock()
			reconnects++
			mu.Unlock()
		},
	})
	require.NoError(t, l.Start())
	defer l.Stop(5 * time.Second)

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		_, err = conn.Write([]byte("hello\n"))
		require.NoError(t, err)
		sink.wait(t)
		conn.Close()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return disconnects == 2 && reconnects == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, sink.count())
}

func TestNetworkListenerPartialFrameDroppedOnStop(t *testing.T) {
	sink := newFrameSink()
	l := NewNetworkListener("127.0.0.1:0", Config{OnFrame: sink.onFrame})
	require.NoError(t, l.Start())

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// No boundary: stays buffered until shutdown discards it.
	_, err = conn.Write([]byte("partial receipt without terminator"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, l.Stop(5*time.Second))
	require.Zero(t, sink.count())
}

func TestNetworkListenerPartialFrameDroppedOnPeerLoss(t *testing.T) {
	sink := newFrameSink()
	disconnected := make(chan struct{}, 4)
	l := NewNetworkListener("127.0.0.1:0", Config{
		OnFrame:      sink.onFrame,
		OnDisconnect: func(string) { disconnected <- struct{}{} },
	})
	require.NoError(t, l.Start())
	defer l.Stop(5 * time.Second)

	// First peer dies mid-receipt.
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("orphaned half-recei"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	conn.Close()

	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect")
	}

	// The next peer's first frame carries none of the orphaned bytes.
	conn, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("Receipt #2002\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("Receipt #2002\n"), sink.wait(t))
	require.Equal(t, 1, sink.count())
}

func TestNetworkListenerStopIsBounded(t *testing.T) {
	l := NewNetworkListener("127.0.0.1:0", Config{})
	require.NoError(t, l.Start())

	start := time.Now()
	require.NoError(t, l.Stop(5*time.Second))
	require.Less(t, time.Since(start), 3*time.Second)

	// Stop on a stopped listener is a no-op.
	require.NoError(t, l.Stop(time.Second))
}

func TestNetworkListenerBindFailureIsSynchronous(t *testing.T) {
	first := NewNetworkListener("127.0.0.1:0", Config{})
	require.NoError(t, first.Start())
	defer first.Stop(5 * time.Second)

	second := NewNetworkListener(first.Addr().String(), Config{})
	require.Error(t, second.Start())
}

func TestChannelListenerReconnectsWithBackoff(t *testing.T) {
	sink := newFrameSink()
	var mu sync.Mutex
	var opens int
	var writers []*io.PipeWriter

	open := func() (io.ReadCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		opens++
		if opens == 1 {
			return nil, errors.New("port not ready")
		}
		r, w := io.Pipe()
		writers = append(writers, w)
		return r, nil
	}

	l := NewChannelListener("serial0", open, Config{
		OnFrame:   sink.onFrame,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	})
	require.NoError(t, l.Start())
	defer l.Stop(5 * time.Second)

	// First open fails, backoff elapses, second succeeds.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return opens >= 2
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	w := writers[0]
	mu.Unlock()
	_, err := w.Write([]byte("Receipt #1\n"))
	require.NoError(t, err)
	require.Equal(t, []byte("Receipt #1\n"), sink.wait(t))

	// Kill the channel: the listener reopens it.
	w.Close()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return opens >= 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestChannelListenerStopInterruptsBackoff(t *testing.T) {
	open := func() (io.ReadCloser, error) {
		return nil, errors.New("never ready")
	}
	l := NewChannelListener("serial0", open, Config{
		BaseDelay: time.Hour,
		MaxDelay:  time.Hour,
	})
	require.NoError(t, l.Start())

	start := time.Now()
	require.NoError(t, l.Stop(5*time.Second))
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestChannelListenerStopInterruptsBlockedRead(t *testing.T) {
	r, _ := io.Pipe()
	l := NewChannelListener("serial0", func() (io.ReadCloser, error) {
		return r, nil
	}, Config{BaseDelay: time.Hour})
	require.NoError(t, l.Start())
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, l.Stop(5*time.Second))
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestNextDelayDoublesAndCaps(t *testing.T) {
	d := nextDelay(5*time.Second, 60*time.Second)
	require.Equal(t, 10*time.Second, d)
	d = nextDelay(40*time.Second, 60*time.Second)
	require.Equal(t, 60*time.Second, d)
	d = nextDelay(60*time.Second, 60*time.Second)
	require.Equal(t, 60*time.Second, d)
}

func TestReaderListenerReadsToEOF(t *testing.T) {
	sink := newFrameSink()
	r, w := io.Pipe()
	l := NewReaderListener("stdin", r, Config{OnFrame: sink.onFrame})
	require.NoError(t, l.Start())
	defer l.Stop(5 * time.Second)

	_, err := w.Write([]byte("line one\nline two\n"))
	require.NoError(t, err)
	require.NotNil(t, sink.wait(t))
	w.Close()
}
