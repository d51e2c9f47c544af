package nitra

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channelPair wires up a real TCP loopback connection: server is the
// Channel's socketStream, client is the peer the test drives directly,
// since socketStream's Read/Write need a genuine syscall.Conn.
type channelPair struct {
	server *socketStream
	client net.Conn
}

func newChannelPair(t *testing.T) (*channelPair, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptedCh
	require.NotNil(t, server)

	stream, err := newSocketStream(server)
	require.NoError(t, err)

	cleanup := func() {
		_ = client.Close()
		_ = ln.Close()
	}
	return &channelPair{server: stream, client: client}, cleanup
}

// driveUntil repeatedly delivers the given event and advances the
// channel until it reaches one of the target stages, or fails the test
// after too many iterations (a stuck state machine).
func driveUntil(t *testing.T, ch *Channel, event EventMask, targets ...Stage) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		ch.HandleEvent(event)
		ch.Advance()
		current := ch.Stage()
		for _, target := range targets {
			if current == target {
				return
			}
		}
		if current == Closed {
			for _, target := range targets {
				if target == Closed {
					return
				}
			}
			t.Fatalf("channel closed unexpectedly while waiting for %v", targets)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("channel stuck at stage %v, expected one of %v", ch.Stage(), targets)
}

func readAll(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 4096)
	var out []byte
	for {
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	return out
}

func TestChannelHeaderOnlyGet200(t *testing.T) {
	pair, cleanup := newChannelPair(t)
	defer cleanup()

	_, err := pair.client.Write([]byte("GET /hello HTTP/1.1\r\nHost: example\r\n\r\n"))
	require.NoError(t, err)

	processed := false
	ch := NewChannel(pair.server, ChannelConfig{
		Processor: func(c *Channel) Control {
			processed = true
			assert.Equal(t, "/hello", c.Request().URI())
			c.SetResponse(NewResponse(200))
			return SendResponse
		},
	})

	driveUntil(t, ch, EventReadable, WaitWritable)
	assert.True(t, processed)

	driveUntil(t, ch, EventWritable, Read, Closed)

	_ = pair.client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 4096)
	n, _ := pair.client.Read(buf)
	got := string(buf[:n])
	assert.Contains(t, got, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, got, "Content-Length: 0\r\n")
}

func TestChannelPostWithBodyAutoFetch(t *testing.T) {
	pair, cleanup := newChannelPair(t)
	defer cleanup()

	req := "POST /submit HTTP/1.1\r\nHost: example\r\nContent-Length: 5\r\n\r\nhello"
	_, err := pair.client.Write([]byte(req))
	require.NoError(t, err)

	var gotBody string
	ch := NewChannel(pair.server, ChannelConfig{
		Processor: func(c *Channel) Control {
			gotBody = string(c.Request().Body())
			c.SetResponse(NewResponse(201))
			return SendResponse
		},
	})

	driveUntil(t, ch, EventReadable, WaitWritable)
	assert.Equal(t, "hello", gotBody)
}

func TestChannel100ContinueFlow(t *testing.T) {
	pair, cleanup := newChannelPair(t)
	defer cleanup()

	req := "POST /upload HTTP/1.1\r\nHost: example\r\nContent-Length: 4\r\nExpect: 100-continue\r\n\r\n"
	_, err := pair.client.Write([]byte(req))
	require.NoError(t, err)

	ch := NewChannel(pair.server, ChannelConfig{
		Processor: func(c *Channel) Control {
			c.SetResponse(NewResponse(200))
			return SendResponse
		},
	})

	// header parsed, no body yet: expect a 100-continue to be written.
	driveUntil(t, ch, EventReadable, WaitWritable)
	driveUntil(t, ch, EventWritable, Read)

	interim := readAll(t, pair.client, 200*time.Millisecond)
	assert.Contains(t, string(interim), "HTTP/1.1 100 Continue\r\n\r\n")

	_, err = pair.client.Write([]byte("body"))
	require.NoError(t, err)

	driveUntil(t, ch, EventReadable, WaitWritable)
	driveUntil(t, ch, EventWritable, Read, Closed)

	final := readAll(t, pair.client, 200*time.Millisecond)
	assert.Contains(t, string(final), "HTTP/1.1 200 OK\r\n")
}

type sliceStream struct {
	chunks [][]byte
	i      int
}

func (s *sliceStream) Next() ([]byte, bool, error) {
	if s.i >= len(s.chunks) {
		return nil, false, nil
	}
	c := s.chunks[s.i]
	s.i++
	return c, true, nil
}

func TestChannelChunkedResponseExactWire(t *testing.T) {
	pair, cleanup := newChannelPair(t)
	defer cleanup()

	_, err := pair.client.Write([]byte("GET / HTTP/1.1\r\nHost: example\r\n\r\n"))
	require.NoError(t, err)

	stream := &sliceStream{chunks: [][]byte{[]byte("ab"), []byte("cde")}}
	ch := NewChannel(pair.server, ChannelConfig{
		Processor: func(c *Channel) Control {
			resp := NewResponse(200)
			resp.SetBodyStream(stream)
			c.SetResponse(resp)
			return SendResponse
		},
	})

	driveUntil(t, ch, EventReadable, WaitWritable)
	driveUntil(t, ch, EventWritable, Read, Closed)

	got := readAll(t, pair.client, 200*time.Millisecond)
	want := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"2\r\nab\r\n" + "3\r\ncde\r\n" + "0\r\n\r\n"
	assert.Equal(t, want, string(got))
}

func TestChannelWriteTimeoutOnThrottleExhaustion(t *testing.T) {
	pair, cleanup := newChannelPair(t)
	defer cleanup()

	_, err := pair.client.Write([]byte("GET / HTTP/1.1\r\nHost: example\r\n\r\n"))
	require.NoError(t, err)

	dedicatedWrite := NewThrottler(0, time.Hour)
	ch := NewChannel(pair.server, ChannelConfig{
		DedicatedWrite: dedicatedWrite,
		Processor: func(c *Channel) Control {
			c.SetResponse(NewResponse(200))
			return SendResponse
		},
	})

	driveUntil(t, ch, EventReadable, WaitWritable)

	ch.HandleEvent(EventWritable)
	ch.Advance()

	assert.Equal(t, WriteTimeout, ch.Stage())
	assert.False(t, ch.RequestedTimeout().IsZero())
}

func TestChannelIsWaitingForClientAndReadyPredicate(t *testing.T) {
	pair, cleanup := newChannelPair(t)
	defer cleanup()

	ch := NewChannel(pair.server, ChannelConfig{})

	assert.True(t, ch.IsWaitingForClient())
	assert.False(t, ch.IsReady(time.Now()))

	ch.Close()
	assert.True(t, ch.IsReady(time.Now()))
}

func TestChannelMalformedRequestLineSends500(t *testing.T) {
	pair, cleanup := newChannelPair(t)
	defer cleanup()

	_, err := pair.client.Write([]byte("NOT A REQUEST LINE\r\n\r\n"))
	require.NoError(t, err)

	ch := NewChannel(pair.server, ChannelConfig{
		Processor: func(c *Channel) Control {
			t.Fatal("processor must not run for a malformed request")
			return SendResponse
		},
	})

	driveUntil(t, ch, EventReadable, WaitWritable)
	driveUntil(t, ch, EventWritable, Closed)

	got := readAll(t, pair.client, 200*time.Millisecond)
	assert.Contains(t, string(got), "HTTP/1.1 500")
	assert.Contains(t, string(got), "Connection: close")
}

func TestChannelChunkedRequestBodySends500(t *testing.T) {
	pair, cleanup := newChannelPair(t)
	defer cleanup()

	req := "POST /upload HTTP/1.1\r\nHost: example\r\nTransfer-Encoding: chunked\r\n\r\n"
	_, err := pair.client.Write([]byte(req))
	require.NoError(t, err)

	ch := NewChannel(pair.server, ChannelConfig{
		Processor: func(c *Channel) Control {
			t.Fatal("processor must not run for an unsupported chunked request body")
			return SendResponse
		},
	})

	driveUntil(t, ch, EventReadable, WaitWritable)
	driveUntil(t, ch, EventWritable, Closed)

	got := readAll(t, pair.client, 200*time.Millisecond)
	assert.Contains(t, string(got), "HTTP/1.1 500")
}

var _ io.Closer = (*net.TCPConn)(nil)
