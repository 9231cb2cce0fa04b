package demo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"example.com/grpclite/internal/lite"
)

// Client is a typed Calculator client.
type Client struct {
	inv *lite.Invoker
}

// NewClient returns a Client calling through inv.
func NewClient(inv *lite.Invoker) *Client {
	return &Client{inv: inv}
}

func (c *Client) Echo(ctx context.Context, v int32, opts ...lite.CallOption) (int32, error) {
	return lite.Unary(ctx, c.inv, EchoMethod, v, opts...)
}

func (c *Client) Reverse(ctx context.Context, b []byte, opts ...lite.CallOption) ([]byte, error) {
	return lite.Unary(ctx, c.inv, ReverseMethod, b, opts...)
}

// Sum opens a client-streaming Sum call.
func (c *Client) Sum(ctx context.Context, opts ...lite.CallOption) (*lite.ClientCall[int32, int64], error) {
	return lite.ClientStreaming(ctx, c.inv, SumMethod, opts...)
}

// Count opens a server-streaming Count call for n values.
func (c *Client) Count(ctx context.Context, n int32, opts ...lite.CallOption) (*lite.ClientCall[int32, int32], error) {
	return lite.ServerStreaming(ctx, c.inv, CountMethod, n, opts...)
}

// Chat opens a duplex Chat call.
func (c *Client) Chat(ctx context.Context, opts ...lite.CallOption) (*lite.ClientCall[[]byte, []byte], error) {
	return lite.DuplexStreaming(ctx, c.inv, ChatMethod, opts...)
}

// Timing is the outcome of one runner scenario.
type Timing struct {
	Name     string
	Calls    int
	Messages int
	Elapsed  time.Duration
}

func (t Timing) String() string {
	return fmt.Sprintf("%-18s calls=%-6d messages=%-7d elapsed=%s", t.Name, t.Calls, t.Messages, t.Elapsed)
}

// RunUnary makes n sequential Echo calls and checks every answer.
func RunUnary(ctx context.Context, c *Client, n int) (Timing, error) {
	start := time.Now()
	for i := 0; i < n; i++ {
		got, err := c.Echo(ctx, int32(i))
		if err != nil {
			return Timing{}, fmt.Errorf("echo %d: %w", i, err)
		}
		if got != int32(i) {
			return Timing{}, fmt.Errorf("echo %d answered %d", i, got)
		}
	}
	return Timing{Name: "unary", Calls: n, Messages: 2 * n, Elapsed: time.Since(start)}, nil
}

// RunClientStreaming sends 1..n on one Sum call and checks the total.
// With buffered set, every message but the last carries the buffer hint.
func RunClientStreaming(ctx context.Context, c *Client, n int, buffered bool) (Timing, error) {
	start := time.Now()
	call, err := c.Sum(ctx)
	if err != nil {
		return Timing{}, err
	}
	defer call.Close()
	for i := 1; i <= n; i++ {
		opts := lite.WriteOptions{BufferHint: buffered && i < n}
		if err := call.SendWithOptions(int32(i), opts); err != nil {
			return Timing{}, fmt.Errorf("send %d: %w", i, err)
		}
	}
	sum, err := call.CloseAndRecv()
	if err != nil {
		return Timing{}, err
	}
	if want := int64(n) * int64(n+1) / 2; sum != want {
		return Timing{}, fmt.Errorf("sum of 1..%d answered %d, want %d", n, sum, want)
	}
	return Timing{Name: "client-streaming", Calls: 1, Messages: n + 1, Elapsed: time.Since(start)}, nil
}

// RunServerStreaming asks Count for n values and checks their order.
func RunServerStreaming(ctx context.Context, c *Client, n int) (Timing, error) {
	start := time.Now()
	call, err := c.Count(ctx, int32(n))
	if err != nil {
		return Timing{}, err
	}
	defer call.Close()
	for i := 0; ; i++ {
		v, err := call.Recv()
		if errors.Is(err, io.EOF) {
			if i != n {
				return Timing{}, fmt.Errorf("count stream ended after %d values, want %d", i, n)
			}
			break
		}
		if err != nil {
			return Timing{}, err
		}
		if v != int32(i) {
			return Timing{}, fmt.Errorf("count value %d arrived as %d", i, v)
		}
	}
	return Timing{Name: "server-streaming", Calls: 1, Messages: n + 1, Elapsed: time.Since(start)}, nil
}

// RunDuplex exchanges n Chat messages in lock step.
func RunDuplex(ctx context.Context, c *Client, n int) (Timing, error) {
	start := time.Now()
	call, err := c.Chat(ctx)
	if err != nil {
		return Timing{}, err
	}
	defer call.Close()
	for i := 0; i < n; i++ {
		msg := []byte(fmt.Sprintf("ping-%d", i))
		if err := call.Send(msg); err != nil {
			return Timing{}, err
		}
		got, err := call.Recv()
		if err != nil {
			return Timing{}, err
		}
		if !bytes.Equal(got, msg) {
			return Timing{}, fmt.Errorf("chat %d answered %q", i, got)
		}
	}
	if err := call.CloseSend(); err != nil {
		return Timing{}, err
	}
	if _, err := call.Recv(); !errors.Is(err, io.EOF) {
		return Timing{}, fmt.Errorf("chat did not end cleanly: %v", err)
	}
	return Timing{Name: "duplex", Calls: 1, Messages: 2 * n, Elapsed: time.Since(start)}, nil
}
