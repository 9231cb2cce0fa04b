package lite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const testService = "test.Calc"

var (
	echoMethod = Method[int32, int32]{
		Service: testService, Name: "Echo", Type: MethodUnary,
		Request: Int32ValueMarshaller{}, Response: Int32ValueMarshaller{},
	}
	sumMethod = Method[int32, int64]{
		Service: testService, Name: "Sum", Type: MethodClientStreaming,
		Request: Int32ValueMarshaller{}, Response: Int64ValueMarshaller{},
	}
	drainMethod = Method[int32, int64]{
		Service: testService, Name: "Drain", Type: MethodClientStreaming,
		Request: Int32ValueMarshaller{}, Response: Int64ValueMarshaller{},
	}
	countMethod = Method[int32, int32]{
		Service: testService, Name: "Count", Type: MethodServerStreaming,
		Request: Int32ValueMarshaller{}, Response: Int32ValueMarshaller{},
	}
	reverseMethod = Method[[]byte, []byte]{
		Service: testService, Name: "Reverse", Type: MethodDuplexStreaming,
		Request: BytesValueMarshaller{}, Response: BytesValueMarshaller{},
	}
	blobMethod = Method[[]byte, []byte]{
		Service: testService, Name: "Blob", Type: MethodUnary,
		Request: BytesMarshaller{}, Response: BytesMarshaller{},
	}
	holdMethod = Method[[]byte, []byte]{
		Service: testService, Name: "Hold", Type: MethodDuplexStreaming,
		Request: BytesMarshaller{}, Response: BytesMarshaller{},
	}
	failMethod = Method[int32, int32]{
		Service: testService, Name: "Fail", Type: MethodUnary,
		Request: Int32ValueMarshaller{}, Response: Int32ValueMarshaller{},
	}
	panicMethod = Method[int32, int32]{
		Service: testService, Name: "Panic", Type: MethodUnary,
		Request: Int32ValueMarshaller{}, Response: Int32ValueMarshaller{},
	}
	slowMethod = Method[int32, int32]{
		Service: testService, Name: "Slow", Type: MethodUnary,
		Request: Int32ValueMarshaller{}, Response: Int32ValueMarshaller{},
	}
	metaMethod = Method[int32, int32]{
		Service: testService, Name: "Meta", Type: MethodUnary,
		Request: Int32ValueMarshaller{}, Response: Int32ValueMarshaller{},
	}
)

// serverEvents lets tests observe what handlers saw.
type serverEvents struct {
	drainErr    chan error
	holdEntered chan struct{}
	holdRelease chan struct{}
	slowCtx     chan bool
}

func newTestServices(t *testing.T) (*ServiceRegistry, *serverEvents) {
	t.Helper()
	ev := &serverEvents{
		drainErr:    make(chan error, 1),
		holdEntered: make(chan struct{}, 4),
		holdRelease: make(chan struct{}),
		slowCtx:     make(chan bool, 1),
	}
	reg := NewServiceRegistry()
	err := reg.Register(ServiceDesc{Name: testService, Methods: []MethodDesc{
		UnaryHandler(echoMethod, func(_ context.Context, v int32) (int32, error) { return v, nil }),
		ClientStreamingHandler(sumMethod, func(_ context.Context, in Receiver[int32]) (int64, error) {
			var sum int64
			for {
				v, err := in.Recv()
				if errors.Is(err, io.EOF) {
					return sum, nil
				}
				if err != nil {
					return 0, err
				}
				sum += int64(v)
			}
		}),
		ClientStreamingHandler(drainMethod, func(_ context.Context, in Receiver[int32]) (int64, error) {
			var n int64
			for {
				_, err := in.Recv()
				if err != nil {
					ev.drainErr <- err
					return n, err
				}
				n++
			}
		}),
		ServerStreamingHandler(countMethod, func(_ context.Context, n int32, out Sender[int32]) error {
			for i := int32(0); i < n; i++ {
				if err := out.Send(i); err != nil {
					return err
				}
			}
			return nil
		}),
		DuplexHandler(reverseMethod, func(_ context.Context, in Receiver[[]byte], out Sender[[]byte]) error {
			for {
				msg, err := in.Recv()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				rev := make([]byte, len(msg))
				for i, b := range msg {
					rev[len(msg)-1-i] = b
				}
				if err := out.Send(rev); err != nil {
					return err
				}
			}
		}),
		UnaryHandler(blobMethod, func(_ context.Context, b []byte) ([]byte, error) { return b, nil }),
		DuplexHandler(holdMethod, func(ctx context.Context, _ Receiver[[]byte], _ Sender[[]byte]) error {
			ev.holdEntered <- struct{}{}
			select {
			case <-ev.holdRelease:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
		UnaryHandler(failMethod, func(ctx context.Context, _ int32) (int32, error) {
			s, ok := ServerStreamFromContext(ctx)
			if ok {
				s.SetTrailer(metadata.Pairs("x-reason", "precondition"))
			}
			return 0, status.Error(codes.FailedPrecondition, "nope")
		}),
		UnaryHandler(panicMethod, func(context.Context, int32) (int32, error) { panic("boom") }),
		UnaryHandler(slowMethod, func(ctx context.Context, _ int32) (int32, error) {
			_, hasDeadline := ctx.Deadline()
			ev.slowCtx <- hasDeadline
			<-ctx.Done()
			return 0, ctx.Err()
		}),
		UnaryHandler(metaMethod, func(ctx context.Context, v int32) (int32, error) {
			md, _ := metadata.FromIncomingContext(ctx)
			s, _ := ServerStreamFromContext(ctx)
			if err := s.SetHeader(metadata.Pairs("x-echo", firstValue(md, "x-user"))); err != nil {
				return 0, err
			}
			s.SetTrailer(metadata.Pairs("x-trail", "done"))
			return v + 1, nil
		}),
	}})
	require.NoError(t, err)
	return reg, ev
}

func firstValue(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

var gateModes = []struct {
	name string
	opts Options
}{
	{"sync", Options{}},
	{"buffered", Options{InputBuffer: 16, OutputBuffer: 16}},
}

// newTestPair connects a client Invoker to a server connection over a pipe.
func newTestPair(t *testing.T, services *ServiceRegistry, clientOpts, serverOpts Options) (*Invoker, *Connection) {
	t.Helper()
	a, b := net.Pipe()
	server := NewServerConnection(b, services, serverOpts)
	inv := NewInvoker(NewClientConnection(a, clientOpts))
	inv.onClose = server.Close
	t.Cleanup(func() { _ = inv.Close() })
	return inv, server
}

func eventuallyNoStreams(t *testing.T, conns ...*Connection) {
	t.Helper()
	for _, c := range conns {
		require.Eventually(t, func() bool { return c.StreamCount() == 0 },
			2*time.Second, 5*time.Millisecond, "%s still has streams", c.Role())
	}
}

func TestCall_UnaryEcho(t *testing.T) {
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, _ := newTestServices(t)
			inv := NewLocalClient(services, mode.opts)
			defer inv.Close()

			call, err := StartUnary(context.Background(), inv, echoMethod, 42)
			require.NoError(t, err)
			defer call.Close()
			resp, err := call.Response()
			require.NoError(t, err)
			assert.Equal(t, int32(42), resp)
			require.NotNil(t, call.Status())
			assert.Equal(t, codes.OK, call.Status().Code())

			<-call.Done()
			assert.Equal(t, StateClosed, call.Stream().State())
			assert.Zero(t, inv.StreamCount())
		})
	}
}

func TestCall_UnaryZeroValue(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})
	defer inv.Close()

	// Zero encodes as an empty message.
	resp, err := Unary(context.Background(), inv, echoMethod, 0)
	require.NoError(t, err)
	assert.Zero(t, resp)
}

func TestCall_ClientStreamingSum(t *testing.T) {
	const n = 50000
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, _ := newTestServices(t)
			inv, server := newTestPair(t, services, mode.opts, mode.opts)

			call, err := ClientStreaming(context.Background(), inv, sumMethod)
			require.NoError(t, err)
			defer call.Close()
			for i := int32(1); i <= n; i++ {
				require.NoError(t, call.Send(i))
			}
			sum, err := call.CloseAndRecv()
			require.NoError(t, err)
			assert.Equal(t, int64(n)*(n+1)/2, sum)
			assert.Equal(t, codes.OK, call.Status().Code())

			eventuallyNoStreams(t, inv.Connection(), server)
		})
	}
}

func TestCall_CancelMidStream(t *testing.T) {
	const n = 50000
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, ev := newTestServices(t)
			inv, server := newTestPair(t, services, mode.opts, mode.opts)
			baseClient, baseServer := inv.StreamCount(), server.StreamCount()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			call, err := ClientStreaming(ctx, inv, drainMethod)
			require.NoError(t, err)

			var sendErr error
			for i := int32(0); i < n; i++ {
				if i == 10 {
					cancel()
				}
				if sendErr = call.Send(i); sendErr != nil {
					break
				}
			}
			require.Error(t, sendErr)
			assert.Equal(t, codes.Canceled, status.Code(sendErr))

			select {
			case <-call.Done():
			case <-time.After(2 * time.Second):
				t.Fatal("cancelled call never left the registry")
			}
			assert.Equal(t, StateCancelled, call.Stream().State())
			assert.Equal(t, codes.Canceled, call.Status().Code())

			select {
			case err := <-ev.drainErr:
				assert.Equal(t, codes.Canceled, status.Code(err), "server handler sees the cancellation")
			case <-time.After(2 * time.Second):
				t.Fatal("server handler never observed the cancellation")
			}

			require.Eventually(t, func() bool {
				return inv.StreamCount() == baseClient && server.StreamCount() == baseServer
			}, 2*time.Second, 5*time.Millisecond)
			assert.NoError(t, inv.Connection().Err(), "cancelling a call leaves the connection up")

			// The connection still carries new calls.
			resp, err := Unary(context.Background(), inv, echoMethod, 7)
			require.NoError(t, err)
			assert.Equal(t, int32(7), resp)
		})
	}
}

func TestCall_DisposeTwice(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})

	call, err := DuplexStreaming(context.Background(), inv, reverseMethod)
	require.NoError(t, err)
	require.NoError(t, call.Close())
	require.NoError(t, call.Close())
	<-call.Done()
	assert.Equal(t, StateCancelled, call.Stream().State())
	assert.Equal(t, codes.Canceled, call.Status().Code())

	require.NoError(t, inv.Close())
	require.NoError(t, inv.Close())
	assert.NoError(t, inv.Connection().Err())
}

func TestCall_DisposeAfterCompletionKeepsStatus(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})
	defer inv.Close()

	call, err := StartUnary(context.Background(), inv, echoMethod, 5)
	require.NoError(t, err)
	_, err = call.Response()
	require.NoError(t, err)
	<-call.Done()
	require.NoError(t, call.Close())
	assert.Equal(t, StateClosed, call.Stream().State())
	assert.Equal(t, codes.OK, call.Status().Code())
}

func TestCall_ServerStreaming(t *testing.T) {
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, _ := newTestServices(t)
			inv := NewLocalClient(services, mode.opts)
			defer inv.Close()

			call, err := ServerStreaming(context.Background(), inv, countMethod, 100)
			require.NoError(t, err)
			defer call.Close()
			for want := int32(0); want < 100; want++ {
				got, err := call.Recv()
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
			_, err = call.Recv()
			assert.ErrorIs(t, err, io.EOF)
			assert.Equal(t, codes.OK, call.Status().Code())
		})
	}
}

func TestCall_Duplex(t *testing.T) {
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, _ := newTestServices(t)
			inv := NewLocalClient(services, mode.opts)
			defer inv.Close()

			call, err := DuplexStreaming(context.Background(), inv, reverseMethod)
			require.NoError(t, err)
			defer call.Close()
			for i := 0; i < 5; i++ {
				msg := []byte(fmt.Sprintf("msg-%d", i))
				require.NoError(t, call.Send(msg))
				got, err := call.Recv()
				require.NoError(t, err)
				assert.Equal(t, fmt.Sprintf("%d-gsm", i), string(got))
			}
			require.NoError(t, call.CloseSend())
			require.NoError(t, call.CloseSend(), "CloseSend is idempotent")
			_, err = call.Recv()
			assert.ErrorIs(t, err, io.EOF)
			assert.ErrorIs(t, call.Send([]byte("late")), io.EOF)
		})
	}
}

func TestCall_UnknownMethod(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})
	defer inv.Close()

	missing := echoMethod
	missing.Name = "Missing"
	_, err := Unary(context.Background(), inv, missing, 1)
	st := status.Convert(err)
	assert.Equal(t, codes.Unimplemented, st.Code())
	assert.Equal(t, "unknown method /test.Calc/Missing", st.Message())
}

func TestCall_WrongShapeIsRejectedLocally(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})
	defer inv.Close()

	_, err := ClientStreaming(context.Background(), inv, echoMethod)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Zero(t, inv.StreamCount())
}

func TestCall_ErrorStatusAndTrailers(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})
	defer inv.Close()

	call, err := StartUnary(context.Background(), inv, failMethod, 1)
	require.NoError(t, err)
	defer call.Close()
	_, err = call.Response()
	st := status.Convert(err)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
	assert.Equal(t, "nope", st.Message())
	assert.Equal(t, []string{"precondition"}, call.Trailer().Get("x-reason"))
}

func TestCall_HandlerPanic(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})
	defer inv.Close()

	_, err := Unary(context.Background(), inv, panicMethod, 1)
	st := status.Convert(err)
	assert.Equal(t, codes.Internal, st.Code())
	assert.Contains(t, st.Message(), "boom")

	// The server survives.
	resp, err := Unary(context.Background(), inv, echoMethod, 3)
	require.NoError(t, err)
	assert.Equal(t, int32(3), resp)
}

func TestCall_MetadataHeaderAndTrailer(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})
	defer inv.Close()

	ctx := metadata.AppendToOutgoingContext(context.Background(), "x-user", "alice")
	call, err := StartUnary(ctx, inv, metaMethod, 1, WithMetadata(metadata.Pairs("x-extra", "1")))
	require.NoError(t, err)
	defer call.Close()

	header, err := call.Header()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, header.Get("x-echo"))

	resp, err := call.Response()
	require.NoError(t, err)
	assert.Equal(t, int32(2), resp)
	assert.Equal(t, []string{"done"}, call.Trailer().Get("x-trail"))
}

func TestCall_DeadlinePropagates(t *testing.T) {
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, ev := newTestServices(t)
			inv, server := newTestPair(t, services, mode.opts, mode.opts)

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := Unary(ctx, inv, slowMethod, 1)
			assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
			select {
			case hasDeadline := <-ev.slowCtx:
				assert.True(t, hasDeadline, "handler context carries the caller's deadline")
			case <-time.After(time.Second):
				t.Fatal("handler never ran")
			}
			eventuallyNoStreams(t, inv.Connection(), server)
		})
	}
}

func TestCall_ExpiredContextNeverOpens(t *testing.T) {
	services, _ := newTestServices(t)
	inv := NewLocalClient(services, Options{})
	defer inv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Unary(ctx, inv, echoMethod, 1)
	assert.Equal(t, codes.Canceled, status.Code(err))
	assert.Zero(t, inv.StreamCount())
}

func TestCall_CompressedMessages(t *testing.T) {
	services, _ := newTestServices(t)
	m := newTestMetrics()
	opts := Options{CompressThreshold: 1024, Metrics: m}
	inv, _ := newTestPair(t, services, opts, opts)

	msg := bytes.Repeat([]byte("grpclite "), 100000)
	resp, err := Unary(context.Background(), inv, blobMethod, msg)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(msg, resp))
	assert.Less(t, testutil.ToFloat64(m.BytesWritten), float64(len(msg)),
		"both directions together stay below one uncompressed copy")
}

func TestCall_LargeMessageIsFragmented(t *testing.T) {
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, _ := newTestServices(t)
			m := newTestMetrics()
			opts := mode.opts
			opts.MaxFramePayload = 1024
			opts.Metrics = m
			inv, _ := newTestPair(t, services, opts, opts)

			msg := make([]byte, 100*1024+17)
			rand.New(rand.NewSource(1)).Read(msg)
			resp, err := Unary(context.Background(), inv, blobMethod, msg)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(msg, resp))
			// 101 fragments each way.
			assert.GreaterOrEqual(t, testutil.ToFloat64(m.FramesWritten.WithLabelValues("PAYLOAD")), float64(2*101))
		})
	}
}

func TestCall_MessageSizeLimit(t *testing.T) {
	services, _ := newTestServices(t)
	inv, server := newTestPair(t, services, Options{MaxMessageSize: 1000}, Options{})

	_, err := Unary(context.Background(), inv, blobMethod, make([]byte, 2000))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	eventuallyNoStreams(t, inv.Connection(), server)
}

func TestCall_ServerRejectsOversizedRequest(t *testing.T) {
	services, _ := newTestServices(t)
	inv, server := newTestPair(t, services, Options{}, Options{MaxMessageSize: 1000})

	_, err := Unary(context.Background(), inv, blobMethod, make([]byte, 2000))
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
	eventuallyNoStreams(t, inv.Connection(), server)
}

func TestCall_MaxConcurrentStreams(t *testing.T) {
	services, ev := newTestServices(t)
	inv, _ := newTestPair(t, services, Options{}, Options{MaxConcurrentStreams: 1})

	first, err := DuplexStreaming(context.Background(), inv, holdMethod)
	require.NoError(t, err)
	defer first.Close()
	select {
	case <-ev.holdEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("first call never reached its handler")
	}

	second, err := DuplexStreaming(context.Background(), inv, holdMethod)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	close(ev.holdRelease)
	require.NoError(t, first.CloseSend())
	_, err = first.Recv()
	assert.ErrorIs(t, err, io.EOF)

	// The slot is free again.
	third, err := DuplexStreaming(context.Background(), inv, holdMethod)
	require.NoError(t, err)
	defer third.Close()
	require.NoError(t, third.CloseSend())
	_, err = third.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCall_ConnectionCloseFailsOpenCalls(t *testing.T) {
	services, ev := newTestServices(t)
	inv, server := newTestPair(t, services, Options{}, Options{})

	call, err := DuplexStreaming(context.Background(), inv, holdMethod)
	require.NoError(t, err)
	<-ev.holdEntered

	require.NoError(t, server.Close())
	_, err = call.Recv()
	assert.Equal(t, codes.Unavailable, status.Code(err))
	<-call.Done()
	assert.Equal(t, StateCancelled, call.Stream().State())
	assert.NoError(t, inv.Connection().Wait())

	_, err = Unary(context.Background(), inv, echoMethod, 1)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestCall_ManyConcurrentCalls(t *testing.T) {
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, _ := newTestServices(t)
			inv, server := newTestPair(t, services, mode.opts, mode.opts)

			var wg sync.WaitGroup
			for i := 0; i < 64; i++ {
				wg.Add(1)
				go func(v int32) {
					defer wg.Done()
					resp, err := Unary(context.Background(), inv, echoMethod, v)
					if assert.NoError(t, err) {
						assert.Equal(t, v, resp)
					}
				}(int32(i))
			}
			wg.Wait()
			eventuallyNoStreams(t, inv.Connection(), server)
		})
	}
}

func TestCall_SlowReaderHoldsBackSender(t *testing.T) {
	const limit = 16
	for _, mode := range gateModes {
		t.Run(mode.name, func(t *testing.T) {
			services, ev := newTestServices(t)
			serverOpts := mode.opts
			serverOpts.MaxStreamBuffer = limit
			inv, server := newTestPair(t, services, mode.opts, serverOpts)

			call, err := DuplexStreaming(context.Background(), inv, holdMethod)
			require.NoError(t, err)
			defer call.Close()
			select {
			case <-ev.holdEntered:
			case <-time.After(2 * time.Second):
				t.Fatal("Hold never reached its handler")
			}
			s, ok := server.registry.get(call.Stream().ID())
			require.True(t, ok)
			inbox := s.(*serverStream).inbox

			sent := make(chan int, 1)
			go func() {
				n := 0
				for ; n < 20000; n++ {
					if call.Send([]byte("x")) != nil {
						break
					}
				}
				sent <- n
			}()

			// The handler reads nothing: the queue fills up and the sender
			// waits instead of the queue growing.
			require.Eventually(t, func() bool { return inbox.len() == limit }, 2*time.Second, 5*time.Millisecond)
			select {
			case n := <-sent:
				t.Fatalf("sender finished %d sends while nothing was read", n)
			case <-time.After(100 * time.Millisecond):
			}
			assert.Equal(t, limit, inbox.len())

			// Ending the call releases the sender.
			close(ev.holdRelease)
			select {
			case n := <-sent:
				assert.Less(t, n, 20000)
			case <-time.After(5 * time.Second):
				t.Fatal("sender still blocked after the call ended")
			}
			_, err = call.Recv()
			assert.ErrorIs(t, err, io.EOF)
			eventuallyNoStreams(t, server)
		})
	}
}
