package driverclient

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// fakeDriver is a minimal in-process stand-in for the out-of-process
// driver daemon, enough to exercise GRPCClient's unary and streaming
// call shapes end to end over a real unix socket.
type fakeDriver struct {
	nextEG uint32
	nextNN uint32
}

func (f *fakeDriver) createEG(ctx context.Context, dec func(any) error) (any, error) {
	req := &createEGRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	if req.RequestedCores <= 0 {
		return nil, status.Error(codes.InvalidArgument, "requested_cores must be positive")
	}
	f.nextEG++
	return &createEGResponse{EGID: f.nextEG, GrantedCores: req.RequestedCores}, nil
}

func (f *fakeDriver) start(ctx context.Context, dec func(any) error) (any, error) {
	req := &startRequest{}
	if err := dec(req); err != nil {
		return nil, err
	}
	if req.NNID == 0 {
		return nil, status.Error(codes.FailedPrecondition, "unknown nn_id")
	}
	return &struct{}{}, nil
}

func (f *fakeDriver) loadStream(srv any, stream grpc.ServerStream) error {
	header := &loadHeader{}
	if err := stream.RecvMsg(header); err != nil {
		return err
	}
	var total int
	for {
		chunk := &loadChunk{}
		if err := stream.RecvMsg(chunk); err != nil {
			return err
		}
		total += len(chunk.Data)
		if chunk.Last {
			break
		}
	}
	f.nextNN++
	return stream.SendMsg(&loadResponse{NNID: f.nextNN})
}

func newTestServer(t *testing.T, f *fakeDriver) (*grpc.Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "driver.sock")

	lis, err := net.Listen("unix", sockPath)
	require.NoError(t, err)

	desc := &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "CreateEG",
				Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
					return f.createEG(ctx, dec)
				},
			},
			{
				MethodName: "Start",
				Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
					return f.start(ctx, dec)
				},
			},
		},
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Load",
				Handler:       f.loadStream,
				ClientStreams: true,
			},
		},
	}

	server := grpc.NewServer()
	server.RegisterService(desc, nil)

	go server.Serve(lis)

	return server, "unix:" + sockPath
}

func TestGRPCClientCreateEG(t *testing.T) {
	f := &fakeDriver{}
	server, addr := newTestServer(t, f)
	defer server.Stop()

	client := NewGRPCClient(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Initialize(ctx, addr))
	defer client.Close()

	egID, granted, err := client.CreateEG(ctx, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(1), egID)
	require.Equal(t, 4, granted)
}

func TestGRPCClientCreateEGInvalidArgument(t *testing.T) {
	f := &fakeDriver{}
	server, addr := newTestServer(t, f)
	defer server.Stop()

	client := NewGRPCClient(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Initialize(ctx, addr))
	defer client.Close()

	_, _, err := client.CreateEG(ctx, 0)
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCClientInitializeRejectsNonUnix(t *testing.T) {
	client := NewGRPCClient(nil)
	err := client.Initialize(context.Background(), "tcp://127.0.0.1:9000")
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCClientLoadStreamsChunks(t *testing.T) {
	f := &fakeDriver{}
	server, addr := newTestServer(t, f)
	defer server.Stop()

	client := NewGRPCClient(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Initialize(ctx, addr))
	defer client.Close()

	artifact := make([]byte, 3*(1<<20)+17) // spans multiple 1MiB chunks
	nnID, err := client.Load(ctx, 1, artifact, 10*time.Second, 4, false)
	require.NoError(t, err)
	require.Equal(t, uint32(1), nnID)
}
