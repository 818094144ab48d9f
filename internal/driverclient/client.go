// Package driverclient implements the thin façade over the out-of-process
// driver daemon (component C1): one grpc connection per process, unary
// calls for lifecycle transitions and inference, a client-streaming call
// for artifact upload.
package driverclient

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/accelrt/npurt/internal/logging"
)

// serviceName is the fully-qualified grpc service the driver daemon is
// assumed to expose; methods below address it by method path since no
// .proto-generated stub exists for it (see messages.go).
const serviceName = "npurt.driver.Driver"

// Client is the C1 façade consumed by the device and model scheduler.
// It is reconnection-free: Initialize dials once, and every subsequent
// call reuses that connection.
type Client interface {
	Initialize(ctx context.Context, address string) error
	CreateEG(ctx context.Context, requestedCores int) (egID uint32, grantedCores int, err error)
	DestroyEG(ctx context.Context, egID uint32, fromShutdown bool) error
	Load(ctx context.Context, egID uint32, artifact []byte, timeout time.Duration, maxInFlight int, profileEnabled bool) (nnID uint32, err error)
	Unload(ctx context.Context, nnID uint32, fromShutdown bool) error
	Start(ctx context.Context, nnID uint32) error
	Stop(ctx context.Context, nnID uint32) error
	Infer(ctx context.Context, nnID uint32, io *WireIO) (*WireIO, error)
	InferPost(ctx context.Context, nnID uint32, io *WireIO) (cookie uint64, err error)
	InferWait(ctx context.Context, cookie uint64) (*WireIO, error)
	ShmMap(ctx context.Context, path string, prot int32, session string) (mappingID uint64, err error)
	ShmUnmap(ctx context.Context, path string, prot int32) error
	Close() error
}

// GRPCClient is the real Client, talking to the driver daemon over a unix
// socket using a JSON-over-grpc codec (see codec.go) in place of
// protoc-generated stubs.
type GRPCClient struct {
	conn   *grpc.ClientConn
	logger *logging.Logger
}

// NewGRPCClient constructs an unconnected client; call Initialize before
// issuing any RPC.
func NewGRPCClient(logger *logging.Logger) *GRPCClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &GRPCClient{logger: logger}
}

func unixDialer(ctx context.Context, target string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "unix", target)
}

// Initialize establishes the connection; idempotent, safe to call more
// than once (subsequent calls are no-ops while a connection is live).
func (c *GRPCClient) Initialize(ctx context.Context, address string) error {
	if c.conn != nil {
		return nil
	}
	if !strings.HasPrefix(address, "unix:") {
		return status.Error(codes.InvalidArgument, "driver address must begin with unix:")
	}
	target := strings.TrimPrefix(address, "unix:")

	conn, err := grpc.DialContext(ctx, target,
		grpc.WithContextDialer(unixDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
	)
	if err != nil {
		return status.Errorf(codes.Unavailable, "dial driver at %s: %v", address, err)
	}
	c.conn = conn
	c.logger.Info("driver connection established", "address", address)
	return nil
}

func method(name string) string {
	return fmt.Sprintf("/%s/%s", serviceName, name)
}

func (c *GRPCClient) CreateEG(ctx context.Context, requestedCores int) (uint32, int, error) {
	req := &createEGRequest{RequestedCores: requestedCores}
	resp := &createEGResponse{}
	if err := c.conn.Invoke(ctx, method("CreateEG"), req, resp); err != nil {
		return 0, 0, err
	}
	return resp.EGID, resp.GrantedCores, nil
}

func (c *GRPCClient) DestroyEG(ctx context.Context, egID uint32, fromShutdown bool) error {
	req := &destroyEGRequest{EGID: egID, FromShutdown: fromShutdown}
	return c.conn.Invoke(ctx, method("DestroyEG"), req, &struct{}{})
}

// Load streams the artifact in ≤LoadChunkSize chunks, preceded by a
// header carrying the target EG and model parameters, over a
// client-streaming grpc call.
func (c *GRPCClient) Load(ctx context.Context, egID uint32, artifact []byte, timeout time.Duration, maxInFlight int, profileEnabled bool) (uint32, error) {
	desc := &grpc.StreamDesc{ClientStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, method("Load"))
	if err != nil {
		return 0, err
	}

	header := &loadHeader{
		EGID:           egID,
		TotalBytes:     int64(len(artifact)),
		TimeoutSeconds: int(timeout.Seconds()),
		MaxInFlight:    maxInFlight,
		ProfileEnabled: profileEnabled,
	}
	if err := stream.SendMsg(header); err != nil {
		return 0, err
	}

	const chunkSize = 1 << 20
	for offset := 0; offset < len(artifact) || len(artifact) == 0; offset += chunkSize {
		end := offset + chunkSize
		if end > len(artifact) {
			end = len(artifact)
		}
		last := end >= len(artifact)
		chunk := &loadChunk{Data: artifact[offset:end], Last: last}
		if err := stream.SendMsg(chunk); err != nil {
			return 0, err
		}
		if last {
			break
		}
	}

	if err := stream.CloseSend(); err != nil {
		return 0, err
	}

	resp := &loadResponse{}
	if err := stream.RecvMsg(resp); err != nil {
		return 0, err
	}
	return resp.NNID, nil
}

func (c *GRPCClient) Unload(ctx context.Context, nnID uint32, fromShutdown bool) error {
	req := &unloadRequest{NNID: nnID, FromShutdown: fromShutdown}
	return c.conn.Invoke(ctx, method("Unload"), req, &struct{}{})
}

func (c *GRPCClient) Start(ctx context.Context, nnID uint32) error {
	req := &startRequest{NNID: nnID}
	return c.conn.Invoke(ctx, method("Start"), req, &struct{}{})
}

func (c *GRPCClient) Stop(ctx context.Context, nnID uint32) error {
	req := &stopRequest{NNID: nnID}
	return c.conn.Invoke(ctx, method("Stop"), req, &struct{}{})
}

func (c *GRPCClient) Infer(ctx context.Context, nnID uint32, io *WireIO) (*WireIO, error) {
	req := &inferRequest{NNID: nnID, IO: io}
	resp := &inferResponse{}
	if err := c.conn.Invoke(ctx, method("Infer"), req, resp); err != nil {
		return nil, err
	}
	return resp.IO, nil
}

func (c *GRPCClient) InferPost(ctx context.Context, nnID uint32, io *WireIO) (uint64, error) {
	req := &inferRequest{NNID: nnID, IO: io}
	resp := &inferPostResponse{}
	if err := c.conn.Invoke(ctx, method("InferPost"), req, resp); err != nil {
		return 0, err
	}
	return resp.Cookie, nil
}

func (c *GRPCClient) InferWait(ctx context.Context, cookie uint64) (*WireIO, error) {
	req := &inferWaitRequest{Cookie: cookie}
	resp := &inferResponse{}
	if err := c.conn.Invoke(ctx, method("InferWait"), req, resp); err != nil {
		return nil, err
	}
	return resp.IO, nil
}

func (c *GRPCClient) ShmMap(ctx context.Context, path string, prot int32, session string) (uint64, error) {
	req := &shmMapRequest{Path: path, Prot: prot, Session: session}
	resp := &shmMapResponse{}
	if err := c.conn.Invoke(ctx, method("ShmMap"), req, resp); err != nil {
		return 0, err
	}
	return resp.MappingID, nil
}

func (c *GRPCClient) ShmUnmap(ctx context.Context, path string, prot int32) error {
	req := &shmUnmapRequest{Path: path, Prot: prot}
	return c.conn.Invoke(ctx, method("ShmUnmap"), req, &struct{}{})
}

// Close tears down the grpc connection. Tolerant of a nil connection so
// it is safe to call on a client that never dialed.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

var _ Client = (*GRPCClient)(nil)
