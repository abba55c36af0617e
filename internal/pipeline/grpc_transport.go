package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// CollectMethod is the unary RPC receiving batches as google.protobuf.Struct.
const CollectMethod = "/monitor.v1.Collector/Collect"

const (
	metadataAppID    = "x-app-id"
	metadataAppToken = "x-app-token"
)

// GRPCTransport sends batches over a cached gRPC connection.
// Params: collector address and app credentials.
// Returns: transport implementation; Close releases the connection.
type GRPCTransport struct {
	address  string
	appID    string
	appToken string
	timeout  time.Duration

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewGRPCTransport creates a transport for one collector address.
// Params: address host:port; appID/appToken request metadata; timeout per call.
// Returns: transport or error for an empty address.
func NewGRPCTransport(address, appID, appToken string, timeout time.Duration) (*GRPCTransport, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return nil, fmt.Errorf("collector address is empty")
	}
	return &GRPCTransport{address: addr, appID: appID, appToken: appToken, timeout: timeout}, nil
}

// Send encodes the batch as a Struct and invokes CollectMethod.
// Params: ctx call context; batch payload.
// Returns: encode, connect or rpc error.
func (t *GRPCTransport) Send(ctx context.Context, batch Batch) error {
	request, err := encodeBatchStruct(batch)
	if err != nil {
		return err
	}

	conn, err := t.connection()
	if err != nil {
		return err
	}

	callCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	pairs := []string{metadataAppID, t.appID}
	if t.appToken != "" {
		pairs = append(pairs, metadataAppToken, t.appToken)
	}
	callCtx = metadata.AppendToOutgoingContext(callCtx, pairs...)

	if err := conn.Invoke(callCtx, CollectMethod, request, &emptypb.Empty{}); err != nil {
		t.dropConnection(conn)
		return fmt.Errorf("collect %s: %w", t.address, err)
	}
	return nil
}

// Close closes the cached connection.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// connection returns the cached client connection or creates a new one.
func (t *GRPCTransport) connection() (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	conn, err := grpc.NewClient(t.address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.address, err)
	}
	t.conn = conn
	return conn, nil
}

// dropConnection discards a failed connection so the next send redials.
func (t *GRPCTransport) dropConnection(conn *grpc.ClientConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return
	}
	t.conn = nil
	_ = conn.Close()
}

// encodeBatchStruct converts the JSON form of a batch into a protobuf Struct.
// Params: batch payload.
// Returns: Struct mirroring the HTTP body or encode error.
func encodeBatchStruct(batch Batch) (*structpb.Struct, error) {
	raw, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("convert batch to struct: %w", err)
	}
	return out, nil
}
