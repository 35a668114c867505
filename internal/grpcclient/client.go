package grpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/inovacc/tillsync/internal/model"
	v1 "github.com/inovacc/tillsync/pkg/api/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ErrDaemonUnavailable is returned when no daemon answers.
var ErrDaemonUnavailable = errors.New("daemon unavailable")

// ErrWriteSuperseded is returned when a newer version of the record won
// against the write; retrying re-stamps it on top of the winner.
var ErrWriteSuperseded = errors.New("write superseded")

var (
	once      sync.Once
	client    *Client
	errClient error
)

// Client talks to the local tillsync daemon
type Client struct {
	conn    *grpc.ClientConn
	service v1.SyncClient
	health  healthpb.HealthClient
	addr    string
	timeout time.Duration
}

// GetClient returns the singleton client of the discovered daemon
func GetClient() (*Client, error) {
	once.Do(lazyLoad)

	if errClient != nil {
		return nil, errClient
	}

	return client, nil
}

func lazyLoad() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, errClient = Dial(ctx, discoverServerAddress())
}

// Dial connects to the daemon at addr and checks its health.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client: %w", err)
	}

	c := &Client{
		conn:    conn,
		service: v1.NewSyncClient(conn),
		health:  healthpb.NewHealthClient(conn),
		addr:    addr,
		timeout: 30 * time.Second,
	}

	if err := c.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return c, nil
}

// Addr returns the daemon address
func (c *Client) Addr() string {
	return c.addr
}

// Close closes the gRPC connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}

	return nil
}

// Ping runs a health check against the sync service
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: v1.ServiceName})
	if err != nil {
		return fmt.Errorf("%w at %s: %v", ErrDaemonUnavailable, c.addr, status.Convert(err).Message())
	}

	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w at %s: status %s", ErrDaemonUnavailable, c.addr, resp.GetStatus())
	}

	return nil
}

// Mutate writes payload, which must be JSON, under collection/id
func (c *Client) Mutate(ctx context.Context, collection, id string, payload json.RawMessage) (model.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := v1.Encode(v1.MutateRequest{Collection: collection, ID: id, Payload: payload})
	if err != nil {
		return model.Record{}, err
	}

	resp, err := c.service.Mutate(ctx, req)
	if err != nil {
		return model.Record{}, handleGRPCError(err)
	}

	return decodeRecord(resp)
}

// Delete writes a tombstone for collection/id
func (c *Client) Delete(ctx context.Context, collection, id string) (model.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := v1.Encode(v1.KeyRequest{Collection: collection, ID: id})
	if err != nil {
		return model.Record{}, err
	}

	resp, err := c.service.Delete(ctx, req)
	if err != nil {
		return model.Record{}, handleGRPCError(err)
	}

	return decodeRecord(resp)
}

// Get returns the live record of collection/id
func (c *Client) Get(ctx context.Context, collection, id string) (model.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := v1.Encode(v1.KeyRequest{Collection: collection, ID: id})
	if err != nil {
		return model.Record{}, err
	}

	resp, err := c.service.Get(ctx, req)
	if err != nil {
		return model.Record{}, handleGRPCError(err)
	}

	return decodeRecord(resp)
}

// Collections lists the collection names
func (c *Client) Collections(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.service.Collections(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, handleGRPCError(err)
	}

	names := make([]string, 0, len(resp.GetValues()))
	for _, v := range resp.GetValues() {
		names = append(names, v.GetStringValue())
	}

	return names, nil
}

// Status returns the daemon engine status
func (c *Client) Status(ctx context.Context) (v1.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.service.Status(ctx, &emptypb.Empty{})
	if err != nil {
		return v1.Status{}, handleGRPCError(err)
	}

	return v1.Decode[v1.Status](resp)
}

// Scan yields the live records of a collection
func (c *Client) Scan(ctx context.Context, collection string) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		stream, err := c.service.Scan(ctx, wrapperspb.String(collection))
		if err != nil {
			yield(model.Record{}, handleGRPCError(err))
			return
		}

		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}

			if err != nil {
				yield(model.Record{}, handleGRPCError(err))
				return
			}

			if !yield(decodeRecord(msg)) {
				return
			}
		}
	}
}

// Watch yields every change resolved by the daemon until ctx is done.
// The subscription is in place when the first value is requested.
func (c *Client) Watch(ctx context.Context) (iter.Seq2[v1.Change, error], error) {
	stream, err := c.service.Watch(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, handleGRPCError(err)
	}

	if _, err := stream.Header(); err != nil {
		return nil, handleGRPCError(err)
	}

	return func(yield func(v1.Change, error) bool) {
		for {
			msg, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled || ctx.Err() != nil {
					return
				}

				yield(v1.Change{}, handleGRPCError(err))

				return
			}

			change, err := v1.Decode[v1.Change](msg)
			if !yield(change, err) {
				return
			}
		}
	}, nil
}

func decodeRecord(msg *structpb.Struct) (model.Record, error) {
	rec, err := v1.Decode[v1.Record](msg)
	if err != nil {
		return model.Record{}, err
	}

	return RecordFromAPI(rec), nil
}

// RecordFromAPI converts an API record to a model.Record
func RecordFromAPI(r v1.Record) model.Record {
	out := model.Record{
		Collection: r.Collection,
		ID:         r.ID,
		Version: model.VersionStamp{
			WallClock: r.Version.Wall,
			Logical:   r.Version.Logical,
			DeviceID:  r.Version.Device,
		},
		DeletedAt: r.DeletedAt,
	}

	if len(r.Payload) > 0 {
		out.Payload = append([]byte(nil), r.Payload...)
	}

	return out
}

// handleGRPCError converts gRPC errors to user-friendly errors
func handleGRPCError(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("unknown error: %w", err)
	}

	//nolint:exhaustive // default case handles remaining codes
	switch st.Code() {
	case codes.InvalidArgument:
		return fmt.Errorf("invalid input: %s", st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", model.ErrNotFound, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", ErrWriteSuperseded, st.Message())
	case codes.Unavailable:
		return fmt.Errorf("%w: is the daemon running? Start it with: tillsync daemon start", ErrDaemonUnavailable)
	case codes.DeadlineExceeded:
		return fmt.Errorf("request timeout: %s", st.Message())
	case codes.Canceled:
		return fmt.Errorf("request canceled: %s", st.Message())
	default:
		return fmt.Errorf("server error: %s", st.Message())
	}
}
