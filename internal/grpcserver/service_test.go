package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inovacc/tillsync/internal/engine"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/scope"
	"github.com/inovacc/tillsync/internal/store"
	v1 "github.com/inovacc/tillsync/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var (
	scopeOnce sync.Once
	testScope *scope.Scope
	scopeErr  error
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	scopeOnce.Do(func() {
		testScope, scopeErr = scope.Derive("abcd-EFGH-jkmn")
	})
	require.NoError(t, scopeErr)

	cache, err := store.Open(model.StoreBackendSQLite, filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	eng, err := engine.New(context.Background(), testScope, cache, engine.Config{Sync: model.DefaultSyncConfig()},
		engine.WithLogger(slog.New(slog.DiscardHandler)), engine.WithOwnerDiscovery(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	return eng
}

func dialService(t *testing.T, eng Engine) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := NewServer(eng, NewIdleTracker(0), slog.New(slog.DiscardHandler))

	go func() { _ = srv.GRPCServer.Serve(lis) }()

	t.Cleanup(srv.GRPCServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func mutateReq(t *testing.T, collection, id, payload string) *structpb.Struct {
	t.Helper()

	req, err := v1.Encode(v1.MutateRequest{Collection: collection, ID: id, Payload: json.RawMessage(payload)})
	require.NoError(t, err)

	return req
}

func keyReq(t *testing.T, collection, id string) *structpb.Struct {
	t.Helper()

	req, err := v1.Encode(v1.KeyRequest{Collection: collection, ID: id})
	require.NoError(t, err)

	return req
}

func TestService_MutateGetDelete(t *testing.T) {
	client := v1.NewSyncClient(dialService(t, newTestEngine(t)))
	ctx := context.Background()

	out, err := client.Mutate(ctx, mutateReq(t, "products", "p1", `{"name": "bread", "price": 250}`))
	require.NoError(t, err)

	rec, err := v1.Decode[v1.Record](out)
	require.NoError(t, err)
	assert.Equal(t, "products", rec.Collection)
	assert.Equal(t, "p1", rec.ID)
	assert.JSONEq(t, `{"name":"bread","price":250}`, string(rec.Payload))
	assert.NotZero(t, rec.Version.Wall)
	assert.NotEmpty(t, rec.Version.Device)

	out, err = client.Get(ctx, keyReq(t, "products", "p1"))
	require.NoError(t, err)

	got, err := v1.Decode[v1.Record](out)
	require.NoError(t, err)
	assert.Equal(t, rec.Version, got.Version)

	out, err = client.Delete(ctx, keyReq(t, "products", "p1"))
	require.NoError(t, err)

	tomb, err := v1.Decode[v1.Record](out)
	require.NoError(t, err)
	assert.NotNil(t, tomb.DeletedAt)

	_, err = client.Get(ctx, keyReq(t, "products", "p1"))
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestService_InvalidArguments(t *testing.T) {
	client := v1.NewSyncClient(dialService(t, newTestEngine(t)))
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"bad collection", func() error {
			_, err := client.Mutate(ctx, mutateReq(t, "Bad Name", "p1", `{}`))
			return err
		}},
		{"empty id", func() error {
			_, err := client.Mutate(ctx, mutateReq(t, "products", "", `{}`))
			return err
		}},
		{"missing payload", func() error {
			_, err := client.Mutate(ctx, mutateReq(t, "products", "p1", `null`))
			return err
		}},
		{"delete bad key", func() error {
			_, err := client.Delete(ctx, keyReq(t, "products", ""))
			return err
		}},
		{"scan bad collection", func() error {
			stream, err := client.Scan(ctx, wrapperspb.String("../etc"))
			if err != nil {
				return err
			}

			_, err = stream.Recv()

			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if status.Code(err) != codes.InvalidArgument {
				t.Errorf("code = %v, want InvalidArgument (err %v)", status.Code(err), err)
			}
		})
	}
}

func TestService_ScanAndCollections(t *testing.T) {
	client := v1.NewSyncClient(dialService(t, newTestEngine(t)))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := client.Mutate(ctx, mutateReq(t, "products", id, `{"n":1}`))
		require.NoError(t, err)
	}

	_, err := client.Mutate(ctx, mutateReq(t, "sales", "s1", `{"total":10}`))
	require.NoError(t, err)

	_, err = client.Delete(ctx, keyReq(t, "products", "b"))
	require.NoError(t, err)

	stream, err := client.Scan(ctx, wrapperspb.String("products"))
	require.NoError(t, err)

	var ids []string

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}

		require.NoError(t, err)

		rec, err := v1.Decode[v1.Record](msg)
		require.NoError(t, err)

		ids = append(ids, rec.ID)
	}

	assert.ElementsMatch(t, []string{"a", "c"}, ids)

	list, err := client.Collections(ctx, &emptypb.Empty{})
	require.NoError(t, err)

	var names []string
	for _, v := range list.GetValues() {
		names = append(names, v.GetStringValue())
	}

	assert.ElementsMatch(t, []string{"products", "sales"}, names)
}

func TestService_Status(t *testing.T) {
	eng := newTestEngine(t)
	client := v1.NewSyncClient(dialService(t, eng))
	ctx := context.Background()

	_, err := client.Mutate(ctx, mutateReq(t, "products", "p1", `{"n":1}`))
	require.NoError(t, err)

	out, err := client.Status(ctx, &emptypb.Empty{})
	require.NoError(t, err)

	st, err := v1.Decode[v1.Status](out)
	require.NoError(t, err)
	assert.Equal(t, "idle", st.State)
	assert.Equal(t, eng.Scope().Topic, st.Topic)
	assert.Equal(t, eng.DeviceID(), st.DeviceID)
	assert.Equal(t, 1, st.PendingOutbox)
}

func TestService_Watch(t *testing.T) {
	client := v1.NewSyncClient(dialService(t, newTestEngine(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.Watch(ctx, &emptypb.Empty{})
	require.NoError(t, err)

	_, err = stream.Header()
	require.NoError(t, err)

	_, err = client.Mutate(ctx, mutateReq(t, "products", "w1", `{"n":1}`))
	require.NoError(t, err)

	msg, err := stream.Recv()
	require.NoError(t, err)

	change, err := v1.Decode[v1.Change](msg)
	require.NoError(t, err)
	assert.Equal(t, "local", change.Origin)
	assert.Equal(t, "w1", change.Record.ID)
}

func TestServer_Health(t *testing.T) {
	conn := dialService(t, newTestEngine(t))

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: v1.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"invalid key", model.ErrInvalidRecordKey, codes.InvalidArgument},
		{"not found", model.ErrNotFound, codes.NotFound},
		{"superseded write", errors.Join(engine.ErrStaleVersionIgnored, errors.New("products/p1")), codes.Aborted},
		{"canceled", context.Canceled, codes.Canceled},
		{"other", errors.New("disk full"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, status.Code(toStatus(tt.err, "mutate")))
		})
	}
}
