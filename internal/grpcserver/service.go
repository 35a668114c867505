package grpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"

	"github.com/inovacc/tillsync/internal/engine"
	"github.com/inovacc/tillsync/internal/model"
	v1 "github.com/inovacc/tillsync/pkg/api/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Engine is the part of *engine.Engine the API serves.
type Engine interface {
	Mutate(ctx context.Context, collection, id string, payload []byte) (model.Record, error)
	Delete(ctx context.Context, collection, id string) (model.Record, error)
	Get(ctx context.Context, collection, id string) (*model.Record, error)
	Scan(ctx context.Context, collection string) iter.Seq2[model.Record, error]
	Collections(ctx context.Context) ([]string, error)
	Subscribe() (<-chan engine.Change, func())
	Status(ctx context.Context) (engine.Status, error)
}

// Service implements the v1.SyncServer interface
type Service struct {
	eng Engine
}

var _ v1.SyncServer = (*Service)(nil)

// NewService creates a new gRPC service instance
func NewService(eng Engine) *Service {
	return &Service{eng: eng}
}

// Mutate stores a record and returns the stored version
func (s *Service) Mutate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := v1.Decode[v1.MutateRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if len(in.Payload) == 0 || string(in.Payload) == "null" {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}

	payload, err := compactJSON(in.Payload)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid payload: %v", err)
	}

	rec, err := s.eng.Mutate(ctx, in.Collection, in.ID, payload)
	if err != nil {
		return nil, toStatus(err, "failed to mutate record")
	}

	return encodeRecord(rec)
}

// Delete writes a tombstone
func (s *Service) Delete(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := v1.Decode[v1.KeyRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rec, err := s.eng.Delete(ctx, in.Collection, in.ID)
	if err != nil {
		return nil, toStatus(err, "failed to delete record")
	}

	return encodeRecord(rec)
}

// Get returns a live record
func (s *Service) Get(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := v1.Decode[v1.KeyRequest](req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	rec, err := s.eng.Get(ctx, in.Collection, in.ID)
	if err != nil {
		return nil, toStatus(err, "failed to get record")
	}

	return encodeRecord(*rec)
}

// Collections lists the collections that hold records
func (s *Service) Collections(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	names, err := s.eng.Collections(ctx)
	if err != nil {
		return nil, toStatus(err, "failed to list collections")
	}

	values := make([]*structpb.Value, 0, len(names))
	for _, name := range names {
		values = append(values, structpb.NewStringValue(name))
	}

	return &structpb.ListValue{Values: values}, nil
}

// Status reports the engine status
func (s *Service) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.eng.Status(ctx)
	if err != nil {
		return nil, toStatus(err, "failed to read status")
	}

	out, err := v1.Encode(StatusToView(st))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return out, nil
}

// Scan streams the live records of one collection
func (s *Service) Scan(req *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if !model.ValidCollection(req.GetValue()) {
		return status.Errorf(codes.InvalidArgument, "invalid collection %q", req.GetValue())
	}

	ctx := stream.Context()

	for rec, err := range s.eng.Scan(ctx, req.GetValue()) {
		if err != nil {
			return toStatus(err, "failed to scan collection")
		}

		out, err := encodeRecord(rec)
		if err != nil {
			return err
		}

		if err := stream.Send(out); err != nil {
			return err
		}
	}

	return nil
}

// Watch streams every change until the client goes away or the engine closes
func (s *Service) Watch(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	changes, cancel := s.eng.Subscribe()
	defer cancel()

	// headers tell the client the subscription is in place
	if err := stream.SendHeader(metadata.MD{}); err != nil {
		return err
	}

	ctx := stream.Context()

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return status.Error(codes.Unavailable, "engine closed")
			}

			out, err := v1.Encode(ChangeToView(c))
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}

			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}

func encodeRecord(rec model.Record) (*structpb.Struct, error) {
	out, err := v1.Encode(ModelToRecord(rec))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}

	return out, nil
}

func compactJSON(raw json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// toStatus maps engine errors to gRPC codes.
func toStatus(err error, msg string) error {
	switch {
	case errors.Is(err, model.ErrInvalidRecordKey):
		return status.Errorf(codes.InvalidArgument, "%s: %v", msg, err)
	case errors.Is(err, model.ErrNotFound):
		return status.Errorf(codes.NotFound, "%s: %v", msg, err)
	case errors.Is(err, engine.ErrStaleVersionIgnored):
		return status.Errorf(codes.Aborted, "%s: %v", msg, err)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: %v", msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: %v", msg, err)
	default:
		return status.Errorf(codes.Internal, "%s: %v", msg, err)
	}
}
