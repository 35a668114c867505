package grpcserver

import (
	"testing"
	"time"

	"github.com/inovacc/tillsync/internal/engine"
	"github.com/inovacc/tillsync/internal/model"
	"github.com/inovacc/tillsync/internal/transport"
)

func TestModelToRecord_Payload(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    string
	}{
		{"json object", []byte(`{"a":1}`), `{"a":1}`},
		{"json number", []byte(`42`), `42`},
		{"plain text", []byte(`hello`), `"hello"`},
		{"empty", nil, ``},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ModelToRecord(model.Record{Collection: "c", ID: "1", Payload: tt.payload})
			if string(got.Payload) != tt.want {
				t.Errorf("ModelToRecord().Payload = %s, want %s", got.Payload, tt.want)
			}
		})
	}
}

func TestModelToRecord_Version(t *testing.T) {
	deleted := time.UnixMilli(5000).UTC()
	rec := model.Record{
		Collection: "products",
		ID:         "p1",
		Version:    model.VersionStamp{WallClock: 1700000000000, Logical: 7, DeviceID: "dev"},
		DeletedAt:  &deleted,
	}

	got := ModelToRecord(rec)
	if got.Version.Wall != 1700000000000 || got.Version.Logical != 7 || got.Version.Device != "dev" {
		t.Errorf("ModelToRecord().Version = %+v", got.Version)
	}

	if got.DeletedAt == nil || !got.DeletedAt.Equal(deleted) {
		t.Errorf("ModelToRecord().DeletedAt = %v, want %v", got.DeletedAt, deleted)
	}
}

func TestStatusToView(t *testing.T) {
	st := engine.Status{
		State:    engine.StateLive,
		Topic:    "topic",
		DeviceID: "dev",
		Endpoints: []model.Endpoint{
			{URL: "ws://a", Health: model.EndpointHealth{Connected: true, Healthy: true}},
			{URL: "ws://b", Health: model.EndpointHealth{FailureCount: 3, LastError: "refused"}},
		},
		PendingOutbox: 2,
		Stats:         engine.Stats{Applied: 4, SelfEchoes: 1},
		Transport:     transport.Stats{Received: 9, Duplicates: 2},
	}

	got := StatusToView(st)
	if got.State != "live" {
		t.Errorf("State = %q, want live", got.State)
	}

	if len(got.Endpoints) != 2 || !got.Endpoints[0].Healthy || got.Endpoints[1].LastError != "refused" {
		t.Errorf("Endpoints = %+v", got.Endpoints)
	}

	if got.Counters.Applied != 4 || got.Counters.Received != 9 || got.Counters.Duplicates != 2 {
		t.Errorf("Counters = %+v", got.Counters)
	}

	if got.PendingOutbox != 2 {
		t.Errorf("PendingOutbox = %d, want 2", got.PendingOutbox)
	}
}

func TestChangeToView(t *testing.T) {
	got := ChangeToView(engine.Change{
		Record:   model.Record{Collection: "sales", ID: "s1", Payload: []byte(`{}`)},
		Origin:   engine.OriginRemote,
		Endpoint: "ws://relay",
	})

	if got.Origin != "remote" || got.Endpoint != "ws://relay" || got.Record.ID != "s1" {
		t.Errorf("ChangeToView() = %+v", got)
	}
}
