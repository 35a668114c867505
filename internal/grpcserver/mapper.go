package grpcserver

import (
	"encoding/json"

	"github.com/inovacc/tillsync/internal/engine"
	"github.com/inovacc/tillsync/internal/model"
	v1 "github.com/inovacc/tillsync/pkg/api/v1"
)

// ModelToRecord converts a model.Record to its API form
func ModelToRecord(rec model.Record) v1.Record {
	out := v1.Record{
		Collection: rec.Collection,
		ID:         rec.ID,
		Version: v1.Version{
			Wall:    rec.Version.WallClock,
			Logical: rec.Version.Logical,
			Device:  rec.Version.DeviceID,
		},
		DeletedAt: rec.DeletedAt,
	}

	switch {
	case len(rec.Payload) == 0:
	case json.Valid(rec.Payload):
		out.Payload = json.RawMessage(rec.Payload)
	default:
		raw, _ := json.Marshal(string(rec.Payload))
		out.Payload = raw
	}

	return out
}

// StatusToView converts an engine.Status to its API form
func StatusToView(st engine.Status) v1.Status {
	out := v1.Status{
		State:         st.State.String(),
		Since:         st.Since,
		Topic:         st.Topic,
		DeviceID:      st.DeviceID,
		Owner:         st.Owner,
		BusinessName:  st.BusinessName,
		Endpoints:     make([]v1.Endpoint, 0, len(st.Endpoints)),
		PendingOutbox: st.PendingOutbox,
		Counters: v1.Counters{
			Applied:                st.Stats.Applied,
			Published:              st.Stats.Published,
			SelfEchoes:             st.Stats.SelfEchoes,
			StaleVersionIgnored:    st.Stats.StaleVersionIgnored,
			AuthenticationFailures: st.Stats.AuthenticationFailures,
			SchemaMismatches:       st.Stats.SchemaMismatches,
			DroppedChanges:         st.Stats.DroppedChanges,
			Received:               st.Transport.Received,
			Duplicates:             st.Transport.Duplicates,
			Invalid:                st.Transport.Invalid,
			Acked:                  st.Transport.Acked,
		},
	}

	for _, ep := range st.Endpoints {
		out.Endpoints = append(out.Endpoints, EndpointToView(ep))
	}

	return out
}

// EndpointToView converts a model.Endpoint to its API form
func EndpointToView(ep model.Endpoint) v1.Endpoint {
	return v1.Endpoint{
		URL:          ep.URL,
		Connected:    ep.Health.Connected,
		Healthy:      ep.Health.Healthy,
		LastSeen:     ep.Health.LastSeen,
		FailureCount: ep.Health.FailureCount,
		NextRetry:    ep.Health.NextRetry,
		LastError:    ep.Health.LastError,
	}
}

// ChangeToView converts an engine.Change to its API form
func ChangeToView(c engine.Change) v1.Change {
	return v1.Change{
		Origin:   c.Origin.String(),
		Endpoint: c.Endpoint,
		Record:   ModelToRecord(c.Record),
	}
}
