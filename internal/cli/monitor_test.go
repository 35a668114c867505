package cli

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/inovacc/tillsync/internal/model"
	v1 "github.com/inovacc/tillsync/pkg/api/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status  v1.Status
	err     error
	changes []v1.Change
}

func (f *fakeSource) Status(context.Context) (v1.Status, error) {
	return f.status, f.err
}

func (f *fakeSource) Watch(context.Context) (iter.Seq2[v1.Change, error], error) {
	return func(yield func(v1.Change, error) bool) {
		for _, c := range f.changes {
			if !yield(c, nil) {
				return
			}
		}
	}, nil
}

func TestMonitor_StatusAndChanges(t *testing.T) {
	src := &fakeSource{
		status: v1.Status{
			State:         "live",
			Since:         time.Now(),
			Topic:         "0123456789abcdef0123",
			DeviceID:      "device-1",
			BusinessName:  "Corner Bakery",
			PendingOutbox: 3,
			Endpoints: []v1.Endpoint{
				{URL: "ws://relay-a", Connected: true, Healthy: true},
				{URL: "ws://relay-b", LastError: "refused"},
			},
		},
		changes: []v1.Change{
			{Origin: "remote", Record: v1.Record{Collection: "sales", ID: "s1", Version: v1.Version{Wall: 1000}}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewMonitorModel(ctx, src)
	assert.Contains(t, m.View(), "Connecting")

	next, _ := m.Update(m.fetchStatus())
	m = next.(MonitorModel)

	require.Nil(t, m.startWatch())

	next, _ = m.Update(m.waitForChange())
	m = next.(MonitorModel)

	view := m.View()
	assert.Contains(t, view, "Corner Bakery")
	assert.Contains(t, view, "live")
	assert.Contains(t, view, "3 pending")
	assert.Contains(t, view, "ws://relay-b")
	assert.Contains(t, view, "refused")
	assert.Contains(t, view, "sales/s1")

	next, _ = m.Update(m.waitForChange())
	m = next.(MonitorModel)
	assert.Nil(t, m.watchErr)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	m = next.(MonitorModel)
	assert.NotNil(t, cmd)
	assert.Empty(t, m.View())
}

func TestMonitor_StatusError(t *testing.T) {
	m := NewMonitorModel(context.Background(), &fakeSource{err: errors.New("daemon unavailable")})

	next, _ := m.Update(m.fetchStatus())
	m = next.(MonitorModel)

	assert.Contains(t, m.View(), "daemon unavailable")
}

func TestMonitor_KeepsRecentChanges(t *testing.T) {
	m := NewMonitorModel(context.Background(), &fakeSource{})

	for i := range recentChanges + 5 {
		next, _ := m.Update(changeMsg{change: v1.Change{Record: v1.Record{ID: string(rune('a' + i))}}})
		m = next.(MonitorModel)
	}

	assert.Len(t, m.recent, recentChanges)
	assert.Equal(t, string(rune('a'+recentChanges+4)), m.recent[0].Record.ID)
}

func TestRecordList_Select(t *testing.T) {
	records := []model.Record{
		{Collection: "products", ID: "p1", Payload: []byte(`{"name":"bread"}`)},
		{Collection: "products", ID: "p2", Payload: []byte(`{"name":"milk"}`)},
	}

	m := NewRecordList("products", records)

	next, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	m = next.(RecordListModel)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(RecordListModel)

	require.NotNil(t, m.Selected())
	assert.Equal(t, "p1", m.Selected().ID)
}
