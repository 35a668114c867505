package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from  State
		to    State
		valid bool
	}{
		{StateIdle, StateDiscovering, true},
		{StateIdle, StateLive, false},
		{StateIdle, StateIdle, false},
		{StateDiscovering, StateBackfilling, true},
		{StateDiscovering, StateDegraded, true},
		{StateDiscovering, StateLive, false},
		{StateBackfilling, StateLive, true},
		{StateBackfilling, StateDegraded, true},
		{StateBackfilling, StateDiscovering, false},
		{StateLive, StateDegraded, true},
		{StateLive, StateBackfilling, false},
		{StateDegraded, StateLive, true},
		{StateDegraded, StateBackfilling, true},
		{StateDegraded, StateDiscovering, false},
		{StateLive, StateIdle, true},
		{StateDegraded, StateIdle, true},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			got, err := tt.from.TransitionTo(tt.to)
			if tt.valid {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, got)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tt.from, got)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "live", StateLive.String())
	assert.Equal(t, "state(42)", State(42).String())
}
