package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Phase
		to      Phase
		wantErr bool
	}{
		{name: "discover to categorize", from: PhaseDiscover, to: PhaseCategorize},
		{name: "categorize to transfer", from: PhaseCategorize, to: PhaseTransfer},
		{name: "transfer to verify", from: PhaseTransfer, to: PhaseVerify},
		{name: "verify to finalize", from: PhaseVerify, to: PhaseFinalize},
		{name: "resume to same phase", from: PhaseTransfer, to: PhaseTransfer},
		{name: "no skipping ahead", from: PhaseDiscover, to: PhaseTransfer, wantErr: true},
		{name: "no back edge", from: PhaseVerify, to: PhaseTransfer, wantErr: true},
		{name: "unknown phase", from: PhaseDiscover, to: Phase("warp"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Transition(tt.from, tt.to)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
