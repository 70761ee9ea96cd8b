package service

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rewired-gh/fairoracle/internal/compliance"
	"github.com/rewired-gh/fairoracle/internal/models"
)

// RegulationSource supplies the snapshot in force for a jurisdiction.
type RegulationSource interface {
	Snapshot(ctx context.Context, c models.GameplayComplianceContext) (*compliance.RegulationSnapshot, error)
}

// StaticRegulation serves a fixed set of snapshots.
type StaticRegulation struct {
	snapshots []*compliance.RegulationSnapshot
}

func NewStaticRegulation(snapshots ...*compliance.RegulationSnapshot) *StaticRegulation {
	return &StaticRegulation{snapshots: snapshots}
}

// LoadStaticRegulation reads one snapshot document per path.
func LoadStaticRegulation(paths ...string) (*StaticRegulation, error) {
	snaps := make([]*compliance.RegulationSnapshot, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open regulation snapshot: %w", err)
		}
		snap, err := compliance.LoadSnapshot(f)
		f.Close() //nolint:errcheck
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		snaps = append(snaps, snap)
	}
	return NewStaticRegulation(snaps...), nil
}

// Snapshot returns the first snapshot matching the context's state and topic.
// Empty context fields match anything.
func (s *StaticRegulation) Snapshot(_ context.Context, c models.GameplayComplianceContext) (*compliance.RegulationSnapshot, error) {
	for _, snap := range s.snapshots {
		if c.StateCode != "" && !strings.EqualFold(c.StateCode, snap.StateCode()) {
			continue
		}
		if c.Topic != "" && c.Topic != snap.Topic() {
			continue
		}
		return snap, nil
	}
	return nil, fmt.Errorf("%w for %s/%s", compliance.ErrNoSnapshot, c.StateCode, c.Topic)
}
