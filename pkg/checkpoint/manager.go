// Package checkpoint persists and recovers pipeline progress so interrupted
// runs continue instead of reprocessing. A checkpoint marks a durably written
// token plus the aggregation buffers in flight at that moment; the latest one
// wins on resume.
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/elspeth-io/elspeth/pkg/canonical"
	"github.com/elspeth-io/elspeth/pkg/config"
	"github.com/elspeth-io/elspeth/pkg/contracts"
	"github.com/elspeth-io/elspeth/pkg/graph"
	"github.com/elspeth-io/elspeth/pkg/landscape"
)

// FormatVersion is the checkpoint payload layout this build writes and the
// only one it reads back.
const FormatVersion = 1

// Manager applies the configured checkpoint frequency to write events and
// persists snapshots through the audit store. One Manager serves one run.
type Manager struct {
	recorder     *landscape.Recorder
	settings     config.CheckpointSettings
	runID        string
	topologyHash string
	dag          *graph.Graph
	logger       *slog.Logger

	written int
}

func NewManager(recorder *landscape.Recorder, dag *graph.Graph, settings config.CheckpointSettings, runID string, logger *slog.Logger) (*Manager, error) {
	topologyHash, err := dag.TopologyHash()
	if err != nil {
		return nil, fmt.Errorf("fingerprinting pipeline topology: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		recorder:     recorder,
		settings:     settings,
		runID:        runID,
		topologyHash: topologyHash,
		dag:          dag,
		logger:       logger,
	}, nil
}

// AfterTokenWritten runs once per token made durable at a sink and decides
// whether this write warrants a checkpoint: every_row always does, every_n
// every Interval-th write, aggregation_only just while buffers hold rows
// that would otherwise be lost.
func (m *Manager) AfterTokenWritten(ctx context.Context, token contracts.TokenInfo, nodeID string, state map[string]any) error {
	m.written++
	switch m.settings.Frequency {
	case contracts.CheckpointEveryN:
		interval := 1
		if m.settings.Interval != nil {
			interval = *m.settings.Interval
		}
		if m.written%interval != 0 {
			return nil
		}
	case contracts.CheckpointAggregationOnly:
		if !holdsBufferedRows(state) {
			return nil
		}
	}
	return m.Save(ctx, token.TokenID, nodeID, state)
}

// Save persists a checkpoint unconditionally, bypassing frequency policy.
// Interrupts and pending batches use it so their state survives regardless
// of cadence.
func (m *Manager) Save(ctx context.Context, tokenID, nodeID string, state map[string]any) error {
	rec, err := m.recorder.SaveCheckpoint(ctx, landscape.CheckpointInput{
		RunID:                m.runID,
		TokenID:              tokenID,
		NodeID:               nodeID,
		State:                state,
		UpstreamTopologyHash: m.topologyHash,
		NodeConfigHash:       m.nodeConfigHash(nodeID),
		FormatVersion:        FormatVersion,
	})
	if err != nil {
		return err
	}
	m.logger.Debug("checkpoint saved",
		"run_id", m.runID,
		"node_id", nodeID,
		"sequence", rec.SequenceNumber)
	return nil
}

// Clear removes the run's checkpoints after successful completion. They are
// working state; the audit trail itself is never touched.
func (m *Manager) Clear(ctx context.Context) error {
	return m.recorder.ClearCheckpoints(ctx, m.runID)
}

func (m *Manager) nodeConfigHash(nodeID string) string {
	node, ok := m.dag.Node(nodeID)
	if !ok {
		return ""
	}
	hash, err := canonical.StableHash(node.Config)
	if err != nil {
		return ""
	}
	return hash
}

// holdsBufferedRows reports whether an aggregation snapshot carries anything
// beyond its version marker.
func holdsBufferedRows(state map[string]any) bool {
	for key := range state {
		if key != "_version" {
			return true
		}
	}
	return false
}
