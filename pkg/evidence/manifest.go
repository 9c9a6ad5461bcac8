// Package evidence assembles deterministic run evidence manifests: a 1:1
// summary of a run's event chain and artifacts, hashed over canonical JSON
// so two builds over the same run state produce identical bytes.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wardenlabs/warden/pkg/artifacts"
	"github.com/wardenlabs/warden/pkg/canonical"
	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/run"
	"github.com/wardenlabs/warden/pkg/store"
)

// SchemaVersion tags the manifest layout.
const SchemaVersion = "evidence.manifest.v1"

// EventRef points at one event in the run stream.
type EventRef struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	StreamSeq int64  `json:"stream_seq"`
	EventHash string `json:"event_hash"`
}

// ArtifactRef points at one artifact produced by the run.
type ArtifactRef struct {
	ArtifactID  string `json:"artifact_id"`
	Kind        string `json:"kind,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// Manifest is the deterministic evidence bundle for a run. It carries no
// wall-clock fields: identical run state yields identical bytes.
type Manifest struct {
	SchemaVersion string        `json:"schema_version"`
	WorkspaceID   string        `json:"workspace_id"`
	RunID         string        `json:"run_id"`
	RunStatus     string        `json:"run_status"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	FirstSeq      int64         `json:"first_seq"`
	LastSeq       int64         `json:"last_seq"`
	LastEventHash string        `json:"last_event_hash"`
	Events        []EventRef    `json:"events"`
	Artifacts     []ArtifactRef `json:"artifacts"`
}

// Receipt reports a finalized manifest.
type Receipt struct {
	RunID        string `json:"run_id"`
	ManifestHash string `json:"manifest_hash"`
	BlobDigest   string `json:"blob_digest"`
	EventID      string `json:"event_id"`
	Replayed     bool   `json:"replayed,omitempty"`
}

// Service builds and finalizes manifests.
type Service struct {
	db     *sql.DB
	writer *eventlog.Writer
	events *eventlog.Query
	runs   *run.Service
	blobs  artifacts.BlobStore
	logger *slog.Logger
}

func NewService(db *sql.DB, writer *eventlog.Writer, events *eventlog.Query, runs *run.Service, blobs artifacts.BlobStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, writer: writer, events: events, runs: runs, blobs: blobs, logger: logger}
}

// BuildManifest assembles the manifest for a run's current state.
func (s *Service) BuildManifest(ctx context.Context, workspaceID, runID string) (*Manifest, error) {
	r, err := s.runs.Get(ctx, workspaceID, runID)
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		SchemaVersion: SchemaVersion,
		WorkspaceID:   r.WorkspaceID,
		RunID:         r.RunID,
		RunStatus:     r.Status,
		CorrelationID: r.CorrelationID,
		Events:        []EventRef{},
		Artifacts:     []ArtifactRef{},
	}

	// The run stream is already totally ordered by stream_seq; page until
	// drained so long runs do not truncate the manifest.
	var fromSeq int64
	for {
		batch, err := s.events.Stream(ctx, eventlog.StreamRun, runID, fromSeq, 500)
		if err != nil {
			return nil, fmt.Errorf("evidence: read run stream: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, ev := range batch {
			m.Events = append(m.Events, EventRef{
				EventID:   ev.EventID,
				EventType: ev.EventType,
				StreamSeq: ev.StreamSeq,
				EventHash: ev.EventHash,
			})
		}
		last := batch[len(batch)-1]
		fromSeq = last.StreamSeq + 1
		if len(batch) < 500 {
			break
		}
	}
	if len(m.Events) == 0 {
		return nil, fmt.Errorf("evidence: run %s has no events", runID)
	}
	m.FirstSeq = m.Events[0].StreamSeq
	m.LastSeq = m.Events[len(m.Events)-1].StreamSeq
	m.LastEventHash = m.Events[len(m.Events)-1].EventHash

	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, kind, content_hash, size_bytes FROM proj_artifacts
		WHERE workspace_id = $1 AND run_id = $2
		ORDER BY artifact_id`,
		workspaceID, runID)
	if err != nil {
		return nil, fmt.Errorf("evidence: list artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ref  ArtifactRef
			kind sql.NullString
			hash sql.NullString
			size sql.NullInt64
		)
		if err := rows.Scan(&ref.ArtifactID, &kind, &hash, &size); err != nil {
			return nil, err
		}
		ref.Kind = kind.String
		ref.ContentHash = hash.String
		ref.SizeBytes = size.Int64
		m.Artifacts = append(m.Artifacts, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return m, nil
}

// Hash returns the manifest's canonical SHA-256.
func (m *Manifest) Hash() (string, error) {
	return canonical.Hash(m)
}

// Finalize stores the manifest blob and appends evidence.manifest.created.
// The idempotency key is derived from the manifest hash, so re-finalizing
// an unchanged run replays while a run that grew events finalizes again.
func (s *Service) Finalize(ctx context.Context, workspaceID, runID string, actor eventlog.ActorRef) (*Receipt, error) {
	m, err := s.BuildManifest(ctx, workspaceID, runID)
	if err != nil {
		return nil, err
	}

	data, err := canonical.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("evidence: canonicalize manifest: %w", err)
	}
	hash := canonical.HashBytes(data)

	digest, err := s.blobs.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("evidence: store manifest blob: %w", err)
	}

	res, err := s.writer.Append(ctx, eventlog.AppendRequest{
		EventType:   eventlog.TypeEvidenceManifestCreated,
		WorkspaceID: workspaceID,
		RunID:       runID,
		Actor:       actor,
		StreamType:  eventlog.StreamRun,
		StreamID:    runID,
		Data: map[string]any{
			"manifest_hash":  hash,
			"blob_digest":    digest,
			"schema_version": SchemaVersion,
			"event_count":    len(m.Events),
			"artifact_count": len(m.Artifacts),
			"first_seq":      m.FirstSeq,
			"last_seq":       m.LastSeq,
		},
		CorrelationID:  m.CorrelationID,
		IdempotencyKey: "evidence:" + hash,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("evidence manifest finalized",
		"run_id", runID, "manifest_hash", hash, "events", len(m.Events), "replayed", res.Replayed)
	return &Receipt{
		RunID:        runID,
		ManifestHash: hash,
		BlobDigest:   digest,
		EventID:      res.Event.EventID,
		Replayed:     res.Replayed,
	}, nil
}

// GetBlob fetches a stored manifest by its blob digest.
func (s *Service) GetBlob(ctx context.Context, digest string) (*Manifest, error) {
	data, err := s.blobs.Get(ctx, digest)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("evidence: decode manifest: %w", err)
	}
	return &m, nil
}
