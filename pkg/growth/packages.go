package growth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wardenlabs/warden/pkg/eventlog"
	"github.com/wardenlabs/warden/pkg/store"
)

// Skill package statuses. Quarantined is terminal.
const (
	PackageStatusPending     = "pending"
	PackageStatusVerified    = "verified"
	PackageStatusQuarantined = "quarantined"
)

// Quarantine reasons set by verification.
const (
	QuarantineSignatureRequired = "signature_required"
	QuarantineHashMismatch      = "verify_hash_mismatch"
)

// ErrManifestInvalid rejects installs whose manifest fails the shape check.
var ErrManifestInvalid = errors.New("manifest_missing_required_fields")

const packageManifestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "version", "skills"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"skills": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"category": {"type": "string"},
					"level": {"type": "string"}
				}
			}
		}
	}
}`

var manifestSchema = mustManifestSchema()

func mustManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://warden.schemas.local/skill-package/manifest.schema.json"
	if err := c.AddResource(url, strings.NewReader(packageManifestSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// Package is a skl_packages row.
type Package struct {
	PackageID        string          `json:"package_id"`
	WorkspaceID      string          `json:"workspace_id"`
	Name             string          `json:"name"`
	Version          string          `json:"version"`
	SourceURI        string          `json:"source_uri,omitempty"`
	Manifest         json.RawMessage `json:"manifest"`
	PayloadHash      string          `json:"payload_hash,omitempty"`
	Signature        string          `json:"signature,omitempty"`
	Status           string          `json:"status"`
	QuarantineReason string          `json:"quarantine_reason,omitempty"`
	InstalledAt      time.Time       `json:"installed_at"`
	VerifiedAt       *time.Time      `json:"verified_at,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

const packageColumns = `package_id, workspace_id, name, version, source_uri, manifest,
	payload_hash, signature, status, quarantine_reason, installed_at, verified_at, updated_at`

// InstallPackageRequest registers a skill package in status pending.
type InstallPackageRequest struct {
	WorkspaceID string
	SourceURI   string
	Manifest    map[string]any
	PayloadHash string
	Signature   string
	Actor       eventlog.ActorRef
}

// InstallPackage validates the manifest shape, enforces monotonic
// versions per package name, and records the package as pending.
// Signature and hash are only checked at verify time.
func (s *Service) InstallPackage(ctx context.Context, req InstallPackageRequest) (*Package, error) {
	if req.WorkspaceID == "" {
		return nil, errors.New("growth: workspace_id is required")
	}
	if err := manifestSchema.Validate(req.Manifest); err != nil {
		s.logger.Debug("package manifest rejected", "err", err)
		return nil, ErrManifestInvalid
	}
	name, _ := req.Manifest["name"].(string)
	version, _ := req.Manifest["version"].(string)
	newVersion, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("growth: invalid package version %q: %w", version, err)
	}

	manifest, err := json.Marshal(req.Manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	now := s.clock().UTC()
	pkg := &Package{
		PackageID:   uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Name:        name,
		Version:     version,
		SourceURI:   req.SourceURI,
		Manifest:    manifest,
		PayloadHash: req.PayloadHash,
		Signature:   req.Signature,
		Status:      PackageStatusPending,
		InstalledAt: now,
		UpdatedAt:   now,
	}

	err = store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := enforceMonotonicVersion(ctx, tx, req.WorkspaceID, name, newVersion); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO skl_packages (package_id, workspace_id, name, version, source_uri,
				manifest, payload_hash, signature, status, installed_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
			pkg.PackageID, pkg.WorkspaceID, pkg.Name, pkg.Version, nullIfEmpty(pkg.SourceURI),
			manifest, nullIfEmpty(pkg.PayloadHash), nullIfEmpty(pkg.Signature), pkg.Status, now)
		if err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("growth: package %s@%s already installed", name, version)
			}
			return fmt.Errorf("insert package: %w", err)
		}

		_, err = s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeSkillPackageInstalled,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			StreamType:  eventlog.StreamWorkspace,
			StreamID:    req.WorkspaceID,
			Data: map[string]any{
				"package_id": pkg.PackageID,
				"name":       name,
				"version":    version,
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("skill package installed",
		"workspace_id", req.WorkspaceID, "package_id", pkg.PackageID,
		"name", name, "version", version)
	return pkg, nil
}

// enforceMonotonicVersion denies version rollbacks per package name.
func enforceMonotonicVersion(ctx context.Context, tx *sql.Tx, workspaceID, name string, newVersion *semver.Version) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT version FROM skl_packages WHERE workspace_id = $1 AND name = $2`,
		workspaceID, name)
	if err != nil {
		return fmt.Errorf("list package versions: %w", err)
	}
	defer rows.Close()

	var current *semver.Version
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("scan package version: %w", err)
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if current == nil || v.GreaterThan(current) {
			current = v
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if current != nil && newVersion.LessThan(current) {
		return fmt.Errorf("growth: version rollback from %s to %s denied", current, newVersion)
	}
	return nil
}

// VerifyPackageRequest runs supply-chain checks on a pending package.
// PayloadHash is the hash observed for the fetched payload.
type VerifyPackageRequest struct {
	WorkspaceID string
	PackageID   string
	PayloadHash string
	Actor       eventlog.ActorRef
}

// VerifyPackage moves a pending package to verified, or quarantines it.
// A package without a signature is quarantined outright; a supplied
// payload hash that disagrees with the declared one quarantines too.
// The signature is required to be present, not cryptographically valid.
// Verified and quarantined packages pass through unchanged.
func (s *Service) VerifyPackage(ctx context.Context, req VerifyPackageRequest) (*Package, error) {
	var out *Package
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		pkg, err := getPackageForUpdate(ctx, tx, req.WorkspaceID, req.PackageID)
		if err != nil {
			return err
		}
		if pkg.Status != PackageStatusPending {
			out = pkg
			return nil
		}
		now := s.clock().UTC()

		if pkg.Signature == "" {
			out, err = s.quarantineTx(ctx, tx, pkg, QuarantineSignatureRequired, req.Actor, now)
			return err
		}
		if req.PayloadHash != "" && pkg.PayloadHash != "" && req.PayloadHash != pkg.PayloadHash {
			out, err = s.quarantineTx(ctx, tx, pkg, QuarantineHashMismatch, req.Actor, now)
			return err
		}
		if pkg.PayloadHash == "" && req.PayloadHash != "" {
			pkg.PayloadHash = req.PayloadHash
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE skl_packages
			SET status = $3, payload_hash = $4, verified_at = $5, updated_at = $5
			WHERE workspace_id = $1 AND package_id = $2`,
			req.WorkspaceID, req.PackageID, PackageStatusVerified, nullIfEmpty(pkg.PayloadHash), now,
		); err != nil {
			return fmt.Errorf("mark package verified: %w", err)
		}
		pkg.Status = PackageStatusVerified
		pkg.VerifiedAt = &now
		pkg.UpdatedAt = now

		if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
			EventType:   eventlog.TypeSkillPackageVerified,
			WorkspaceID: req.WorkspaceID,
			Actor:       req.Actor,
			StreamType:  eventlog.StreamWorkspace,
			StreamID:    req.WorkspaceID,
			Data: map[string]any{
				"package_id":   pkg.PackageID,
				"name":         pkg.Name,
				"version":      pkg.Version,
				"payload_hash": pkg.PayloadHash,
			},
		}); err != nil {
			return err
		}
		out = pkg
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("skill package verify finished",
		"workspace_id", req.WorkspaceID, "package_id", req.PackageID, "status", out.Status)
	return out, nil
}

// QuarantinePackageRequest quarantines a package by operator decision.
type QuarantinePackageRequest struct {
	WorkspaceID string
	PackageID   string
	Reason      string
	Actor       eventlog.ActorRef
}

// QuarantinePackage marks the package quarantined. Already quarantined
// packages are returned unchanged.
func (s *Service) QuarantinePackage(ctx context.Context, req QuarantinePackageRequest) (*Package, error) {
	if req.Reason == "" {
		return nil, errors.New("growth: quarantine reason is required")
	}
	var out *Package
	err := store.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		pkg, err := getPackageForUpdate(ctx, tx, req.WorkspaceID, req.PackageID)
		if err != nil {
			return err
		}
		if pkg.Status == PackageStatusQuarantined {
			out = pkg
			return nil
		}
		out, err = s.quarantineTx(ctx, tx, pkg, req.Reason, req.Actor, s.clock().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) quarantineTx(ctx context.Context, tx *sql.Tx, pkg *Package, reason string, actor eventlog.ActorRef, now time.Time) (*Package, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE skl_packages
		SET status = $3, quarantine_reason = $4, updated_at = $5
		WHERE workspace_id = $1 AND package_id = $2`,
		pkg.WorkspaceID, pkg.PackageID, PackageStatusQuarantined, reason, now,
	); err != nil {
		return nil, fmt.Errorf("quarantine package: %w", err)
	}
	pkg.Status = PackageStatusQuarantined
	pkg.QuarantineReason = reason
	pkg.UpdatedAt = now

	s.logger.Warn("skill package quarantined",
		"workspace_id", pkg.WorkspaceID, "package_id", pkg.PackageID, "reason", reason)

	if _, err := s.writer.AppendInTx(ctx, tx, eventlog.AppendRequest{
		EventType:   eventlog.TypeSkillPackageQuarantined,
		WorkspaceID: pkg.WorkspaceID,
		Actor:       actor,
		StreamType:  eventlog.StreamWorkspace,
		StreamID:    pkg.WorkspaceID,
		Data: map[string]any{
			"package_id": pkg.PackageID,
			"name":       pkg.Name,
			"version":    pkg.Version,
			"reason":     reason,
		},
	}); err != nil {
		return nil, err
	}
	return pkg, nil
}

func getPackageForUpdate(ctx context.Context, tx *sql.Tx, workspaceID, packageID string) (*Package, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+packageColumns+` FROM skl_packages
		WHERE workspace_id = $1 AND package_id = $2
		FOR UPDATE`,
		workspaceID, packageID)
	return scanPackage(row)
}

// GetPackage loads one package.
func (s *Service) GetPackage(ctx context.Context, workspaceID, packageID string) (*Package, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+packageColumns+` FROM skl_packages
		WHERE workspace_id = $1 AND package_id = $2`,
		workspaceID, packageID)
	return scanPackage(row)
}

// ListPackages returns packages for the workspace, optionally filtered
// by status, newest install first.
func (s *Service) ListPackages(ctx context.Context, workspaceID, status string, limit int) ([]*Package, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + packageColumns + ` FROM skl_packages WHERE workspace_id = $1`
	args := []any{workspaceID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY installed_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var out []*Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pkg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPackage(row rowScanner) (*Package, error) {
	var (
		pkg        Package
		sourceURI  sql.NullString
		hash       sql.NullString
		signature  sql.NullString
		reason     sql.NullString
		verifiedAt sql.NullTime
	)
	err := row.Scan(&pkg.PackageID, &pkg.WorkspaceID, &pkg.Name, &pkg.Version, &sourceURI,
		&pkg.Manifest, &hash, &signature, &pkg.Status, &reason, &pkg.InstalledAt, &verifiedAt, &pkg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan package: %w", err)
	}
	pkg.SourceURI = sourceURI.String
	pkg.PayloadHash = hash.String
	pkg.Signature = signature.String
	pkg.QuarantineReason = reason.String
	pkg.InstalledAt = pkg.InstalledAt.UTC()
	pkg.UpdatedAt = pkg.UpdatedAt.UTC()
	if verifiedAt.Valid {
		t := verifiedAt.Time.UTC()
		pkg.VerifiedAt = &t
	}
	return &pkg, nil
}
