package growth

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func researchManifest() map[string]any {
	return map[string]any{
		"name":    "research-pack",
		"version": "1.2.0",
		"skills":  []any{map[string]any{"name": "summarize"}, map[string]any{"name": "cite"}},
	}
}

func packageColumnNames() []string {
	return []string{"package_id", "workspace_id", "name", "version", "source_uri", "manifest",
		"payload_hash", "signature", "status", "quarantine_reason", "installed_at", "verified_at", "updated_at"}
}

func pendingPackageRow(hash, signature any) *sqlmock.Rows {
	now := growthClock()
	return sqlmock.NewRows(packageColumnNames()).
		AddRow("pkg-1", "ws-1", "research-pack", "1.2.0", nil, []byte(`{}`),
			hash, signature, PackageStatusPending, nil, now, nil, now)
}

func TestInstallPackageRecordsPending(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("SELECT version FROM skl_packages").
		WithArgs("ws-1", "research-pack").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("1.0.0"))
	h.mock.ExpectExec("INSERT INTO skl_packages").
		WithArgs(sqlmock.AnyArg(), "ws-1", "research-pack", "1.2.0", "s3://packs/research",
			sqlmock.AnyArg(), "sha256:abc", "sig-1", PackageStatusPending, growthClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppend(h.mock, 1) // skill.package.installed
	h.mock.ExpectCommit()

	pkg, err := h.svc.InstallPackage(context.Background(), InstallPackageRequest{
		WorkspaceID: "ws-1",
		SourceURI:   "s3://packs/research",
		Manifest:    researchManifest(),
		PayloadHash: "sha256:abc",
		Signature:   "sig-1",
		Actor:       opsActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, PackageStatusPending, pkg.Status)
	assert.Equal(t, "research-pack", pkg.Name)
	assert.Equal(t, "1.2.0", pkg.Version)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestInstallPackageRejectsManifestWithoutSkills(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	manifest := researchManifest()
	delete(manifest, "skills")

	_, err := h.svc.InstallPackage(context.Background(), InstallPackageRequest{
		WorkspaceID: "ws-1",
		Manifest:    manifest,
		Actor:       opsActor(),
	})
	assert.ErrorIs(t, err, ErrManifestInvalid)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestInstallPackageRejectsBadVersion(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	manifest := researchManifest()
	manifest["version"] = "not-a-version"

	_, err := h.svc.InstallPackage(context.Background(), InstallPackageRequest{
		WorkspaceID: "ws-1",
		Manifest:    manifest,
		Actor:       opsActor(),
	})
	assert.ErrorContains(t, err, "invalid package version")
}

func TestInstallPackageDeniesVersionRollback(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("SELECT version FROM skl_packages").
		WithArgs("ws-1", "research-pack").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("1.0.0").AddRow("2.0.0"))
	h.mock.ExpectRollback()

	_, err := h.svc.InstallPackage(context.Background(), InstallPackageRequest{
		WorkspaceID: "ws-1",
		Manifest:    researchManifest(),
		Actor:       opsActor(),
	})
	assert.ErrorContains(t, err, "rollback from 2.0.0 to 1.2.0")
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestVerifyPackageQuarantinesUnsigned(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM skl_packages").
		WithArgs("ws-1", "pkg-1").
		WillReturnRows(pendingPackageRow("sha256:abc", nil))
	h.mock.ExpectExec("UPDATE skl_packages").
		WithArgs("ws-1", "pkg-1", PackageStatusQuarantined, QuarantineSignatureRequired, growthClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppend(h.mock, 1) // skill.package.quarantined
	h.mock.ExpectCommit()

	pkg, err := h.svc.VerifyPackage(context.Background(), VerifyPackageRequest{
		WorkspaceID: "ws-1",
		PackageID:   "pkg-1",
		PayloadHash: "sha256:abc",
		Actor:       opsActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, PackageStatusQuarantined, pkg.Status)
	assert.Equal(t, QuarantineSignatureRequired, pkg.QuarantineReason)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestVerifyPackageQuarantinesOnHashMismatch(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM skl_packages").
		WithArgs("ws-1", "pkg-1").
		WillReturnRows(pendingPackageRow("sha256:aaa", "sig-1"))
	h.mock.ExpectExec("UPDATE skl_packages").
		WithArgs("ws-1", "pkg-1", PackageStatusQuarantined, QuarantineHashMismatch, growthClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppend(h.mock, 1)
	h.mock.ExpectCommit()

	pkg, err := h.svc.VerifyPackage(context.Background(), VerifyPackageRequest{
		WorkspaceID: "ws-1",
		PackageID:   "pkg-1",
		PayloadHash: "sha256:bbb",
		Actor:       opsActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, PackageStatusQuarantined, pkg.Status)
	assert.Equal(t, QuarantineHashMismatch, pkg.QuarantineReason)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestVerifyPackageMarksSignedPackageVerified(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM skl_packages").
		WithArgs("ws-1", "pkg-1").
		WillReturnRows(pendingPackageRow("sha256:abc", "sig-1"))
	h.mock.ExpectExec("UPDATE skl_packages").
		WithArgs("ws-1", "pkg-1", PackageStatusVerified, "sha256:abc", growthClock()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectAppend(h.mock, 1) // skill.package.verified
	h.mock.ExpectCommit()

	pkg, err := h.svc.VerifyPackage(context.Background(), VerifyPackageRequest{
		WorkspaceID: "ws-1",
		PackageID:   "pkg-1",
		PayloadHash: "sha256:abc",
		Actor:       opsActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, PackageStatusVerified, pkg.Status)
	require.NotNil(t, pkg.VerifiedAt)
	assert.Equal(t, growthClock(), *pkg.VerifiedAt)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestVerifyPackageQuarantineIsTerminal(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	now := growthClock()
	rows := sqlmock.NewRows(packageColumnNames()).
		AddRow("pkg-1", "ws-1", "research-pack", "1.2.0", nil, []byte(`{}`),
			"sha256:abc", "sig-1", PackageStatusQuarantined, QuarantineHashMismatch, now, nil, now)

	h.mock.ExpectBegin()
	h.mock.ExpectQuery("FROM skl_packages").WithArgs("ws-1", "pkg-1").WillReturnRows(rows)
	h.mock.ExpectCommit()

	pkg, err := h.svc.VerifyPackage(context.Background(), VerifyPackageRequest{
		WorkspaceID: "ws-1",
		PackageID:   "pkg-1",
		Actor:       opsActor(),
	})
	require.NoError(t, err)
	assert.Equal(t, PackageStatusQuarantined, pkg.Status)
	assert.Equal(t, QuarantineHashMismatch, pkg.QuarantineReason)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestQuarantinePackageRequiresReason(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	_, err := h.svc.QuarantinePackage(context.Background(), QuarantinePackageRequest{
		WorkspaceID: "ws-1",
		PackageID:   "pkg-1",
		Actor:       opsActor(),
	})
	assert.Error(t, err)
}

func TestListPackagesFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	defer h.close()

	h.mock.ExpectQuery("FROM skl_packages").
		WithArgs("ws-1", PackageStatusQuarantined, 100).
		WillReturnRows(pendingPackageRow("sha256:abc", "sig-1"))

	pkgs, err := h.svc.ListPackages(context.Background(), "ws-1", PackageStatusQuarantined, 0)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, "pkg-1", pkgs[0].PackageID)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}
