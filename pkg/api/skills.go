package api

import (
	"net/http"

	"github.com/wardenlabs/warden/pkg/growth"
)

type importSkillsBody struct {
	PackageID string               `json:"package_id,omitempty"`
	Source    string               `json:"source,omitempty"`
	Skills    []growth.SkillImport `json:"skills"`
}

func (s *Server) importRequest(r *http.Request, ws string, body importSkillsBody) growth.ImportSkillsRequest {
	ac, _ := AuthFrom(r.Context())
	return growth.ImportSkillsRequest{
		WorkspaceID: ws,
		AgentID:     r.PathValue("agentID"),
		PackageID:   body.PackageID,
		Source:      body.Source,
		Skills:      body.Skills,
		Actor:       ac.Actor,
	}
}

func (s *Server) handleImportSkills(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body importSkillsBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if len(body.Skills) == 0 {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	receipt, err := s.growth.ImportSkills(r.Context(), s.importRequest(r, ac.WorkspaceID, body))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleImportCertifySkills(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body importSkillsBody
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if len(body.Skills) == 0 {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	receipt, err := s.growth.ImportCertify(r.Context(), s.importRequest(r, ac.WorkspaceID, body))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) handleReviewPending(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	n, err := s.growth.ReviewPending(r.Context(), ac.WorkspaceID, r.PathValue("agentID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"moved": n})
}

func (s *Server) handleAssessImported(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	receipt, err := s.growth.AssessImported(r.Context(), ac.WorkspaceID, r.PathValue("agentID"), ac.Actor)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleCertifyImported(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	receipt, err := s.growth.CertifyImported(r.Context(), ac.WorkspaceID, r.PathValue("agentID"), ac.Actor)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleListAgentSkills(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	skills, err := s.growth.ListAgentSkills(r.Context(), ac.WorkspaceID, r.PathValue("agentID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"skills": skills})
}

func (s *Server) handleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	status, err := s.growth.OnboardingStatus(r.Context(), ac.WorkspaceID, r.PathValue("agentID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleOnboardingStatuses(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	statuses, err := s.growth.OnboardingStatuses(r.Context(), ac.WorkspaceID)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"statuses": statuses})
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	packages, err := s.growth.ListPackages(r.Context(), ac.WorkspaceID,
		r.URL.Query().Get("status"), clampLimit(queryInt(r, "limit", 100)))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"packages": packages})
}

func (s *Server) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	pkg, err := s.growth.GetPackage(r.Context(), ac.WorkspaceID, r.PathValue("packageID"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleInstallPackage(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		SourceURI   string         `json:"source_uri"`
		Manifest    map[string]any `json:"manifest"`
		PayloadHash string         `json:"payload_hash,omitempty"`
		Signature   string         `json:"signature,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if len(body.Manifest) == 0 {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	pkg, err := s.growth.InstallPackage(r.Context(), growth.InstallPackageRequest{
		WorkspaceID: ac.WorkspaceID,
		SourceURI:   body.SourceURI,
		Manifest:    body.Manifest,
		PayloadHash: body.PayloadHash,
		Signature:   body.Signature,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handleVerifyPackage(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		PayloadHash string `json:"payload_hash"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	pkg, err := s.growth.VerifyPackage(r.Context(), growth.VerifyPackageRequest{
		WorkspaceID: ac.WorkspaceID,
		PackageID:   r.PathValue("packageID"),
		PayloadHash: body.PayloadHash,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleQuarantinePackage(w http.ResponseWriter, r *http.Request) {
	ac, ok := s.auth(w, r)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if body.Reason == "" {
		writeError(w, http.StatusBadRequest, errBadRequest.code)
		return
	}
	pkg, err := s.growth.QuarantinePackage(r.Context(), growth.QuarantinePackageRequest{
		WorkspaceID: ac.WorkspaceID,
		PackageID:   r.PathValue("packageID"),
		Reason:      body.Reason,
		Actor:       ac.Actor,
	})
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}
