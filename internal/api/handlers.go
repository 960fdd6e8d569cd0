package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"esignd/internal/audit"
	"esignd/internal/ca"
	"esignd/internal/core"
	"esignd/internal/domain"
	"esignd/internal/health"
	"esignd/internal/workflow"
)

type issueCertificateRequest struct {
	OwnerID      string `json:"ownerId" binding:"required"`
	Name         string `json:"name" binding:"required"`
	Organization string `json:"organization"`
	Department   string `json:"department"`
	Email        string `json:"email"`
	ValidityDays int    `json:"validityDays" binding:"gte=0"`
	RotateKey    bool   `json:"rotateKey"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// Content fields are base64 in JSON, which []byte decodes natively.
type signRequest struct {
	OwnerID      string            `json:"ownerId" binding:"required"`
	Content      []byte            `json:"content"`
	DocumentID   string            `json:"documentId"`
	DocumentType string            `json:"documentType"`
	Metadata     map[string]string `json:"metadata"`
}

type contentRequest struct {
	Content []byte `json:"content"`
}

type verifyRequest struct {
	Signature *domain.Signature `json:"signature" binding:"required"`
	Content   []byte            `json:"content"`
}

type verifyResponse struct {
	Valid     bool              `json:"valid"`
	Signature *domain.Signature `json:"signature,omitempty"`
}

type startWorkflowRequest struct {
	DocumentID      string          `json:"documentId" binding:"required"`
	DocumentType    string          `json:"documentType"`
	RequiredSigners []domain.Signer `json:"requiredSigners" binding:"required,min=1"`
	OptionalSigners []domain.Signer `json:"optionalSigners"`
}

// recordSignatureRequest attaches an existing signature when SignatureID is
// set, otherwise signs Content as SignerID.
type recordSignatureRequest struct {
	SignerID    string `json:"signerId" binding:"required"`
	SignatureID string `json:"signatureId"`
	Content     []byte `json:"content"`
}

type rejectionRequest struct {
	SignerID string `json:"signerId" binding:"required"`
	Reason   string `json:"reason"`
}

type accessRequest struct {
	ActorID string `json:"actorId"`
	Action  string `json:"action"`
}

type workflowResponse struct {
	*domain.Workflow
	Progress   float64        `json:"progress"`
	NextSigner *domain.Signer `json:"nextSigner,omitempty"`
}

type recordSignatureResponse struct {
	Workflow  workflowResponse  `json:"workflow"`
	Signature *domain.Signature `json:"signature,omitempty"`
}

func describeWorkflow(wf *domain.Workflow) workflowResponse {
	out := workflowResponse{Workflow: wf, Progress: workflow.Progress(wf)}
	if next, ok := workflow.NextPendingSigner(wf); ok {
		out.NextSigner = &next
	}
	return out
}

func (s *Server) handleHealth(c *gin.Context) {
	report := s.health.Report(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.health.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Server) handleAuthority(c *gin.Context) {
	c.JSON(http.StatusOK, s.core.Authorities())
}

// Certificates.

func (s *Server) handleIssueCertificate(c *gin.Context) {
	var req issueCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	cert, err := s.core.IssueCertificate(c.Request.Context(), req.OwnerID, req.Name, ca.Attributes{
		Organization: req.Organization,
		Department:   req.Department,
		Email:        req.Email,
		Validity:     time.Duration(req.ValidityDays) * 24 * time.Hour,
		RotateKey:    req.RotateKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cert)
}

func (s *Server) handleListCertificates(c *gin.Context) {
	certs, err := s.core.ListCertificates(c.Request.Context(), c.Query("owner"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, certs)
}

func (s *Server) handleGetCertificate(c *gin.Context) {
	cert, err := s.core.GetCertificate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (s *Server) handleRevokeCertificate(c *gin.Context) {
	var req revokeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	cert, err := s.core.RevokeCertificate(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

func (s *Server) handleValidateCertificate(c *gin.Context) {
	v, err := s.core.ValidateCertificate(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleKeyHistory(c *gin.Context) {
	keys, err := s.core.KeyHistory(c.Request.Context(), c.Param("owner"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, keys)
}

// Signatures.

func (s *Server) handleSign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sig, err := s.core.Sign(c.Request.Context(), req.Content, req.OwnerID, domain.SignatureMetadata{
		DocumentID:   req.DocumentID,
		DocumentType: req.DocumentType,
		Extra:        req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sig)
}

func (s *Server) handleListSignatures(c *gin.Context) {
	sigs, err := s.core.ListSignatures(c.Request.Context(), domain.SignatureFilter{
		OwnerID:    c.Query("owner"),
		DocumentID: c.Query("document"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sigs)
}

func (s *Server) handleGetSignature(c *gin.Context) {
	sig, err := s.core.GetSignature(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sig)
}

// handleVerify checks a caller-supplied signature. An invalid signature is a
// normal 200 response with valid=false.
func (s *Server) handleVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyResponse{Valid: s.core.Verify(c.Request.Context(), req.Signature, req.Content)})
}

func (s *Server) handleVerifyStored(c *gin.Context) {
	var req contentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sig, err := s.core.VerifyStored(c.Request.Context(), c.Param("id"), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, verifyResponse{Valid: sig.IsValid, Signature: sig})
}

func (s *Server) handleExportBundle(c *gin.Context) {
	format := c.DefaultQuery("format", core.BundleJSON)
	out, err := s.core.ExportSignatureBundle(c.Request.Context(), actor(c), c.Param("id"), format)
	if err != nil {
		writeError(c, err)
		return
	}
	if format == core.BundlePDFStub {
		c.Header("Content-Disposition", `attachment; filename="signature-`+c.Param("id")+`.txt"`)
		c.Data(http.StatusOK, "text/plain; charset=utf-8", out)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

// Workflows.

func (s *Server) handleStartWorkflow(c *gin.Context) {
	var req startWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	wf, err := s.core.StartWorkflow(c.Request.Context(), req.DocumentID, req.DocumentType, req.RequiredSigners, req.OptionalSigners)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, describeWorkflow(wf))
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	flows, err := s.core.ListWorkflows(c.Request.Context(), c.Query("document"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]workflowResponse, 0, len(flows))
	for _, wf := range flows {
		out = append(out, describeWorkflow(wf))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	wf, err := s.core.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, describeWorkflow(wf))
}

func (s *Server) handleRecordSignature(c *gin.Context) {
	var req recordSignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	var (
		wf  *domain.Workflow
		sig *domain.Signature
		err error
	)
	if req.SignatureID != "" {
		wf, err = s.core.RecordSignature(ctx, c.Param("id"), req.SignerID, req.SignatureID)
	} else {
		wf, sig, err = s.core.SignWorkflow(ctx, c.Param("id"), req.SignerID, req.Content)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordSignatureResponse{Workflow: describeWorkflow(wf), Signature: sig})
}

func (s *Server) handleRecordRejection(c *gin.Context) {
	var req rejectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	wf, err := s.core.RecordRejection(c.Request.Context(), c.Param("id"), req.SignerID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, describeWorkflow(wf))
}

func (s *Server) handleDocumentAccess(c *gin.Context) {
	var req accessRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.ActorID == "" {
		req.ActorID = actor(c)
	}
	if err := s.core.RecordDocumentAccess(c.Request.Context(), req.ActorID, c.Param("id"), req.Action); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Audit.

func bindFilter(c *gin.Context) (audit.Filter, bool) {
	var f audit.Filter
	if err := c.ShouldBindQuery(&f); err != nil {
		badRequest(c, err)
		return f, false
	}
	return f, true
}

func (s *Server) handleAuditEvents(c *gin.Context) {
	f, ok := bindFilter(c)
	if !ok {
		return
	}
	events, err := s.core.AuditEvents(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []*domain.AuditEvent{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleAuditExport(c *gin.Context) {
	f, ok := bindFilter(c)
	if !ok {
		return
	}
	format := c.DefaultQuery("format", audit.FormatJSON)
	out, err := s.core.ExportAuditLog(c.Request.Context(), actor(c), f, format)
	if err != nil {
		writeError(c, err)
		return
	}
	if format == audit.FormatCSV {
		c.Header("Content-Disposition", `attachment; filename="audit.csv"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", out)
		return
	}
	c.Data(http.StatusOK, "application/json", out)
}

func (s *Server) handleAnomalies(c *gin.Context) {
	f, ok := bindFilter(c)
	if !ok {
		return
	}
	found, err := s.core.DetectAnomalies(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if found == nil {
		found = []audit.Anomaly{}
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) handleAuditStats(c *gin.Context) {
	f, ok := bindFilter(c)
	if !ok {
		return
	}
	stats, err := s.core.AuditStats(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleVerifyAuditChain(c *gin.Context) {
	report, err := s.core.VerifyAuditChain(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
