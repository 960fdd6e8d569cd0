package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"text/template"
	"time"

	"esignd/internal/domain"
	"esignd/internal/schemavalidation"
	"esignd/internal/tracing"
)

// Bundle export formats.
const (
	BundleJSON    = "json"
	BundlePDFStub = "pdf-stub"
)

// BundleVersion is the version of the JSON bundle layout.
const BundleVersion = "1.0"

// DocumentFingerprint identifies the signed digest independently of the signature.
type DocumentFingerprint struct {
	SHA256    string    `json:"sha256"`
	Created   time.Time `json:"created"`
	Algorithm string    `json:"algorithm"`
	Length    int       `json:"length"`
}

// Bundle is everything a third party needs to check a signature offline.
type Bundle struct {
	Version             string                  `json:"version"`
	ExportedAt          time.Time               `json:"exportedAt"`
	Signature           *domain.Signature       `json:"signature"`
	Certificate         *domain.Certificate     `json:"certificate"`
	TimestampRecord     *domain.TimestampRecord `json:"timestampRecord"`
	DocumentFingerprint DocumentFingerprint     `json:"documentFingerprint"`
	AuditTrail          []*domain.AuditEvent    `json:"auditTrail"`
}

// SignatureBundle assembles the bundle for signatureID.
// Certificate is nil when the signing key was never certified.
func (c *SignatureCore) SignatureBundle(ctx context.Context, signatureID string) (*Bundle, error) {
	sig, err := c.engine.Get(ctx, signatureID)
	if err != nil {
		return nil, err
	}
	cert, err := c.ca.FindByPublicKey(ctx, sig.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("bundle certificate: %w", err)
	}
	trail, err := c.trail.ForSubject(ctx, sig.ID)
	if err != nil {
		return nil, fmt.Errorf("bundle audit trail: %w", err)
	}
	if trail == nil {
		trail = []*domain.AuditEvent{}
	}

	sum := sha256.Sum256([]byte(sig.DataHash))
	return &Bundle{
		Version:         BundleVersion,
		ExportedAt:      c.now().UTC(),
		Signature:       sig,
		Certificate:     cert,
		TimestampRecord: sig.TimestampRecord,
		DocumentFingerprint: DocumentFingerprint{
			SHA256:    hex.EncodeToString(sum[:]),
			Created:   c.now().UTC(),
			Algorithm: domain.HashAlgorithm,
			Length:    len(sig.DataHash),
		},
		AuditTrail: trail,
	}, nil
}

// ExportSignatureBundle renders the bundle of signatureID as json or pdf-stub.
// The json form is checked against the published bundle schema before it leaves.
func (c *SignatureCore) ExportSignatureBundle(ctx context.Context, actorID, signatureID, format string) ([]byte, error) {
	return tracing.Run(ctx, c.tracer, "core.ExportSignatureBundle", func(ctx context.Context) ([]byte, error) {
		return c.exportBundle(ctx, actorID, signatureID, format)
	}, tracing.WithAttribute("format", format), tracing.WithAttribute("signature_id", signatureID))
}

func (c *SignatureCore) exportBundle(ctx context.Context, actorID, signatureID, format string) ([]byte, error) {
	if format != BundleJSON && format != BundlePDFStub {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedFormat, format)
	}
	b, err := c.SignatureBundle(ctx, signatureID)
	if err != nil {
		return nil, err
	}

	var out []byte
	switch format {
	case BundleJSON:
		out, err = json.MarshalIndent(b, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode bundle: %w", err)
		}
		if err := schemavalidation.Validate(schemavalidation.SignatureBundleV1, out); err != nil {
			c.log.ErrorContext(ctx, "bundle failed schema validation", "signature_id", signatureID, "error", err)
			return nil, fmt.Errorf("bundle schema: %w", err)
		}
	case BundlePDFStub:
		out, err = renderStub(b)
		if err != nil {
			return nil, err
		}
	}

	if actorID == "" {
		actorID = b.Signature.OwnerID
	}
	c.recorder.Record(ctx, domain.NewEvent(domain.EventExport, actorID, signatureID, domain.SeverityInfo,
		"signature bundle exported", map[string]string{"format": format, "documentId": b.Signature.DocumentID}))
	return out, nil
}

var stubTemplate = template.Must(template.New("bundle").Funcs(template.FuncMap{
	"rfc3339": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
	"hex":     func(b []byte) string { return hex.EncodeToString(b) },
}).Parse(`ELECTRONIC SIGNATURE CERTIFICATE
===============================

Signature ID:    {{.Signature.ID}}
Signer:          {{.Signature.OwnerID}}
Document:        {{with .Signature.DocumentID}}{{.}}{{else}}(none){{end}} ({{.Signature.DocumentType}})
Signed at:       {{rfc3339 .Signature.Timestamp}}
Algorithm:       {{.Signature.Algorithm}}
Data hash:       {{.Signature.DataHash}}
Valid:           {{if .Signature.IsValid}}yes{{else}}no{{end}}
Signature value: {{hex .Signature.SignatureValue}}

Certificate
-----------
{{with .Certificate -}}
Holder:          {{.Subject.Name}} <{{.Subject.Email}}>
Organization:    {{.Subject.Organization}} / {{.Subject.Department}}
Issuer:          {{.Issuer.Name}} ({{.Issuer.Organization}}{{with .Issuer.Country}}, {{.}}{{end}})
Serial:          {{.SerialNumber}}
Fingerprint:     {{.Fingerprint}}
Valid from:      {{rfc3339 .IssuedAt}}
Valid until:     {{rfc3339 .ExpiresAt}}
Status:          {{if .IsActive}}active{{else}}revoked ({{.RevocationReason}}){{end}}
{{- else -}}
No certificate was issued for the signing key.
{{- end}}

Timestamp
---------
{{with .TimestampRecord -}}
Authority:       {{.AuthorityName}}
Time:            {{rfc3339 .Timestamp}} ({{.Timezone}}, ±{{.AccuracyMs}}ms)
Binding hash:    {{.Hash}}
{{- end}}

Document fingerprint
--------------------
{{.DocumentFingerprint.Algorithm}}: {{.DocumentFingerprint.SHA256}}

Audit trail
-----------
{{range .AuditTrail -}}
{{rfc3339 .Timestamp}}  {{printf "%-20s" .Type}} {{.ActorID}}  {{.Description}}
{{else -}}
(no events)
{{end}}
Exported {{rfc3339 .ExportedAt}}. This document is a human-readable summary;
the JSON bundle is authoritative.
`))

func renderStub(b *Bundle) ([]byte, error) {
	var buf bytes.Buffer
	if err := stubTemplate.Execute(&buf, b); err != nil {
		return nil, fmt.Errorf("render bundle: %w", err)
	}
	return buf.Bytes(), nil
}
