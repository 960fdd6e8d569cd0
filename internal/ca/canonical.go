package ca

import (
	"strconv"

	"esignd/internal/domain"
	"esignd/internal/security"
)

// CanonicalBody is the byte string the authority signs: every certificate
// field except the signature and the revocation state, length-prefixed under
// a fixed domain tag. Times are encoded as Unix nanoseconds so a JSON round
// trip through any time zone yields the same body.
func CanonicalBody(c *domain.Certificate) []byte {
	sum := security.HashDomainSeparated("esignd-certificate-v1",
		[]byte(c.Version),
		[]byte(c.ID),
		[]byte(c.SerialNumber),
		[]byte(c.Subject.OwnerID),
		[]byte(c.Subject.Name),
		[]byte(c.Subject.Organization),
		[]byte(c.Subject.Department),
		[]byte(c.Subject.Email),
		[]byte(c.Issuer.Name),
		[]byte(c.Issuer.Organization),
		[]byte(c.Issuer.Country),
		c.PublicKey,
		[]byte(c.Fingerprint),
		[]byte(c.Algorithm),
		[]byte(strconv.FormatInt(c.IssuedAt.UnixNano(), 10)),
		[]byte(strconv.FormatInt(c.ExpiresAt.UnixNano(), 10)),
	)
	return sum[:]
}
