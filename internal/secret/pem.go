package secret

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"time"

	"github.com/org/pwsafe/pkg/models"
)

// FieldCertificate is the custom field holding a PEM certificate. Items
// carrying one take their expiry from the certificate unless set explicitly.
const FieldCertificate = "certificate"

// certificateExpiry returns the NotAfter of the certificate in p, if any.
func certificateExpiry(p *models.Payload) *time.Time {
	cert, ok := p.CustomFields[FieldCertificate]
	if !ok || cert == "" {
		return nil
	}
	t, err := parseCertExpiry(cert)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// parseCertExpiry extracts NotAfter from the first PEM certificate block.
func parseCertExpiry(pemData string) (time.Time, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return time.Time{}, errors.New("no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, err
	}
	return cert.NotAfter, nil
}
