/*Package distribution publishes the CA certificate and the revocation list

Publisher stores them through a kss driver, so relying parties can fetch them
from S3 or a shared directory. HandleRoutes serves them over HTTP together with
health, version and metrics routes:

	GET /ca/crl        current CRL, DER encoded. ?format=pem for PEM
	GET /ca/cacerts    CA certificate, PEM encoded
	GET /health        200 while a CRL is available
	GET /version       build version
	GET /metrics       Prometheus metrics
*/
package distribution

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/iotplane/core/kss"
	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/credentials"
)

// Keys of the published objects
const (
	KeyCRLDER = "crl.der"
	KeyCRLPEM = "crl.pem"
	KeyCAPEM  = "ca.pem"
)

// Source provides the objects to distribute
type Source interface {
	CurrentCRL() *credentials.CRL
	CACertificatePEM() []byte
}

// Publisher stores the current CRL and the CA certificate through a kss driver
type Publisher struct {
	driver kss.Driver
	source Source

	mu   sync.Mutex
	last *credentials.CRL
}

// NewPublisher returns a publisher
func NewPublisher(driver kss.Driver, source Source) *Publisher {
	if driver == nil {
		panic("kss driver is missing")
	}
	if source == nil {
		panic("source is missing")
	}
	return &Publisher{driver: driver, source: source}
}

// Publish stores crl and the CA certificate. Lists older than the last
// published one are skipped.
func (p *Publisher) Publish(ctx context.Context, crl *credentials.CRL) error {
	if crl == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last != nil && crl.Number.Cmp(p.last.Number) <= 0 {
		return nil
	}
	if err := p.driver.Put(ctx, KeyCRLDER, crl.DER, "application/pkix-crl"); err != nil {
		return err
	}
	if err := p.driver.Put(ctx, KeyCRLPEM, crl.PEM(), "application/x-pem-file"); err != nil {
		return err
	}
	if err := p.driver.Put(ctx, KeyCAPEM, p.source.CACertificatePEM(), "application/x-pem-file"); err != nil {
		return err
	}
	p.last = crl
	logger.Default().Infof("distribution: published CRL #%v", crl.Number)
	return nil
}

// Notify publishes crl in the background. It can be passed to
// credentials.Authority.Subscribe.
func (p *Publisher) Notify(crl *credentials.CRL) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := p.Publish(ctx, crl); err != nil {
			logger.Default().WithError(err).Errorf("distribution: cannot publish CRL #%v", crl.Number)
		}
	}()
}
