package credentials

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/iotplane/core/logger"
	"github.com/relabs-tech/iotplane/iot/topic"
)

// Credentials are returned once to the caller of Issue
type Credentials struct {
	CA          string `json:"ca"`
	Certificate string `json:"certificate"`
	Key         string `json:"key"`
}

// TLSMaterial is the PEM encoded key material of the broker listener
type TLSMaterial struct {
	CA   string `json:"ca"`
	Cert string `json:"cert"`
	Key  string `json:"key"`
}

// Observer gets notified about issued and revoked certificates
type Observer interface {
	CertificateIssued(r Record)
	CertificateRevoked(r Record)
}

// Authority issues and revokes device certificates
type Authority struct {
	// mu serializes serial allocation, signing and all ledger mutations
	mu     sync.Mutex
	signer Signer
	ledger Ledger

	crl atomic.Pointer[CRL]

	subscribersMux sync.RWMutex
	subscribers    []func(*CRL)

	caPEM       []byte
	roots       *x509.CertPool
	server      TLSMaterial
	validity    time.Duration
	crlValidity time.Duration
	keyBits     int
	observer    Observer
	now         func() time.Time
}

// Option configures an Authority
type Option func(*Authority)

// WithValidity sets the validity of issued certificates. The default is 365 days.
func WithValidity(d time.Duration) Option {
	return func(a *Authority) { a.validity = d }
}

// WithCRLValidity sets the time until the next update of a CRL. The default is one day.
func WithCRLValidity(d time.Duration) Option {
	return func(a *Authority) { a.crlValidity = d }
}

// WithKeyBits sets the RSA key size of issued certificates. The default is 2048.
func WithKeyBits(bits int) Option {
	return func(a *Authority) { a.keyBits = bits }
}

// WithObserver registers an observer for issued and revoked certificates
func WithObserver(o Observer) Option {
	return func(a *Authority) { a.observer = o }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// WithServerCredentials sets the PEM encoded certificate and key of the broker listener
func WithServerCredentials(certPEM, keyPEM []byte) Option {
	return func(a *Authority) {
		a.server.Cert = string(certPEM)
		a.server.Key = string(keyPEM)
	}
}

// New creates an authority and signs an initial CRL from the ledger
func New(ctx context.Context, signer Signer, ledger Ledger, opts ...Option) (*Authority, error) {
	if signer == nil {
		panic("signer is missing")
	}
	if ledger == nil {
		panic("ledger is missing")
	}
	a := &Authority{
		signer:      signer,
		ledger:      ledger,
		validity:    365 * 24 * time.Hour,
		crlValidity: 24 * time.Hour,
		keyBits:     2048,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.caPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: signer.Certificate().Raw})
	a.server.CA = string(a.caPEM)
	a.roots = x509.NewCertPool()
	a.roots.AddCert(signer.Certificate())

	if err := a.RefreshCRL(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Issue creates a new certificate for subjectCN. On any failure no ledger
// entry is written and a *SigningError is returned.
func (a *Authority) Issue(ctx context.Context, subjectCN string) (*Credentials, error) {
	rlog := logger.FromContext(ctx)
	fail := func(err error) (*Credentials, error) {
		rlog.WithError(err).Errorln("could not create device certificate for", subjectCN)
		return nil, &SigningError{SubjectCN: subjectCN, Err: err}
	}
	if err := topic.ValidIdentity(subjectCN); err != nil {
		return fail(err)
	}

	// this is the part that takes time, it does not need the lock
	key, err := rsa.GenerateKey(rand.Reader, a.keyBits)
	if err != nil {
		return fail(err)
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: subjectCN},
	}, key)
	if err != nil {
		return fail(err)
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return fail(err)
	}

	record, certDER, err := a.sign(ctx, csr)
	if err != nil {
		return fail(err)
	}
	rlog.Infof("issued certificate %s for %s", record.SerialHex(), subjectCN)
	if a.observer != nil {
		a.observer.CertificateIssued(record)
	}

	certPEM := new(bytes.Buffer)
	pem.Encode(certPEM, &pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := new(bytes.Buffer)
	pem.Encode(keyPEM, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &Credentials{
		CA:          string(a.caPEM),
		Certificate: certPEM.String(),
		Key:         keyPEM.String(),
	}, nil
}

// signAttempts bounds the retries when another process sharing the ledger
// took the serial first
const signAttempts = 3

func (a *Authority) sign(ctx context.Context, csr *x509.CertificateRequest) (Record, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 1; ; attempt++ {
		record, der, err := a.signOnce(ctx, csr)
		if errors.Is(err, ErrDuplicateSerial) && attempt < signAttempts {
			logger.FromContext(ctx).Warnf("serial %s taken, retrying", record.SerialHex())
			continue
		}
		return record, der, err
	}
}

func (a *Authority) signOnce(ctx context.Context, csr *x509.CertificateRequest) (Record, []byte, error) {
	serial, err := a.ledger.NextSerial(ctx)
	if err != nil {
		return Record{}, nil, err
	}
	now := a.now()
	notAfter := now.Add(a.validity)
	der, err := a.signer.Sign(csr, serial, now.Add(-time.Minute), notAfter)
	if err != nil {
		return Record{}, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Record{}, nil, err
	}
	if cert.SerialNumber.Cmp(serial) != 0 || cert.Subject.CommonName != csr.Subject.CommonName {
		return Record{}, nil, errors.New("signed certificate does not match the request")
	}
	_, err = cert.Verify(x509.VerifyOptions{
		Roots:       a.roots,
		CurrentTime: now,
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return Record{}, nil, fmt.Errorf("chain verification failed: %w", err)
	}

	record := Record{
		Serial:    serial,
		SubjectCN: csr.Subject.CommonName,
		Status:    StatusValid,
		IssuedAt:  now.UTC().Truncate(time.Second),
		NotAfter:  cert.NotAfter,
	}
	if err := a.ledger.Append(ctx, record); err != nil {
		return record, nil, err
	}
	return record, der, nil
}

// Revoke revokes all valid certificates of subjectCN and publishes a new CRL.
// It is a no-op if there is no valid certificate for subjectCN.
func (a *Authority) Revoke(ctx context.Context, subjectCN string) ([]Record, error) {
	revoked, crl, err := a.revoke(ctx, subjectCN)
	if err != nil || crl == nil {
		return nil, err
	}
	logger.FromContext(ctx).Infof("revoked %d certificate(s) for %s, CRL %s", len(revoked), subjectCN, crl.Number)
	if a.observer != nil {
		for _, r := range revoked {
			a.observer.CertificateRevoked(r)
		}
	}
	a.publish(crl)
	return revoked, nil
}

func (a *Authority) revoke(ctx context.Context, subjectCN string) ([]Record, *CRL, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	records, err := a.ledger.Records(ctx)
	if err != nil {
		return nil, nil, err
	}
	now := a.now().UTC().Truncate(time.Second)
	var revoked []Record
	targets := 0
	for _, r := range records {
		switch {
		case r.Status == StatusRevoked:
			revoked = append(revoked, r)
		case r.SubjectCN == subjectCN:
			r.Status = StatusRevoked
			r.RevokedAt = now
			revoked = append(revoked, r)
			targets++
		}
	}
	if targets == 0 {
		logger.FromContext(ctx).Warnln("no valid certificate to revoke for", subjectCN)
		return nil, nil, nil
	}

	// sign the CRL before touching the ledger, a signing failure leaves everything unchanged
	crl, err := a.buildCRL(ctx, revoked, now)
	if err != nil {
		return nil, nil, &SigningError{SubjectCN: subjectCN, Err: err}
	}
	changed, err := a.ledger.Revoke(ctx, subjectCN, now)
	if err != nil {
		return nil, nil, err
	}
	a.crl.Store(crl)
	return changed, crl, nil
}

// RefreshCRL signs a new CRL with the current ledger state. Call it well
// before CurrentCRL().NextUpdate.
func (a *Authority) RefreshCRL(ctx context.Context) error {
	crl, err := func() (*CRL, error) {
		a.mu.Lock()
		defer a.mu.Unlock()
		records, err := a.ledger.Records(ctx)
		if err != nil {
			return nil, err
		}
		var revoked []Record
		for _, r := range records {
			if r.Status == StatusRevoked {
				revoked = append(revoked, r)
			}
		}
		crl, err := a.buildCRL(ctx, revoked, a.now().UTC().Truncate(time.Second))
		if err != nil {
			return nil, err
		}
		a.crl.Store(crl)
		return crl, nil
	}()
	if err != nil {
		return fmt.Errorf("cannot refresh CRL: %w", err)
	}
	logger.FromContext(ctx).Debugf("signed CRL %s with %d revoked serial(s)", crl.Number, crl.Len())
	a.publish(crl)
	return nil
}

func (a *Authority) buildCRL(ctx context.Context, revoked []Record, now time.Time) (*CRL, error) {
	number, err := a.ledger.NextCRLNumber(ctx)
	if err != nil {
		return nil, err
	}
	nextUpdate := now.Add(a.crlValidity)
	der, err := a.signer.GenerateCRL(revoked, number, now, nextUpdate)
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParseRevocationList(der)
	if err != nil {
		return nil, err
	}
	if err := parsed.CheckSignatureFrom(a.signer.Certificate()); err != nil {
		return nil, err
	}
	return newCRL(number, now, nextUpdate, der, revoked), nil
}

// CurrentCRL returns the latest CRL. It never blocks on issuance or revocation.
func (a *Authority) CurrentCRL() *CRL {
	return a.crl.Load()
}

// Subscribe registers fn to be called with every new CRL. fn is called
// synchronously and must not block.
func (a *Authority) Subscribe(fn func(*CRL)) {
	a.subscribersMux.Lock()
	defer a.subscribersMux.Unlock()
	a.subscribers = append(a.subscribers, fn)
}

func (a *Authority) publish(crl *CRL) {
	a.subscribersMux.RLock()
	subscribers := a.subscribers
	a.subscribersMux.RUnlock()
	for _, fn := range subscribers {
		fn(crl)
	}
}

// Records returns the whole ledger
func (a *Authority) Records(ctx context.Context) ([]Record, error) {
	return a.ledger.Records(ctx)
}

// CACertificatePEM returns the PEM encoded CA certificate
func (a *Authority) CACertificatePEM() []byte {
	return a.caPEM
}

// CAPool returns a pool containing only the CA certificate
func (a *Authority) CAPool() *x509.CertPool {
	return a.roots
}

// MqttTLSConfig returns the key material for the broker listener
func (a *Authority) MqttTLSConfig() TLSMaterial {
	return a.server
}
