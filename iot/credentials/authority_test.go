package credentials

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMaterial(t *testing.T) *Material {
	t.Helper()
	m, err := Bootstrap(t.TempDir(), BootstrapOptions{KeyBits: 2048, ServerHosts: []string{"localhost", "127.0.0.1"}})
	require.NoError(t, err)
	return m
}

func testAuthority(t *testing.T, opts ...Option) (*Authority, *FileLedger, Signer) {
	t.Helper()
	m := testMaterial(t)
	signer, err := m.Signer()
	require.NoError(t, err)
	ledger, err := OpenFileLedger(t.TempDir())
	require.NoError(t, err)
	a, err := New(context.Background(), signer, ledger, opts...)
	require.NoError(t, err)
	return a, ledger, signer
}

func parseCert(t *testing.T, data string) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode([]byte(data))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

type recordingObserver struct {
	mu      sync.Mutex
	issued  []Record
	revoked []Record
}

func (o *recordingObserver) CertificateIssued(r Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.issued = append(o.issued, r)
}

func (o *recordingObserver) CertificateRevoked(r Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.revoked = append(o.revoked, r)
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	observer := &recordingObserver{}
	a, ledger, signer := testAuthority(t, WithObserver(observer))

	creds, err := a.Issue(ctx, "d1")
	require.NoError(t, err)

	cert := parseCert(t, creds.Certificate)
	assert.Equal(t, "d1", cert.Subject.CommonName)
	assert.Equal(t, 0, cert.SerialNumber.Cmp(big.NewInt(1000)))
	assert.False(t, cert.IsCA)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.NoError(t, cert.CheckSignatureFrom(signer.Certificate()))
	assert.Equal(t, string(a.CACertificatePEM()), creds.CA)

	_, err = tls.X509KeyPair([]byte(creds.Certificate), []byte(creds.Key))
	require.NoError(t, err, "key must belong to the certificate")

	records, err := ledger.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "d1", records[0].SubjectCN)
	assert.Equal(t, StatusValid, records[0].Status)
	assert.Equal(t, "3E8", records[0].SerialHex())

	creds2, err := a.Issue(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, parseCert(t, creds2.Certificate).SerialNumber.Cmp(big.NewInt(1001)))
	assert.Len(t, observer.issued, 2)
}

func TestConcurrentIssuanceYieldsUniqueSerials(t *testing.T) {
	ctx := context.Background()
	a, ledger, _ := testAuthority(t)

	const n = 8
	serials := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, err := a.Issue(ctx, "device")
			if !assert.NoError(t, err) {
				return
			}
			serials <- parseCert(t, creds.Certificate).SerialNumber.String()
		}()
	}
	wg.Wait()
	close(serials)

	seen := map[string]bool{}
	for s := range serials {
		assert.False(t, seen[s], "duplicate serial %s", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
	for i := int64(0); i < n; i++ {
		assert.True(t, seen[big.NewInt(1000+i).String()], "gap at %d", 1000+i)
	}
	records, err := ledger.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, n)
}

func TestIssueRejectsInvalidIdentity(t *testing.T) {
	a, ledger, _ := testAuthority(t)
	_, err := a.Issue(context.Background(), "devices/+")
	var signingErr *SigningError
	require.ErrorAs(t, err, &signingErr)
	records, _ := ledger.Records(context.Background())
	assert.Empty(t, records)
}

type failingSigner struct {
	Signer
	failSign bool
	failCRL  bool
}

func (s *failingSigner) Sign(csr *x509.CertificateRequest, serial *big.Int, notBefore, notAfter time.Time) ([]byte, error) {
	if s.failSign {
		return nil, errors.New("signing tool failed")
	}
	return s.Signer.Sign(csr, serial, notBefore, notAfter)
}

func (s *failingSigner) GenerateCRL(revoked []Record, number *big.Int, thisUpdate, nextUpdate time.Time) ([]byte, error) {
	if s.failCRL {
		return nil, errors.New("crl generation failed")
	}
	return s.Signer.GenerateCRL(revoked, number, thisUpdate, nextUpdate)
}

func TestSigningFailureWritesNothing(t *testing.T) {
	ctx := context.Background()
	m := testMaterial(t)
	signer, err := m.Signer()
	require.NoError(t, err)
	failing := &failingSigner{Signer: signer}
	ledger, err := OpenFileLedger(t.TempDir())
	require.NoError(t, err)
	a, err := New(ctx, failing, ledger)
	require.NoError(t, err)

	failing.failSign = true
	_, err = a.Issue(ctx, "d1")
	var signingErr *SigningError
	require.ErrorAs(t, err, &signingErr)
	assert.Equal(t, "d1", signingErr.SubjectCN)
	records, _ := ledger.Records(ctx)
	assert.Empty(t, records)

	failing.failSign = false
	_, err = a.Issue(ctx, "d1")
	require.NoError(t, err)

	// a failing CRL signature must leave the ledger and the current CRL untouched
	before := a.CurrentCRL()
	failing.failCRL = true
	_, err = a.Revoke(ctx, "d1")
	require.ErrorAs(t, err, &signingErr)
	records, _ = ledger.Records(ctx)
	require.Len(t, records, 1)
	assert.Equal(t, StatusValid, records[0].Status)
	assert.Same(t, before, a.CurrentCRL())
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	observer := &recordingObserver{}
	a, ledger, signer := testAuthority(t, WithObserver(observer))

	var published []*CRL
	a.Subscribe(func(crl *CRL) { published = append(published, crl) })

	c1, err := a.Issue(ctx, "d1")
	require.NoError(t, err)
	c2, err := a.Issue(ctx, "d1")
	require.NoError(t, err)
	c3, err := a.Issue(ctx, "d2")
	require.NoError(t, err)
	initial := a.CurrentCRL()
	assert.Equal(t, 0, initial.Len())

	revoked, err := a.Revoke(ctx, "d1")
	require.NoError(t, err)
	assert.Len(t, revoked, 2)
	assert.Len(t, observer.revoked, 2)

	crl := a.CurrentCRL()
	require.Len(t, published, 1)
	assert.Same(t, crl, published[0])
	assert.True(t, crl.Contains(parseCert(t, c1.Certificate).SerialNumber))
	assert.True(t, crl.Contains(parseCert(t, c2.Certificate).SerialNumber))
	assert.False(t, crl.Contains(parseCert(t, c3.Certificate).SerialNumber))
	assert.Equal(t, 1, crl.Number.Cmp(initial.Number))
	assert.Equal(t, []string{"3E8", "3E9"}, crl.Serials())

	parsed, err := x509.ParseRevocationList(crl.DER)
	require.NoError(t, err)
	require.NoError(t, parsed.CheckSignatureFrom(signer.Certificate()))
	assert.Len(t, parsed.RevokedCertificateEntries, 2)
	block, _ := pem.Decode(crl.PEM())
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)

	records, err := ledger.Records(ctx)
	require.NoError(t, err)
	for _, r := range records {
		if r.SubjectCN == "d1" {
			assert.Equal(t, StatusRevoked, r.Status)
			assert.False(t, r.RevokedAt.IsZero())
		} else {
			assert.Equal(t, StatusValid, r.Status)
		}
	}

	// revoking again is a no-op
	revoked, err = a.Revoke(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, revoked)
	assert.Same(t, crl, a.CurrentCRL())
	assert.Len(t, published, 1)

	// a later revocation keeps the earlier serials on the list
	_, err = a.Revoke(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, 3, a.CurrentCRL().Len())
}

func TestRevokeUnknownSubjectIsNoop(t *testing.T) {
	a, _, _ := testAuthority(t)
	before := a.CurrentCRL()
	revoked, err := a.Revoke(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, revoked)
	assert.Same(t, before, a.CurrentCRL())
}

func TestRefreshCRLAndPersistence(t *testing.T) {
	ctx := context.Background()
	m := testMaterial(t)
	signer, err := m.Signer()
	require.NoError(t, err)
	dir := t.TempDir()
	ledger, err := OpenFileLedger(dir)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	a, err := New(ctx, signer, ledger, WithClock(func() time.Time { return now }), WithCRLValidity(time.Hour))
	require.NoError(t, err)

	_, err = a.Issue(ctx, "d1")
	require.NoError(t, err)
	_, err = a.Revoke(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, now.Add(time.Hour).Equal(a.CurrentCRL().NextUpdate))

	// a new authority on the same ledger continues serials and keeps revocations
	reopened, err := OpenFileLedger(dir)
	require.NoError(t, err)
	b, err := New(ctx, signer, reopened)
	require.NoError(t, err)
	assert.True(t, b.CurrentCRL().Contains(big.NewInt(1000)))
	assert.Equal(t, 1, b.CurrentCRL().Number.Cmp(a.CurrentCRL().Number))

	creds, err := b.Issue(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, parseCert(t, creds.Certificate).SerialNumber.Cmp(big.NewInt(1001)))

	number := b.CurrentCRL().Number
	require.NoError(t, b.RefreshCRL(ctx))
	assert.Equal(t, 1, b.CurrentCRL().Number.Cmp(number))
	assert.True(t, b.CurrentCRL().Contains(big.NewInt(1000)))
}

func TestMqttTLSConfig(t *testing.T) {
	m := testMaterial(t)
	signer, err := m.Signer()
	require.NoError(t, err)
	ledger, err := OpenFileLedger(t.TempDir())
	require.NoError(t, err)
	a, err := New(context.Background(), signer, ledger, WithServerCredentials(m.ServerCertPEM, m.ServerKeyPEM))
	require.NoError(t, err)

	material := a.MqttTLSConfig()
	assert.Equal(t, string(m.CACertPEM), material.CA)
	_, err = tls.X509KeyPair([]byte(material.Cert), []byte(material.Key))
	assert.NoError(t, err)
}

func TestAuthoritiesSharingFileLedger(t *testing.T) {
	ctx := context.Background()
	m := testMaterial(t)
	signer, err := m.Signer()
	require.NoError(t, err)
	dir := t.TempDir()
	open := func() *Authority {
		ledger, err := OpenFileLedger(dir)
		require.NoError(t, err)
		a, err := New(ctx, signer, ledger)
		require.NoError(t, err)
		return a
	}
	server, admin := open(), open()

	_, err = server.Issue(ctx, "d1")
	require.NoError(t, err)
	_, err = admin.Revoke(ctx, "d1")
	require.NoError(t, err)

	// a refresh of the server picks up the revocation of the other process
	require.NoError(t, server.RefreshCRL(ctx))
	assert.True(t, server.CurrentCRL().Contains(big.NewInt(1000)))

	creds, err := server.Issue(ctx, "d2")
	require.NoError(t, err)
	assert.Equal(t, 0, parseCert(t, creds.Certificate).SerialNumber.Cmp(big.NewInt(1001)))

	records, err := admin.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, StatusRevoked, records[0].Status)
	assert.Equal(t, StatusValid, records[1].Status)
}

// racingLedger lets another ledger take the serial right after it was handed out
type racingLedger struct {
	*FileLedger
	other *FileLedger
	races int
}

func (l *racingLedger) NextSerial(ctx context.Context) (*big.Int, error) {
	serial, err := l.FileLedger.NextSerial(ctx)
	if err != nil || l.races == 0 {
		return serial, err
	}
	l.races--
	now := time.Now()
	err = l.other.Append(ctx, Record{Serial: serial, SubjectCN: "other", Status: StatusValid, IssuedAt: now, NotAfter: now})
	return serial, err
}

func TestIssueRetriesTakenSerial(t *testing.T) {
	ctx := context.Background()
	m := testMaterial(t)
	signer, err := m.Signer()
	require.NoError(t, err)
	dir := t.TempDir()
	ledger, err := OpenFileLedger(dir)
	require.NoError(t, err)
	other, err := OpenFileLedger(dir)
	require.NoError(t, err)

	racing := &racingLedger{FileLedger: ledger, other: other, races: 1}
	a, err := New(ctx, signer, racing)
	require.NoError(t, err)
	creds, err := a.Issue(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 0, parseCert(t, creds.Certificate).SerialNumber.Cmp(big.NewInt(1001)))

	racing.races = signAttempts
	_, err = a.Issue(ctx, "d2")
	var signingErr *SigningError
	assert.ErrorAs(t, err, &signingErr)
	assert.ErrorIs(t, err, ErrDuplicateSerial)
}
