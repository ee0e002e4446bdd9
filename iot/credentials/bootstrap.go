package credentials

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/relabs-tech/iotplane/core/logger"
)

// File names of the key material below the CA directory
const (
	CACertFile     = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
)

// BootstrapOptions control the creation of missing key material
type BootstrapOptions struct {
	// CommonName of a newly created CA. Default "iotplane CA"
	CommonName string
	// ServerHosts are DNS names or IP addresses of the broker. Default "localhost"
	ServerHosts []string
	// KeyBits for new CA and server keys. Default 4096
	KeyBits int
	// CAValidity of a newly created CA. Default 10 years
	CAValidity time.Duration
	// ServerValidity of a newly created server certificate. Default 2 years
	ServerValidity time.Duration
}

// Material is the loaded key material of the CA and the broker
type Material struct {
	Dir           string
	CACert        *x509.Certificate
	CAKey         crypto.Signer
	CACertPEM     []byte
	ServerCertPEM []byte
	ServerKeyPEM  []byte
}

// Bootstrap loads the key material from dir. Missing CA or server material is
// created. Existing material is validated; unusable material yields a
// *ConfigurationError.
func Bootstrap(dir string, opts BootstrapOptions) (*Material, error) {
	if opts.CommonName == "" {
		opts.CommonName = "iotplane CA"
	}
	if len(opts.ServerHosts) == 0 {
		opts.ServerHosts = []string{"localhost"}
	}
	if opts.KeyBits == 0 {
		opts.KeyBits = 4096
	}
	if opts.CAValidity == 0 {
		opts.CAValidity = 10 * 365 * 24 * time.Hour
	}
	if opts.ServerValidity == 0 {
		opts.ServerValidity = 2 * 365 * 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	m := &Material{Dir: dir}
	caCertPath, caKeyPath := filepath.Join(dir, CACertFile), filepath.Join(dir, CAKeyFile)
	certExists, keyExists := exists(caCertPath), exists(caKeyPath)

	switch {
	case !certExists && !keyExists:
		logger.Default().Infoln("creating new certificate authority in", dir)
		if err := m.createCA(opts); err != nil {
			return nil, err
		}
	case certExists != keyExists:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("only one of %s and %s exists", CACertFile, CAKeyFile)}
	default:
		if err := m.loadCA(); err != nil {
			return nil, err
		}
	}
	if err := validateCA(m.CACert, m.CAKey); err != nil {
		return nil, err
	}

	serverCertPath, serverKeyPath := filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile)
	certExists, keyExists = exists(serverCertPath), exists(serverKeyPath)
	switch {
	case !certExists && !keyExists:
		logger.Default().Infoln("creating new server certificate for", opts.ServerHosts)
		if err := m.createServer(opts); err != nil {
			return nil, err
		}
	case certExists != keyExists:
		return nil, &ConfigurationError{Reason: fmt.Sprintf("only one of %s and %s exists", ServerCertFile, ServerKeyFile)}
	default:
		var err error
		if m.ServerCertPEM, err = os.ReadFile(serverCertPath); err != nil {
			return nil, err
		}
		if m.ServerKeyPEM, err = os.ReadFile(serverKeyPath); err != nil {
			return nil, err
		}
	}
	if err := m.validateServer(); err != nil {
		return nil, err
	}
	return m, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

func (m *Material) createCA(opts BootstrapOptions) error {
	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: opts.CommonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.CAValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign | x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	if m.CACert, err = x509.ParseCertificate(der); err != nil {
		return err
	}
	m.CAKey = key
	m.CACertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(m.Dir, CAKeyFile),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(m.Dir, CACertFile), m.CACertPEM, 0644)
}

func (m *Material) loadCA() error {
	var err error
	m.CACertPEM, err = os.ReadFile(filepath.Join(m.Dir, CACertFile))
	if err != nil {
		return err
	}
	block, _ := pem.Decode(m.CACertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return &ConfigurationError{Reason: CACertFile + " is not a PEM certificate"}
	}
	if m.CACert, err = x509.ParseCertificate(block.Bytes); err != nil {
		return &ConfigurationError{Reason: "cannot parse " + CACertFile, Err: err}
	}
	keyPEM, err := os.ReadFile(filepath.Join(m.Dir, CAKeyFile))
	if err != nil {
		return err
	}
	if m.CAKey, err = ParsePrivateKey(keyPEM); err != nil {
		return &ConfigurationError{Reason: "cannot parse " + CAKeyFile, Err: err}
	}
	return nil
}

// ParsePrivateKey parses a PEM encoded PKCS8, PKCS1 or EC private key
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM data found")
	}
	var (
		key interface{}
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	return signer, nil
}

func (m *Material) createServer(opts BootstrapOptions) error {
	key, err := rsa.GenerateKey(rand.Reader, opts.KeyBits)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: opts.ServerHosts[0]},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(opts.ServerValidity),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range opts.ServerHosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, template, m.CACert, &key.PublicKey, m.CAKey)
	if err != nil {
		return err
	}
	m.ServerCertPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	m.ServerKeyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := writeFileAtomic(filepath.Join(m.Dir, ServerKeyFile), m.ServerKeyPEM, 0600); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(m.Dir, ServerCertFile), m.ServerCertPEM, 0644)
}

func (m *Material) validateServer() error {
	crt, err := m.ServerCertificate()
	if err != nil {
		return &ConfigurationError{Reason: "server certificate and key do not match", Err: err}
	}
	leaf, err := x509.ParseCertificate(crt.Certificate[0])
	if err != nil {
		return &ConfigurationError{Reason: "cannot parse " + ServerCertFile, Err: err}
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:     m.CAPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return &ConfigurationError{Reason: "server certificate is not signed by the CA", Err: err}
	}
	return nil
}

// Signer returns the signer for the CA key
func (m *Material) Signer() (Signer, error) {
	return NewSigner(m.CACert, m.CAKey)
}

// ServerCertificate returns the broker's TLS certificate
func (m *Material) ServerCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(m.ServerCertPEM, m.ServerKeyPEM)
}

// CAPool returns a pool containing only the CA certificate
func (m *Material) CAPool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(m.CACert)
	return pool
}
