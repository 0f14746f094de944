package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

// ServerName is the name certificates are issued for. The ws transport dials the real
// loopback address but verifies the peer against this name.
const ServerName = "workerhost"

// Environment variables carrying TLS material to a worker. Values are base64-encoded PEM.
const (
	EnvCACert = "WORKERHOST_CA_CERT_PEM"
	EnvCert   = "WORKERHOST_CERT_PEM"
	EnvKey    = "WORKERHOST_KEY_PEM"
)

// certLifetime is short because certificates are minted per supervisor run.
const certLifetime = 24 * time.Hour

// TLSMaterial is the PEM-encoded key material one side needs for mTLS.
type TLSMaterial struct {
	CACertPEM []byte
	CertPEM   []byte
	KeyPEM    []byte
}

// Certs holds a throwaway CA together with the worker and front end certificates it
// signed. The keys authorize a connection to the worker, so handle carefully.
type Certs struct {
	CA     TLSMaterial
	Worker TLSMaterial
	Client TLSMaterial
}

// WorkerMaterial returns what the worker needs to serve.
func (c *Certs) WorkerMaterial() TLSMaterial {
	return TLSMaterial{CACertPEM: c.CA.CertPEM, CertPEM: c.Worker.CertPEM, KeyPEM: c.Worker.KeyPEM}
}

// ClientMaterial returns what the front end needs to dial.
func (c *Certs) ClientMaterial() TLSMaterial {
	return TLSMaterial{CACertPEM: c.CA.CertPEM, CertPEM: c.Client.CertPEM, KeyPEM: c.Client.KeyPEM}
}

// Env encodes m as environment entries for a child process.
func (m TLSMaterial) Env() []string {
	enc := base64.StdEncoding.EncodeToString
	return []string{
		EnvCACert + "=" + enc(m.CACertPEM),
		EnvCert + "=" + enc(m.CertPEM),
		EnvKey + "=" + enc(m.KeyPEM),
	}
}

// TLSMaterialFromEnv reads material written by Env. It returns nil if none is set.
func TLSMaterialFromEnv() (*TLSMaterial, error) {
	ca, cert, key := os.Getenv(EnvCACert), os.Getenv(EnvCert), os.Getenv(EnvKey)
	if ca == "" && cert == "" && key == "" {
		return nil, nil
	}
	var m TLSMaterial
	for _, f := range []struct {
		name string
		val  string
		dst  *[]byte
	}{
		{EnvCACert, ca, &m.CACertPEM},
		{EnvCert, cert, &m.CertPEM},
		{EnvKey, key, &m.KeyPEM},
	} {
		b, err := base64.StdEncoding.DecodeString(f.val)
		if err != nil {
			return nil, fmt.Errorf("decoding %s: %w", f.name, err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("%s is empty", f.name)
		}
		*f.dst = b
	}
	return &m, nil
}

func (m TLSMaterial) pool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(m.CACertPEM) {
		return nil, errors.New("no CA certificate found in PEM")
	}
	return pool, nil
}

// ClientConfig builds the front end's side of mTLS.
func (m TLSMaterial) ClientConfig() (*tls.Config, error) {
	pool, err := m.pool()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		RootCAs:      pool,
		ServerName:   ServerName,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ServerConfig builds the worker's side of mTLS. Clients must present a certificate
// signed by the same CA.
func (m TLSMaterial) ServerConfig() (*tls.Config, error) {
	pool, err := m.pool()
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// GenerateCerts mints a CA and a worker and client certificate signed by it.
func GenerateCerts() (*Certs, error) {
	caTmpl, err := template(pkix.Name{CommonName: "workerhost CA"})
	if err != nil {
		return nil, err
	}
	caTmpl.IsCA = true
	caTmpl.BasicConstraintsValid = true
	caTmpl.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	ca, err := issue(caTmpl, caTmpl, caKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	leaf := func(role string) (TLSMaterial, error) {
		tmpl, err := template(pkix.Name{CommonName: ServerName, OrganizationalUnit: []string{role}})
		if err != nil {
			return TLSMaterial{}, err
		}
		tmpl.DNSNames = []string{ServerName}
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return TLSMaterial{}, fmt.Errorf("generating %s key: %w", role, err)
		}
		m, err := issue(tmpl, caTmpl, key, caKey)
		if err != nil {
			return TLSMaterial{}, fmt.Errorf("building %s cert: %w", role, err)
		}
		m.CACertPEM = ca.CertPEM
		return m, nil
	}

	worker, err := leaf("worker")
	if err != nil {
		return nil, err
	}
	client, err := leaf("client")
	if err != nil {
		return nil, err
	}
	ca.CACertPEM = ca.CertPEM
	return &Certs{CA: ca, Worker: worker, Client: client}, nil
}

func template(subject pkix.Name) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(certLifetime),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}, nil
}

func issue(tmpl, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) (TLSMaterial, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return TLSMaterial{}, fmt.Errorf("creating cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return TLSMaterial{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if certPEM == nil || keyPEM == nil {
		return TLSMaterial{}, errors.New("unable to encode PEM")
	}
	return TLSMaterial{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}
