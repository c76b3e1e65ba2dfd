// Package tlsutil builds mTLS configs for the host <-> rendering service link
// and generates throwaway certs for tests and local development.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// ServerName is the DNS name baked into generated server certs.
const ServerName = "ssr-server"

// Certs contains the client and server certs and keys for mTLS between a host and the
// rendering service. This contains the secrets used for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

// Files are PEM file paths, as found in configuration.
type Files struct {
	CACert string
	Cert   string
	Key    string
}

func (f Files) Empty() bool {
	return f.CACert == "" && f.Cert == "" && f.Key == ""
}

func (f Files) read() (ca, cert, key []byte, err error) {
	if f.CACert == "" || f.Cert == "" || f.Key == "" {
		return nil, nil, nil, errors.New("CA cert, cert and key must all be set")
	}
	if ca, err = os.ReadFile(f.CACert); err != nil {
		return nil, nil, nil, fmt.Errorf("reading CA cert: %w", err)
	}
	if cert, err = os.ReadFile(f.Cert); err != nil {
		return nil, nil, nil, fmt.Errorf("reading cert: %w", err)
	}
	if key, err = os.ReadFile(f.Key); err != nil {
		return nil, nil, nil, fmt.Errorf("reading key: %w", err)
	}
	return ca, cert, key, nil
}

// LoadClientConfig returns nil, nil when no files are configured.
func LoadClientConfig(f Files) (*tls.Config, error) {
	if f.Empty() {
		return nil, nil
	}
	ca, cert, key, err := f.read()
	if err != nil {
		return nil, err
	}
	return ClientTLSConfig(ca, cert, key)
}

// LoadServerConfig returns nil, nil when no files are configured.
func LoadServerConfig(f Files) (*tls.Config, error) {
	if f.Empty() {
		return nil, nil
	}
	ca, cert, key, err := f.read()
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(ca, cert, key)
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   ServerName,
	}
	return cfg, nil
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certs found in PEM")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	return cfg, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

func buildCACert(subject *pkix.Name) (CACert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return CACert{}, err
	}

	caCert := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               *subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(0, 0, 7),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	caPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caBytes})
	if caPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA cert")
	}

	caKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(caKey),
	})
	if caKeyPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA private key")
	}

	return CACert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

func randomSerial() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return serialNumber, nil
}

func buildCert(caCert *x509.Certificate, caKey *rsa.PrivateKey, subject *pkix.Name) (*Cert, error) {
	serialNumber, err := randomSerial()
	if err != nil {
		return nil, err
	}
	c := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      *subject,
		DNSNames:     []string{ServerName, "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(0, 0, 7),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, caCert, &certKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})

	return &Cert{
		X509Cert:     &c,
		CertDER:      certDER,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}

// GenerateCerts generates a CA plus a server and client cert signed by it, valid for a week.
func GenerateCerts() (*Certs, error) {
	caSubject := pkix.Name{CommonName: "SSRBridgeCA"}
	caCert, err := buildCACert(&caSubject)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverSubject := pkix.Name{CommonName: ServerName}
	serverCert, err := buildCert(caCert.x509Cert, caCert.privKey, &serverSubject)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientSubject := pkix.Name{CommonName: "ssr-host"}
	clientCert, err := buildCert(caCert.x509Cert, caCert.privKey, &clientSubject)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *serverCert,
		Client: *clientCert,
		CA:     caCert,
	}, nil
}

// ClientConfig builds the client side config from generated certs.
func (c *Certs) ClientConfig() (*tls.Config, error) {
	return ClientTLSConfig(c.CA.CertPEMBytes, c.Client.CertPEMBytes, c.Client.KeyPEMBytes)
}

// ServerConfig builds the server side config from generated certs.
func (c *Certs) ServerConfig() (*tls.Config, error) {
	return ServerTLSConfig(c.CA.CertPEMBytes, c.Server.CertPEMBytes, c.Server.KeyPEMBytes)
}
