// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package tls provisions the certificate authority and server certificate
// that secure the gRPC session listener.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	gotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
)

const (
	caCertFile = "root-ca.crt"
	caKeyFile  = "root-ca.key"

	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour

	// RenewBefore is how close to expiry a server certificate is reissued.
	RenewBefore = 30 * 24 * time.Hour
)

// CA holds a certificate authority certificate and private key.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// ServerCert holds a server certificate and private key.
type ServerCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
	Name        string
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, oops.Code("TLS_SERIAL_FAILED").Wrap(err)
	}
	return serial, nil
}

// GenerateCA creates a self-signed root CA for the named issuer.
func GenerateCA(issuer string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.Code("TLS_KEY_FAILED").Wrap(err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{issuer},
			CommonName:   issuer + " CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, oops.Code("TLS_CA_FAILED").Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, oops.Code("TLS_CA_FAILED").Wrap(err)
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// GenerateServerCert issues a server certificate signed by ca. Each host is
// added as an IP SAN when it parses as one and as a DNS SAN otherwise;
// localhost and 127.0.0.1 are always present.
func GenerateServerCert(ca *CA, name string, hosts []string) (*ServerCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.Code("TLS_KEY_FAILED").Wrap(err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	dnsNames := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1)}
	for _, h := range hosts {
		if h == "" || h == "localhost" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: ca.Certificate.Subject.Organization,
			CommonName:   name,
		},
		NotBefore:   now.Add(-time.Minute),
		NotAfter:    now.Add(serverValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, oops.Code("TLS_SERVER_CERT_FAILED").With("name", name).Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, oops.Code("TLS_SERVER_CERT_FAILED").With("name", name).Wrap(err)
	}
	return &ServerCert{Certificate: cert, PrivateKey: key, Name: name}, nil
}

// SaveCertificates writes the CA as root-ca.crt/root-ca.key and, when given,
// the server certificate as {name}.crt/{name}.key.
func SaveCertificates(certsDir string, ca *CA, serverCert *ServerCert) error {
	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("dir", certsDir).Wrap(err)
	}
	if err := saveCert(filepath.Join(certsDir, caCertFile), ca.Certificate); err != nil {
		return err
	}
	if err := saveKey(filepath.Join(certsDir, caKeyFile), ca.PrivateKey); err != nil {
		return err
	}
	if serverCert == nil {
		return nil
	}
	if err := saveCert(filepath.Join(certsDir, serverCert.Name+".crt"), serverCert.Certificate); err != nil {
		return err
	}
	return saveKey(filepath.Join(certsDir, serverCert.Name+".key"), serverCert.PrivateKey)
}

// LoadCA reads root-ca.crt and root-ca.key from certsDir. A missing file
// yields an error matching fs.ErrNotExist.
func LoadCA(certsDir string) (*CA, error) {
	cert, err := loadCert(filepath.Join(certsDir, caCertFile))
	if err != nil {
		return nil, err
	}
	key, err := loadKey(filepath.Join(certsDir, caKeyFile))
	if err != nil {
		return nil, err
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// EnsureServerTLS returns a server TLS config for name, creating the CA and
// the server certificate under certsDir when they are missing. A server
// certificate within RenewBefore of expiry is reissued.
func EnsureServerTLS(certsDir, issuer, name string, hosts []string) (*gotls.Config, error) {
	ca, err := LoadCA(certsDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if ca, err = GenerateCA(issuer); err != nil {
			return nil, err
		}
		if err := SaveCertificates(certsDir, ca, nil); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	certPath := filepath.Join(certsDir, name+".crt")
	keyPath := filepath.Join(certsDir, name+".key")
	if !usable(certPath, ca) {
		serverCert, err := GenerateServerCert(ca, name, hosts)
		if err != nil {
			return nil, err
		}
		if err := SaveCertificates(certsDir, ca, serverCert); err != nil {
			return nil, err
		}
	}

	pair, err := gotls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("name", name).Wrap(err)
	}
	return &gotls.Config{
		Certificates: []gotls.Certificate{pair},
		MinVersion:   gotls.VersionTLS13,
	}, nil
}

// LoadClientTLS returns a client TLS config that trusts only the CA in
// certsDir.
func LoadClientTLS(certsDir, serverName string) (*gotls.Config, error) {
	cert, err := loadCert(filepath.Join(certsDir, caCertFile))
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &gotls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: gotls.VersionTLS13,
	}, nil
}

// usable reports whether the certificate at path chains to ca and is not
// close to expiry.
func usable(path string, ca *CA) bool {
	cert, err := loadCert(path)
	if err != nil {
		return false
	}
	if time.Until(cert.NotAfter) < RenewBefore {
		return false
	}
	return cert.CheckSignatureFrom(ca.Certificate) == nil
}

func loadCert(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("path", path).Wrap(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, oops.Code("TLS_INVALID_PEM").With("path", path).Errorf("no certificate PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, oops.Code("TLS_INVALID_PEM").With("path", path).Wrap(err)
	}
	return cert, nil
}

func loadKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("path", path).Wrap(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, oops.Code("TLS_INVALID_PEM").With("path", path).Errorf("no key PEM block")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, oops.Code("TLS_INVALID_PEM").With("path", path).Wrap(err)
	}
	return key, nil
}

func writePEM(path string, block *pem.Block) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("path", path).Wrap(err)
	}
	if err := pem.Encode(f, block); err != nil {
		_ = f.Close()
		return oops.Code("TLS_SAVE_FAILED").With("path", path).Wrap(err)
	}
	if err := f.Close(); err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}

func saveCert(path string, cert *x509.Certificate) error {
	return writePEM(path, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func saveKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("path", path).Wrap(err)
	}
	return writePEM(path, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}
