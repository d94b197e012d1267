package upload

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
)

// FileCertLocator resolves a client certificate from a directory
// containing one PEM cert/key pair per thumbprint: <thumbprint>.crt and
// <thumbprint>.key. It stands in for the platform certificate store
// (Windows CryptoAPI) on non-Windows hosts and in tests, where the
// private key is not, in practice, non-exportable.
type FileCertLocator struct {
	Dir string
}

// ClientCertificate loads <thumbprint>.crt and <thumbprint>.key from Dir.
func (f FileCertLocator) ClientCertificate(thumbprint string) (tls.Certificate, error) {
	if thumbprint == "" {
		return tls.Certificate{}, fmt.Errorf("upload: no certificate thumbprint configured")
	}
	certPath := filepath.Join(f.Dir, thumbprint+".crt")
	keyPath := filepath.Join(f.Dir, thumbprint+".key")
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("upload: load certificate %s: %w", thumbprint, err)
	}
	return cert, nil
}
