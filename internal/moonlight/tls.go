package moonlight

import (
	"crypto/tls"
	"crypto/x509"
	_ "embed"
	"fmt"
)

// ProductionHost is the fixed hostname the production endpoint is reached
// at, and the only SNI value ever sent in production mode.
const ProductionHost = "device.fostrom.dev"

// ProductionPort is the fixed TCP port for the production TLS endpoint.
const ProductionPort = 8484

//go:embed rootcerts/root1.pem
var rootCert1 []byte

//go:embed rootcerts/root2.pem
var rootCert2 []byte

// newPinnedTLSConfig builds a tls.Config whose RootCAs pool contains only
// the two embedded root certificates — the system trust store is never
// consulted, and InsecureSkipVerify is never set. Rotation of the trust
// anchors happens by rebuilding the binary with updated rootcerts/*.pem.
func newPinnedTLSConfig() (*tls.Config, error) {
	pool := x509.NewCertPool()
	loaded := 0
	for _, pem := range [][]byte{rootCert1, rootCert2} {
		if pool.AppendCertsFromPEM(pem) {
			loaded++
		}
	}
	if loaded == 0 {
		return nil, fmt.Errorf("moonlight: no pinned root certificates could be parsed; rootcerts/*.pem must hold the production trust anchors")
	}
	return &tls.Config{
		RootCAs:    pool,
		ServerName: ProductionHost,
		MinVersion: tls.VersionTLS12,
	}, nil
}
