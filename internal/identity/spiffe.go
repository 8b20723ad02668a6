// Package identity supplies the one concrete AuthContextProvider the
// service depends on through an interface (spec.md §1: "the auth subsystem
// is treated as an opaque AuthContext producer"; SPEC_FULL.md §4.9).
package identity

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/ocx/ledger/internal/ledger"
)

// SPIFFEAuthContextProvider resolves a workload's X.509 SVID into an
// ledger.AuthContext{TenantID, PrincipalID}. The tenant ID is the SPIFFE
// trust domain, the principal ID is the path component identifying the
// calling service or operator.
type SPIFFEAuthContextProvider struct {
	source *workloadapi.X509Source
}

// NewSPIFFEAuthContextProvider connects to the local SPIRE agent over its
// workload API socket. A timeout bounds the connect attempt so a missing
// SPIRE agent fails startup fast instead of hanging.
func NewSPIFFEAuthContextProvider(socketPath string) (*SPIFFEAuthContextProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE agent at %s: %w", socketPath, err)
	}

	slog.Info("connected to SPIRE agent", "socket_path", socketPath)
	return &SPIFFEAuthContextProvider{source: source}, nil
}

// Resolve satisfies ledger.AuthContextProvider. raw is the incoming
// *http.Request for the HTTP binding (internal/api); the caller's SVID is
// read from the already-terminated mTLS connection state, not from the SVID
// in the request's own headers, so a caller cannot forge its own identity.
func (p *SPIFFEAuthContextProvider) Resolve(raw interface{}) (ledger.AuthContext, error) {
	req, ok := raw.(*http.Request)
	if !ok || req.TLS == nil || len(req.TLS.PeerCertificates) == 0 {
		return ledger.AuthContext{}, fmt.Errorf("identity: no peer SVID on connection")
	}

	uri, err := peerURISAN(req.TLS.PeerCertificates[0])
	if err != nil {
		return ledger.AuthContext{}, fmt.Errorf("identity: %w", err)
	}
	id, err := spiffeid.FromString(uri)
	if err != nil {
		return ledger.AuthContext{}, fmt.Errorf("identity: invalid peer SPIFFE ID: %w", err)
	}

	return ledger.AuthContext{
		TenantID:    id.TrustDomain().String(),
		PrincipalID: strings.TrimPrefix(id.Path(), "/"),
	}, nil
}

// GetTLSConfig returns a provider whose ServerConfig builds a server TLS
// config that performs SPIFFE mTLS, authorizing any SVID presented;
// internal/api's HTTP binding layers its
// own tenant checks on top of the resolved AuthContext.
func (p *SPIFFEAuthContextProvider) GetTLSConfig() *tlsconfigProvider {
	return &tlsconfigProvider{source: p.source}
}

// Close releases the workload API connection.
func (p *SPIFFEAuthContextProvider) Close() error {
	return p.source.Close()
}

type tlsconfigProvider struct {
	source *workloadapi.X509Source
}

func (t *tlsconfigProvider) ServerConfig() interface{} {
	return tlsconfig.MTLSServerConfig(t.source, t.source, tlsconfig.AuthorizeAny())
}

func peerURISAN(cert *x509.Certificate) (string, error) {
	if len(cert.URIs) == 0 {
		return "", fmt.Errorf("peer certificate carries no URI SAN")
	}
	return cert.URIs[0].String(), nil
}
