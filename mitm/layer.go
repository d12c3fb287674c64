package mitm

import (
	"context"
	"crypto/x509"
	"encoding/hex"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mel2oo/go-mitm/certstore"
	gtls "github.com/mel2oo/go-mitm/gnet/tls"
	"github.com/mel2oo/go-mitm/optionals"
)

// Intercepts TLS on one proxied connection: terminates the client's TLS with a
// certificate from the cert store and, when enabled, opens TLS to the server.
// Once the handshakes are done the next layer takes over, and reaches the
// server through this layer's Connect.
//
// A TLSLayer is driven by a single goroutine.
type TLSLayer struct {
	ctx     Context
	options *Options
	logger  *zap.Logger

	clientTLS bool
	serverTLS bool

	// Set at most once, from the ClientHello.
	clientSNI  optionals.Optional[string]
	clientALPN optionals.Optional[[]string]

	sniOverride SNIOverride
}

var _ Context = (*TLSLayer)(nil)
var _ Layer = (*TLSLayer)(nil)

func NewTLSLayer(ctx Context, options *Options, logger *zap.Logger, clientTLS, serverTLS bool) *TLSLayer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TLSLayer{
		ctx:       ctx,
		options:   options,
		logger:    logger.With(zap.String("layer", "tls")),
		clientTLS: clientTLS,
		serverTLS: serverTLS,
	}
}

// The certificate we present to the client copies names from the server's
// certificate, so unless NoUpstreamCert is set the server handshake has to
// come first when both sides use TLS. Otherwise only the client handshake
// happens here and the server handshake waits for the next layer to Connect.
//
// The ClientHello is peeked rather than read so that SNI and ALPN are known
// before either handshake starts.
func (l *TLSLayer) Run(ctx context.Context) error {
	needServerFirst := l.clientTLS && l.serverTLS && !l.options.NoUpstreamCert

	if l.clientTLS {
		l.parseClientHello()
	}

	if needServerFirst {
		if err := l.establishTLSWithClientAndServer(ctx); err != nil {
			return err
		}
	} else if l.clientTLS {
		if err := l.establishTLSWithClient(ctx); err != nil {
			return err
		}
	}

	return l.ctx.NextLayer(l).Run(ctx)
}

func (l *TLSLayer) String() string {
	switch {
	case l.clientTLS && l.serverTLS:
		return "TLSLayer(client and server)"
	case l.clientTLS:
		return "TLSLayer(client)"
	case l.serverTLS:
		return "TLSLayer(server)"
	default:
		return "TLSLayer(inactive)"
	}
}

func (l *TLSLayer) ClientConn() ClientConn {
	return l.ctx.ClientConn()
}

func (l *TLSLayer) ServerConn() ServerConn {
	return l.ctx.ServerConn()
}

func (l *TLSLayer) NextLayer(top Context) Layer {
	return l.ctx.NextLayer(top)
}

func (l *TLSLayer) Connect(ctx context.Context) error {
	if !l.ctx.ServerConn().Connected() {
		if err := l.ctx.Connect(ctx); err != nil {
			return err
		}
	}
	return l.ensureServerTLS(ctx)
}

func (l *TLSLayer) Reconnect(ctx context.Context) error {
	if err := l.ctx.Reconnect(ctx); err != nil {
		return err
	}
	return l.ensureServerTLS(ctx)
}

func (l *TLSLayer) ensureServerTLS(ctx context.Context) error {
	if l.serverTLS && !l.ctx.ServerConn().TLSEstablished() {
		return l.establishTLSWithServer(ctx)
	}
	return nil
}

// At the first hop, a call that sets serverTLS is consumed here: the address
// is passed on, while the TLS flag and SNI override apply to this layer.
func (l *TLSLayer) SetServer(address Address, serverTLS *bool, sni SNIOverride, depth int) error {
	if depth == 1 && serverTLS != nil {
		if err := l.ctx.SetServer(address, nil, UnsetSNI(), 1); err != nil {
			return err
		}
		l.sniOverride = sni
		l.serverTLS = *serverTLS
		return nil
	}
	return l.ctx.SetServer(address, serverTLS, sni, depth)
}

func (l *TLSLayer) ClientSNI() optionals.Optional[string] {
	return l.clientSNI
}

func (l *TLSLayer) ClientALPNProtocols() optionals.Optional[[]string] {
	return l.clientALPN
}

func (l *TLSLayer) SNIForServerConnection() optionals.Optional[string] {
	return resolveSNI(l.sniOverride, l.clientSNI)
}

// Failures only mean SNI and ALPN stay unknown.
func (l *TLSLayer) parseClientHello() {
	raw, err := gtls.ReassembleClientHello(l.ctx.ClientConn())
	if err != nil {
		l.logger.Error("cannot read ClientHello", zap.Error(err))
		return
	}

	hello, err := gtls.ParseClientHello(raw)
	if err != nil {
		l.logger.Error("cannot parse ClientHello", zap.Error(err))
		l.logger.Debug("raw ClientHello", zap.String("hex", hex.EncodeToString(raw.Bytes())))
		return
	}

	if sni, ok := hello.ServerName(func(msg string) { l.logger.Warn(msg) }); ok {
		l.clientSNI = optionals.Some(sni)
	}
	if protocols, ok := hello.ALPNProtocols(); ok {
		l.clientALPN = optionals.Some(protocols)
	}

	l.logger.Debug("parsed ClientHello",
		zap.String("sni", l.clientSNI.GetOrDefault("")),
		zap.Strings("alpn", l.clientALPN.GetOrDefault(nil)),
		zap.String("ja3", hello.JA3Hash()),
	)
}

func (l *TLSLayer) establishTLSWithClientAndServer(ctx context.Context) error {
	if err := l.ctx.Connect(ctx); err != nil {
		return err
	}

	if err := l.establishTLSWithServer(ctx); err != nil {
		// The client handshake is still attempted once, but the server's
		// error is the one returned.
		if clientErr := l.establishTLSWithClient(ctx); clientErr != nil {
			l.logger.Debug("client handshake after server failure", zap.Error(clientErr))
		}
		return err
	}

	return l.establishTLSWithClient(ctx)
}

func (l *TLSLayer) establishTLSWithClient(ctx context.Context) error {
	l.logger.Debug("establishing TLS with client")

	bundle, err := l.findCert()
	if err != nil {
		return newProtocolError(err, "cannot establish TLS with client")
	}

	err = l.ctx.ClientConn().ConvertToTLS(ctx, ServerTLSParams{
		Certificate: bundle,
		Engine:      l.options.ClientEngine,
		SelectALPN:  l.alpnSelector(),
	})
	if err != nil {
		return newProtocolError(err, "cannot establish TLS with client")
	}
	return nil
}

func (l *TLSLayer) establishTLSWithServer(ctx context.Context) error {
	l.logger.Debug("establishing TLS with server")

	server := l.ctx.ServerConn()
	sni := l.SNIForServerConnection()

	err := server.EstablishTLS(ctx, ClientTLSParams{
		ClientCertificates: l.options.ClientCertificates,
		ServerName:         sni.GetOrDefault(""),
		Engine:             l.options.ServerEngine,
		VerifyMode:         l.options.ServerVerifyMode,
		TrustedCADir:       l.options.TrustedCADir,
		TrustedCAFile:      l.options.TrustedCAFile,
		ALPNProtocols:      ServerALPNOffer(l.clientALPN),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidCertificate) {
			l.logVerificationError(server.VerificationError())
			l.logger.Error("aborting connection attempt")
		}
		return newProtocolError(err, "cannot establish TLS with %s (sni: %s)",
			server.Address(), sni.GetOrDefault("<none>"))
	}

	if verr := server.VerificationError(); verr != nil {
		l.logVerificationError(verr)
		l.logger.Error("ignoring server verification error, continuing with connection")
	}

	l.logger.Debug("ALPN selected by server", zap.String("alpn", server.NegotiatedProtocol()))
	return nil
}

func (l *TLSLayer) logVerificationError(verr *VerificationError) {
	if verr == nil {
		l.logger.Error("TLS verification failed for upstream server")
		return
	}
	l.logger.Error("TLS verification failed for upstream server",
		zap.Int("depth", verr.Depth),
		zap.Int("code", verr.Code),
		zap.Error(verr.Err),
	)
}

// Builds the ALPN callback for the client handshake. The server's protocol is
// fixed at this point: either server TLS is already up, or it will only be
// established after the client handshake.
func (l *TLSLayer) alpnSelector() ALPNSelector {
	var upstream optionals.Optional[string]
	if server := l.ctx.ServerConn(); server.TLSEstablished() && server.NegotiatedProtocol() != "" {
		upstream = optionals.Some(server.NegotiatedProtocol())
	}

	return func(offered []string) string {
		choice := SelectALPN(offered, upstream, DefaultALPN)
		l.logger.Debug("ALPN for client", zap.String("alpn", choice))
		return choice
	}
}

func (l *TLSLayer) findCert() (*certstore.CertificateBundle, error) {
	if l.options.CertStore == nil {
		return nil, errors.New("no certificate store configured")
	}

	server := l.ctx.ServerConn()
	var upstream *x509.Certificate
	if server.TLSEstablished() && !l.options.NoUpstreamCert {
		upstream = server.PeerCertificate()
	}

	host, sans := CertTarget(server.Address().Host, upstream, l.clientSNI, l.sniOverride)
	bundle, err := l.options.CertStore.GetCert(host, sans.AsSlice())
	if err != nil {
		return nil, errors.Wrapf(err, "no certificate for %q", host)
	}
	return bundle, nil
}
