package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	gomitm "github.com/mel2oo/go-mitm"
	"github.com/mel2oo/go-mitm/certstore"
	"github.com/mel2oo/go-mitm/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "gomitm",
		Short:        "Transparent TLS interception proxy",
		SilenceUsage: true,
	}
	root.AddCommand(newRunCommand(), newGenCACommand())
	return root
}

type runFlags struct {
	config         string
	listen         string
	upstream       string
	sni            string
	noSNI          bool
	noClientTLS    bool
	noServerTLS    bool
	noUpstreamCert bool
	verifyUpstream string
	trustedCAFile  string
	caCert         string
	caKey          string
	logLevel       string
}

func newRunCommand() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Accept connections and forward them to the upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags.config)
			if err != nil {
				return err
			}
			flags.apply(cmd, &cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&flags.config, "config", "c", "", "YAML config file")
	f.StringVarP(&flags.listen, "listen", "l", "", "address to accept connections on")
	f.StringVarP(&flags.upstream, "upstream", "u", "", "host:port every connection is forwarded to")
	f.StringVar(&flags.sni, "sni", "", "SNI to send upstream instead of the client's")
	f.BoolVar(&flags.noSNI, "no-sni", false, "send no SNI upstream")
	f.BoolVar(&flags.noClientTLS, "no-client-tls", false, "relay client bytes without terminating TLS")
	f.BoolVar(&flags.noServerTLS, "no-server-tls", false, "speak plaintext to the upstream")
	f.BoolVar(&flags.noUpstreamCert, "no-upstream-cert", false, "don't connect upstream before the client handshake")
	f.StringVar(&flags.verifyUpstream, "verify-upstream", "", `upstream verification: "none" or "peer"`)
	f.StringVar(&flags.trustedCAFile, "trusted-ca", "", "PEM bundle trusted for upstream certificates")
	f.StringVar(&flags.caCert, "ca-cert", "", "CA certificate for issuing leaves")
	f.StringVar(&flags.caKey, "ca-key", "", "CA private key for issuing leaves")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	cmd.MarkFlagsMutuallyExclusive("sni", "no-sni")
	return cmd
}

// Flags set on the command line win over the config file.
func (f *runFlags) apply(cmd *cobra.Command, cfg *Config) {
	changed := cmd.Flags().Changed

	if changed("listen") {
		cfg.Listen = f.listen
	}
	if changed("upstream") {
		cfg.Upstream = f.upstream
	}
	if changed("sni") {
		cfg.SNI = &f.sni
	}
	if changed("no-sni") && f.noSNI {
		empty := ""
		cfg.SNI = &empty
	}
	if changed("no-client-tls") {
		clientTLS := !f.noClientTLS
		cfg.ClientTLS = &clientTLS
	}
	if changed("no-server-tls") {
		serverTLS := !f.noServerTLS
		cfg.ServerTLS = &serverTLS
	}
	if changed("no-upstream-cert") {
		cfg.NoUpstreamCert = f.noUpstreamCert
	}
	if changed("verify-upstream") {
		cfg.VerifyUpstream = f.verifyUpstream
	}
	if changed("trusted-ca") {
		cfg.TrustedCAFile = f.trustedCAFile
	}
	if changed("ca-cert") {
		cfg.CA.Cert = f.caCert
	}
	if changed("ca-key") {
		cfg.CA.Key = f.caKey
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
}

func run(ctx context.Context, cfg Config) error {
	logger, err := log.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := certstore.New(cfg.CA.storeOptions(logger.Named("certstore"))...)
	if err != nil {
		return err
	}
	if cfg.CA.Watch {
		if err := store.Watch(ctx); err != nil {
			return err
		}
	}

	opts, err := cfg.serverOptions(store, logger)
	if err != nil {
		return err
	}
	server, err := gomitm.NewServer(opts...)
	if err != nil {
		return err
	}

	logger.Info("starting proxy", zap.String("listen", cfg.Listen))
	return server.ListenAndServe(ctx, cfg.Listen)
}

func newGenCACommand() *cobra.Command {
	var (
		certPath     string
		keyPath      string
		name         string
		organization string
		validity     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "gen-ca",
		Short: "Generate a CA certificate and key for issuing leaves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, key, err := certstore.GenerateCA(name, organization, validity)
			if err != nil {
				return err
			}
			if err := certstore.WriteCA(certPath, keyPath, cert, key); err != nil {
				return err
			}
			cmd.Printf("wrote CA %q to %s and %s\n", cert.Subject.CommonName, certPath, keyPath)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&certPath, "cert", "ca.pem", "where to write the CA certificate")
	f.StringVar(&keyPath, "key", "ca.key", "where to write the CA private key")
	f.StringVar(&name, "name", certstore.DefaultCAName, "CA common name")
	f.StringVar(&organization, "organization", certstore.DefaultOrganization, "CA organization")
	f.DurationVar(&validity, "validity", certstore.DefaultCAValidity, "CA validity period")
	return cmd
}
