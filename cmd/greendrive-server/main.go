package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/greendrive/vehicle-score/internal/log"
	"github.com/greendrive/vehicle-score/internal/metrics"
	"github.com/greendrive/vehicle-score/pkg/account"
	"github.com/greendrive/vehicle-score/pkg/cli"
	"github.com/greendrive/vehicle-score/pkg/credential"
	"github.com/greendrive/vehicle-score/pkg/fleetapi"
	"github.com/greendrive/vehicle-score/pkg/server"
)

const shutdownTimeout = 10 * time.Second

const (
	EnvTlsCert = "GREENDRIVE_TLS_CERT"
	EnvTlsKey  = "GREENDRIVE_TLS_KEY"
	EnvTimeout = "GREENDRIVE_TIMEOUT"
	EnvVerbose = "GREENDRIVE_VERBOSE"
)

const nonLocalhostWarning = `
Do not listen on a network interface without adding client authentication. Unauthorized clients may
be used to create excessive traffic from your IP address to Tesla's servers, which Tesla may respond
to by rate limiting or blocking your connections.`

type HttpServerConfig struct {
	keyFilename  string
	certFilename string
	selfSigned   bool
	verbose      bool
	timeout      time.Duration
}

var (
	httpConfig = &HttpServerConfig{}
)

func init() {
	flag.StringVar(&httpConfig.certFilename, "cert", "", "TLS certificate chain `file` with concatenated server, intermediate CA, and root CA certificates")
	flag.StringVar(&httpConfig.keyFilename, "tls-key", "", "Server TLS private key `file`")
	flag.BoolVar(&httpConfig.selfSigned, "self-signed", false, "Serve TLS with a generated self-signed certificate")
	flag.BoolVar(&httpConfig.verbose, "verbose", false, "Enable verbose logging")
	flag.DurationVar(&httpConfig.timeout, "timeout", server.DefaultTimeout, "Timeout interval for each request")
}

func Usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [OPTION...]\n", os.Args[0])
	fmt.Fprintf(out, "\nA server that exposes vehicle dashboards and GreenDrive Scores as a REST API")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, nonLocalhostWarning)
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Options:")
	flag.PrintDefaults()
}

func main() {
	config, err := cli.NewConfig(cli.FlagAll)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		os.Exit(1)
	}

	defer func() {
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			os.Exit(1)
		}
	}()

	flag.Usage = Usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	if err = readFromEnvironment(); err != nil {
		return
	}
	config.ReadFromEnvironment()
	if err = config.ReadFromFile(); err != nil {
		return
	}

	if httpConfig.verbose {
		log.SetLevel(log.LevelDebug)
	}

	if config.Host != "" && config.Host != cli.DefaultHost {
		fmt.Fprintln(os.Stderr, nonLocalhostWarning)
	}

	acct, err := openAccount(config)
	if err != nil {
		return
	}

	var recorder server.Recorder
	scores, err := config.History()
	if err != nil {
		return
	}
	if scores != nil {
		defer scores.Close()
		recorder = scores
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err = metrics.Register(registry); err != nil {
		return
	}

	log.Debug("Creating server")
	s := server.New(acct, recorder, registry, nil)
	s.Timeout = httpConfig.timeout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = serve(ctx, config.ListenAddress(), s)
}

// openAccount returns the configured account. Without an OAuth token, every read fails with
// fleetapi.ErrNotAuthenticated and the server only returns demonstration data.
func openAccount(config *cli.Config) (*account.Account, error) {
	if err := config.LoadCredentials(); err != nil {
		if !errors.Is(err, cli.ErrNoTokenSpecified) {
			return nil, err
		}
		log.Warning("No OAuth token configured; serving demonstration data only")
		clientConfig, err := config.ClientConfig(nil)
		if err != nil {
			return nil, err
		}
		client, err := fleetapi.NewClient(clientConfig, credential.NewStore(nil), nil, nil)
		if err != nil {
			return nil, err
		}
		return account.New(client, config.CacheTTL), nil
	}
	return config.Account()
}

func serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	useTLS := httpConfig.certFilename != "" || httpConfig.keyFilename != ""
	if httpConfig.selfSigned && !useTLS {
		var certPEM string
		srv, certPEM = NewServer(addr)
		srv.Handler = handler
		log.Debug("Generated self-signed certificate:\n%s", certPEM)
		useTLS = true
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Listening on %s", addr)
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS(httpConfig.certFilename, httpConfig.keyFilename)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// readFromEnvironment applies configuration from environment variables.
// Values are not overwritten.
func readFromEnvironment() error {
	if httpConfig.certFilename == "" {
		httpConfig.certFilename = os.Getenv(EnvTlsCert)
	}

	if httpConfig.keyFilename == "" {
		httpConfig.keyFilename = os.Getenv(EnvTlsKey)
	}

	if !httpConfig.verbose {
		if verbose, ok := os.LookupEnv(EnvVerbose); ok {
			httpConfig.verbose = verbose != "false" && verbose != "0"
		}
	}

	var err error
	if httpConfig.timeout == server.DefaultTimeout {
		if timeoutEnv, ok := os.LookupEnv(EnvTimeout); ok {
			httpConfig.timeout, err = time.ParseDuration(timeoutEnv)
			if err != nil {
				return fmt.Errorf("invalid timeout: %s", timeoutEnv)
			}
		}
	}

	return nil
}
