// Command nfc-relay relays NFC traffic between a real tag and a real reader
// through a rendezvous server. "nfc-relay serve" runs the server; "nfc-relay
// relay" runs an agent next to a tag (reader mode) or next to a reader
// (card mode).
package main

import (
	"context"
	stdtls "crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dotside-studios/nfc-relay/buildinfo"
	"github.com/dotside-studios/nfc-relay/config"
	"github.com/dotside-studios/nfc-relay/logging"
	"github.com/dotside-studios/nfc-relay/nfc"
	"github.com/dotside-studios/nfc-relay/server"
	rtls "github.com/dotside-studios/nfc-relay/tls"
)

const usage = `usage: nfc-relay <command> [flags]

commands:
  serve     run the rendezvous server
  relay     run a relay agent
  devices   list the NFC devices this host can open
  version   print build information

Run "nfc-relay <command> -h" for the command's flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, os.Args[2:])
	case "relay":
		err = runRelay(ctx, os.Args[2:])
	case "devices":
		err = listDevices()
	case "version":
		fmt.Println(buildinfo.BuildInfo())
	case "help", "-h", "-help", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		cliLog := logging.Component("cli")
		cliLog.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

// loadConfig loads path, applies the flag overrides in apply and validates
// the result.
func loadConfig(path string, apply func(*config.Config)) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}
	apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, zerolog.Logger{}, err
	}
	logging.Install(cfg.Log.Logging())
	return cfg, logging.Root(), nil
}

// setFlags reports which flags were given on the command line, so false
// booleans and empty strings can still override the file.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}

func runRelay(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a HuJSON config file")
	serverAddr := fs.String("server", "", "server address: tcp://, tls://, ws:// or wss://")
	mode := fs.String("mode", "", `"reader" next to the tag, "card" next to the reader`)
	secret := fs.String("secret", "", "join this session instead of creating one")
	device := fs.String("device", "", "libnfc connstring or PC/SC reader name")
	backend := fs.String("backend", "", `reader backend, "libnfc" or "pcsc"`)
	caFile := fs.String("ca-file", "", "trust only this CA when dialing over TLS")
	insecure := fs.Bool("insecure", false, "skip TLS certificate verification")
	legacyHist := fs.Bool("legacy-hist", false, "read the historical byte from the ATQA buffer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	set := setFlags(fs)

	cfg, log, err := loadConfig(*configPath, func(c *config.Config) {
		r := &c.Relay
		if set["server"] {
			r.Server = *serverAddr
		}
		if set["mode"] {
			r.Mode = *mode
		}
		if set["secret"] {
			r.Secret = *secret
		}
		if set["backend"] {
			r.Reader.Backend = *backend
		}
		if set["device"] {
			if r.Mode == config.ModeCard {
				r.Emulator.Device = *device
			} else {
				r.Reader.Device = *device
			}
		}
		if set["ca-file"] {
			r.TLS.CAFile = *caFile
		}
		if set["insecure"] {
			r.TLS.Insecure = *insecure
		}
		if set["legacy-hist"] {
			r.LegacyHistoricalByte = *legacyHist
		}
	})
	if err != nil {
		return err
	}

	log.Info().Str("version", buildinfo.FullVersion()).Str("server", cfg.Relay.Server).Str("mode", cfg.Relay.Mode).Msg("starting relay agent")
	agent, err := NewAgent(cfg.Relay, log)
	if err != nil {
		return err
	}
	return agent.Run(ctx)
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a HuJSON config file")
	tcpAddr := fs.String("tcp", "", `TCP listen address, "" disables`)
	wsAddr := fs.String("ws", "", `WebSocket listen address, "" disables`)
	mdns := fs.Bool("mdns", true, "announce the server over mDNS")
	useTLS := fs.Bool("tls", false, "serve both listeners over TLS with a generated certificate")
	redisAddr := fs.String("redis", "", "reserve session secrets in this Redis server")
	ack := fs.Bool("ack", false, "acknowledge every forwarded message")
	if err := fs.Parse(args); err != nil {
		return err
	}
	set := setFlags(fs)

	cfg, log, err := loadConfig(*configPath, func(c *config.Config) {
		s := &c.Server
		if set["tcp"] {
			s.TCPAddr = *tcpAddr
		}
		if set["ws"] {
			s.WSAddr = *wsAddr
		}
		if set["mdns"] {
			s.MDNS = *mdns
		}
		if set["tls"] {
			s.TLS.Enabled = *useTLS
		}
		if set["redis"] {
			s.Store.Backend = config.StoreRedis
			s.Store.RedisAddr = *redisAddr
		}
		if set["ack"] {
			s.AckForwards = *ack
		}
	})
	if err != nil {
		return err
	}
	sc := cfg.Server

	store := newStore(sc.Store)
	defer store.Close()

	var (
		tlsCfg *stdtls.Config
		certs  *rtls.Manager
	)
	if sc.TLS.Enabled {
		dir := sc.TLS.Dir
		if dir == "" {
			if dir, err = defaultTLSDir(); err != nil {
				return err
			}
		}
		certs = rtls.NewManager(dir, log, sc.TLS.Hosts...)
		certs.Install = sc.TLS.InstallCA
		if tlsCfg, err = certs.ServerConfig(); err != nil {
			return err
		}
	}

	srv := server.New(server.Config{
		TCPAddr:      sc.TCPAddr,
		WSAddr:       sc.WSAddr,
		WSPath:       sc.WSPath,
		TLS:          tlsCfg,
		MaxSessions:  sc.MaxSessions,
		SecretLength: sc.SecretLength,
		AckForwards:  sc.AckForwards,
		MaxFrame:     sc.MaxFrame,
		MDNS:         sc.MDNS,
		Store:        store,
		Logger:       &log,
	})

	log.Info().Str("version", buildinfo.FullVersion()).Str("store", sc.Store.Backend).Bool("tls", tlsCfg != nil).Msg("starting server")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if certs != nil && sc.TLS.BootstrapAddr != "" {
		boot := rtls.NewBootstrapServer(certs, sc.TLS.BootstrapAddr, log)
		g.Go(func() error { return boot.Run(gctx) })
	}
	return g.Wait()
}

func newStore(c config.StoreConfig) server.Store {
	if c.Backend == config.StoreRedis {
		return server.NewRedisStore(&redis.Options{
			Addr:     c.RedisAddr,
			Password: c.RedisPassword,
			DB:       c.RedisDB,
		}, c.TTL.Std())
	}
	return server.NewMemoryStore(c.TTL.Std())
}

func defaultTLSDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate config directory: %w", err)
	}
	return filepath.Join(base, buildinfo.DirName), nil
}

// listDevices prints the libnfc connstrings and PC/SC readers in the form
// accepted by the relay -device flag. A missing backend is reported and
// skipped.
func listDevices() error {
	devices, err := nfc.NewManager().ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "libnfc: %v\n", err)
	}
	for _, d := range devices {
		fmt.Printf("%s\t%s\n", config.BackendLibnfc, d)
	}

	readers, perr := nfc.ListPCSCReaders()
	if perr != nil {
		fmt.Fprintf(os.Stderr, "pcsc: %v\n", perr)
	}
	for _, r := range readers {
		fmt.Printf("%s\t%s\n", config.BackendPCSC, r)
	}

	if err != nil && perr != nil {
		return errors.New("no NFC backend available")
	}
	return nil
}
