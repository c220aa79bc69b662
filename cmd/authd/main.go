// authd runs the three-headed ticket authentication service: the key
// distribution center, the ticket granting service, and the service
// server, all behind a single TCP endpoint.
//
// In normal operation the credential store lives on disk. The first
// run is started with --init-credentials to create the store and open
// the registration window during which devices may self-register.
// With --simulation the store is in-memory and pre-seeded with test
// accounts; nothing touches the disk.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kardianos/authd/clock"
	"github.com/kardianos/authd/credstore"
	"github.com/kardianos/authd/ticket"
)

// config is the on-disk configuration. Flags override file values.
type config struct {
	Listen              string `yaml:"listen"`
	CredentialsDir      string `yaml:"credentials_dir"`
	RegistrationMinutes int    `yaml:"registration_minutes"`
	Workers             int    `yaml:"workers"`
}

func defaultConfig() config {
	return config{
		Listen:              ":4720",
		CredentialsDir:      "/var/lib/authd",
		RegistrationMinutes: 2,
		Workers:             16,
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		initStore  bool
		simulation bool
		verbose    bool
	)

	cfg := defaultConfig()

	flagSet := pflag.NewFlagSet("authd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flagSet.StringVar(&cfg.Listen, "listen", cfg.Listen, "TCP listen address")
	flagSet.StringVar(&cfg.CredentialsDir, "credentials-dir", cfg.CredentialsDir, "directory holding the credential store")
	flagSet.BoolVar(&initStore, "init-credentials", false, "create a new credential store and open the registration window")
	flagSet.IntVar(&cfg.RegistrationMinutes, "registration-minutes", cfg.RegistrationMinutes, "how long after startup client self-registration stays open (with --init-credentials)")
	flagSet.IntVar(&cfg.Workers, "workers", cfg.Workers, "maximum concurrent requests")
	flagSet.BoolVar(&simulation, "simulation", false, "run with an in-memory store seeded with test accounts")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	// File values fill in anything the flags left at the default, so
	// parse the file first and re-apply the flags over it.
	if configPath != "" {
		fileCfg := defaultConfig()
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return fmt.Errorf("parse config %s: %w", configPath, err)
		}
		if !flagSet.Changed("listen") {
			cfg.Listen = fileCfg.Listen
		}
		if !flagSet.Changed("credentials-dir") {
			cfg.CredentialsDir = fileCfg.CredentialsDir
		}
		if !flagSet.Changed("registration-minutes") {
			cfg.RegistrationMinutes = fileCfg.RegistrationMinutes
		}
		if !flagSet.Changed("workers") {
			cfg.Workers = fileCfg.Workers
		}
	}

	var logger *log.Logger
	if verbose {
		logger = log.New(os.Stderr, "authd ", log.LstdFlags|log.Lmicroseconds)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.Real()

	var store credstore.Store
	if simulation {
		store = seedSimulationStore()
	} else {
		fileStore, err := credstore.OpenFileStore(credstore.FileStoreConfig{
			Dir:                cfg.CredentialsDir,
			Initialize:         initStore,
			RegistrationWindow: time.Duration(cfg.RegistrationMinutes) * time.Minute,
			Clock:              clk,
			Logger:             logger,
		})
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
		store = fileStore
	}

	engine, err := ticket.NewEngine(ticket.EngineConfig{
		Store:  store,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	server, err := ticket.NewServer(ticket.ServerConfig{
		ListenAddr: cfg.Listen,
		Service:    engine,
		Workers:    cfg.Workers,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	server.Wait()
	return nil
}

// seedSimulationStore builds the in-memory store used by --simulation:
// an administrator, a plain user, and one registered device, all with
// the password "password". Registration stays open for the whole run.
func seedSimulationStore() credstore.Store {
	store := credstore.NewMemStore()
	hash := ticket.Hash("password")
	store.AddEntry("admin", hash, true)
	store.AddEntry("user", hash, false)
	// Clients log in as "@device"; the record is stored under the id.
	store.AddEntry("device", hash, false)
	return store
}
