package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/stephnangue/keymaster/config"
	"github.com/stephnangue/keymaster/credential"
	"github.com/stephnangue/keymaster/directory"
	keymasterhttp "github.com/stephnangue/keymaster/http"
	"github.com/stephnangue/keymaster/identity"
	log "github.com/stephnangue/keymaster/logger"
	"github.com/stephnangue/keymaster/maintenance"
	"github.com/stephnangue/keymaster/namespace"
	"github.com/stephnangue/keymaster/physical"
	"github.com/stephnangue/keymaster/physical/inmem"
	"github.com/stephnangue/keymaster/roletoken"
	"github.com/stephnangue/keymaster/token"
	"github.com/stephnangue/keymaster/version"
	"golang.org/x/net/netutil"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	configPath string
	flagDev    bool

	ServerCmd = &cobra.Command{
		Use:   "server",
		Short: "This command starts a keymaster server that responds to API requests",
		Long: `
Usage: keymaster server [options]

  This command starts a keymaster server that brokers user and role tokens
  for the control plane. Start a server with a configuration file:

      $ keymaster server --config=/etc/keymaster/config.hcl

  Start an all-in-memory dev server with seeded credentials:

      $ keymaster server --dev
  `,
		RunE: run,
	}

	cleanupGuard sync.Once
)

func init() {
	ServerCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (e.g., path/to/keymaster.hcl)")
	ServerCmd.Flags().BoolVar(&flagDev, "dev", false, "Run an all-in-memory server with seeded dev credentials")
}

func run(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	switch {
	case flagDev:
		cfg = config.DefaultConfig()
		cfg.LogLevel = "debug"
	case configPath == "":
		return fmt.Errorf("config file path is required. Use -c or --config flag")
	default:
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	logger := buildLogger(cfg)
	defer logger.Close()

	storage, closeStorage, err := buildStorage(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the storage: %w", err)
	}
	defer closeStorage()

	store := namespace.NewKV(storage)
	index := namespace.NewIndex(store, logger)

	provider, err := buildIdentity(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the identity provider: %w", err)
	}
	dir, err := buildDirectory(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to construct the directory: %w", err)
	}

	sweeperConfig, err := buildSweeperConfig(cfg)
	if err != nil {
		return err
	}
	sweeper := maintenance.NewSweeper(sweeperConfig, index, logger)

	tokens := token.NewService(nil, store, index, provider, sweeper, logger)
	roles := roletoken.NewService(store, index, dir, sweeper, logger)
	sweeper.Register(namespace.UserTokenIndexKey, tokens.Resolver())
	sweeper.Register(namespace.RoleTokenIndexKey, roles.Resolver())
	sweeper.Start()
	defer sweeper.Stop()

	router := credential.NewRouter(tokens, roles, logger)
	handler := keymasterhttp.Handler(&keymasterhttp.HandlerProperties{
		Router:  router,
		Sweeper: sweeper,
		Logger:  logger,
	})

	apiListener, err := cfg.GetApiListener()
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", apiListener.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", apiListener.Address, err)
	}
	if apiListener.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, apiListener.MaxConnections)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	closeListener := func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Stopping the api listener\n")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "failed to stop the api listener: %v\n", err)
		}
	}
	defer cleanupGuard.Do(closeListener)

	printInfo(cmd, cfg, apiListener)
	if flagDev {
		printDevBanner(cmd)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		var serveErr error
		if apiListener.TLSEnabled {
			serveErr = srv.ServeTLS(ln, apiListener.TLSCertFile, apiListener.TLSKeyFile)
		} else {
			serveErr = srv.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Keymaster server started! Log data will stream in below:\n\n")

	select {
	case err := <-errChan:
		return fmt.Errorf("api listener failed: %w", err)
	case <-ctx.Done():
		fmt.Fprintf(cmd.OutOrStdout(), "Keymaster shutdown triggered\n")
	}

	cleanupGuard.Do(closeListener)
	return nil
}

func buildLogger(cfg *config.Config) log.Logger {
	logConfig := &log.Config{
		Level:  log.ParseLogLevel(cfg.LogLevel),
		JSON:   cfg.LogFormat == "json",
		Output: os.Stdout,
	}
	if cfg.LogFile != "" {
		fileConfig := log.DefaultFileConfig(cfg.LogFile)
		if cfg.LogRotateMegabytes > 0 {
			fileConfig.MaxSize = cfg.LogRotateMegabytes
		}
		if cfg.LogRotateMaxFiles > 0 {
			fileConfig.MaxBackups = cfg.LogRotateMaxFiles
		}
		logConfig.FileConfig = fileConfig
	}
	return log.NewZerologLogger(logConfig)
}

func buildStorage(cfg *config.Config, logger log.Logger) (physical.Storage, func(), error) {
	backend := inmem.NewInmem(logger)
	block := cfg.Storage
	if block != nil && block.CacheDisabled {
		return backend, func() {}, nil
	}

	cacheConfig := physical.DefaultCacheConfig()
	if block != nil && block.CacheMaxMegabytes > 0 {
		cacheConfig.MaxCost = block.CacheMaxMegabytes << 20
	}
	cache, err := physical.NewCache(backend, cacheConfig, logger)
	if err != nil {
		return nil, nil, err
	}
	return cache, cache.Close, nil
}

func buildIdentity(cfg *config.Config, logger log.Logger) (identity.Provider, error) {
	block := cfg.Identity
	if block == nil || block.Type == "static" {
		var ttl time.Duration
		if block != nil {
			parsed, err := config.ParseDuration(block.TokenTTL, 0)
			if err != nil {
				return nil, err
			}
			ttl = parsed
		}
		provider := identity.NewStaticProvider(ttl)
		if flagDev {
			seedDevIdentity(provider)
		}
		return provider, nil
	}

	timeout, err := config.ParseDuration(block.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return identity.NewHTTPProvider(&identity.HTTPProviderConfig{
		Endpoint: block.Endpoint,
		Timeout:  timeout,
		RetryMax: block.RetryMax,
	}, logger)
}

func buildDirectory(cfg *config.Config, logger log.Logger) (directory.Directory, error) {
	block := cfg.Directory
	if block == nil || block.Type == "static" {
		dir := directory.NewStaticDirectory()
		if flagDev {
			if err := seedDevDirectory(dir); err != nil {
				return nil, err
			}
		}
		return dir, nil
	}

	timeout, err := config.ParseDuration(block.Timeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	return directory.NewHTTPDirectory(&directory.HTTPDirectoryConfig{
		Endpoint: block.Endpoint,
		Timeout:  timeout,
		RetryMax: block.RetryMax,
	}, logger)
}

func buildSweeperConfig(cfg *config.Config) (*maintenance.Config, error) {
	sweeperConfig := maintenance.DefaultConfig()
	block := cfg.Maintenance
	if block == nil {
		return sweeperConfig, nil
	}
	if block.HintBuffer > 0 {
		sweeperConfig.HintBuffer = block.HintBuffer
	}
	if block.SweepsPerSecond > 0 {
		sweeperConfig.SweepsPerSecond = block.SweepsPerSecond
	}
	interval, err := config.ParseDuration(block.SweepInterval, sweeperConfig.Interval)
	if err != nil {
		return nil, err
	}
	sweeperConfig.Interval = interval
	return sweeperConfig, nil
}

func printInfo(cmd *cobra.Command, cfg *config.Config, apiListener *config.ListenerBlock) {
	info := map[string]string{
		"version":     version.Version,
		"log level":   cfg.LogLevel,
		"log format":  cfg.LogFormat,
		"api address": apiListener.Address,
		"storage":     "inmem",
	}
	if cfg.Identity != nil {
		info["identity provider"] = cfg.Identity.Type
	} else {
		info["identity provider"] = "static"
	}
	if cfg.Directory != nil {
		info["directory"] = cfg.Directory.Type
	} else {
		info["directory"] = "static"
	}

	infoKeys := make([]string, 0, len(info))
	for k := range info {
		infoKeys = append(infoKeys, k)
	}
	sort.Strings(infoKeys)

	fmt.Fprintf(cmd.OutOrStdout(), "\n==> Keymaster server configuration:\n\n")
	titleCaser := cases.Title(language.English, cases.NoLower)
	for _, k := range infoKeys {
		fmt.Fprintf(cmd.OutOrStdout(), "%24s: %s\n", titleCaser.String(k), info[k])
	}
}
