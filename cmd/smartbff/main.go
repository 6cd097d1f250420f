package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"
	"gopkg.in/yaml.v3"

	"smartbff/discovery"
	"smartbff/registration"
	"smartbff/server"
)

func main() {
	configPath := flag.String("config", os.Getenv("SMARTBFF_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configCmd != "" {
		configFile := *configPath
		if configFile == "" {
			configFile = "./config.yaml"
		}

		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout, logger); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if err := runConfigValidate(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	command := ""
	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "check" {
		command = "check"
		commandArgs = commandArgs[1:]
	}

	configFile := *configPath
	if configFile == "" && command == "" && len(commandArgs) > 0 {
		configFile = commandArgs[0]
		commandArgs = commandArgs[1:]
	}
	if configFile == "" {
		configFile = "./config.yaml"
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "check" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runCheck(ctx, cfg, logger, commandArgs, nil); err != nil {
			logger.Error("registration check failed", "error", err)
			os.Exit(1)
		}
		logger.Info("registration check succeeded")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}
	defer application.Close()

	// Metadata problems are warnings at startup; launches report them to the browser.
	warmCtx, cancelWarm := context.WithTimeout(ctx, 10*time.Second)
	warmDiscovery(warmCtx, application.Registry, application.Discovery, logger)
	cancelWarm()

	stopRotate := make(chan struct{})
	application.Keys.StartRotation(stopRotate)
	defer close(stopRotate)

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if cfg.Server.DevMode {
		srv := &http.Server{
			Addr:         cfg.Server.DevListenAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "dev", "addr", cfg.Server.DevListenAddr, "base_path", cfg.BFF.BasePath)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
			}
		}()
	} else {
		cacheDir := cfg.Server.TLS.CacheDir
		if cacheDir == "" {
			cacheDir = filepath.Join(cfg.Server.SecretsPath, "tls")
		}

		m := &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:    cfg.Server.HTTPListenAddr,
			Handler: m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:      cfg.Server.HTTPSListenAddr,
			Handler:   handler,
			TLSConfig: tlsCfg,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "prod", "addr", cfg.Server.HTTPSListenAddr, "base_path", cfg.BFF.BasePath)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
			}
		}()
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

type metadataSource interface {
	Get(ctx context.Context, reg *registration.Registration) (*discovery.Document, []string, error)
}

// warmDiscovery fetches every active registration's metadata once so the
// cache is populated and misconfigured servers show up in the logs.
func warmDiscovery(ctx context.Context, registry *registration.Registry, source metadataSource, logger *slog.Logger) {
	for _, reg := range registry.All() {
		if !reg.Active {
			continue
		}
		doc, errs, err := source.Get(ctx, reg)
		switch {
		case err != nil:
			logger.Warn("smart configuration may not be accessible",
				"registration_id", reg.ID,
				"url", reg.MetadataURL(),
				"error", err,
				"note", "server will continue but launches for this issuer will fail")
		case len(errs) > 0:
			logger.Warn("smart configuration is not valid",
				"registration_id", reg.ID,
				"url", reg.MetadataURL(),
				"validation_errors", errs)
		default:
			logger.Debug("smart configuration loaded", "registration_id", reg.ID, "issuer", doc.Issuer)
		}
	}
}

// runCheck fetches and validates the metadata of the named registrations, or
// of all of them when none are named.
func runCheck(ctx context.Context, cfg server.Config, logger *slog.Logger, ids []string, httpClient *http.Client) error {
	registry, err := registration.NewRegistry(cfg.Registrations)
	if err != nil {
		return err
	}

	targets := registry.All()
	if len(ids) > 0 {
		targets = targets[:0:0]
		for _, id := range ids {
			reg, err := registry.ByID(id)
			if err != nil {
				return err
			}
			if reg == nil {
				return fmt.Errorf("registration %s not configured", id)
			}
			targets = append(targets, reg)
		}
	}

	client := httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.BFF.Discovery.Timeout}
	}
	svc, err := discovery.NewService(client, discovery.Options{}, logger, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	var failed []string
	for _, reg := range targets {
		logger.Info("check.start", "registration_id", reg.ID, "url", reg.MetadataURL())
		doc, errs, err := svc.Get(ctx, reg)
		switch {
		case err != nil:
			logger.Error("check.unreachable", "registration_id", reg.ID, "error", err)
			failed = append(failed, reg.ID)
		case len(errs) > 0:
			logger.Error("check.invalid", "registration_id", reg.ID, "validation_errors", errs)
			failed = append(failed, reg.ID)
		default:
			logger.Info("check.success",
				"registration_id", reg.ID,
				"authorization_endpoint", doc.AuthorizationEndpoint,
				"token_endpoint", doc.TokenEndpoint,
				"revocation", doc.RevocationEndpoint != "")
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("registrations failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return server.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return server.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func runConfigInit(path string, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	_, err := runSetup(path, in, out, logger)
	return err
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("validating registration metadata...")
	if err := runCheck(ctx, cfg, logger, nil, nil); err != nil {
		// Unreachable servers do not make the file invalid.
		logger.Warn("metadata check reported problems", "error", err)
	}
	logger.Info("configuration validation complete")
	return nil
}

func runSetup(path string, in io.Reader, out io.Writer, logger *slog.Logger) (server.Config, error) {
	p := prompter{r: bufio.NewReader(in), w: out}
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup for a SMART on FHIR authorization server. Press Enter to accept defaults.")

	cfg := server.DefaultConfig()

	devMode := p.askYesNo("Run in development mode?", true)
	cfg.Server.DevMode = devMode

	if devMode {
		cfg.Server.PublicURL = strings.TrimSuffix(p.ask("Gateway public URL", cfg.Server.PublicURL), "/")
		cfg.Server.DevListenAddr = p.ask("Gateway dev listen address", cfg.Server.DevListenAddr)
	} else {
		domain := p.askRequired("Primary public domain (e.g. bff.example.com)")
		cfg.Server.TLS.Domains = []string{domain}
		cfg.Server.PublicURL = "https://" + strings.TrimSuffix(domain, "/")
		cfg.Server.TLS.Email = p.ask("ACME contact email", cfg.Server.TLS.Email)
		cfg.Server.HTTPListenAddr = ":80"
		cfg.Server.HTTPSListenAddr = ":443"
	}
	origins := p.ask("Browser app origins (comma separated)", strings.Join(cfg.Server.CORS.AllowedOrigins, ", "))
	cfg.Server.CORS.AllowedOrigins = normalizeList(origins, cfg.Server.CORS.AllowedOrigins)

	reg := cfg.Registrations[0]
	reg.ID = p.ask("Registration ID", reg.ID)
	reg.Issuer = strings.TrimSuffix(p.ask("FHIR server issuer URL", reg.Issuer), "/")
	reg.ClientID = p.askRequired("Client ID registered with the authorization server")
	reg.ClientSecret = p.askRequired("Client secret")
	reg.Scopes = p.ask("Scopes", reg.Scopes)
	reg.LoginCallbackURL = cfg.Server.PublicURL + cfg.BFF.BasePath + "/callback/login/" + reg.ID
	reg.Options.RequireHTTPS = strings.HasPrefix(reg.Issuer, "https://")
	cfg.Registrations = []registration.Registration{reg}

	fmt.Fprintf(out, "Register %s as the redirect URI with the authorization server.\n", reg.LoginCallbackURL)

	if err := writeConfigFile(path, cfg); err != nil {
		return server.Config{}, err
	}
	logger.Info("configuration created", "path", path)

	return server.LoadConfig(path)
}

type prompter struct {
	r *bufio.Reader
	w io.Writer
}

func (p prompter) ask(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(p.w, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(p.w, "%s: ", prompt)
	}
	input, _ := p.r.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func (p prompter) askRequired(prompt string) string {
	for {
		fmt.Fprintf(p.w, "%s: ", prompt)
		input, err := p.r.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(p.w, "This value is required. Please enter a value.")
	}
}

func (p prompter) askYesNo(prompt string, def bool) bool {
	defLabel := "Y"
	if !def {
		defLabel = "N"
	}
	for {
		fmt.Fprintf(p.w, "%s [%s]: ", prompt, defLabel)
		input, err := p.r.ReadString('\n')
		input = strings.TrimSpace(strings.ToLower(input))
		if input == "" {
			return def
		}
		switch input {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(p.w, "Please enter 'y' or 'n'.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}

func normalizeList(input string, fallback []string) []string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func writeConfigFile(path string, cfg server.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
