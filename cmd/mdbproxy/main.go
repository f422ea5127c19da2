// Command mdbproxy starts the MariaDB/MySQL protocol-aware reverse proxy.
// Grounded on the teacher's cmd/dbbouncer/main.go component-wiring shape:
// load config, construct collaborators, start listeners, wait for a
// shutdown signal, tear everything down in reverse order.
package main

import (
	"context"
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/dbbouncer/mdbproxy/internal/adminhttp"
	"github.com/dbbouncer/mdbproxy/internal/authn"
	"github.com/dbbouncer/mdbproxy/internal/config"
	"github.com/dbbouncer/mdbproxy/internal/filter/namedserver"
	"github.com/dbbouncer/mdbproxy/internal/filter/s3load"
	"github.com/dbbouncer/mdbproxy/internal/metrics"
	"github.com/dbbouncer/mdbproxy/internal/proxyserver"
	"github.com/dbbouncer/mdbproxy/internal/router"
	"github.com/dbbouncer/mdbproxy/internal/workerpool"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// staticUserStore is the in-process stand-in for the out-of-scope
// backend-synchronized user table: it answers authn.UserStore.Lookup from
// the config file's users section.
type staticUserStore struct {
	records map[string]authn.UserRecord
}

func newStaticUserStore(users []config.UserConfig) *staticUserStore {
	s := &staticUserStore{records: make(map[string]authn.UserRecord, len(users))}
	for _, u := range users {
		s.records[u.Username] = authn.UserRecord{
			Username:           u.Username,
			DoubleSHA1Password: doubleSHA1(u.Password),
			DefaultSchema:      u.DefaultSchema,
		}
	}
	return s
}

func (s *staticUserStore) Lookup(username string) (authn.UserRecord, bool) {
	rec, ok := s.records[username]
	return rec, ok
}

func doubleSHA1(password string) []byte {
	if password == "" {
		return nil
	}
	h1 := sha1.Sum([]byte(password))
	h2 := sha1.Sum(h1[:])
	return h2[:]
}

func routerTargets(rt config.RouterConfig) []router.Target {
	targets := make([]router.Target, 0, len(rt.Targets))
	for _, t := range rt.Targets {
		role := router.RoleSlave
		if t.Role == "master" {
			role = router.RoleMaster
		}
		targets = append(targets, router.Target{Name: t.Name, Address: t.Address, Role: role})
	}
	return targets
}

func compileNamedServerRules(rules []config.NamedServerRuleConfig) ([]namedserver.Rule, error) {
	compiled := make([]namedserver.Rule, 0, len(rules))
	for _, rc := range rules {
		match, err := regexp.Compile(rc.Match)
		if err != nil {
			return nil, fmt.Errorf("compiling named_server rule %q: %w", rc.Match, err)
		}
		compiled = append(compiled, namedserver.Rule{
			Match:         match,
			Target:        rc.Target,
			SourcePattern: rc.SourcePattern,
			User:          rc.User,
		})
	}
	return compiled, nil
}

func buildNamedServerFilter(rules []config.NamedServerRuleConfig) (*namedserver.Filter, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	compiled, err := compileNamedServerRules(rules)
	if err != nil {
		return nil, err
	}
	return namedserver.New(namedserver.Config{Rules: compiled})
}

func buildS3LoadFilter(ctx context.Context, cfg config.S3LoadConfig) (*s3load.Filter, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return s3load.New(s3load.Config{Client: s3load.NewSDKClient(client)}), nil
}

func main() {
	configPath := flag.String("config", "configs/mdbproxy.yaml", "path to configuration file")
	flag.Parse()

	slog.Info("mdbproxy starting")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded", "path", *configPath, "listeners", len(cfg.Listeners))

	m := metrics.New()

	disp, err := router.NewStatic(routerTargets(cfg.Router))
	if err != nil {
		slog.Error("building router", "error", err)
		os.Exit(1)
	}

	store := newStaticUserStore(cfg.Users)
	authReg := authn.NewRegistry()
	authReg.Register(&authn.NativeMechanism{Store: store})
	authReg.Register(&authn.TicketMechanism{Store: store})
	if err := authReg.LoadAll(); err != nil {
		slog.Warn("loading authenticator user tables", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nsFilter, err := buildNamedServerFilter(cfg.Filters.NamedServer)
	if err != nil {
		slog.Error("building named_server filter", "error", err)
		os.Exit(1)
	}
	s3Filter, err := buildS3LoadFilter(ctx, cfg.Filters.S3Load)
	if err != nil {
		slog.Error("building s3_load filter", "error", err)
		os.Exit(1)
	}

	pool := workerpool.New(cfg.Workers.Count, cfg.Workers.QueueDepth)

	srv := proxyserver.New(cfg, authReg, disp, pool, m, nsFilter, s3Filter)
	if err := srv.Start(); err != nil {
		slog.Error("starting proxy server", "error", err)
		os.Exit(1)
	}

	admin := adminhttp.New(cfg.Admin.Bind, m)
	if err := admin.Start(); err != nil {
		slog.Error("starting admin server", "error", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		if err := disp.Reload(routerTargets(newCfg.Router)); err != nil {
			slog.Error("reloading router config", "error", err)
			return
		}
		if nsFilter != nil {
			compiled, err := compileNamedServerRules(newCfg.Filters.NamedServer)
			if err != nil {
				slog.Error("reloading named_server config", "error", err)
			} else if err := nsFilter.Reload(namedserver.Config{Rules: compiled}); err != nil {
				slog.Error("reloading named_server config", "error", err)
			}
		}
		slog.Info("configuration reloaded")
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "error", err)
	}

	slog.Info("mdbproxy ready", "listeners", len(cfg.Listeners), "admin", cfg.Admin.Bind)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	admin.Shutdown(shutdownCtx)
	srv.Stop()
	pool.Shutdown(shutdownCtx)

	slog.Info("mdbproxy stopped")
}
