package proxyserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbbouncer/mdbproxy/internal/authn"
	"github.com/dbbouncer/mdbproxy/internal/config"
	"github.com/dbbouncer/mdbproxy/internal/metrics"
	"github.com/dbbouncer/mdbproxy/internal/router"
	"github.com/dbbouncer/mdbproxy/internal/workerpool"
)

func TestStartListensOnConfiguredAddressAndStopClosesIt(t *testing.T) {
	disp, err := router.NewStatic([]router.Target{{Name: "primary", Address: "127.0.0.1:1", Role: router.RoleMaster}})
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	authReg := authn.NewRegistry()
	authReg.Register(&authn.NativeMechanism{Store: mapStore{}})
	pool := workerpool.New(1, 16)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	}()

	cfg := &config.Config{
		Listeners: []config.ListenerConfig{
			{Name: "main", Address: "127.0.0.1:0", Authenticator: "mysql_native_password"},
		},
	}
	srv := New(cfg, authReg, disp, pool, metrics.New(), nil, nil)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(srv.listeners) != 1 {
		t.Fatalf("expected 1 listener, got %d", len(srv.listeners))
	}
	addr := srv.listeners[0].Addr().String()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dialing started listener: %v", err)
	}
	conn.Close()

	srv.Stop()

	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Fatal("expected listener to be closed after Stop")
	}
}

func TestStartFailsOnInvalidAddress(t *testing.T) {
	disp, _ := router.NewStatic(nil)
	authReg := authn.NewRegistry()
	pool := workerpool.New(1, 16)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	}()

	cfg := &config.Config{
		Listeners: []config.ListenerConfig{
			{Name: "bad", Address: "not-a-valid-address", Authenticator: "mysql_native_password"},
		},
	}
	srv := New(cfg, authReg, disp, pool, metrics.New(), nil, nil)

	if err := srv.Start(); err == nil {
		t.Fatal("expected Start to fail for an invalid listener address")
	}
}
