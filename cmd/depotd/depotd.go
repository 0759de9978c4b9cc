// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// depotd is the repository server daemon. It loads (or seeds) the schema
// configuration, opens the stores, and serves the schema-driven API plus
// the builtin auth/admin endpoints.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/depotrun/depot/pkg/authz"
	"github.com/depotrun/depot/pkg/ctxlog"
	"github.com/depotrun/depot/pkg/engine"
	"github.com/depotrun/depot/pkg/gc"
	"github.com/depotrun/depot/pkg/schema"
	"github.com/depotrun/depot/pkg/server"
	"tailscale.com/util/must"
)

var (
	configFile = flag.String("config", "", "optional TOML config file; explicit flags override it")
	addr       = flag.String("addr", ":8475", "HTTP listen address")
	dataDir    = flag.String("data-dir", must.Get(filepath.Abs("data")), "data directory")
	schemaFile = flag.String("schema", "", "schema JSONC file to seed the config database from (default: built-in schema)")
	usersFile  = flag.String("users", "", "users YAML file (default: <data-dir>/users.yaml)")
	gcInterval = flag.Duration("gc-interval", time.Hour, "interval between garbage collection passes")
	gcKVStore  = flag.String("gc-kv-store", "meta", "KV store the garbage collector marks from")
	gcBlobs    = flag.String("gc-blob-store", "artifacts", "blob store the garbage collector sweeps")
	logJSON    = flag.Bool("log-json", false, "emit JSON logs")
	verbose    = flag.Bool("verbose", false, "enable debug logging")
)

// fileConfig mirrors the flag set for TOML deployment configs.
type fileConfig struct {
	Addr       string `toml:"addr"`
	DataDir    string `toml:"data_dir"`
	Schema     string `toml:"schema"`
	Users      string `toml:"users"`
	GCInterval string `toml:"gc_interval"`
	LogJSON    bool   `toml:"log_json"`
	Verbose    bool   `toml:"verbose"`
}

// applyConfigFile layers the TOML file under any flags the user did not set
// explicitly on the command line.
func applyConfigFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if fc.Addr != "" && !set["addr"] {
		*addr = fc.Addr
	}
	if fc.DataDir != "" && !set["data-dir"] {
		*dataDir = must.Get(filepath.Abs(fc.DataDir))
	}
	if fc.Schema != "" && !set["schema"] {
		*schemaFile = fc.Schema
	}
	if fc.Users != "" && !set["users"] {
		*usersFile = fc.Users
	}
	if fc.GCInterval != "" && !set["gc-interval"] {
		d, err := time.ParseDuration(fc.GCInterval)
		if err != nil {
			return fmt.Errorf("config %s: bad gc_interval: %w", path, err)
		}
		*gcInterval = d
	}
	if fc.LogJSON && !set["log-json"] {
		*logJSON = true
	}
	if fc.Verbose && !set["verbose"] {
		*verbose = true
	}
	return nil
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// tokenSecret loads or creates the HMAC secret for bearer tokens. It lives
// in the data directory so tokens survive restarts.
func tokenSecret(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, "token.secret")
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, secret, 0600); err != nil {
		return nil, fmt.Errorf("write token secret: %w", err)
	}
	return secret, nil
}

// seedUsers creates the users file with an admin account when none exists.
// The initial password comes from DEPOT_ADMIN_PASSWORD or is generated and
// printed once.
func seedUsers(path string, logger *slog.Logger) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	password := os.Getenv("DEPOT_ADMIN_PASSWORD")
	generated := password == ""
	if generated {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		password = hex.EncodeToString(buf)
	}
	hash, err := authz.HashPassword(password)
	if err != nil {
		return err
	}
	doc := fmt.Sprintf("users:\n  - username: admin\n    password_bcrypt: %q\n    scopes: [admin]\n", hash)
	if err := os.WriteFile(path, []byte(doc), 0600); err != nil {
		return fmt.Errorf("write users %s: %w", path, err)
	}
	if generated {
		fmt.Fprintf(os.Stderr, "created admin user with password: %s\n", password)
	}
	logger.Info("seeded users file", "path", path)
	return nil
}

// openProvider opens the config database, seeding it from the schema file
// (or the built-in document) when it holds no configuration yet.
func openProvider(ctx context.Context, dataDir string, logger *slog.Logger) (*schema.SQLiteProvider, error) {
	p, err := schema.OpenSQLite(filepath.Join(dataDir, "config.db"))
	if err != nil {
		return nil, err
	}
	_, err = p.Load(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, schema.ErrNoConfig) {
		p.Close()
		return nil, err
	}
	doc := schema.DefaultDocument
	version := "builtin"
	if *schemaFile != "" {
		doc, err = os.ReadFile(*schemaFile)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("read schema %s: %w", *schemaFile, err)
		}
		version = filepath.Base(*schemaFile)
	}
	if err := p.Save(ctx, version, doc); err != nil {
		p.Close()
		return nil, err
	}
	logger.Info("seeded schema configuration", "version", version)
	return p, nil
}

func main() {
	flag.Parse()
	if *configFile != "" {
		if err := applyConfigFile(*configFile); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	logger := newLogger()
	slog.SetDefault(logger)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = ctxlog.WithLogger(ctx, logger)

	must.Do(os.MkdirAll(*dataDir, 0700))

	provider, err := openProvider(ctx, *dataDir, logger)
	if err != nil {
		logger.Error("open schema configuration", "error", err)
		os.Exit(1)
	}
	defer provider.Close()

	secret, err := tokenSecret(*dataDir)
	if err != nil {
		logger.Error("load token secret", "error", err)
		os.Exit(1)
	}

	usersPath := *usersFile
	if usersPath == "" {
		usersPath = filepath.Join(*dataDir, "users.yaml")
	}
	if err := seedUsers(usersPath, logger); err != nil {
		logger.Error("seed users", "error", err)
		os.Exit(1)
	}
	users, err := authz.LoadUsers(usersPath)
	if err != nil {
		logger.Error("load users", "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(ctx, engine.Config{
		Provider:    provider,
		DataDir:     *dataDir,
		TokenSecret: secret,
	})
	if err != nil {
		logger.Error("start engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	_, _, sch := eng.Snapshot()
	if sch.Features.GCEnabled {
		kvs, kvOK := eng.KVStore(*gcKVStore)
		blobs, blobOK := eng.BlobStore(*gcBlobs)
		if kvOK && blobOK {
			go gc.Runner(ctx, &gc.Collector{KV: kvs, Blobs: blobs}, *gcInterval)
		} else {
			logger.Warn("gc enabled but stores not found",
				"kv_store", *gcKVStore, "blob_store", *gcBlobs)
		}
	}

	srv := server.New(server.Config{
		Engine:      eng,
		Users:       users,
		TokenSecret: secret,
	})
	httpSrv := &http.Server{
		Addr:    *addr,
		Handler: srv,
		// Propagate the logger into handler contexts.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	logger.Info("depotd listening", "addr", *addr, "data_dir", *dataDir)
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		logger.Error("server exited", "error", err)
		os.Exit(1)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}
