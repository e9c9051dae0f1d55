// Command tenantctl administers per-tenant databases: it creates, migrates,
// diagnoses, repairs and tears down tenants, and serves the same operations
// over an HTTP admin API or MCP on stdio.
//
// Configuration comes from the YAML file named by TENANTDB_CONFIG (defaults
// otherwise), with TENANTDB_DATA_DIR and TENANTDB_LISTEN overriding it.
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/tenantdb/auth"
	"github.com/hazyhaar/tenantdb/kit"
	"github.com/hazyhaar/tenantdb/shield"
	"github.com/hazyhaar/tenantdb/tenant"
	"github.com/hazyhaar/tenantdb/watch"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, errUsage) {
			printUsage()
			os.Exit(2)
		}
		logger.Error("tenantctl: "+os.Args[1], "error", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func printUsage() {
	fmt.Fprint(os.Stderr, `tenantctl: per-tenant database administration

usage:
  tenantctl create      [-feature f1,f2] <name>
  tenantctl delete      <tenant>
  tenantctl migrate     [-force] <tenant>
  tenantctl migrate-all [-force]
  tenantctl diagnose    <tenant>
  tenantctl repair      <tenant> <module>
  tenantctl list
  tenantctl inspect     <tenant>
  tenantctl verify      <tenant>
  tenantctl history     [-limit n] <tenant>
  tenantctl deletions   <tenant>
  tenantctl traces      [-limit n] <tenant>      (needs store.trace)
  tenantctl useradd     [-role admin|operator] <username>   (password on stdin)
  tenantctl freeze      on|off [reason]
  tenantctl serve       HTTP admin API on TENANTDB_LISTEN
  tenantctl mcp         MCP server on stdio
`)
}

func run(ctx context.Context, logger *slog.Logger, cmd string, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m, err := tenant.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx = kit.WithTransport(ctx, "cli")
	ctx = kit.WithUserID(ctx, "cli:"+env("USER", "unknown"))

	switch cmd {
	case "create":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		features := fs.String("feature", "", "comma-separated feature flags")
		name, err := oneArg(fs, args)
		if err != nil {
			return err
		}
		var feats []string
		if *features != "" {
			feats = strings.Split(*features, ",")
		}
		id, err := m.CreateTenant(ctx, name, tenant.WithFeatures(feats...))
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"tenant": id, "store_path": m.StorePath(id)})

	case "delete":
		id, err := tenantArg(flag.NewFlagSet(cmd, flag.ContinueOnError), args)
		if err != nil {
			return err
		}
		rep := m.DeleteTenant(ctx, id)
		if err := printJSON(rep); err != nil {
			return err
		}
		return rep.Err()

	case "migrate":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		force := fs.Bool("force", false, "bypass the verified cache")
		id, err := tenantArg(fs, args)
		if err != nil {
			return err
		}
		var opts []tenant.MigrateOption
		if *force {
			opts = append(opts, tenant.WithoutCache())
		}
		rep, err := m.EnsureMigrated(ctx, id, opts...)
		if err != nil {
			return err
		}
		if err := printJSON(rep); err != nil {
			return err
		}
		if !rep.OK() {
			return fmt.Errorf("%w: %d module(s) failed", tenant.ErrMigrationFailed, len(rep.Failed))
		}
		return nil

	case "migrate-all":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		force := fs.Bool("force", false, "bypass the verified cache")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		results, err := m.MigrateAll(ctx, *force)
		if err != nil {
			return err
		}
		return printJSON(results)

	case "diagnose":
		id, err := tenantArg(flag.NewFlagSet(cmd, flag.ContinueOnError), args)
		if err != nil {
			return err
		}
		rep, err := m.Diagnose(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(rep)

	case "repair":
		if len(args) != 2 {
			return errUsage
		}
		id, err := tenant.ParseID(args[0])
		if err != nil {
			return err
		}
		rep, err := m.RepairModule(ctx, id, args[1])
		if err != nil {
			return err
		}
		return printJSON(rep)

	case "list":
		rows, err := m.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(rows)

	case "inspect":
		id, err := tenantArg(flag.NewFlagSet(cmd, flag.ContinueOnError), args)
		if err != nil {
			return err
		}
		in, err := m.Inspect(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(in)

	case "verify":
		id, err := tenantArg(flag.NewFlagSet(cmd, flag.ContinueOnError), args)
		if err != nil {
			return err
		}
		v, err := m.Verify(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(v)

	case "history":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		limit := fs.Int("limit", 50, "max entries")
		id, err := tenantArg(fs, args)
		if err != nil {
			return err
		}
		entries, err := m.History(ctx, id, *limit)
		if err != nil {
			return err
		}
		return printJSON(entries)

	case "deletions":
		id, err := tenantArg(flag.NewFlagSet(cmd, flag.ContinueOnError), args)
		if err != nil {
			return err
		}
		rows, err := m.Deletions(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(rows)

	case "traces":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		limit := fs.Int("limit", 50, "max entries")
		id, err := tenantArg(fs, args)
		if err != nil {
			return err
		}
		entries, err := m.SlowQueries(ctx, id, *limit)
		if err != nil {
			return err
		}
		return printJSON(entries)

	case "useradd":
		fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
		role := fs.String("role", auth.RoleOperator, "admin or operator")
		username, err := oneArg(fs, args)
		if err != nil {
			return err
		}
		if *role != auth.RoleAdmin && *role != auth.RoleOperator {
			return fmt.Errorf("unknown role %q", *role)
		}
		password, err := readPassword()
		if err != nil {
			return err
		}
		if err := m.AddUser(ctx, username, password, *role); err != nil {
			return err
		}
		logger.Info("tenantctl: user added", "username", username, "role", *role)
		return nil

	case "freeze":
		if len(args) < 1 || (args[0] != "on" && args[0] != "off") {
			return errUsage
		}
		if err := shield.Init(m.ControlDB()); err != nil {
			return err
		}
		fz := shield.NewFreeze(m.ControlDB())
		if err := fz.Set(ctx, args[0] == "on", strings.Join(args[1:], " "), kit.GetUserID(ctx)); err != nil {
			return err
		}
		return printJSON(map[string]any{"active": fz.Active(), "reason": fz.Reason()})

	case "serve":
		return serve(ctx, logger, m)

	case "mcp":
		if _, err := m.Bootstrap(ctx); err != nil {
			return err
		}
		srv := mcp.NewServer(&mcp.Implementation{Name: "tenantdb", Version: version}, nil)
		m.RegisterMCP(srv)
		return srv.Run(kit.WithTransport(ctx, "mcp"), &mcp.StdioTransport{})

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		return errUsage
	}
}

func serve(ctx context.Context, logger *slog.Logger, m *tenant.Manager) error {
	secretInput := os.Getenv("TENANTDB_JWT_SECRET")
	if secretInput == "" {
		return errors.New("TENANTDB_JWT_SECRET is required")
	}
	sum := sha256.Sum256([]byte(secretInput))

	rep, err := m.Bootstrap(ctx)
	if err != nil {
		return err
	}
	logger.Info("tenantctl: bootstrap", "attached", len(rep.Attached), "missing", len(rep.Missing),
		"readded", len(rep.Readded), "orphans", len(rep.Orphans), "failed", len(rep.Failed))

	if err := shield.Init(m.ControlDB()); err != nil {
		return err
	}
	stack, freeze, limiter := shield.AdminStack(m.ControlDB())
	freeze.StartReloader(ctx.Done())
	limiter.StartReloader(ctx.Done())

	// Tenants created or deleted by other processes sharing the control
	// database invalidate this server's registry and migration cache.
	w := watch.New(m.DirectoryVersion, watch.Options{
		Interval: 2 * time.Second,
		Debounce: 500 * time.Millisecond,
		Logger:   logger,
	})
	go w.OnChange(ctx, func(ctx context.Context) error {
		rep, err := m.Reconcile(ctx)
		if err == nil && len(rep.Released) > 0 {
			logger.Info("tenantctl: directory changed", "released", len(rep.Released))
		}
		return err
	})

	a := &api{m: m, secret: sum[:], freeze: freeze, logger: logger}
	srv := &http.Server{
		Addr:              m.Config().HTTP.Listen,
		Handler:           a.routes(stack),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("tenantctl: listening", "addr", srv.Addr, "version", version)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("tenantctl: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loadConfig() (tenant.Config, error) {
	cfg := tenant.DefaultConfig()
	if path := os.Getenv("TENANTDB_CONFIG"); path != "" {
		var err error
		if cfg, err = tenant.LoadConfig(path); err != nil {
			return cfg, err
		}
	}
	if dir := os.Getenv("TENANTDB_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if addr := os.Getenv("TENANTDB_LISTEN"); addr != "" {
		cfg.HTTP.Listen = addr
	}
	return cfg, cfg.Validate()
}

func oneArg(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil || fs.NArg() != 1 {
		return "", errUsage
	}
	return fs.Arg(0), nil
}

func tenantArg(fs *flag.FlagSet, args []string) (tenant.ID, error) {
	s, err := oneArg(fs, args)
	if err != nil {
		return "", err
	}
	return tenant.ParseID(s)
}

func readPassword() (string, error) {
	if p := os.Getenv("TENANTDB_PASSWORD"); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
