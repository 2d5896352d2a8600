// Command tapak calls the API from a terminal with a persisted session.
//
//	tapak [-config file] [-public] [-quiet] <command> [args]
//
// Commands: get PATH, post PATH [JSON], put PATH [JSON], delete PATH,
// upload FILE..., login USERNAME PASSWORD, logout, status, version.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/skynpu77/tapak"
	"github.com/skynpu77/tapak/notify"
	"github.com/skynpu77/tapak/store"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "tapak:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("tapak", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (yaml, json, toml or env)")
	public := fs.Bool("public", false, "send without the access token")
	quiet := fs.Bool("quiet", false, "do not print the loading indicator")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	cmd, rest := fs.Arg(0), fs.Args()[1:]

	if cmd == "version" {
		fmt.Fprintln(stdout, tapak.GetVersion())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv, closeKV, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeKV()

	notifier, closeNotifier, err := buildNotifier(cfg, stderr, *quiet)
	if err != nil {
		return err
	}
	defer closeNotifier()

	logLevel := slog.LevelWarn
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel}))

	opts := []tapak.Option{
		tapak.WithConfig(*cfg),
		tapak.WithKeyValueStore(kv),
		tapak.WithNotifier(notifier),
		tapak.WithLogger(tapak.NewSlogLogger(logger)),
		tapak.WithTracing(),
	}
	if cfg.MetricsAddr != "" {
		metrics := tapak.NewMetricsCollector()
		opts = append(opts, tapak.WithMetricsCollector(metrics))
		shutdown := serveMetrics(cfg.MetricsAddr, metrics, logger)
		defer shutdown()
	}

	client := tapak.New(opts...)
	if !client.IsValid() {
		return client.ValidationError()
	}
	api := tapak.NewAPI(client)

	var reqOpts []tapak.RequestOption
	if *public {
		reqOpts = append(reqOpts, tapak.Public())
	}
	if *quiet {
		reqOpts = append(reqOpts, tapak.Quiet())
	}

	switch cmd {
	case "get", "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: tapak %s PATH", cmd)
		}
		if cmd == "get" {
			return printResult(stdout, client.Get(ctx, rest[0], reqOpts...))
		}
		return printResult(stdout, client.Delete(ctx, rest[0], reqOpts...))

	case "post", "put":
		if len(rest) < 1 || len(rest) > 2 {
			return fmt.Errorf("usage: tapak %s PATH [JSON]", cmd)
		}
		var body json.RawMessage
		if len(rest) == 2 {
			if !json.Valid([]byte(rest[1])) {
				return errors.New("body is not valid JSON")
			}
			body = json.RawMessage(rest[1])
		}
		if cmd == "post" {
			return printResult(stdout, client.Post(ctx, rest[0], body, reqOpts...))
		}
		return printResult(stdout, client.Put(ctx, rest[0], body, reqOpts...))

	case "upload":
		if len(rest) == 0 {
			return errors.New("usage: tapak upload FILE...")
		}
		var failed int
		for i, res := range client.UploadMany(ctx, rest, tapak.UploadOptions{Quiet: *quiet}) {
			fmt.Fprintf(stdout, "%s: ", rest[i])
			if err := printResult(stdout, res); err != nil {
				fmt.Fprintln(stderr, err)
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(rest))
		}
		return nil

	case "login":
		if len(rest) != 2 {
			return errors.New("usage: tapak login USERNAME PASSWORD")
		}
		res := api.Login(ctx, tapak.LoginRequest{Username: rest[0], Password: rest[1]})
		if res.OK {
			if err := client.Credentials().RememberUsername(ctx, rest[0]); err != nil {
				logger.Warn("Remembering username failed", "error", err)
			}
		}
		return printResult(stdout, res)

	case "logout":
		return printResult(stdout, api.Logout(ctx))

	case "status":
		return printStatus(ctx, stdout, client.Credentials())

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func loadConfig(path string) (*tapak.Config, error) {
	if path != "" {
		return tapak.LoadConfigFile(path)
	}
	return tapak.LoadConfig()
}

func openStore(ctx context.Context, cfg *tapak.Config) (tapak.KeyValueStore, func(), error) {
	switch cfg.SessionBackend {
	case "memory":
		return store.NewMemory(), func() {}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		return store.NewRedis(rdb, store.WithKeyPrefix(cfg.RedisPrefix)), func() { rdb.Close() }, nil

	default:
		path := cfg.BoltPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, nil, fmt.Errorf("resolve home directory: %w", err)
			}
			path = filepath.Join(home, ".tapak", "session.db")
		}
		db, err := store.OpenBolt(path)
		if err != nil {
			return nil, nil, err
		}
		return db, func() { db.Close() }, nil
	}
}

func buildNotifier(cfg *tapak.Config, stderr io.Writer, quiet bool) (tapak.Notifier, func(), error) {
	var out tapak.Notifier = notify.NewWriter(stderr)
	if quiet {
		out = notify.Nop{}
	}
	if cfg.NATSURL == "" {
		return out, func() {}, nil
	}

	nc, natsNotifier, err := notify.ConnectNATS(cfg.NATSURL, cfg.NATSPrefix)
	if err != nil {
		return nil, nil, err
	}
	natsNotifier.OnError = func(subject string, err error) {
		fmt.Fprintf(stderr, "publish %s: %v\n", subject, err)
	}
	closeFn := func() {
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}
	return notify.Multi{out, natsNotifier}, closeFn, nil
}

func serveMetrics(addr string, metrics *tapak.MetricsCollector, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "addr", addr, "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printResult(w io.Writer, res tapak.Result) error {
	if !res.OK {
		return res.AsError()
	}
	if len(res.Data) == 0 || string(res.Data) == "null" {
		fmt.Fprintln(w, res.Message)
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Data, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(res.Data))
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}

func printStatus(ctx context.Context, w io.Writer, creds *tapak.CredentialStore) error {
	if remembered := creds.RememberedUsername(ctx); remembered != "" {
		fmt.Fprintf(w, "remembered: %s\n", remembered)
	}
	if !creds.IsLoggedIn(ctx) {
		fmt.Fprintln(w, "not logged in")
		return nil
	}

	user, _ := creds.CurrentUser(ctx)
	fmt.Fprintf(w, "user: %s (%s)\n", user.Username, user.UserID)
	if at, ok := creds.LoginTime(ctx); ok {
		fmt.Fprintf(w, "logged in: %s\n", at.Local().Format(time.RFC3339))
	}
	if exp, ok := creds.ExpiresAt(ctx); ok {
		fmt.Fprintf(w, "token expires: %s\n", exp.Local().Format(time.RFC3339))
	}
	if creds.IsNearExpiry(ctx) {
		fmt.Fprintln(w, "token is near expiry; the next request refreshes it")
	}
	return nil
}
