package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"voxelshard.ai/internal/config"
	"voxelshard.ai/internal/logging"
	"voxelshard.ai/internal/persistence/r2s3"
	"voxelshard.ai/internal/server"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to server.yaml (defaults are used when empty)")
		udpAddr    = flag.String("udp", "", "UDP listen address (overrides listen.udp)")
		httpAddr   = flag.String("http", "", "HTTP listen address for health, metrics and the WebSocket bridge (\"-\" disables)")
		persist    = flag.String("persist-file", "", "persist file path (overrides persist.file)")
		noPersist  = flag.Bool("no-persist", false, "disable loading and saving the persist file")
		input      = flag.String("i", "", "voxel file merged into the tree at startup")
		jurFile    = flag.String("jurisdiction-file", "", "jurisdiction YAML file")
		jurRoot    = flag.String("root", "", "jurisdiction root octal code")
		jurEnds    = flag.String("end-nodes", "", "comma separated jurisdiction end node codes")
		queued     = flag.Bool("queued", false, "apply mutations on a single worker behind a bounded queue")
		logLevel   = flag.String("log-level", "", "debug, info, warn or error")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	override(&cfg, *udpAddr, *httpAddr, *persist, *input, *jurFile, *jurRoot, *jurEnds, *logLevel)
	if *noPersist {
		cfg.Persist.Enabled = false
	}
	if *queued {
		cfg.Dispatch.Mode = config.ModeQueued
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, sync := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer sync()

	if err := run(cfg, log); err != nil {
		log.Errorw("server stopped", "error", err)
		sync()
		os.Exit(1)
	}
}

func override(cfg *config.Config, udpAddr, httpAddr, persist, input, jurFile, jurRoot, jurEnds, level string) {
	if udpAddr != "" {
		cfg.Listen.UDP = udpAddr
	}
	switch httpAddr {
	case "":
	case "-":
		cfg.Listen.HTTP = ""
	default:
		cfg.Listen.HTTP = httpAddr
	}
	if persist != "" {
		cfg.Persist.File = persist
	}
	if input != "" {
		cfg.Persist.InputFile = input
	}
	if jurFile != "" {
		cfg.Jurisdiction.File = jurFile
	}
	if jurRoot != "" {
		cfg.Jurisdiction.Root = jurRoot
	}
	if jurEnds != "" {
		cfg.Jurisdiction.EndNodes = strings.Split(jurEnds, ",")
	}
	if level != "" {
		cfg.Log.Level = level
	}
}

func run(cfg config.Config, log *zap.SugaredLogger) error {
	var opts []server.Option
	mirror, err := buildMirror(log)
	if err != nil {
		return errors.Wrap(err, "r2 mirror")
	}
	if mirror != nil {
		opts = append(opts, server.WithMirror(mirror))
	}
	if envBool("VS_ENABLE_PPROF_HTTP", false) {
		opts = append(opts, server.WithPprof())
	}

	srv, err := server.New(cfg, log, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	return srv.Run(ctx)
}

// buildMirror returns nil when VS_R2_MIRROR is off.
func buildMirror(log *zap.SugaredLogger) (*r2s3.Mirror, error) {
	rc, on := r2s3.ConfigFromEnv(os.Getenv)
	if !on {
		return nil, nil
	}
	client, err := r2s3.New(rc)
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(client, r2s3.MirrorOptions{
		Prefix:  rc.Prefix,
		Workers: envInt("VS_R2_UPLOAD_WORKERS", 2),
	}, log.Named("r2")), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
