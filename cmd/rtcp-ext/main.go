package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/logutils"

	"github.com/vanso/rtcp/internal/config"
	"github.com/vanso/rtcp/internal/extension"
	"github.com/vanso/rtcp/internal/inbox"
	"github.com/vanso/rtcp/internal/storage"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(rootCtx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("rtcp-ext", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", envOrDefault("RTCP_CONFIG", config.DefaultPath()), "config file (YAML)")
	appID := fs.String("app-id", "", "RTCP app id")
	appGroup := fs.String("app-group", "", "app group shared with the main app")
	store := fs.String("store", "", "store DSN shared with the main app")
	payloadPath := fs.String("payload", "-", "push payload JSON file, - for stdin")
	logLevel := fs.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	timeout := fs.Duration("timeout", 0, "processing timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "app-id":
			cfg.AppID = *appID
		case "app-group":
			cfg.AppGroup = *appGroup
		case "store":
			cfg.Store = *store
		case "log-level":
			cfg.LogLevel = *logLevel
		case "timeout":
			cfg.Sync.Timeout = *timeout
		}
	})
	if strings.TrimSpace(cfg.AppID) == "" {
		return fmt.Errorf("app id is required (--app-id, app_id or RTCP_APP_ID)")
	}
	if cfg.Sync.Timeout <= 0 {
		cfg.Sync.Timeout = 15 * time.Second
	}
	logger := log.New(newLevelFilter(stderr, cfg.LogLevel), "rtcp-ext ", log.LstdFlags)

	raw, err := readPayload(*payloadPath, stdin)
	if err != nil {
		return err
	}

	st, err := storage.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	processor, err := extension.NewProcessor(st, extension.Options{
		Namespace:  inbox.Namespace(cfg.AppGroup, cfg.AppID),
		HTTPClient: &http.Client{Timeout: cfg.Sync.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Sync.Timeout)
	defer cancel()
	result, err := processor.Process(ctx, raw)
	if err != nil {
		return fmt.Errorf("process push: %w", err)
	}
	return printResult(stdout, result)
}

func readPayload(path string, stdin io.Reader) (map[string]any, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return raw, nil
}

func printResult(w io.Writer, result extension.Result) error {
	badge := "-"
	if result.BadgeSet {
		badge = fmt.Sprint(result.Badge)
	}
	_, err := fmt.Fprintf(w, "push_id=%s outcome=%s badge=%s receipt=%t media=%s\n",
		result.Event.PushID, result.Outcome, badge, result.ReceiptSent, result.MediaURL)
	return err
}

func newLevelFilter(w io.Writer, level string) *logutils.LevelFilter {
	minLevel := logutils.LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	switch minLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		minLevel = "INFO"
	}
	return &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: minLevel,
		Writer:   w,
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
