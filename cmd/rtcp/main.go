package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/logutils"

	"github.com/vanso/rtcp/internal/config"
	"github.com/vanso/rtcp/internal/inbox"
	"github.com/vanso/rtcp/internal/notification"
	"github.com/vanso/rtcp/internal/push"
	"github.com/vanso/rtcp/internal/rtcp"
	"github.com/vanso/rtcp/internal/storage"
)

const usage = `usage: rtcp [flags] <command> [args]

commands:
  sync            pull the inbox from the server
  list            print the inbox
  read <index>    mark an inbox item as read
  delete <index>  delete an inbox item
  delete-all      delete every inbox item
  register <tok>  register the device with a push token
  tap <push_id>   report a notification as opened
  ads <zone>      print the banners of an ad zone
  run             keep the inbox in sync until interrupted
`

func main() {
	configPath := flag.String("config", envOrDefault("RTCP_CONFIG", config.DefaultPath()), "config file (YAML)")
	appID := flag.String("app-id", "", "RTCP app id")
	appGroup := flag.String("app-group", "", "app group shared with the extension")
	store := flag.String("store", "", "store DSN (file://, sqlite://, postgres://, memory://)")
	platform := flag.String("platform", "", "ios or android")
	production := flag.Bool("production", false, "use the production server")
	baseURL := flag.String("base-url", "", "override the server base URL")
	logLevel := flag.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	pushFeed := flag.String("push-feed", "", "websocket URL relaying push payloads (run)")
	interval := flag.Duration("interval", 0, "sync interval (run)")
	intervalJitter := flag.Float64("interval-jitter", -1, "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", 0, "per-request timeout")
	force := flag.Bool("force", false, "sync even if the inbox was synced recently")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "app-id":
			cfg.AppID = *appID
		case "app-group":
			cfg.AppGroup = *appGroup
		case "store":
			cfg.Store = *store
		case "platform":
			cfg.Platform = *platform
		case "production":
			cfg.Production = *production
		case "base-url":
			cfg.BaseURL = *baseURL
		case "log-level":
			cfg.LogLevel = *logLevel
		case "push-feed":
			cfg.PushFeed = *pushFeed
		case "interval":
			cfg.Sync.Interval = *interval
		case "interval-jitter":
			cfg.Sync.Jitter = *intervalJitter
		case "timeout":
			cfg.Sync.Timeout = *timeout
		}
	})
	setupLogging(os.Stderr, cfg.LogLevel)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if strings.TrimSpace(cfg.AppID) == "" {
		log.Fatalf("app id is required (--app-id, app_id or RTCP_APP_ID)")
	}
	if cfg.Sync.Interval <= 0 {
		cfg.Sync.Interval = 30 * time.Second
	}
	if cfg.Sync.Timeout <= 0 {
		cfg.Sync.Timeout = 15 * time.Second
	}
	cfg.Sync.Jitter = clampJitterRatio(cfg.Sync.Jitter)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newClient(rootCtx, cfg)
	if err != nil {
		log.Fatalf("failed to initialize rtcp: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("[WARN] close: %v", err)
		}
	}()

	if err := dispatch(rootCtx, client, cfg, args, *force); err != nil {
		log.Printf("[ERROR] %s: %v", args[0], err)
		_ = client.Close()
		os.Exit(1)
	}
}

func newClient(ctx context.Context, cfg *config.Config) (*rtcp.Client, error) {
	platform, err := notification.ParsePlatform(cfg.Platform)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return rtcp.New(ctx, rtcp.Options{
		AppID:                  cfg.AppID,
		AppGroup:               cfg.AppGroup,
		Production:             cfg.Production,
		BaseURL:                cfg.BaseURL,
		HardwareID:             cfg.HardwareID,
		Platform:               platform,
		DisableDeliveryReceipt: !cfg.Inbox.EnableDeliveryReceipt,
		DisableBadge:           !cfg.Inbox.EnableBadge,
		InboxSize:              cfg.Inbox.Size,
		SyncOnAppstart:         cfg.Inbox.SyncOnAppstart,
		ReceiptDelay:           cfg.Sync.ReceiptDelay,
		Store:                  store,
		HTTPClient:             &http.Client{Timeout: cfg.Sync.Timeout},
		Badger:                 logBadger{},
		Logger:                 log.Default(),
	})
}

func dispatch(ctx context.Context, client *rtcp.Client, cfg *config.Config, args []string, force bool) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "sync":
		if err := client.SyncInbox(ctx, force); err != nil {
			return err
		}
		return printInbox(os.Stdout, client.Inbox())
	case "list":
		if err := client.Start(ctx); err != nil {
			return err
		}
		return printInbox(os.Stdout, client.Inbox())
	case "read", "delete":
		index, err := indexArg(rest)
		if err != nil {
			return err
		}
		if err := client.Start(ctx); err != nil {
			return err
		}
		if index >= len(client.Inbox()) {
			return fmt.Errorf("index %d out of range (inbox has %d items)", index, len(client.Inbox()))
		}
		if cmd == "read" {
			client.SetRead(index)
		} else {
			client.Delete(index)
		}
		return printInbox(os.Stdout, client.Inbox())
	case "delete-all":
		if err := client.Start(ctx); err != nil {
			return err
		}
		client.DeleteAll()
		return nil
	case "register":
		if len(rest) != 1 {
			return fmt.Errorf("register needs exactly one push token")
		}
		return client.RegisterToken(ctx, rest[0])
	case "tap":
		if len(rest) != 1 {
			return fmt.Errorf("tap needs exactly one push id")
		}
		return client.HandleTap(ctx, rest[0])
	case "ads":
		if len(rest) != 1 {
			return fmt.Errorf("ads needs exactly one zone id")
		}
		ads, err := client.AllAds(ctx, rest[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BANNER\tIMAGE\tURL\tRATIO")
		for _, ad := range ads {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\n", ad.BannerID, ad.ImageURL, ad.URL, ad.AspectRatio())
		}
		return w.Flush()
	case "run":
		return runLoop(ctx, client, cfg)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runLoop(ctx context.Context, client *rtcp.Client, cfg *config.Config) error {
	client.OnInboxUpdate(func(update inbox.InboxUpdate) {
		log.Printf("[INFO] inbox updated: %d items, %d unread (from storage: %t)",
			len(update.Inbox), notification.UnreadCount(update.Inbox), update.FromStorage)
	})
	if err := client.Start(ctx); err != nil {
		log.Printf("[WARN] initial inbox load failed: %v", err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	if fs, ok := client.Store().(*storage.FileStore); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fs.Watch(ctx, func() {
				log.Printf("[DEBUG] store changed by another process; reloading")
				if err := client.Reload(ctx); err != nil {
					log.Printf("[WARN] reload failed: %v", err)
				}
			})
			if err != nil {
				log.Printf("[WARN] store watch stopped: %v", err)
			}
		}()
	}

	if strings.TrimSpace(cfg.PushFeed) != "" {
		feed, err := push.NewFeed(push.FeedOptions{
			URL:        cfg.PushFeed,
			AppID:      cfg.AppID,
			HardwareID: client.HardwareID(),
			Logger:     log.Default(),
		})
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = feed.Run(ctx, func(ctx context.Context, raw map[string]any) {
				if _, err := client.HandlePush(ctx, raw, true); err != nil {
					log.Printf("[WARN] push rejected: %v", err)
				}
			})
		}()
	}

	syncOnce := func() {
		syncCtx, cancel := context.WithTimeout(ctx, cfg.Sync.Timeout)
		defer cancel()
		if err := client.SyncInbox(syncCtx, false); err != nil {
			log.Printf("[WARN] inbox sync failed: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Sync.Interval, cfg.Sync.Jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[INFO] rtcp stopping: %v", ctx.Err())
			flushCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.Timeout)
			defer cancel()
			return client.SetAppState(flushCtx, rtcp.AppStateBackground)
		case <-timer.C:
			syncOnce()
			timer.Reset(jitteredIntervalWithSample(cfg.Sync.Interval, cfg.Sync.Jitter, rng.Float64()))
		}
	}
}

func printInbox(w io.Writer, items []notification.Item) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tREAD\tTIME\tPUSH_ID\tTITLE\tMESSAGE")
	for i, item := range items {
		read := " "
		if item.Read {
			read = "x"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", i, read, item.Time.Local().Format(time.DateTime), item.PushID, item.Title, item.Message)
	}
	return tw.Flush()
}

func indexArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected one inbox index")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil || index < 0 {
		return 0, fmt.Errorf("invalid inbox index %q", args[0])
	}
	return index, nil
}

type logBadger struct{}

func (logBadger) SetBadge(count int) {
	log.Printf("[DEBUG] badge: %d", count)
}

func setupLogging(w io.Writer, level string) {
	log.SetOutput(newLevelFilter(w, level))
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

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
