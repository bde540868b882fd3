package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	sd "github.com/coreos/go-systemd/v22/daemon"

	"cardstream/internal/adapters/lark"
	"cardstream/internal/adapters/telegram"
	"cardstream/internal/config"
	"cardstream/internal/delivery"
	"cardstream/internal/eventbus"
	"cardstream/internal/provider"
	"cardstream/internal/storage"
	"cardstream/pkg/logx"
)

func main() {
	var (
		cfgPath  string
		chatID   string
		threadID int
		markdown bool
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.StringVar(&chatID, "chat", "", "destination chat id for the stdin demo stream")
	flag.IntVar(&threadID, "thread", 0, "destination thread/topic id (0 = none)")
	flag.BoolVar(&markdown, "markdown", false, "render streamed content as markdown")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath, chatID, threadID, markdown); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath, chatID string, threadID int, markdown bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	log, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return err
	}
	defer log.Close()

	prov, err := buildProvider(cfg, log)
	if err != nil {
		return err
	}

	var store storage.Store
	if cfg.Storage != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return err
		}
		retention, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
		if err != nil {
			return err
		}
		store, err = storage.Open(storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy, Retention: retention}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
		}
	}

	rt, err := cfg.DeliveryRuntime()
	if err != nil {
		return err
	}
	bus := eventbus.New()
	coord := delivery.New(delivery.Config{
		Identity:               cfg.Identity,
		MinUpdateInterval:      rt.MinUpdateInterval,
		IdleFinalizeAfter:      rt.IdleFinalizeAfter,
		TTL:                    rt.TTL,
		SweepInterval:          rt.SweepInterval,
		CredentialSafetyMargin: rt.CredentialSafetyMargin,
		MaxRetryAttempts:       rt.MaxRetryAttempts,
		RetryBaseDelay:         rt.RetryBaseDelay,
		RatePerSec:             rt.RatePerSec,
	}, prov, bus, store, log.With(logx.String("comp", "delivery")))
	defer coord.Shutdown()

	// Hot-reload pacing knobs when the config file changes.
	mgr := config.NewManager(cfgPath, log.With(logx.String("comp", "config")))
	go func() {
		_ = mgr.Watch(ctx)
	}()
	go func() {
		sub := mgr.Subscribe(4)
		for {
			select {
			case <-ctx.Done():
				return
			case next := <-sub:
				nrt, err := next.DeliveryRuntime()
				if err != nil {
					continue
				}
				coord.Apply(delivery.Config{
					MinUpdateInterval: nrt.MinUpdateInterval,
					IdleFinalizeAfter: nrt.IdleFinalizeAfter,
					RatePerSec:        nrt.RatePerSec,
				})
				log.Info("delivery config re-applied")
			}
		}
	}()

	// Log delivery lifecycle events at debug.
	go logEvents(ctx, bus, log)

	_, _ = sd.SdNotify(false, sd.SdNotifyReady)
	defer func() { _, _ = sd.SdNotify(false, sd.SdNotifyStopping) }()

	log.Info("cardstream started", logx.String("provider", cfg.Provider))

	if chatID != "" {
		streamStdin(ctx, coord, chatID, threadID, markdown, log)
		return nil
	}
	<-ctx.Done()
	return nil
}

func buildProvider(cfg *config.Config, log logx.Logger) (provider.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "telegram":
		return telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log.With(logx.String("comp", "telegram")))
	case "lark":
		return lark.New(lark.Config{
			AppID:     cfg.Lark.AppID,
			AppSecret: cfg.Lark.AppSecret,
			BaseURL:   cfg.Lark.BaseURL,
		}, log.With(logx.String("comp", "lark")))
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func logEvents(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	sub, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			data, _ := e.Data.(delivery.EventData)
			if data.Error != "" {
				log.Warn(string(e.Type), logx.String("target", data.TargetID), logx.String("err", data.Error))
			} else {
				log.Debug(string(e.Type), logx.String("target", data.TargetID))
			}
		}
	}
}

// streamStdin is the demo feed: each line grows the current message, a blank
// line closes it so the next line opens a fresh one.
func streamStdin(ctx context.Context, coord *delivery.Coordinator, chatID string, threadID int, markdown bool, log logx.Logger) {
	mode := provider.RenderText
	if markdown {
		mode = provider.RenderMarkdown
	}
	ref := provider.ConversationRef{ChatID: chatID, ThreadID: threadID}

	var targetID, buf string
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := sc.Text()
		if line == "" {
			targetID, buf = "", ""
			continue
		}
		if buf == "" {
			buf = line
		} else {
			buf += "\n" + line
		}

		if targetID == "" {
			id, err := coord.SendInitial(ctx, ref, buf, mode)
			if err != nil {
				log.Error("initial send failed", logx.Err(err))
				continue
			}
			targetID = id
			continue
		}
		if err := coord.Update(targetID, buf); err != nil {
			if errors.Is(err, delivery.ErrTargetNotOpen) {
				// Finalized or evicted underneath us: fall back to a new message.
				id, serr := coord.SendInitial(ctx, ref, buf, mode)
				if serr != nil {
					log.Error("fallback send failed", logx.Err(serr))
					continue
				}
				targetID = id
				continue
			}
			log.Error("update failed", logx.String("target", targetID), logx.Err(err))
		}
	}
}
