package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/deemkeen/stegograph/activitypub"
	"github.com/deemkeen/stegograph/cache"
	"github.com/deemkeen/stegograph/db"
	"github.com/deemkeen/stegograph/events"
	"github.com/deemkeen/stegograph/logger"
	"github.com/deemkeen/stegograph/relationship"
	"github.com/deemkeen/stegograph/resolver"
	"github.com/deemkeen/stegograph/telemetry"
	"github.com/deemkeen/stegograph/util"
	"github.com/deemkeen/stegograph/visibility"
	"github.com/deemkeen/stegograph/web"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

func main() {
	addUser := flag.String("adduser", "", "create a local account with this username, print its access token and exit")
	protected := flag.Bool("protected", false, "with -adduser: follow requests need approval")
	flag.Parse()

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}
	if err := logger.Init(conf.Conf.Debug); err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()

	logger.Debug("Configuration", zap.String("conf", util.PrettyPrint(conf)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, *addUser, *protected); err != nil {
		logger.Error("Exiting", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, conf *util.AppConfig, addUser string, protected bool) error {
	store, err := db.Open(util.ResolveFilePath(conf.Conf.DbPath))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	tokens := web.NewTokens(conf.Conf.JwtSecret, util.Name, 0)
	if addUser != "" {
		return createAccount(ctx, conf, store, tokens, addUser, protected)
	}

	shutdownTracing, err := telemetry.Init(ctx, util.Name, util.GetVersion(), conf.Conf.OtelEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Telemetry: shutdown failed", zap.Error(err))
		}
	}()

	if conf.Conf.SentryDsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         conf.Conf.SentryDsn,
			Release:     util.GetNameAndVersion(),
			Environment: conf.Conf.SslDomain,
		}); err != nil {
			logger.Warn("Sentry: init failed", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	var handles cache.HandleCache = cache.Nop{}
	if conf.Conf.RedisAddr != "" {
		client, err := cache.Dial(ctx, conf.Conf.RedisAddr)
		if err != nil {
			logger.Warn("Cache: redis unavailable, continuing without", zap.String("addr", conf.Conf.RedisAddr), zap.Error(err))
		} else {
			defer client.Close()
			handles = cache.NewRedis(client, cache.DefaultTTL)
		}
	}

	var publisher events.Publisher = events.Nop{}
	if conf.Conf.NatsUrl != "" {
		nc, err := events.Connect(conf.Conf.NatsUrl)
		if err != nil {
			logger.Warn("Events: nats unavailable, continuing without", zap.String("url", conf.Conf.NatsUrl), zap.Error(err))
		} else {
			defer nc.Drain()
			publisher = events.NewNatsPublisher(nc)
		}
	}

	transport := activitypub.NewTransport(nil, conf.FetchTimeout())
	res := resolver.New(store, transport, handles, resolver.Options{
		LocalDomain:       conf.Conf.SslDomain,
		BackfillThreshold: conf.Conf.BackfillThreshold,
		BackfillLimit:     conf.Conf.BackfillLimit,
	})
	defer res.Wait()

	dispatcher := activitypub.NewDispatcher(store)
	engine := relationship.NewEngine(store, dispatcher, publisher)

	if conf.Conf.WithAp {
		go activitypub.NewDeliveryWorker(store, transport, conf.DeliveryInterval()).Run(ctx)
	}

	server := web.NewServer(conf, web.Services{
		DB:         store,
		Resolver:   res,
		Engine:     engine,
		Filter:     visibility.NewFilter(store, res, conf.BackfillWait()),
		Dispatcher: dispatcher,
		Inbox:      activitypub.NewInbox(store, res, engine),
		Tokens:     tokens,
	})

	logger.Info("Starting", zap.String("version", util.GetNameAndVersion()), zap.Bool("activitypub", conf.Conf.WithAp))
	err = server.ListenAndServe(ctx)
	logger.Info("Stopped")
	return err
}

func createAccount(ctx context.Context, conf *util.AppConfig, store *db.DB, tokens *web.Tokens, username string, protected bool) error {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	acc, err := activitypub.NewLocalAccount("https", conf.Conf.SslDomain, username, protected)
	if err != nil {
		return err
	}
	if err := store.CreateLocalAccount(ctx, acc); err != nil {
		return fmt.Errorf("create account %s: %w", username, err)
	}
	token, err := tokens.Issue(acc)
	if err != nil {
		return err
	}
	logger.Info("Created account", zap.String("handle", acc.Handle()), zap.Bool("protected", protected))
	fmt.Println(token)
	return nil
}
