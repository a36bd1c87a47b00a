// Command iamd runs the IAM core as a single process: the SQLite event
// store, the command executor with the user and org aggregates, the
// projection workers and the NATS append notifier. Configuration comes
// from environment variables:
//
//	IAMD_DB_PATH      SQLite database file (default iamcore.db)
//	IAMD_NATS_URL     NATS server URL; empty starts an embedded server
//	IAMD_KEEPER_URL   secrets keeper URL for verification codes
//	                  (e.g. base64key://...); empty disables codes
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	_ "gocloud.dev/secrets/localsecrets"

	"github.com/plaenen/iamcore/pkg/command"
	"github.com/plaenen/iamcore/pkg/crypto"
	essqlite "github.com/plaenen/iamcore/pkg/eventstore/sqlite"
	"github.com/plaenen/iamcore/pkg/iam/org"
	iamquery "github.com/plaenen/iamcore/pkg/iam/query"
	"github.com/plaenen/iamcore/pkg/iam/user"
	"github.com/plaenen/iamcore/pkg/notify"
	"github.com/plaenen/iamcore/pkg/projection"
	projsqlite "github.com/plaenen/iamcore/pkg/projection/sqlite"
	"github.com/plaenen/iamcore/pkg/runner"
)

func main() {
	slogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if err := run(context.Background(), runner.NewSlogLogger(slogger)); err != nil {
		slogger.Error("iamd failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger runner.Logger) error {
	natsURL := os.Getenv("IAMD_NATS_URL")
	var embedded *notify.EmbeddedServer
	if natsURL == "" {
		var err error
		embedded, err = notify.StartEmbeddedServer()
		if err != nil {
			return err
		}
		defer embedded.Shutdown()
		natsURL = embedded.URL()
		logger.Info("started embedded nats server", "url", natsURL)
	}

	publisher, err := notify.NewPublisher(natsURL, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	es, err := essqlite.NewEventStore(
		essqlite.WithDSN(envOr("IAMD_DB_PATH", "iamcore.db")),
		essqlite.WithAppendListener(publisher.Notify),
	)
	if err != nil {
		return err
	}
	defer es.Close()

	var encrypter *crypto.Encrypter
	if keeperURL := os.Getenv("IAMD_KEEPER_URL"); keeperURL != "" {
		encrypter, err = crypto.NewEncrypter(ctx, keeperURL)
		if err != nil {
			return err
		}
		defer encrypter.Close()
	}

	exec := command.NewExecutor(es, command.WithLogger(logger))
	user.Register(exec, encrypter)
	org.Register(exec)

	db := es.DB()
	stores, err := projsqlite.NewStores(ctx, db)
	if err != nil {
		return err
	}

	manager := projection.NewManager(stores.States, stores.Failed)
	for _, p := range []projection.Projection{
		iamquery.NewUsersProjection(),
		iamquery.NewOrgsProjection(),
	} {
		manager.Register(projection.NewWorker(
			p, es, db,
			stores.Checkpoints, stores.Locks, stores.Failed, stores.States,
			projection.WithLogger(logger),
		))
	}

	subscriber, err := notify.NewSubscriber(natsURL, manager, logger)
	if err != nil {
		return err
	}
	defer subscriber.Close()

	return runner.New(
		manager.Services(),
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(30*time.Second),
	).Run(ctx)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
