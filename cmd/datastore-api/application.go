package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/MarcoPoloResearchLab/datastore/backend/internal/config"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/database"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/keyframes"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging"
	_ "github.com/MarcoPoloResearchLab/datastore/backend/internal/messaging/sink"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/migrations"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/reader"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/snapshot"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/telemetry"
	"github.com/MarcoPoloResearchLab/datastore/backend/internal/writer"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// registeredMigrations lists the deployment's migrations in target index order.
var registeredMigrations []migrations.Migration

type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	sqlDB      *sql.DB
	sink       messaging.Sink
	codec      *keyframes.Codec
	dispatcher *messaging.Dispatcher
	writer     *writer.Writer
	reader     *reader.Reader
	engine     *migrations.Engine
	snapshots  *snapshot.Service
}

func openApplication() (_ *application, err error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.DevMode)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	registry, err := migrations.NewRegistry(registeredMigrations...)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	if app.sqlDB, err = db.DB(); err != nil {
		return nil, err
	}

	app.metrics = telemetry.New(appConfig.MetricsEnabled)
	retrier := database.NewRetrier(database.RetryConfig{
		Attempts: appConfig.RetryAttempts,
		Interval: appConfig.RetryInterval,
		Logger:   logger,
	})

	app.dispatcher = messaging.NewDispatcher()
	publishers := []messaging.NamedPublisher{{Name: "dispatcher", Publisher: app.dispatcher}}
	if appConfig.PublisherEnabled() {
		app.sink, err = messaging.NewSink(messaging.SinkConfig{
			Type:      appConfig.PublisherType,
			Addresses: appConfig.PublisherAddresses,
			Topic:     appConfig.PublisherTopic,
		})
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, messaging.NamedPublisher{
			Name:      appConfig.PublisherType,
			Publisher: messaging.NewStreamPublisher(app.sink, appConfig.PublisherTopic),
		})
	}
	publisher := messaging.NewFanout(messaging.FanoutConfig{
		Publishers: publishers,
		Logger:     logger,
		Metrics:    app.metrics,
	})

	app.writer, err = writer.New(writer.Config{
		Database:              db,
		Publisher:             publisher,
		Logger:                logger,
		Metrics:               app.metrics,
		Retrier:               retrier,
		DevMode:               appConfig.DevMode,
		InitialMigrationIndex: registry.Target(),
	})
	if err != nil {
		return nil, err
	}

	app.reader, err = reader.New(reader.Config{
		Database: db,
		Logger:   logger,
		Metrics:  app.metrics,
		Retrier:  retrier,
	})
	if err != nil {
		return nil, err
	}

	if app.codec, err = keyframes.NewCodec(); err != nil {
		return nil, err
	}
	app.engine, err = migrations.New(migrations.Config{
		Database:          db,
		Registry:          registry,
		Writer:            app.writer,
		Publisher:         publisher,
		Codec:             app.codec,
		KeyframeInterval:  appConfig.KeyframeInterval,
		KeyframeCacheSize: appConfig.KeyframeCacheSize,
		Logger:            logger,
		Metrics:           app.metrics,
	})
	if err != nil {
		return nil, err
	}

	app.snapshots, err = snapshot.New(snapshot.Config{
		Database:    db,
		Writer:      app.writer,
		Reader:      app.reader,
		Migrater:    migrations.NewMemoryMigrater(registry),
		TargetIndex: registry.Target(),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Close releases the database, sink and codec. It is safe on a partially opened application.
func (a *application) Close() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.logger.Warn("sink close failed", zap.Error(err))
		}
	}
	if a.codec != nil {
		a.codec.Close()
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.logger.Warn("database close failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

func (a *application) trimPeriodically(ctx context.Context) {
	interval := min(a.config.CollectionFieldTrim, time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := a.writer.TrimCollectionFields(ctx, a.config.CollectionFieldTrim)
			if err != nil {
				a.logger.Error("collectionfield trim failed", zap.Error(err))
				continue
			}
			a.logger.Debug("collectionfields trimmed", zap.Int64("removed", removed))
		}
	}
}
