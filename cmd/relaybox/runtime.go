package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/afero"

	"relaybox/internal/blobchannel"
	"relaybox/internal/config"
	"relaybox/internal/metrics"
	"relaybox/internal/server"
	"relaybox/internal/store"
	"relaybox/internal/transfer"
)

// serverRuntime holds the long-lived components behind one srv process.
type serverRuntime struct {
	store   store.ManifestStore
	session *blobchannel.Session
	janitor *transfer.Janitor
	server  *server.Server
	closers []func() error
}

// buildRuntime wires store, channel, transfer pipeline and HTTP server from
// cfg. The janitor stops when ctx is cancelled.
func buildRuntime(ctx context.Context, cfg *config.Config, m metrics.Metrics, logger *slog.Logger) (_ *serverRuntime, err error) {
	rt := &serverRuntime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	fs := afero.NewOsFs()

	if rt.store, err = openManifestStore(cfg, logger); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.store.Close)

	channel, channelID, err := openChannel(cfg, fs, logger)
	if err != nil {
		return nil, err
	}
	rt.session = blobchannel.NewSession(channel, cfg.Transfer.OperationTimeout, cfg.Transfer.QueueSize, logger)
	rt.session.SetObserver(func(op string, elapsed time.Duration, opErr error) {
		m.ObserveChannelOp(op, metrics.Outcome(opErr), elapsed.Seconds())
	})
	rt.session.Start()
	rt.closers = append(rt.closers, rt.session.Close)

	rt.janitor = transfer.NewJanitor(ctx, fs, logger)
	rt.closers = append(rt.closers, func() error {
		if n := rt.janitor.Pending(); n > 0 {
			logger.Info("flushing scheduled scratch cleanups", "count", n)
		}
		return rt.janitor.Close()
	})
	if _, sweepErr := rt.janitor.SweepStale(cfg.Transfer.ScratchDir, cfg.Transfer.StaleAfter); sweepErr != nil {
		logger.Warn("scratch sweep failed", "dir", cfg.Transfer.ScratchDir, "error", sweepErr)
	}

	uploader, err := transfer.NewUploader(transfer.UploaderOptions{
		Channel:        rt.session,
		Store:          rt.store,
		Fs:             fs,
		ScratchDir:     cfg.Transfer.ScratchDir,
		PartSize:       cfg.Transfer.PartSize,
		MaxUploadBytes: cfg.Transfer.MaxUploadBytes,
		ChannelID:      channelID,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("uploader: %w", err)
	}

	retriever, err := transfer.NewRetriever(transfer.RetrieverOptions{
		Channel:      rt.session,
		Store:        rt.store,
		Fs:           fs,
		ScratchDir:   cfg.Transfer.ScratchDir,
		Janitor:      rt.janitor,
		CleanupDelay: cfg.Transfer.CleanupDelay,
		SkipChecksum: !cfg.Transfer.VerifyChecksum,
		Metrics:      m,
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("retriever: %w", err)
	}

	addr, err := server.ListenAddr(cfg.APIURL)
	if err != nil {
		return nil, err
	}
	rt.server, err = server.New(addr, server.Options{
		Uploader:           uploader,
		Retriever:          retriever,
		Store:              rt.store,
		Metrics:            m,
		ChannelKind:        cfg.Channel.Kind,
		MultipartMaxMemory: cfg.Transfer.MultipartMaxMemory,
		MaxUploadBytes:     cfg.Transfer.MaxUploadBytes,
	}, logger)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

// Close releases components in reverse start order.
func (rt *serverRuntime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func openManifestStore(cfg *config.Config, logger *slog.Logger) (store.ManifestStore, error) {
	var inner store.ManifestStore
	switch cfg.Store.Backend {
	case config.StoreBackendRedis:
		logger.Info("connecting to redis", "url", redactURL(cfg.Store.RedisURL))
		st, err := store.OpenRedis(cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		inner = st
	default:
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("db path is required")
		}
		logger.Info("opening database", "path", cfg.DBPath)
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		inner = st
	}

	cached, err := store.NewCached(inner, cfg.Store.CacheSize)
	if err != nil {
		_ = inner.Close()
		return nil, err
	}
	return cached, nil
}

// openChannel returns the configured blob channel and the id recorded on
// manifests it produces.
func openChannel(cfg *config.Config, fs afero.Fs, logger *slog.Logger) (blobchannel.Channel, string, error) {
	switch cfg.Channel.Kind {
	case config.ChannelKindLocal:
		logger.Info("using local blob channel", "dir", cfg.Channel.LocalDir)
		local, err := blobchannel.NewLocal(fs, cfg.Channel.LocalDir, cfg.Channel.MaxBlobBytes)
		if err != nil {
			return nil, "", err
		}
		return local, "", nil
	default:
		discord, err := blobchannel.NewDiscord(blobchannel.DiscordOptions{
			Token:       cfg.Channel.Token,
			ChannelID:   cfg.Channel.ChannelID,
			BaseURL:     cfg.Channel.BaseURL,
			MaxBlobSize: cfg.Channel.MaxBlobBytes,
			Logger:      logger,
		})
		if err != nil {
			return nil, "", err
		}
		return discord, discord.ChannelID(), nil
	}
}
