package main

import (
	"errors"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/vango-dev/localstore/internal/config"
	errs "github.com/vango-dev/localstore/internal/errors"
	etcdbackend "github.com/vango-dev/localstore/pkg/backend/etcd"
	filebackend "github.com/vango-dev/localstore/pkg/backend/file"
	"github.com/vango-dev/localstore/pkg/backend/memory"
	redisbackend "github.com/vango-dev/localstore/pkg/backend/redis"
	"github.com/vango-dev/localstore/pkg/backend/remote"
	s3backend "github.com/vango-dev/localstore/pkg/backend/s3"
	"github.com/vango-dev/localstore/pkg/localstore"
)

// openStorage opens the configured storage backend. The returned function
// releases it and any client it owns.
func openStorage(cfg *config.Config, logger *slog.Logger) (localstore.Storage, func() error, error) {
	b := cfg.Backend

	switch b.Type {
	case config.BackendMemory:
		origin := memory.NewOrigin()
		return origin, origin.Close, nil

	case config.BackendFile:
		backend, err := filebackend.New(b.File.Dir,
			filebackend.WithPollInterval(cfg.PollInterval()),
			filebackend.WithLogger(logger))
		if err != nil {
			return nil, nil, errs.New("LS030").WithDetail("Cannot open " + b.File.Dir + ".").Wrap(err)
		}
		return backend, backend.Close, nil

	case config.BackendRedis:
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    b.Redis.Addrs,
			Username: b.Redis.Username,
			Password: b.Redis.Password,
			DB:       b.Redis.DB,
		})
		opts := []redisbackend.Option{redisbackend.WithLogger(logger)}
		if b.Redis.Prefix != "" {
			opts = append(opts, redisbackend.WithPrefix(b.Redis.Prefix))
		}
		if b.Redis.Channel != "" {
			opts = append(opts, redisbackend.WithChannel(b.Redis.Channel))
		}
		backend := redisbackend.New(client, opts...)
		return backend, func() error {
			return errors.Join(backend.Close(), client.Close())
		}, nil

	case config.BackendEtcd:
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   b.Etcd.Endpoints,
			DialTimeout: cfg.DialTimeout(),
			Username:    b.Etcd.Username,
			Password:    b.Etcd.Password,
		})
		if err != nil {
			return nil, nil, errs.New("LS030").WithDetail("Cannot connect to etcd.").Wrap(err)
		}
		opts := []etcdbackend.Option{etcdbackend.WithLogger(logger)}
		if b.Etcd.Prefix != "" {
			opts = append(opts, etcdbackend.WithPrefix(b.Etcd.Prefix))
		}
		backend := etcdbackend.New(client, opts...)
		return backend, func() error {
			return errors.Join(backend.Close(), client.Close())
		}, nil

	case config.BackendS3:
		client := s3backend.NewFromOptions(s3backend.ClientOptions{
			Region:          b.S3.Region,
			Endpoint:        b.S3.Endpoint,
			AccessKeyID:     b.S3.AccessKeyID,
			SecretAccessKey: b.S3.SecretAccessKey,
			UsePathStyle:    b.S3.UsePathStyle,
		})
		var opts []s3backend.Option
		if b.S3.Prefix != "" {
			opts = append(opts, s3backend.WithPrefix(b.S3.Prefix))
		}
		return s3backend.New(client, b.S3.Bucket, opts...), func() error { return nil }, nil
	}

	return nil, nil, errs.New("LS102").WithDetail("Unknown backend type " + b.Type + ".")
}

// openBackend opens the backend a store command runs against: the hub
// when one is configured, otherwise the storage backend itself.
func openBackend(cfg *config.Config, logger *slog.Logger) (localstore.Storage, func() error, error) {
	if cfg.Hub.URL != "" {
		backend, err := remote.New(cfg.Hub.URL, remote.WithLogger(logger))
		if err != nil {
			return nil, nil, errs.FromError(err, "LS200")
		}
		return backend, backend.Close, nil
	}

	storage, closeFn, err := openStorage(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if origin, ok := storage.(*memory.Origin); ok {
		// The origin is shared storage; a store needs a context of it.
		c := origin.NewContext()
		return c, func() error {
			return errors.Join(c.Close(), closeFn())
		}, nil
	}
	return storage, closeFn, nil
}
