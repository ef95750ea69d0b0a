package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/apex/log"
	"github.com/urfave/cli/v3"

	"github.com/IvanBrykalov/shardset/dataset"
	"github.com/IvanBrykalov/shardset/internal/config"
	"github.com/IvanBrykalov/shardset/internal/logging"
)

// settings is the merged view of the config file and the global flags.
// Flags win over the file.
type settings struct {
	root           string
	maxShardLength int64
	compression    string
	codec          string
	maxSize        int64
	workers        int
	logLevel       string
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to shardset.yaml",
			Sources: cli.EnvVars(config.EnvPath),
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "debug | info | warn | error",
		},
		&cli.StringFlag{
			Name:  "codec",
			Usage: "shard codec: gob | json",
		},
		&cli.StringFlag{
			Name:  "compression",
			Usage: "shard compression for new datasets",
		},
		&cli.Int64Flag{
			Name:  "max-shard-length",
			Usage: "elements per shard for new datasets",
		},
	}
}

func newApp() *cli.Command {
	app := &cli.Command{
		Name:  "shardctl",
		Usage: "shardset dataset tool",
		Flags: globalFlags(),
		Commands: []*cli.Command{
			infoCommand(),
			lsCommand(),
			checkCommand(),
			evictCommand(),
			setInfoCommand(),
			benchCommand(),
		},
	}
	for _, cmd := range app.Commands {
		sort.Slice(cmd.Flags, func(i, j int) bool {
			return cmd.Flags[i].Names()[0] < cmd.Flags[j].Names()[0]
		})
	}
	return app
}

// setup loads the config file, applies flag overrides and initializes
// logging. It runs at the start of every action.
func setup(cmd *cli.Command) (settings, error) {
	f, err := config.Load(cmd.String("config"))
	if err != nil {
		return settings{}, err
	}
	size, err := f.MaxSizeBytes()
	if err != nil {
		return settings{}, err
	}
	s := settings{
		root:           f.Root,
		maxShardLength: f.MaxShardLength,
		compression:    f.Compression,
		codec:          f.Codec,
		maxSize:        size,
		workers:        f.Workers,
		logLevel:       f.LogLevel,
	}
	if cmd.IsSet("log-level") {
		s.logLevel = cmd.String("log-level")
	}
	if cmd.IsSet("codec") {
		s.codec = cmd.String("codec")
	}
	if cmd.IsSet("compression") {
		s.compression = cmd.String("compression")
	}
	if cmd.IsSet("max-shard-length") {
		s.maxShardLength = cmd.Int64("max-shard-length")
	}
	if root := cmd.Args().First(); root != "" {
		s.root = root
	}
	if err := logging.Init(s.logLevel); err != nil {
		return settings{}, err
	}
	log.WithField("config", f.Source).WithField("root", s.root).Debug("settings resolved")
	return s, nil
}

func codecFor(name string) (dataset.Codec[any], error) {
	switch name {
	case "", "gob":
		return dataset.GobCodec[any]{}, nil
	case "json":
		return dataset.JSONCodec[any]{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q (use gob or json)", name)
	}
}

// openExisting opens the dataset at s.root, refusing to create a new one.
// The element type is irrelevant to maintenance commands: none of them
// decode shards.
func openExisting(s settings, maxSize int64) (*dataset.Dataset[any], error) {
	if s.root == "" {
		return nil, errors.New("no dataset root given")
	}
	if _, err := os.Stat(filepath.Join(s.root, "metadata.json")); err != nil {
		return nil, fmt.Errorf("%s is not a dataset: %w", s.root, err)
	}
	codec, err := codecFor(s.codec)
	if err != nil {
		return nil, err
	}
	return dataset.Open(s.root, dataset.Options[any]{
		Codec:        codec,
		MaxSize:      maxSize,
		Logger:       log.Log,
		DisableWatch: true,
	})
}

// withDataset runs fn against the dataset named by the first argument.
func withDataset(fn func(ctx context.Context, cmd *cli.Command, s settings, d *dataset.Dataset[any]) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		s, err := setup(cmd)
		if err != nil {
			return err
		}
		d, err := openExisting(s, 0)
		if err != nil {
			return err
		}
		defer func() { _ = d.Close() }()
		return fn(ctx, cmd, s, d)
	}
}
