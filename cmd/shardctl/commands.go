package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/IvanBrykalov/shardset/dataset"
	"github.com/IvanBrykalov/shardset/internal/config"
)

// errIncomplete makes check exit with status 2.
var errIncomplete = errors.New("dataset incomplete")

func out(cmd *cli.Command) io.Writer { return cmd.Root().Writer }

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:      "info",
		Usage:     "print metadata, seal state and disk usage",
		ArgsUsage: "<root>",
		Action: withDataset(func(_ context.Context, cmd *cli.Command, _ settings, d *dataset.Dataset[any]) error {
			m, err := d.Metadata()
			if err != nil {
				return err
			}
			shards, err := d.Shards()
			if err != nil {
				return err
			}
			size, err := d.Size()
			if err != nil {
				return err
			}
			compression := m.CompressionName()
			if compression == "" {
				compression = "none"
			}
			info := "null"
			if len(m.Info) > 0 {
				info = string(m.Info)
			}

			w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "root\t%s\n", d.Root())
			fmt.Fprintf(w, "max_shard_length\t%d\n", m.MaxShardLength)
			fmt.Fprintf(w, "length\t%d\n", m.Length)
			fmt.Fprintf(w, "length_final\t%t\n", m.LengthFinal)
			fmt.Fprintf(w, "sealed\t%t\n", d.Sealed())
			fmt.Fprintf(w, "compression\t%s\n", compression)
			fmt.Fprintf(w, "version\t%d\n", m.Version)
			fmt.Fprintf(w, "shards\t%d\n", len(shards))
			fmt.Fprintf(w, "size\t%s\n", humanize.IBytes(uint64(size)))
			fmt.Fprintf(w, "info\t%s\n", info)
			return w.Flush()
		}),
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list shard files",
		ArgsUsage: "<root>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "bytes", Usage: "print exact byte sizes"},
		},
		Action: withDataset(func(_ context.Context, cmd *cli.Command, _ settings, d *dataset.Dataset[any]) error {
			shards, err := d.Shards()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(out(cmd), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "START\tEND\tLEN\tSIZE")
			for _, s := range shards {
				size := humanize.IBytes(uint64(s.Size))
				if cmd.Bool("bytes") {
					size = fmt.Sprint(s.Size)
				}
				fmt.Fprintf(w, "%d\t%d\t%d\t%s\n", s.Start, s.End, s.Len(), size)
			}
			return w.Flush()
		}),
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "exit non-zero unless the length is final and every shard is present",
		ArgsUsage: "<root>",
		Action: withDataset(func(_ context.Context, cmd *cli.Command, _ settings, d *dataset.Dataset[any]) error {
			ok, err := d.AllPresent()
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", d.Root(), errIncomplete)
			}
			fmt.Fprintln(out(cmd), "complete")
			return nil
		}),
	}
}

func evictCommand() *cli.Command {
	return &cli.Command{
		Name:      "evict",
		Usage:     "delete shards, lowest start first, until the dataset fits --max-size",
		ArgsUsage: "<root>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "max-size", Usage: "size bound such as 1GiB (defaults to max_size from the config)"},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			s, err := setup(cmd)
			if err != nil {
				return err
			}
			if cmd.IsSet("max-size") {
				if s.maxSize, err = config.ParseSize(cmd.String("max-size")); err != nil {
					return err
				}
			}
			if s.maxSize <= 0 {
				return errors.New("evict needs a positive --max-size")
			}

			d, err := openExisting(s, s.maxSize)
			if err != nil {
				return err
			}
			defer func() { _ = d.Close() }()

			before, err := d.Size()
			if err != nil {
				return err
			}
			if err := d.Evict(); err != nil {
				return err
			}
			after, err := d.Size()
			if err != nil {
				return err
			}
			fmt.Fprintf(out(cmd), "evicted %d shards, %s -> %s\n",
				d.Stats().Evictions, humanize.IBytes(uint64(before)), humanize.IBytes(uint64(after)))
			return nil
		},
	}
}

func setInfoCommand() *cli.Command {
	return &cli.Command{
		Name:      "set-info",
		Usage:     "merge key=value pairs into the info object; values are JSON or plain strings",
		ArgsUsage: "<root> key=value...",
		Action: withDataset(func(_ context.Context, cmd *cli.Command, _ settings, d *dataset.Dataset[any]) error {
			pairs := cmd.Args().Tail()
			if len(pairs) == 0 {
				return errors.New("set-info needs at least one key=value")
			}
			info := map[string]any{}
			if err := d.Info(&info); err != nil {
				return fmt.Errorf("info is not a JSON object: %w", err)
			}
			for _, p := range pairs {
				k, v, ok := strings.Cut(p, "=")
				if !ok || k == "" {
					return fmt.Errorf("bad pair %q, want key=value", p)
				}
				info[k] = parseValue(v)
			}
			return d.SetInfo(info)
		}),
	}
}

// parseValue decodes v as JSON, falling back to the raw string.
func parseValue(v string) any {
	var out any
	if err := json.Unmarshal([]byte(v), &out); err == nil {
		return out
	}
	return v
}
