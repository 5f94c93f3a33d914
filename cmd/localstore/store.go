package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	errs "github.com/vango-dev/localstore/internal/errors"
	"github.com/vango-dev/localstore/pkg/localstore"
)

// openStore opens the store for key with an optional JSON default value.
func (c *cli) openStore(ctx context.Context, key, defaultJSON string) (*localstore.Store, func(), error) {
	opts := localstore.Options{Key: key, Logger: c.logger}
	if defaultJSON != "" {
		v, err := parseJSONArg(defaultJSON)
		if err != nil {
			return nil, nil, errs.New("LS011").WithKey(key).Wrap(err)
		}
		opts.DefaultValue = v
	}

	backend, release, err := openBackend(c.cfg, c.logger)
	if err != nil {
		return nil, nil, err
	}

	store, err := localstore.New(ctx, backend, opts)
	if err != nil {
		release()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		release()
	}, nil
}

func getCmd(c *cli) *cobra.Command {
	var defaultJSON string

	cmd := &cobra.Command{
		Use:   "get KEY",
		Short: "Print an entry as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := c.openStore(cmd.Context(), args[0], defaultJSON)
			if err != nil {
				return err
			}
			defer done()
			return printObject(cmd.OutOrStdout(), store.Get())
		},
	}

	cmd.Flags().StringVar(&defaultJSON, "default", "", "Default value (JSON object) seeded into an empty entry")
	return cmd
}

func updateCmd(c *cli) *cobra.Command {
	var defaultJSON string

	cmd := &cobra.Command{
		Use:   "update KEY JSON",
		Short: "Shallow-merge a JSON object into an entry",
		Long: `Shallow-merge a JSON object into an entry and print the result.

Top-level fields in JSON replace the entry's fields; fields not
named are kept.

Examples:
  localstore update settings '{"theme":"dark"}'
  localstore update settings '{"fontSize":14}' --default '{"theme":"light"}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			partial, err := parseJSONArg(args[1])
			if err != nil {
				return errs.New("LS020").WithKey(args[0]).Wrap(err)
			}

			store, done, err := c.openStore(cmd.Context(), args[0], defaultJSON)
			if err != nil {
				return err
			}
			defer done()

			if err := store.UpdateContext(cmd.Context(), partial); err != nil {
				return err
			}
			return printObject(cmd.OutOrStdout(), store.Get())
		},
	}

	cmd.Flags().StringVar(&defaultJSON, "default", "", "Default value (JSON object)")
	return cmd
}

func resetCmd(c *cli) *cobra.Command {
	var defaultJSON string

	cmd := &cobra.Command{
		Use:   "reset KEY",
		Short: "Reset an entry to its default value",
		Long: `Reset an entry to the value given by --default.

Without --default the entry is written back unchanged, which
notifies every watching context.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, done, err := c.openStore(cmd.Context(), args[0], defaultJSON)
			if err != nil {
				return err
			}
			defer done()

			if err := store.ResetContext(cmd.Context()); err != nil {
				return err
			}
			return printObject(cmd.OutOrStdout(), store.Get())
		},
	}

	cmd.Flags().StringVar(&defaultJSON, "default", "", "Default value (JSON object)")
	return cmd
}

func watchCmd(c *cli) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "watch KEY",
		Short: "Print an entry every time it changes",
		Long: `Print the entry, then print it again after every change made by
another context, until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, done, err := c.openStore(ctx, args[0], "")
			if err != nil {
				return err
			}
			defer done()

			out := cmd.OutOrStdout()
			changes := make(chan localstore.Object, 16)
			cancel := store.Subscribe(func(o localstore.Object) {
				select {
				case changes <- o:
				default:
					c.logger.Warn("watch output behind, dropping change", "key", args[0])
				}
			})
			defer cancel()

			if err := printObject(out, store.Get()); err != nil {
				return err
			}

			for seen := 0; count == 0 || seen < count; seen++ {
				select {
				case <-ctx.Done():
					return nil
				case o := <-changes:
					if err := printObject(out, o); err != nil {
						return err
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many changes (0: run until interrupted)")
	return cmd
}

func parseJSONArg(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, errs.Newf(errs.CategoryInput, "invalid JSON").Wrap(err)
	}
	return v, nil
}

func printObject(w io.Writer, o localstore.Object) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
