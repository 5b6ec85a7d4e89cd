package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/bsaverbot/saver"
	"github.com/bsaverbot/saver/async"
	"github.com/bsaverbot/saver/generic"
	"github.com/bsaverbot/saver/internal/app"
	"github.com/bsaverbot/saver/internal/metrics"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logger.Sync()
	zap.RedirectStdLog(logger)
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = saver.WithLogger(ctx, logger)

	cliApp := &cli.App{
		Name:  "saver",
		Usage: "acquire media from supported links",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "serve Prometheus metrics on `ADDR`",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "acquire",
				Usage:     "acquire media and deliver it into a directory",
				ArgsUsage: "LINK...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "target",
						Value: ".",
						Usage: "deliver acquired media to `DIR`",
					},
					&cli.StringFlag{
						Name:  "backend",
						Usage: "use backend `NAME` instead of the first one claiming the link",
					},
				},
				Action: func(c *cli.Context) error {
					return withEnv(ctx, c, func(env app.Env) error {
						for _, link := range c.Args().Slice() {
							if err := acquire(env, link, c.String("backend"), c.String("target")); err != nil {
								return err
							}
						}
						return nil
					})
				},
			},
			{
				Name:      "lookup",
				Usage:     "show the recorded delivery of a link",
				ArgsUsage: "LINK",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "count",
						Usage: "print the number of recorded deliveries instead",
					},
				},
				Action: func(c *cli.Context) error {
					return withEnv(ctx, c, func(env app.Env) error {
						if c.Bool("count") {
							counter, ok := env.Cache().(interface {
								Count(ctx context.Context) (int64, error)
							})
							if !ok {
								return fmt.Errorf("counting needs a database, set SAVER_DATABASE_PATH")
							}
							n, err := counter.Count(env.Context())
							if err != nil {
								return err
							}
							fmt.Println(n)
							return nil
						}
						cached, err := env.Cache().Lookup(env.Context(), c.Args().First())
						if err != nil {
							return err
						}
						if entry, ok := cached.Get(); ok {
							fmt.Printf("%s\t%s\t%s\n", entry.Reference, entry.Format, entry.RecordedAt.Format("2006-01-02 15:04:05"))
						} else {
							fmt.Println("not delivered yet")
						}
						return nil
					})
				},
			},
			{
				Name:      "link",
				Usage:     "print a direct download link",
				ArgsUsage: "LINK",
				Action: func(c *cli.Context) error {
					return withEnv(ctx, c, func(env app.Env) error {
						direct, err := env.Service().DirectLink(env.Context(), c.Args().First())
						if err != nil {
							return userError(env.Logger().Sugar(), err)
						}
						fmt.Println(direct)
						return nil
					})
				},
			},
			{
				Name:  "rotate",
				Usage: "get new identities for every proxy route",
				Action: func(c *cli.Context) error {
					return withEnv(ctx, c, func(env app.Env) error {
						lease, err := env.Pool().Rotate(env.Context())
						if err != nil {
							return err
						}
						if err := lease.Release(env.Context()); err != nil {
							return err
						}
						table, err := env.Pool().Table(env.Context())
						if err != nil {
							return err
						}
						fmt.Printf("generation %d, %d routes\n", table.Generation, len(table.Routes))
						return nil
					})
				},
			},
		},
		HideHelpCommand: true,
	}

	result := async.Run(func() error { return cliApp.Run(os.Args) })

	select {
	case err = <-result:
		if err != nil {
			logger.Fatal(err.Error())
		}
	case <-ctx.Done():
		logger.Error(ctx.Err().Error())
		stop()
	}
}

// bar is shared by every download of the process, there is only one at a time.
var bar = progressbar.DefaultBytes(-1, "downloading")

func withEnv(ctx context.Context, c *cli.Context, f func(env app.Env) error) error {
	config, err := saver.LoadConfig()
	if err != nil {
		return err
	}
	env, err := app.NewEnvBuilder().
		Context(ctx).
		Logger(saver.Logger(ctx)).
		Config(config).
		Progress(func(path string, downloaded int64, expected int64) {
			if expected > 0 && bar.GetMax64() != expected {
				bar.ChangeMax64(expected)
			}
			generic.Unwrap_(bar.Set64(downloaded))
		}).
		Build()
	if err != nil {
		return err
	}
	defer env.Close()

	if addr := c.String("metrics-addr"); addr != "" {
		server := &http.Server{Addr: addr, Handler: metrics.Handler(env.MetricsRegistry())}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				env.Logger().Sugar().Errorw("metrics server failed", "error", err)
			}
		}()
		defer server.Close()
	}
	return f(env)
}

func acquire(env app.Env, link string, backend string, target string) error {
	logger := env.Logger().Sugar()
	logger.Infof("Acquiring %s into %s", link, target)

	result, err := env.Service().AcquireWith(env.Context(), link, backend)
	if err != nil {
		return userError(env.Logger().Sugar(), err)
	}
	if result.IsCached() {
		logger.Infof("Already delivered as %s", result.Cached.Reference)
		return nil
	}

	artifact := result.Artifact
	if err := os.MkdirAll(target, 0775); err != nil {
		_ = os.Remove(artifact.Path)
		return err
	}
	delivered := filepath.Join(target, filepath.Base(artifact.Path))
	if err := move(artifact.Path, delivered); err != nil {
		_ = os.Remove(artifact.Path)
		return fmt.Errorf("delivery failed: %w", err)
	}
	if err := env.Service().RecordDelivery(env.Context(), link, delivered, artifact.Ext); err != nil {
		return err
	}
	logger.Infow("Delivered", "path", delivered, "title", artifact.Title, "size", artifact.Size)
	return nil
}

// move renames src to dst, copying when they are on different filesystems.
func move(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return os.Remove(src)
}

// userError logs the details of faults and gives the user only the short message.
func userError(log *zap.SugaredLogger, err error) error {
	if errors.Is(err, saver.ErrUnknownBackend) {
		return err
	}
	if !saver.IsBusiness(err) {
		log.Errorw("request failed", "error", err)
	}
	return errors.New(saver.UserMessage(err))
}
