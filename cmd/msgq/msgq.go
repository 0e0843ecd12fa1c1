// Program msgq is a command-line utility for exchanging messages with
// messenger services.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/messenger"
	"github.com/creachadair/messenger/eventloop"
	"github.com/creachadair/messenger/peers"
	"github.com/creachadair/messenger/promstats"
	"github.com/creachadair/taskgroup"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var flags struct {
	Dir      string        `flag:"dir,Socket directory (default: system temp directory)"`
	Prefix   string        `flag:"prefix,default=messenger,Socket name prefix"`
	LogLevel string        `flag:"log-level,default=warn,Log level (trace, debug, info, warn, error)"`
	Timeout  time.Duration `flag:"timeout,default=10s,Timeout for delivery and replies"`

	MetricsAddr string `flag:"metrics-addr,Serve Prometheus metrics at this address (listen only)"`
}

var log zerolog.Logger

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Usage: `<command> [arguments]
help [<command>]`,
		Help: "Utilities for exchanging messages with messenger services.",

		SetFlags: func(env *command.Env, fs *flag.FlagSet) { flax.MustBind(fs, &flags) },
		Init: func(env *command.Env) error {
			level, err := zerolog.ParseLevel(flags.LogLevel)
			if err != nil {
				return env.Usagef("invalid log level: %v", err)
			}
			log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
				Level(level).With().Timestamp().Logger()
			return nil
		},
		Commands: []*command.C{
			{
				Name:  "listen",
				Usage: "<service>...",
				Help: `Receive messages for the named services until interrupted.

Each notification and request is printed to stdout. Requests are answered
with a reply carrying the same tag and payload.

If --metrics-addr is set, messenger metrics are served in Prometheus format
at /metrics on that address.`,
				Run: runListen,
			},
			{
				Name:  "send",
				Usage: "<service> <tag> <payload>",
				Help:  "Send a notification to the named service.",
				Run:   runSend,
			},
			{
				Name:  "request",
				Usage: "<service> <tag> <payload>",
				Help: `Send a request to the named service and print the reply.

The reply is received on a temporary service named for this process.`,
				Run: runRequest,
			},
			{
				Name: "stat",
				Help: "List the service sockets present in the socket directory.",
				Run:  runStat,
			},
			{
				Name:  "selftest",
				Usage: "[count]",
				Help: `Exchange requests between two local messengers and print metrics.

The default count is 1000.`,
				Run: runSelfTest,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func options() *messenger.Options {
	return &messenger.Options{
		WorkDir: flags.Dir,
		Prefix:  flags.Prefix,
		Logger:  &log,
	}
}

// newMessenger creates a started messenger with its own event loop.
func newMessenger() (*messenger.Messenger, *eventloop.Loop, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, nil, err
	}
	m, err := messenger.New(loop, loop, options())
	if err != nil {
		loop.Close()
		return nil, nil, err
	}
	if err := m.Start(); err != nil {
		m.Finalize()
		loop.Close()
		return nil, nil, err
	}
	return m, loop, nil
}

func parseMessage(env *command.Env) (string, uint16, []byte, error) {
	if len(env.Args) != 3 {
		return "", 0, nil, env.Usagef("wrong number of arguments")
	}
	tag, err := strconv.ParseUint(env.Args[1], 0, 16)
	if err != nil {
		return "", 0, nil, fmt.Errorf("invalid tag: %w", err)
	}
	return env.Args[0], uint16(tag), []byte(env.Args[2]), nil
}

func runListen(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing service names")
	}
	m, loop, err := newMessenger()
	if err != nil {
		return err
	}
	defer loop.Close()
	defer m.Finalize()

	for _, svc := range env.Args {
		if _, err := m.AddNotifyCallback(svc, func(tag uint16, data []byte) {
			fmt.Printf("%s notify tag=%d %q\n", svc, tag, data)
		}); err != nil {
			return err
		}
		if _, err := m.AddRequestCallback(svc, func(h messenger.Handle, tag uint16, data []byte) {
			fmt.Printf("%s request %v tag=%d %q\n", svc, h, tag, data)
			if err := m.SendReply(h, tag, data); err != nil {
				log.Error().Err(err).Str("service", svc).Msg("reply failed")
			}
		}); err != nil {
			return err
		}
		log.Info().Str("service", svc).Msg("listening")
	}

	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g := taskgroup.New(cancel)
	g.Go(func() error { return loop.Run(ctx) })
	if flags.MetricsAddr != "" {
		srv, err := metricsServer(m)
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}
	return g.Wait()
}

// metricsServer returns an HTTP server exporting the metrics of m.
func metricsServer(m *messenger.Messenger) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	if err := promstats.Register(reg, m.Metrics(), promstats.Options{
		Namespace: "msgq",
		Gauges:    messenger.Gauges,
	}); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: flags.MetricsAddr, Handler: mux}, nil
}

func runSend(env *command.Env) error {
	svc, tag, data, err := parseMessage(env)
	if err != nil {
		return err
	}
	m, loop, err := newMessenger()
	if err != nil {
		return err
	}
	defer loop.Close()
	defer m.Finalize()

	if err := m.Send(svc, tag, data); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(env.Context(), flags.Timeout)
	defer cancel()
	if _, err := m.Flush(ctx, loop); err != nil {
		return fmt.Errorf("deliver to %q: %w", svc, err)
	}
	return nil
}

func runRequest(env *command.Env) error {
	svc, tag, data, err := parseMessage(env)
	if err != nil {
		return err
	}
	m, loop, err := newMessenger()
	if err != nil {
		return err
	}
	defer loop.Close()
	defer m.Finalize()

	from := fmt.Sprintf("msgq-%d", os.Getpid())
	var w replyWaiter
	if _, err := m.AddReplyCallback(from, w.onReply); err != nil {
		return err
	}
	if err := m.SendRequest(svc, from, tag, data, nil); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(env.Context(), flags.Timeout)
	defer cancel()
	for !w.done {
		if ctx.Err() != nil {
			return fmt.Errorf("no reply from %q: %w", svc, ctx.Err())
		}
		if err := loop.RunOnce(50 * time.Millisecond); err != nil {
			return err
		}
	}
	fmt.Printf("%s\n", w.data)
	return nil
}

// replyWaiter records the payload of the first reply it receives.
type replyWaiter struct {
	data []byte
	done bool
}

func (w *replyWaiter) onReply(tag uint16, data []byte, _ any) {
	if w.done {
		return
	}
	log.Debug().Uint16("tag", tag).Int("bytes", len(data)).Msg("reply received")
	w.data, w.done = bytes.Clone(data), true
}

func runStat(env *command.Env) error {
	if len(env.Args) != 0 {
		return env.Usagef("extra arguments after command")
	}
	dir := flags.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(dir, flags.Prefix+".*.sock"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		fi, err := os.Lstat(path)
		if err != nil || fi.Mode().Type() != os.ModeSocket {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), flags.Prefix+"."), ".sock")
		fmt.Printf("%-32s %s\n", name, fi.ModTime().Format(time.RFC3339))
	}
	return nil
}

func runSelfTest(env *command.Env) error {
	count := 1000
	if len(env.Args) > 1 {
		return env.Usagef("extra arguments after count")
	} else if len(env.Args) == 1 {
		n, err := strconv.Atoi(env.Args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", env.Args[0])
		}
		count = n
	}

	opts := options()
	opts.WorkDir = "" // peers.Local uses its own directory
	loc, err := peers.NewLocal(opts)
	if err != nil {
		return err
	}
	defer loc.Stop()

	loc.A.AddRequestCallback("echo", func(h messenger.Handle, tag uint16, data []byte) {
		loc.A.SendReply(h, tag, data)
	})
	var got int
	loc.B.AddReplyCallback("client", func(tag uint16, data []byte, userData any) {
		if userData.(int) != int(tag) {
			log.Error().Uint16("tag", tag).Any("userData", userData).Msg("reply mismatch")
			return
		}
		got++
	})

	ctx, cancel := context.WithTimeout(env.Context(), flags.Timeout)
	defer cancel()
	start := time.Now()
	for i := range count {
		payload := []byte(strconv.Itoa(i))
		for {
			err := loc.B.SendRequest("echo", "client", uint16(i), payload, int(uint16(i)))
			if err == nil {
				break
			} else if !errors.Is(err, messenger.ErrOverflow) {
				return err
			}
			if err := loc.PumpFor(time.Millisecond); err != nil {
				return err
			}
		}
	}
	if err := loc.Pump(ctx, func() bool { return got == count }); err != nil {
		return fmt.Errorf("received %d of %d replies: %w", got, count, err)
	}
	elapsed := time.Since(start)

	fmt.Printf("%d round trips in %v (%v each)\n", count, elapsed.Round(time.Microsecond),
		(elapsed / time.Duration(count)).Round(time.Nanosecond))
	fmt.Printf("A: %s\nB: %s\n", loc.A.Metrics(), loc.B.Metrics())
	return nil
}
