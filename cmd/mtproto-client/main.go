// Package main provides the CLI entry point for the MTProto client core.
package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/arcwire/mtproto-core/internal/authkey"
	"github.com/arcwire/mtproto-core/internal/config"
	"github.com/arcwire/mtproto-core/internal/logging"
	"github.com/arcwire/mtproto-core/internal/metrics"
	"github.com/arcwire/mtproto-core/internal/rsautil"
	"github.com/arcwire/mtproto-core/internal/session"
	"github.com/arcwire/mtproto-core/internal/tl"
	"github.com/arcwire/mtproto-core/internal/transport"
	"github.com/arcwire/mtproto-core/internal/wizard"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mtproto-client",
		Short:   "MTProto 2.0 transport-and-session client core",
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})
	rootCmd.AddGroup(&cobra.Group{ID: "remote", Title: "Remote Operations:"})

	setup := setupCmd()
	setup.GroupID = "start"
	rootCmd.AddCommand(setup)

	connect := connectCmd()
	connect.GroupID = "remote"
	rootCmd.AddCommand(connect)

	ping := pingCmd()
	ping.GroupID = "remote"
	rootCmd.AddCommand(ping)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Run the interactive configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func connectCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to the configured MTProto endpoint and hold the session open",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			met := metrics.Default()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if cfg.HTTP.Enabled {
				srv := newMetricsServer(cfg.HTTP.Address)
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Warn("metrics server stopped", logging.KeyError, err.Error())
					}
				}()
				defer srv.Close()
			}

			sess, err := connectWithBackoff(ctx, cfg, log, met)
			if err != nil {
				return err
			}
			defer sess.Stop()

			log.Info("session established", logging.KeyAddress, fmt.Sprintf("%s:%d", cfg.Connection.Host, cfg.Connection.Port))

			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")
	return cmd
}

// newMetricsServer builds an HTTP server exposing /metrics on the default
// Prometheus registry, on the given address. It is not started until the
// caller runs ListenAndServe.
func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

func pingCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Establish a session and round-trip a single ping, reporting RTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			met := metrics.Default()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := connectWithBackoff(ctx, cfg, log, met)
			if err != nil {
				return err
			}
			defer sess.Stop()

			pingID := rand.Int63()
			boxed, err := sess.BoxMessage(1, tl.Ping(pingID))
			if err != nil {
				return fmt.Errorf("ping: box message: %w", err)
			}

			met.RecordPingSent()
			start := time.Now()
			if err := sess.Write(boxed); err != nil {
				return fmt.Errorf("ping: write: %w", err)
			}
			msg, err := sess.Read()
			if err != nil {
				return fmt.Errorf("ping: read: %w", err)
			}
			rtt := time.Since(start)

			pong, err := tl.DecodePong(tl.NewReader(bytes.NewReader(msg.Body)))
			if err != nil {
				return fmt.Errorf("ping: decode pong: %w", err)
			}
			met.RecordPongReceived(rtt.Seconds())

			fmt.Printf("pong msg_id=%d ping_id=%d rtt=%s\n", pong.MsgID, pong.PingID, rtt)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")
	return cmd
}

// dial opens a Transport for cfg.Connection using the configured transport
// kind.
func dial(ctx context.Context, cfg *config.Config) (transport.Transport, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Connection.Host, cfg.Connection.Port)
	switch cfg.Connection.Transport {
	case "ws":
		url := fmt.Sprintf("ws://%s%s", addr, cfg.Connection.Path)
		return transport.DialWS(ctx, url)
	default:
		return transport.DialTCP(addr, transport.DialOptions{Timeout: cfg.Connection.Timeout})
	}
}

// connectWithBackoff dials and establishes a Session, retrying with
// exponential backoff and jitter per cfg.Reconnect until it succeeds, the
// retry budget is exhausted, or ctx is cancelled.
func connectWithBackoff(ctx context.Context, cfg *config.Config, log interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}, met *metrics.Metrics) (*session.Session, error) {
	pemBytes, err := cfg.Connection.GetPublicKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("load public key: %w", err)
	}
	pub, err := rsautil.ParsePublicKeyPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	key := authkey.New()
	if err := key.Load(cfg.AuthKey.Path); err != nil {
		log.Info("no persisted auth_key, a fresh handshake will run on first use")
	}

	delay := cfg.Reconnect.InitialDelay
	// floorLimiter bounds reconnect attempts to at most one every 100ms
	// regardless of the computed backoff, in case a caller configures a
	// near-zero InitialDelay.
	floorLimiter := rate.NewLimiter(rate.Every(100*time.Millisecond), 1)

	for attempt := 0; ; attempt++ {
		if cfg.Reconnect.MaxRetries > 0 && attempt >= cfg.Reconnect.MaxRetries {
			return nil, fmt.Errorf("connect: exhausted %d attempts", cfg.Reconnect.MaxRetries)
		}
		if attempt > 0 {
			met.RecordReconnect(cfg.Connection.Transport)
			if err := floorLimiter.Wait(ctx); err != nil {
				return nil, err
			}
			jittered := applyJitter(delay, cfg.Reconnect.Jitter)
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = nextDelay(delay, cfg.Reconnect.Multiplier, cfg.Reconnect.MaxDelay)
		}

		t, err := dial(ctx, cfg)
		if err != nil {
			log.Warn("dial failed", logging.KeyError, err.Error())
			continue
		}

		sess := session.New(t, key, pub)
		start := time.Now()
		if err := primeHandshake(sess); err != nil {
			met.RecordHandshakeError("handshake_failed")
			t.Close()
			log.Warn("handshake failed", logging.KeyError, err.Error())
			continue
		}
		met.RecordHandshake(time.Since(start).Seconds())
		met.RecordSessionEstablished()

		if err := key.Save(cfg.AuthKey.Path); err != nil {
			log.Warn("failed to persist auth_key", logging.KeyError, err.Error())
		}

		return sess, nil
	}
}

// primeHandshake forces the lazy handshake to run now, by boxing and
// writing a zero-length message that Session.Write pads to a full frame,
// so connectWithBackoff can report handshake success or failure before
// returning the Session to its caller.
func primeHandshake(sess *session.Session) error {
	boxed, err := sess.BoxMessage(0, nil)
	if err != nil {
		return err
	}
	return sess.Write(boxed)
}

func nextDelay(d time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(d) * multiplier)
	if next > max {
		next = max
	}
	return next
}

func applyJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	offset := (rand.Float64()*2 - 1) * spread
	jittered := time.Duration(float64(d) + offset)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
