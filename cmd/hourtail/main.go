package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/seedtray/hourtail"
)

var (
	configFile string
	offsets    map[string]int64
	v          = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "hourtail",
	Short: "Ship hourly rotated log files to Kafka",
	Long: `Tail every log file of an hourly directory ({base}/{yyyy-MM-dd}/{hour}),
forward each complete line to a Kafka topic and move on to the next hour once
all files of the current one are exhausted.

Delivery is at most once: records the broker rejects are logged and dropped.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

func init() {
	defaults := hourtail.DefaultConfig()
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.String("base-path", defaults.BasePath, "root of the hourly directory tree")
	flags.String("suffix", defaults.Suffix, "file name suffix of the log files")
	flags.String("start-time", defaults.StartTime, "ISO-8601 timestamp of the first hour to tail")
	flags.String("location", defaults.Location, "time zone the directory tree is named in")
	flags.Int("expected-files", defaults.ExpectedFiles, "number of files in a complete hourly directory")
	flags.String("destination", defaults.Destination, "Kafka topic")
	flags.StringToInt64Var(&offsets, "offset", nil, "starting offset for a file of the first hour, name=offset")
	flags.Int("buffer-size", defaults.BufferSize, "per-file read buffer in bytes")
	flags.Int("max-buffer-size", defaults.MaxBufferSize, "largest a read buffer may grow to fit one line")
	flags.Duration("poll-interval", defaults.PollInterval, "wait between polls when no file has new data")
	flags.Duration("rotation-grace", defaults.RotationGrace, "how long to wait for the next hour to become complete")
	flags.Int("read-retries", defaults.ReadRetries, "retries of a failed file read before giving up")
	flags.Bool("keep-blank-lines", defaults.KeepBlankLines, "forward empty lines instead of dropping them")
	flags.String("sink", defaults.Sink, "where lines go: kafka or stdout")
	flags.String("metrics-addr", defaults.MetricsAddr, "serve Prometheus metrics on this address")
	flags.StringSlice("kafka-brokers", defaults.Kafka.Brokers, "Kafka bootstrap brokers")
	flags.Int("kafka-batch-size", defaults.Kafka.BatchSize, "records per Kafka batch")
	flags.Duration("kafka-batch-timeout", defaults.Kafka.BatchTimeout, "longest a Kafka batch is held back")
	flags.String("kafka-required-acks", defaults.Kafka.RequiredAcks, "none, one or all")
	flags.String("kafka-compression", defaults.Kafka.Compression, "none, gzip, snappy, lz4 or zstd")
	bindFlags(v, flags)
}

// bindFlags maps every flag except --config and --offset onto the viper key
// with dashes replaced: --kafka-batch-size is kafka.batch_size.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	keys := map[string]string{
		"kafka-brokers":       "kafka.brokers",
		"kafka-batch-size":    "kafka.batch_size",
		"kafka-batch-timeout": "kafka.batch_timeout",
		"kafka-required-acks": "kafka.required_acks",
		"kafka-compression":   "kafka.compression",
	}
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "offset" {
			return
		}
		key, ok := keys[f.Name]
		if !ok {
			key = strings.ReplaceAll(f.Name, "-", "_")
		}
		_ = v.BindPFlag(key, f)
	})
}

func setupLogging() {
	var opts *slog.HandlerOptions
	if os.Getenv("DEBUG") != "" || os.Getenv("HOURTAIL_DEBUG") != "" {
		opts = &slog.HandlerOptions{Level: slog.LevelDebug}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)).With(
		slog.String("service", "hourtail"),
	))
}

func loadConfig() (hourtail.Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return hourtail.Config{}, errors.Wrapf(err, "reading %s", configFile)
		}
	}
	cfg, err := hourtail.LoadConfig(v)
	if err != nil {
		return cfg, err
	}
	names := make([]string, 0, len(offsets))
	for name := range offsets {
		names = append(names, name)
	}
	sort.Strings(names)
next:
	for _, name := range names {
		// flags win over the config file
		for i := range cfg.Offsets {
			if cfg.Offsets[i].Name == name {
				cfg.Offsets[i].Offset = offsets[name]
				continue next
			}
		}
		cfg.Offsets = append(cfg.Offsets, hourtail.FileOffset{Name: name, Offset: offsets[name]})
	}
	return cfg, nil
}

func newSink(cfg hourtail.Config, metrics *hourtail.Metrics) (hourtail.Sink, error) {
	switch cfg.Sink {
	case "kafka":
		if cfg.Destination == "" {
			return nil, errors.New("destination (the Kafka topic) is required")
		}
		return hourtail.NewKafkaSink(cfg.Kafka, slog.Default(), metrics)
	case "stdout":
		// hide os.Stdout's Close from the sink
		return hourtail.NewLineWriterSink(struct{ io.Writer }{os.Stdout}, slog.Default(), metrics), nil
	}
	return nil, errors.Errorf("unknown sink %q", cfg.Sink)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", slog.String("addr", addr), slog.Any("error", err))
		}
	}()
	slog.Info("Serving metrics", slog.String("addr", addr))
	return srv
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var metrics *hourtail.Metrics
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if metrics, err = hourtail.NewMetrics(reg); err != nil {
			return errors.Wrap(err, "registering metrics")
		}
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer srv.Close()
	}

	sink, err := newSink(cfg, metrics)
	if err != nil {
		return err
	}
	engine, err := hourtail.Build(cfg, sink, hourtail.WithMetrics(metrics))
	if err != nil {
		_ = sink.Close()
		return err
	}

	runErr := engine.Run(ctx)
	if err := engine.Shutdown(); err != nil {
		slog.Error("Shutdown failed", slog.Any("error", err))
	}
	if errors.Is(runErr, context.Canceled) {
		slog.Info("Stopped")
		return nil
	}
	return runErr
}

func main() {
	setupLogging()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
