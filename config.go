package hourtail

import (
	"encoding"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// FileOffset is the starting offset of one file of the first bucket. Name is
// the path relative to the bucket directory.
//
// Offsets are a list rather than a map because viper lowercases map keys and
// splits them on dots, which would mangle file names like App-1.log.
type FileOffset struct {
	Name   string `mapstructure:"name"`
	Offset int64  `mapstructure:"offset"`
}

// Config describes one tailing deployment.
type Config struct {
	// BasePath is the root of the {date}/{hour} tree.
	BasePath string `mapstructure:"base_path"`
	// Suffix selects the log files inside a bucket.
	Suffix string `mapstructure:"suffix"`
	// StartTime identifies the first bucket to load.
	StartTime string `mapstructure:"start_time"`
	// Location is the time zone the directory tree is named in.
	Location string `mapstructure:"location"`
	// ExpectedFiles is the number of files every complete bucket holds.
	ExpectedFiles int `mapstructure:"expected_files"`
	// Offsets gives starting offsets for the files of the first bucket.
	Offsets []FileOffset `mapstructure:"offsets"`
	// Destination is passed to the sink with every line (the Kafka topic).
	Destination string `mapstructure:"destination"`

	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBufferSize  int           `mapstructure:"max_buffer_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RotationGrace  time.Duration `mapstructure:"rotation_grace"`
	ReadRetries    int           `mapstructure:"read_retries"`
	KeepBlankLines bool          `mapstructure:"keep_blank_lines"`

	Sink        string      `mapstructure:"sink"`
	MetricsAddr string      `mapstructure:"metrics_addr"`
	Kafka       KafkaConfig `mapstructure:"kafka"`
}

// DefaultConfig returns the settings the collector has always run with.
func DefaultConfig() Config {
	return Config{
		Suffix:        ".log",
		Location:      "Local",
		ExpectedFiles: 10,
		BufferSize:    DefaultBufferSize,
		MaxBufferSize: 16 * 1024 * 1024,
		PollInterval:  2 * time.Second,
		RotationGrace: 10 * time.Minute,
		ReadRetries:   3,
		Sink:          "kafka",
		Kafka:         DefaultKafkaConfig(),
	}
}

// LoadConfig reads configuration from v on top of DefaultConfig. Keys may
// also come from the environment with the prefix HOURTAIL, dots replaced by
// underscores: "kafka.brokers" is HOURTAIL_KAFKA_BROKERS.
func LoadConfig(v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	v.SetEnvPrefix("HOURTAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"base_path", "suffix", "start_time", "location", "expected_files", "destination",
		"buffer_size", "max_buffer_size", "poll_interval", "rotation_grace", "read_retries",
		"keep_blank_lines", "sink", "metrics_addr",
		"kafka.brokers", "kafka.batch_size", "kafka.batch_timeout", "kafka.required_acks", "kafka.compression",
	} {
		_ = v.BindEnv(key)
	}
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return cfg, errors.Wrap(err, "decoding config")
	}
	return cfg, nil
}

// decodeHook extends viper's default hooks with timeToString.
var decodeHook = mapstructure.ComposeDecodeHookFunc(
	timeToString,
	mapstructure.StringToTimeDurationHookFunc(),
	mapstructure.StringToSliceHookFunc(","),
)

// timeToString turns native datetimes of config formats like TOML back into
// text so start_time can be parsed in Location.
func timeToString(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to.Kind() != reflect.String {
		return data, nil
	}
	switch d := data.(type) {
	case time.Time:
		return d.Format(time.RFC3339Nano), nil
	case encoding.TextMarshaler:
		if from.Kind() == reflect.Struct {
			text, err := d.MarshalText()
			return string(text), err
		}
	}
	return data, nil
}

// StartOffsets returns Offsets keyed by file name.
func (c Config) StartOffsets() map[string]int64 {
	m := make(map[string]int64, len(c.Offsets))
	for _, o := range c.Offsets {
		m[o.Name] = o.Offset
	}
	return m
}

// Validate reports the first setting that makes the engine unusable.
func (c Config) Validate() error {
	switch {
	case c.BasePath == "":
		return errors.New("base_path is required")
	case c.StartTime == "":
		return errors.New("start_time is required")
	case c.ExpectedFiles <= 0:
		return errors.Errorf("expected_files must be positive, got %d", c.ExpectedFiles)
	case c.BufferSize <= 0:
		return errors.Errorf("buffer_size must be positive, got %d", c.BufferSize)
	case c.PollInterval <= 0:
		return errors.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	case c.RotationGrace < 0:
		return errors.Errorf("rotation_grace must not be negative, got %s", c.RotationGrace)
	case c.ReadRetries < 0:
		return errors.Errorf("read_retries must not be negative, got %d", c.ReadRetries)
	}
	seen := make(map[string]bool, len(c.Offsets))
	for _, o := range c.Offsets {
		switch {
		case o.Name == "":
			return errors.New("offset entry without a file name")
		case o.Offset < 0:
			return errors.Errorf("offset for %q must not be negative, got %d", o.Name, o.Offset)
		case seen[o.Name]:
			return errors.Errorf("offset for %q given twice", o.Name)
		}
		seen[o.Name] = true
	}
	if _, err := c.location(); err != nil {
		return err
	}
	if _, err := c.startHour(); err != nil {
		return err
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.Location == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Location)
	if err != nil {
		return nil, errors.Wrapf(err, "location %q", c.Location)
	}
	return loc, nil
}

var startTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02T15",
	"2006-01-02 15:04:05",
}

// startHour parses StartTime and truncates it to its bucket. Timestamps
// without a zone are read in Location.
func (c Config) startHour() (time.Time, error) {
	loc, err := c.location()
	if err != nil {
		return time.Time{}, err
	}
	for _, layout := range startTimeLayouts {
		if t, err := time.ParseInLocation(layout, c.StartTime, loc); err == nil {
			return HourStart(t, loc), nil
		}
	}
	return time.Time{}, errors.Errorf("start_time %q is not an ISO-8601 timestamp", c.StartTime)
}
