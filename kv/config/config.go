package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
)

// Object granularities for timestamp-ordering validation.
const (
	// GranularityPredicate keys a data object on (database, tables, condition fingerprint).
	GranularityPredicate = "predicate"
	// GranularityTable keys a data object on (database, table).
	GranularityTable = "table"
)

type Config struct {
	LogLevel string `toml:"log-level"`

	DBPath  string `toml:"db-path"`  // Directory holding the block store. Should exist and be writable.
	LogPath string `toml:"log-path"` // Write-ahead log file. Defaults to <db-path>/wal.log.

	// Number of buffered log entries that forces a synchronous checkpoint.
	LogBufferSize int `toml:"log-buffer-size"`
	// Interval of the background checkpoint; zero disables it.
	CheckpointInterval Duration `toml:"checkpoint-interval"`

	// Capacity of a storage block.
	MaxRecordsPerBlock int `toml:"max-records-per-block"`
	// Order of B+Tree indexes, the maximum number of children of an inner node.
	BTreeOrder int `toml:"btree-order"`
	// Bucket count of hash indexes.
	HashBuckets int `toml:"hash-buckets"`
	// Fsync every badger write.
	SyncWrites bool `toml:"sync-writes"`

	// How long a transaction denied by timestamp ordering waits for the conflicting transaction.
	WaitTimeout Duration `toml:"wait-timeout"`
	// Restarts of a transaction body after forced aborts before giving up.
	MaxRetries  int    `toml:"max-retries"`
	Granularity string `toml:"granularity"`
	// Make accesses to an object written by a running transaction wait for it to end.
	StrictOrdering bool `toml:"strict-ordering"`
}

// Duration wraps time.Duration so it can be written as "1s" in toml files.
type Duration struct {
	time.Duration
}

// NewDuration creates a Duration from time.Duration.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalText parses a duration string such as "300ms".
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.WithStack(err)
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (c *Config) Validate() error {
	if c.LogBufferSize <= 0 {
		return fmt.Errorf("log buffer size must be greater than 0")
	}
	if c.MaxRecordsPerBlock <= 0 {
		return fmt.Errorf("max records per block must be greater than 0")
	}
	if c.BTreeOrder < 3 {
		return fmt.Errorf("btree order must be at least 3")
	}
	if c.HashBuckets <= 0 {
		return fmt.Errorf("hash buckets must be greater than 0")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	switch c.Granularity {
	case GranularityPredicate, GranularityTable:
	default:
		return fmt.Errorf("unknown granularity %q", c.Granularity)
	}
	if c.WaitTimeout.Duration <= 0 {
		log.Warnf("wait timeout is not positive, denied transactions may wait forever")
	}
	return nil
}

// WALPath returns the write-ahead log location.
func (c *Config) WALPath() string {
	if c.LogPath != "" {
		return c.LogPath
	}
	return c.DBPath + string(os.PathSeparator) + "wal.log"
}

const (
	KB uint64 = 1024
	MB uint64 = 1024 * 1024
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		LogLevel:           getLogLevel(),
		DBPath:             "/tmp/tinydb",
		LogBufferSize:      64,
		CheckpointInterval: NewDuration(10 * time.Second),
		MaxRecordsPerBlock: 32,
		BTreeOrder:         4,
		HashBuckets:        64,
		SyncWrites:         true,
		WaitTimeout:        NewDuration(5 * time.Second),
		MaxRetries:         16,
		Granularity:        GranularityPredicate,
		StrictOrdering:     true,
	}
}

func NewTestConfig() *Config {
	return &Config{
		LogLevel:           getLogLevel(),
		DBPath:             "/tmp/tinydb-test",
		LogBufferSize:      5,
		CheckpointInterval: NewDuration(0),
		MaxRecordsPerBlock: 4,
		BTreeOrder:         3,
		HashBuckets:        8,
		SyncWrites:         false,
		WaitTimeout:        NewDuration(500 * time.Millisecond),
		MaxRetries:         8,
		Granularity:        GranularityPredicate,
		StrictOrdering:     true,
	}
}

// LoadConfig reads a toml file over the defaults.
func LoadConfig(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if path == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, errors.Annotatef(err, "load config %s", path)
	}
	return conf, conf.Validate()
}
