package mongodb

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/cast"

	"github.com/JakeFAU/crawlpipe/internal/pipeline"
	"github.com/JakeFAU/crawlpipe/internal/storage"
)

// Host setting keys.
const (
	SettingURI             = "MONGODB_URI"
	SettingFsync           = "MONGODB_FSYNC"
	SettingWriteConcern    = "MONGODB_REPLICA_SET_W"
	SettingDatabase        = "MONGODB_DATABASE"
	SettingCollection      = "MONGODB_COLLECTION"
	SettingUniqueKey       = "MONGODB_UNIQUE_KEY"
	SettingBuffer          = "MONGODB_BUFFER_DATA"
	SettingAddTimestamp    = "MONGODB_ADD_TIMESTAMP"
	SettingStopOnDuplicate = "MONGODB_STOP_ON_DUPLICATE"
)

// Resolver failures. Each is wrapped in a *ConfigError.
var (
	ErrIllegalCombination = errors.New("illegal combination: " + SettingBuffer + " and " + SettingUniqueKey + " cannot both be set")
	ErrNegativeThreshold  = errors.New("negative threshold: " + SettingStopOnDuplicate + " must be >= 0")
	ErrNegativeBuffer     = errors.New("negative buffer: " + SettingBuffer + " must be >= 0")
)

// ConfigError reports a configuration problem found before any connection attempt.
type ConfigError struct {
	Setting string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Setting == "" {
		return "illegal config: " + e.Err.Error()
	}
	return fmt.Sprintf("illegal config: %s: %v", e.Setting, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Options is the resolved pipeline configuration. It does not change after Open.
type Options struct {
	URI             string
	Fsync           bool
	WriteConcern    int
	Database        string
	Collection      string
	UniqueKey       []string // nil: plain inserts; one or more fields: keyed upserts
	Buffer          int      // 0: write every item immediately
	AppendTimestamp bool
	StopOnDuplicate int // 0: never stop the crawl
}

// DefaultOptions returns the options used when the host supplies nothing.
func DefaultOptions() Options {
	return Options{
		URI:        "mongodb://localhost:27017",
		Database:   "crawlpipe",
		Collection: "items",
	}
}

// Buffered reports whether items are batched before writing.
func (o Options) Buffered() bool {
	return o.Buffer > 0
}

// Keyed reports whether writes are keyed upserts.
func (o Options) Keyed() bool {
	return len(o.UniqueKey) > 0
}

// Target returns the storage destination described by o.
func (o Options) Target() storage.Target {
	return storage.Target{
		URI:        o.URI,
		Fsync:      o.Fsync,
		W:          o.WriteConcern,
		Database:   o.Database,
		Collection: o.Collection,
	}
}

// Validate checks the combinations Resolve rejects.
func (o Options) Validate() error {
	if o.Buffer != 0 && o.Keyed() {
		return &ConfigError{Err: ErrIllegalCombination}
	}
	if o.Buffer < 0 {
		return &ConfigError{Setting: SettingBuffer, Err: ErrNegativeBuffer}
	}
	if o.StopOnDuplicate < 0 {
		return &ConfigError{Setting: SettingStopOnDuplicate, Err: ErrNegativeThreshold}
	}
	return nil
}

// Resolve overlays host settings on defaults. A setting overrides its default only
// when present and truthy: a non-empty string or list, a non-zero number, or true.
func Resolve(defaults Options, settings pipeline.Settings) (Options, error) {
	opts := defaults
	opts.UniqueKey = append([]string(nil), defaults.UniqueKey...)
	if len(opts.UniqueKey) == 0 {
		opts.UniqueKey = nil
	}
	if settings == nil {
		return opts, opts.Validate()
	}

	var errs []error
	set := func(key string, apply func(raw any) error) {
		raw := settings.Get(key)
		if !truthy(raw) {
			return
		}
		if err := apply(raw); err != nil {
			errs = append(errs, &ConfigError{Setting: key, Err: err})
		}
	}

	set(SettingURI, func(raw any) (err error) {
		opts.URI, err = cast.ToStringE(raw)
		return err
	})
	set(SettingFsync, func(raw any) (err error) {
		opts.Fsync, err = cast.ToBoolE(raw)
		return err
	})
	set(SettingWriteConcern, func(raw any) (err error) {
		opts.WriteConcern, err = cast.ToIntE(raw)
		return err
	})
	set(SettingDatabase, func(raw any) (err error) {
		opts.Database, err = cast.ToStringE(raw)
		return err
	})
	set(SettingCollection, func(raw any) (err error) {
		opts.Collection, err = cast.ToStringE(raw)
		return err
	})
	// A value naming no fields after trimming leaves the default in place.
	set(SettingUniqueKey, func(raw any) error {
		keys, err := parseKeys(raw)
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			opts.UniqueKey = keys
		}
		return nil
	})
	set(SettingBuffer, func(raw any) (err error) {
		opts.Buffer, err = cast.ToIntE(raw)
		return err
	})
	set(SettingAddTimestamp, func(raw any) (err error) {
		opts.AppendTimestamp, err = cast.ToBoolE(raw)
		return err
	})
	set(SettingStopOnDuplicate, func(raw any) (err error) {
		opts.StopOnDuplicate, err = cast.ToIntE(raw)
		return err
	})

	if len(errs) > 0 {
		return Options{}, errors.Join(errs...)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// parseKeys accepts a field name, a comma-separated list of names, or a list.
func parseKeys(raw any) ([]string, error) {
	var parts []string
	if s, ok := raw.(string); ok {
		parts = strings.Split(s, ",")
	} else {
		list, err := cast.ToStringSliceE(raw)
		if err != nil {
			return nil, err
		}
		parts = list
	}
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case bool:
		return t
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return !rv.IsZero()
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
