package object

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Config is the key/value store of one instance. Readers run concurrently;
// writers are exclusive.
//
// When the class declares defaults, only declared keys are accepted and each
// value is coerced to the type of its default. A class without defaults
// accepts any key as given.
type Config struct {
	mu       sync.RWMutex
	values   map[string]any
	defaults map[string]any
}

// NewConfig returns a store initialised from defaults.
func NewConfig(defaults map[string]any) *Config {
	return &Config{
		values:   maps.Clone(defaults),
		defaults: maps.Clone(defaults),
	}
}

// Get returns the value of key.
func (c *Config) Get(key string) (any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOption, key)
	}
	return v, nil
}

// Set assigns key after coercing value to the declared type.
func (c *Config) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.defaults) > 0 {
		like, ok := c.defaults[key]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownOption, key)
		}
		coerced, err := coerce(value, like)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidOption, key, err)
		}
		value = coerced
	}

	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
	return nil
}

// Keys returns the configured keys in order.
func (c *Config) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of all values.
func (c *Config) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// String returns key as a string, or "" when absent.
func (c *Config) String(key string) string {
	v, err := c.Get(key)
	if err != nil || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns key as an int, or 0 when absent or not numeric.
func (c *Config) Int(key string) int {
	v, err := c.Get(key)
	if err != nil {
		return 0
	}
	n, err := coerce(v, 0)
	if err != nil {
		return 0
	}
	return n.(int)
}

// Float returns key as a float64, or 0 when absent or not numeric.
func (c *Config) Float(key string) float64 {
	v, err := c.Get(key)
	if err != nil {
		return 0
	}
	f, err := coerce(v, float64(0))
	if err != nil {
		return 0
	}
	return f.(float64)
}

// Bool returns key as a bool, or false when absent.
func (c *Config) Bool(key string) bool {
	v, err := c.Get(key)
	if err != nil {
		return false
	}
	b, err := coerce(v, false)
	if err != nil {
		return false
	}
	return b.(bool)
}

// Duration returns key as a time.Duration, or 0 when absent.
func (c *Config) Duration(key string) time.Duration {
	v, err := c.Get(key)
	if err != nil {
		return 0
	}
	d, err := coerce(v, time.Duration(0))
	if err != nil {
		return 0
	}
	return d.(time.Duration)
}

// coerce converts value to the dynamic type of like. Text values, as they
// arrive from location query strings, are parsed.
func coerce(value, like any) (any, error) {
	if like == nil || value == nil {
		return value, nil
	}

	switch like.(type) {
	case time.Duration:
		switch v := value.(type) {
		case time.Duration:
			return v, nil
		case string:
			return time.ParseDuration(v)
		}
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return time.Duration(n), nil
	case int:
		n, err := toInt64(value)
		return int(n), err
	case int64:
		return toInt64(value)
	case float64:
		return toFloat64(value)
	case bool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return strconv.ParseBool(v)
		}
		return nil, fmt.Errorf("cannot use %T as bool", value)
	case string:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprint(value), nil
	}

	want := reflect.TypeOf(like)
	got := reflect.ValueOf(value)
	if got.Type().AssignableTo(want) {
		return value, nil
	}
	if got.Type().ConvertibleTo(want) {
		return got.Convert(want).Interface(), nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", value, want)
}

func toInt64(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return uintToInt64(uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return uintToInt64(v)
	case float32:
		if float32(int64(v)) != v {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case float64:
		if float64(int64(v)) != v {
			return 0, fmt.Errorf("%v is not an integer", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	}
	return 0, fmt.Errorf("cannot use %T as integer", value)
}

func uintToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%d overflows int64", v)
	}
	return int64(v), nil
}

func toFloat64(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		return strconv.ParseFloat(v, 64)
	}
	n, err := toInt64(value)
	if err != nil {
		return 0, fmt.Errorf("cannot use %T as float", value)
	}
	return float64(n), nil
}
