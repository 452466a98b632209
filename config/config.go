// Package config is the flat configuration document of spec.md §6.2:
// every tunable an ep store needs, with defaults and a merge-by-
// reflection overlay so a config file or flag set only needs to set
// the fields it cares about.
//
// Grounded on Skipor-memcached/cmd/memcached/config/config.go's
// Default()/Merge() pair: reflect.Value.Field-by-field overlay where a
// zero-valued override field means "keep the default". This module's
// Config is flat (no nested AOFConfig-style substruct), so the
// teacher's manual one-level-deep recursion hack is not needed here.
package config

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/skipor/epcore/internal/util"
)

// Config is every option named in spec.md §6.2.
type Config struct {
	MaxVBuckets int `json:"max_vbuckets,omitempty"`
	HTSize      int `json:"ht_size,omitempty"`
	HTLocks     int `json:"ht_locks,omitempty"`

	MaxTxnSize int `json:"max_txn_size,omitempty"`

	MaxSize    int64 `json:"max_size,omitempty"`
	MemHighWat int64 `json:"mem_high_wat,omitempty"`
	MemLowWat  int64 `json:"mem_low_wat,omitempty"`

	MinDataAge  int64 `json:"min_data_age,omitempty"`
	QueueAgeCap int64 `json:"queue_age_cap,omitempty"`

	BGFetchDelay time.Duration `json:"bg_fetch_delay,omitempty"`
	ExpiryWindow int64         `json:"expiry_window,omitempty"`

	ChkRemoverStime time.Duration `json:"chk_remover_stime,omitempty"`
	ExpPagerStime   time.Duration `json:"exp_pager_stime,omitempty"`
	AlogSleepTime   time.Duration `json:"alog_sleep_time,omitempty"`

	TapThrottleQueueCap    int64         `json:"tap_throttle_queue_cap,omitempty"`
	TapThrottleThreshold   int64         `json:"tap_throttle_threshold,omitempty"`
	TapThrottleCapPcnt     int           `json:"tap_throttle_cap_pcnt,omitempty"`

	WarmupMinMemoryThreshold int           `json:"warmup_min_memory_threshold,omitempty"`
	WarmupMinItemsThreshold  int           `json:"warmup_min_items_threshold,omitempty"`
	WarmupTimeout            time.Duration `json:"warmup_timeout,omitempty"`

	DataTrafficEnabled bool `json:"data_traffic_enabled,omitempty"`

	ItemPagerActiveVBPercent int           `json:"pager_active_vb_pcnt,omitempty"`
	PagerInterval            time.Duration `json:"pager_interval,omitempty"`

	DBPath   string `json:"db_path,omitempty"`
	LogLevel string `json:"log_level,omitempty"`
}

// Default returns the baseline configuration every merge starts from.
func Default() *Config {
	return &Config{
		MaxVBuckets: 1024,
		HTSize:      0, // 0: hashtable.New auto-picks a bucket count
		HTLocks:     0,

		MaxTxnSize: 250,

		MaxSize:    100 << 20,
		MemHighWat: 90 << 20,
		MemLowWat:  75 << 20,

		MinDataAge:  0,
		QueueAgeCap: 900,

		BGFetchDelay: 0,
		ExpiryWindow: 3,

		ChkRemoverStime: 5 * time.Second,
		ExpPagerStime:   10 * time.Minute,
		AlogSleepTime:   time.Hour,

		TapThrottleQueueCap:  0, // 0: unbounded
		TapThrottleThreshold: 90 << 20,
		TapThrottleCapPcnt:   10,

		WarmupMinMemoryThreshold: 100,
		WarmupMinItemsThreshold:  100,
		WarmupTimeout:            0, // 0: no timeout

		DataTrafficEnabled: true,

		ItemPagerActiveVBPercent: 40,
		PagerInterval:            time.Second,

		DBPath:   "epcore.db",
		LogLevel: "info",
	}
}

// Merge overlays every non-zero field of override onto def, in place.
func Merge(def, override *Config) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		ov := overrideVal.Field(i)
		if !util.IsZeroVal(ov) {
			defVal.Field(i).Set(ov)
		}
	}
}

// Marshal renders cfg as its JSON config-document form.
func Marshal(cfg *Config) []byte {
	data, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}
	return data
}
