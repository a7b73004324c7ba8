package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shiftboard/shiftsync/internal/config"
	"github.com/shiftboard/shiftsync/internal/engine"
	"github.com/shiftboard/shiftsync/internal/fieldsync"
	"github.com/shiftboard/shiftsync/internal/localcache"
	"github.com/shiftboard/shiftsync/internal/presence"
	"github.com/shiftboard/shiftsync/internal/queue"
	"github.com/shiftboard/shiftsync/internal/reset"
	"github.com/shiftboard/shiftsync/internal/resolve"
	"github.com/shiftboard/shiftsync/internal/snapshot"
	"github.com/shiftboard/shiftsync/internal/store"
)

// device bundles what a device-side command needs.
type device struct {
	engine *engine.Engine
	store  *store.HTTPStore
	cache  *localcache.Cache
}

func (d *device) Close() {
	if err := d.cache.Close(); err != nil {
		logger.Warn("failed to close local cache", "error", err)
	}
}

// cachePath resolves the local cache location.
func cachePath(c *config.Config) (string, error) {
	if c.Cache.Path != "" {
		return c.Cache.Path, nil
	}
	return localcache.DefaultPath()
}

// openDevice opens the local cache, connects the store client and builds the
// engine. The engine is not started.
func openDevice(ctx context.Context, c *config.Config) (*device, error) {
	path, err := cachePath(c)
	if err != nil {
		return nil, err
	}
	cache, err := localcache.Open(path)
	if err != nil {
		return nil, err
	}

	deviceID := c.Device.ID
	if deviceID != "" {
		err = cache.SetDeviceID(ctx, deviceID)
	} else {
		deviceID, err = cache.DeviceID(ctx)
	}
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	d := &device{cache: cache}

	hcfg := store.DefaultHTTPConfig(c.Store.URL)
	hcfg.AuthToken = c.Store.AuthToken
	if c.Store.Timeout > 0 {
		hcfg.Timeout = c.Store.Timeout
	}
	hcfg.Logger = logger.Logger
	hcfg.OnStreamState = func(connected bool) {
		if d.engine != nil {
			d.engine.SetOnline(connected)
		}
	}
	d.store, err = store.NewHTTPStore(hcfg)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	ecfg, err := engineConfig(c, cache)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	d.engine, err = engine.NewWithConfig(d.store, deviceID, ecfg)
	if err != nil {
		_ = cache.Close()
		return nil, err
	}
	return d, nil
}

// engineConfig maps settings onto the component configs.
func engineConfig(c *config.Config, cache *localcache.Cache) (*engine.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return nil, err
	}

	resolver := resolve.New(logger.Logger)
	if err := resolver.Load(c.Conflicts); err != nil {
		return nil, err
	}

	fields, err := resetFields(c.Reset.Fields)
	if err != nil {
		return nil, err
	}

	ecfg := engine.DefaultConfig()
	ecfg.DisplayName = c.Device.DisplayName
	if ecfg.DisplayName == "" {
		ecfg.DisplayName, _ = os.Hostname()
	}
	ecfg.User = c.Device.User
	ecfg.UseStream = c.Store.Stream
	ecfg.PollInterval = c.Store.PollInterval
	ecfg.ReconnectInterval = c.Sync.ReconnectInterval
	ecfg.InventoryField = c.Snapshot.InventoryField
	ecfg.Resolver = resolver
	ecfg.Logger = logger.Logger

	fcfg := fieldsync.DefaultConfig()
	setString(&fcfg.Prefix, c.Sync.Prefix)
	setDuration(&fcfg.Debounce, c.Sync.Debounce)
	setDuration(&fcfg.RetryInterval, c.Sync.RetryInterval)
	if c.Sync.CASRetries > 0 {
		fcfg.CASRetries = c.Sync.CASRetries
	}
	ecfg.FieldSync = fcfg

	qcfg := queue.DefaultConfig()
	if c.Queue.MaxSize > 0 {
		qcfg.MaxSize = c.Queue.MaxSize
	}
	if c.Queue.MaxAttempts > 0 {
		qcfg.MaxAttempts = c.Queue.MaxAttempts
	}
	ecfg.Queue = qcfg

	pcfg := presence.DefaultConfig()
	setDuration(&pcfg.TTL, c.Presence.TTL)
	setDuration(&pcfg.HeartbeatInterval, c.Presence.HeartbeatInterval)
	setDuration(&pcfg.PollInterval, c.Presence.PollInterval)
	ecfg.Presence = pcfg

	rcfg := reset.DefaultConfig()
	rcfg.Fields = fields
	setDuration(&rcfg.LockTTL, c.Reset.LockTTL)
	setDuration(&rcfg.CheckInterval, c.Reset.CheckInterval)
	rcfg.Location = loc
	ecfg.Reset = rcfg

	scfg := snapshot.DefaultConfig()
	setString(&scfg.CaptureAt, c.Snapshot.CaptureAt)
	scfg.Location = loc
	ecfg.Snapshot = scfg

	if cache != nil {
		qcfg.Journal = cache
		ecfg.Ledger = cache
		ecfg.OnConflict = func(conflict resolve.Conflict) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := cache.RecordConflict(ctx, conflict); err != nil {
				logger.Error("failed to record conflict", "field", conflict.Field, "error", err)
			}
		}
	}
	return ecfg, nil
}

// resetFields converts the configured reset values, which are JSON text.
func resetFields(list []config.ResetField) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(list))
	for _, rf := range list {
		if !json.Valid([]byte(rf.Value)) {
			return nil, fmt.Errorf("reset value for %s is not valid JSON: %q", rf.Field, rf.Value)
		}
		out[rf.Field] = json.RawMessage(rf.Value)
	}
	return out, nil
}

func resetFieldNames(c *config.Config) []string {
	names := make([]string, 0, len(c.Reset.Fields))
	for _, rf := range c.Reset.Fields {
		names = append(names, rf.Field)
	}
	sort.Strings(names)
	return names
}

func relayDataPath(c *config.Config) (string, error) {
	if c.Relay.DataPath != "" {
		return c.Relay.DataPath, nil
	}
	path, err := localcache.DefaultPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(path), "relay.db"), nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}
