package tablesync

import (
	"cmp"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

const (
	defaultSnapshotBatchSize = 10000
	defaultMaxBatchRows      = 50000
)

// TableConfig holds per-table settings, resolved once when the table is added.
type TableConfig struct {
	// Destination overrides the destination table name (default: schema_table,
	// or table for the public schema).
	Destination       string `mapstructure:"destination" json:"destination,omitempty"`
	SnapshotBatchSize int    `mapstructure:"snapshotBatchSize" json:"snapshotBatchSize"`
	MaxBatchRows      int    `mapstructure:"maxBatchRows" json:"maxBatchRows"`
}

// DefaultTableConfig returns the settings used for tables without overrides.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		SnapshotBatchSize: defaultSnapshotBatchSize,
		MaxBatchRows:      defaultMaxBatchRows,
	}
}

// ResolveTableConfig decodes raw settings (as read from the config file) over base.
func ResolveTableConfig(base TableConfig, raw map[string]any) (TableConfig, error) {
	cfg := base
	if len(raw) > 0 {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &cfg,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return TableConfig{}, err
		}
		if err := dec.Decode(raw); err != nil {
			return TableConfig{}, fmt.Errorf("table config: %w", err)
		}
	}

	def := DefaultTableConfig()
	cfg.SnapshotBatchSize = cmp.Or(cfg.SnapshotBatchSize, def.SnapshotBatchSize)
	cfg.MaxBatchRows = cmp.Or(cfg.MaxBatchRows, def.MaxBatchRows)
	if cfg.SnapshotBatchSize < 0 || cfg.MaxBatchRows < 0 {
		return TableConfig{}, fmt.Errorf("table config: batch sizes must be positive")
	}
	return cfg, nil
}
