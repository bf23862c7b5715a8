package cfr

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/gtocluster/solver/abstraction"
)

const blueprintFileVersion = 1

// Blueprint captures the final average strategy produced by a Simulation so
// that runtime bots can sample actions without rerunning CFR. Unlike the
// checkpoint blob, this is not restart state: it's a read-only export, so the
// spec does not mandate a binary format for it.
type Blueprint struct {
	Version     int                  `json:"version"`
	GeneratedAt time.Time            `json:"generated_at"`
	Iterations  int                  `json:"iterations"`
	Variant     Variant              `json:"variant"`
	Game        GameConfig           `json:"game"`
	Bucket      abstraction.Config   `json:"bucket"`
	Strategies  map[string][]float64 `json:"strategies"`
}

// Save writes the blueprint to disk in JSON format.
func (b *Blueprint) Save(path string) error {
	if b == nil {
		return errors.New("nil blueprint")
	}
	if path == "" {
		return errors.New("destination path is required")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(b)
}

// LoadBlueprint reads a blueprint from disk.
func LoadBlueprint(path string) (*Blueprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var bp Blueprint
	if err := json.NewDecoder(f).Decode(&bp); err != nil {
		return nil, err
	}
	if bp.Version != blueprintFileVersion {
		return nil, errors.New("unsupported blueprint version")
	}
	return &bp, nil
}

// Strategy returns the stored average strategy for the provided info-set key.
func (b *Blueprint) Strategy(key InfoSetKey) ([]float64, bool) {
	if b == nil {
		return nil, false
	}
	strat, ok := b.Strategies[key.String()]
	return strat, ok
}

// NewBlueprint extracts a Blueprint snapshot from a live table.
func NewBlueprint(table *RegretTable, iteration int, variant Variant, game GameConfig, bucket abstraction.Config) *Blueprint {
	entries := table.Entries()
	strategies := make(map[string][]float64, len(entries))
	for key, entry := range entries {
		strategies[key] = entry.AverageStrategy()
	}
	return &Blueprint{
		Version:    blueprintFileVersion,
		Iterations: iteration,
		Variant:    variant,
		Game:       game,
		Bucket:     bucket,
		Strategies: strategies,
	}
}
