package cfr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/gtocluster/solver/internal/fileutil"
)

// checkpointSchemaVersion is bumped whenever the binary layout changes.
const checkpointSchemaVersion uint32 = 1

// SaveCheckpoint serialises table into the checkpoint blob and writes it
// atomically: header {schema_version, iteration, variant_tag, node_count},
// then per-node {key_len, key_bytes, arity, regret_sum[arity],
// strategy_sum[arity]}, then a trailer carrying the caller's RNG state
// (non-empty for the sampling variants, empty otherwise). Little-endian
// throughout, so a restored table and RNG reproduce identical subsequent
// samples.
func SaveCheckpoint(path string, table *RegretTable, iteration int, variant Variant, rngState []byte) error {
	entries := table.Entries()
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, checkpointSchemaVersion); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint32(iteration)); err != nil {
		return err
	}
	if err := buf.WriteByte(byte(variant)); err != nil {
		return err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(keys))); err != nil {
		return err
	}

	for _, k := range keys {
		entry := entries[k]
		regretSum, strategySum := entry.snapshot()
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(k))); err != nil {
			return err
		}
		buf.WriteString(k)
		if err := binary.Write(&buf, binary.LittleEndian, uint32(len(regretSum))); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, regretSum); err != nil {
			return err
		}
		if err := binary.Write(&buf, binary.LittleEndian, strategySum); err != nil {
			return err
		}
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(rngState))); err != nil {
		return err
	}
	buf.Write(rngState)

	return fileutil.WriteFileAtomic(path, buf.Bytes(), 0o644)
}

// LoadCheckpoint reads a binary checkpoint blob back into a fresh RegretTable,
// returning the iteration it was saved at, the variant it was trained under,
// and the trailer's RNG state bytes so the caller can resume its sampling
// sequence exactly where SaveCheckpoint left off.
func LoadCheckpoint(path string) (table *RegretTable, iteration int, variant Variant, rngState []byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, nil, err
	}
	r := bytes.NewReader(data)

	var schemaVersion, iter32 uint32
	if err := binary.Read(r, binary.LittleEndian, &schemaVersion); err != nil {
		return nil, 0, 0, nil, fmt.Errorf("read schema_version: %w", err)
	}
	if schemaVersion != checkpointSchemaVersion {
		return nil, 0, 0, nil, fmt.Errorf("unsupported checkpoint schema_version %d", schemaVersion)
	}
	if err := binary.Read(r, binary.LittleEndian, &iter32); err != nil {
		return nil, 0, 0, nil, fmt.Errorf("read iteration: %w", err)
	}
	variantByte, err := r.ReadByte()
	if err != nil {
		return nil, 0, 0, nil, fmt.Errorf("read variant_tag: %w", err)
	}
	var nodeCount uint64
	if err := binary.Read(r, binary.LittleEndian, &nodeCount); err != nil {
		return nil, 0, 0, nil, fmt.Errorf("read node_count: %w", err)
	}

	table = NewRegretTable()
	for i := uint64(0); i < nodeCount; i++ {
		var keyLen uint32
		if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
			return nil, 0, 0, nil, fmt.Errorf("read key_len at node %d: %w", i, err)
		}
		keyBytes := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return nil, 0, 0, nil, fmt.Errorf("read key_bytes at node %d: %w", i, err)
		}

		var arity uint32
		if err := binary.Read(r, binary.LittleEndian, &arity); err != nil {
			return nil, 0, 0, nil, fmt.Errorf("read arity at node %d: %w", i, err)
		}
		regretSum := make([]float64, arity)
		if err := binary.Read(r, binary.LittleEndian, regretSum); err != nil {
			return nil, 0, 0, nil, fmt.Errorf("read regret_sum at node %d: %w", i, err)
		}
		strategySum := make([]float64, arity)
		if err := binary.Read(r, binary.LittleEndian, strategySum); err != nil {
			return nil, 0, 0, nil, fmt.Errorf("read strategy_sum at node %d: %w", i, err)
		}

		table.restore(string(keyBytes), &RegretEntry{RegretSum: regretSum, StrategySum: strategySum})
	}

	var rngLen uint32
	if err := binary.Read(r, binary.LittleEndian, &rngLen); err != nil {
		return nil, 0, 0, nil, fmt.Errorf("read rng_state_len: %w", err)
	}
	rngState = make([]byte, rngLen)
	if _, err := io.ReadFull(r, rngState); err != nil {
		return nil, 0, 0, nil, fmt.Errorf("read rng_state: %w", err)
	}

	return table, int(iter32), Variant(variantByte), rngState, nil
}
