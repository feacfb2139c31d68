package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syndtr/goleveldb/leveldb"

	"github.com/colorfulnotion/tierjit/jit"
	"github.com/colorfulnotion/tierjit/log"
)

// Key layout for a persisted runtime:
//
//	jit/meta          json jitStateMeta
//	jit/pv/<page>     4-byte big-endian version, page as 8-byte big-endian
//	jit/hot/<seq>     json jit.HotnessEntry, seq keeps LRU order
//	jit/blk/<seq>     json jit.CompiledBlockHandle, seq keeps LRU order
const (
	jitStatePrefix = "jit/"
	jitMetaKey     = "jit/meta"
	versionPrefix  = "jit/pv/"
	hotnessPrefix  = "jit/hot/"
	blockPrefix    = "jit/blk/"

	jitStateFormat = 1
)

type jitStateMeta struct {
	Format   int       `json:"format"`
	SavedAt  time.Time `json:"saved_at"`
	Versions int       `json:"versions"`
	Hotness  int       `json:"hotness"`
	Blocks   int       `json:"blocks"`
}

func seqKey(prefix string, n uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefix), n)
}

// SaveJitState replaces any previously saved runtime state with st in one
// atomic batch.
func (ps *PersistenceStore) SaveJitState(st jit.State) error {
	err := ps.ReplacePrefix([]byte(jitStatePrefix), func(batch *leveldb.Batch) error {
		for _, pv := range st.Versions {
			batch.Put(seqKey(versionPrefix, pv.Page), binary.BigEndian.AppendUint32(nil, pv.Version))
		}
		for i, e := range st.Hotness {
			value, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("hotness %#x: %w", e.RIP, err)
			}
			batch.Put(seqKey(hotnessPrefix, uint64(i)), value)
		}
		for i, h := range st.Blocks {
			value, err := json.Marshal(h)
			if err != nil {
				return fmt.Errorf("block %#x: %w", h.EntryRIP, err)
			}
			batch.Put(seqKey(blockPrefix, uint64(i)), value)
		}
		meta, err := json.Marshal(jitStateMeta{
			Format:   jitStateFormat,
			SavedAt:  time.Now().UTC(),
			Versions: len(st.Versions),
			Hotness:  len(st.Hotness),
			Blocks:   len(st.Blocks),
		})
		if err != nil {
			return fmt.Errorf("meta: %w", err)
		}
		batch.Put([]byte(jitMetaKey), meta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("SaveJitState: %w", err)
	}
	log.Debug(log.StoreMonitoring, "jit state saved",
		"versions", len(st.Versions), "hotness", len(st.Hotness), "blocks", len(st.Blocks))
	return nil
}

// LoadJitState reads the saved runtime state. found is false when nothing
// was saved.
func (ps *PersistenceStore) LoadJitState() (st jit.State, found bool, err error) {
	raw, ok, err := ps.Get([]byte(jitMetaKey))
	if err != nil || !ok {
		return jit.State{}, false, err
	}
	var meta jitStateMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return jit.State{}, false, fmt.Errorf("LoadJitState: meta: %w", err)
	}
	if meta.Format != jitStateFormat {
		return jit.State{}, false, fmt.Errorf("LoadJitState: unsupported format %d", meta.Format)
	}

	st.Versions = make([]jit.PageVersionSnapshot, 0, meta.Versions)
	err = ps.Scan([]byte(versionPrefix), func(key, value []byte) error {
		page := key[len(versionPrefix):]
		if len(page) != 8 || len(value) != 4 {
			return fmt.Errorf("malformed version entry %q", key)
		}
		st.Versions = append(st.Versions, jit.PageVersionSnapshot{
			Page:    binary.BigEndian.Uint64(page),
			Version: binary.BigEndian.Uint32(value),
		})
		return nil
	})
	if err != nil {
		return jit.State{}, false, fmt.Errorf("LoadJitState: %w", err)
	}

	st.Hotness = make([]jit.HotnessEntry, 0, meta.Hotness)
	err = ps.Scan([]byte(hotnessPrefix), func(key, value []byte) error {
		var e jit.HotnessEntry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("hotness %q: %w", key, err)
		}
		st.Hotness = append(st.Hotness, e)
		return nil
	})
	if err != nil {
		return jit.State{}, false, fmt.Errorf("LoadJitState: %w", err)
	}

	st.Blocks = make([]jit.CompiledBlockHandle, 0, meta.Blocks)
	err = ps.Scan([]byte(blockPrefix), func(key, value []byte) error {
		var h jit.CompiledBlockHandle
		if err := json.Unmarshal(value, &h); err != nil {
			return fmt.Errorf("block %q: %w", key, err)
		}
		st.Blocks = append(st.Blocks, h)
		return nil
	})
	if err != nil {
		return jit.State{}, false, fmt.Errorf("LoadJitState: %w", err)
	}

	if len(st.Versions) != meta.Versions || len(st.Hotness) != meta.Hotness || len(st.Blocks) != meta.Blocks {
		return jit.State{}, false, fmt.Errorf("LoadJitState: entry counts do not match meta %+v", meta)
	}
	log.Debug(log.StoreMonitoring, "jit state loaded", "saved_at", meta.SavedAt,
		"versions", len(st.Versions), "hotness", len(st.Hotness), "blocks", len(st.Blocks))
	return st, true, nil
}

// DeleteJitState removes any saved runtime state and compacts its key range.
func (ps *PersistenceStore) DeleteJitState() error {
	if err := ps.ReplacePrefix([]byte(jitStatePrefix), nil); err != nil {
		return fmt.Errorf("DeleteJitState: %w", err)
	}
	return ps.Compact([]byte(jitStatePrefix))
}
