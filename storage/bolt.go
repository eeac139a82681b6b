package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"trackergw/crypto"
	"trackergw/protocol"
)

// DefaultBoltFileName is the bbolt filename under the gateway data dir.
const DefaultBoltFileName = "gateway.bolt"

var (
	pairedBucket   = []byte("paired_trackers")
	trackerBucket  = []byte("tracker_ids")
	settingsBucket = []byte("gateway_settings")
	eventsBucket   = []byte("security_events")
)

// BoltStore persists the same state as Store in a single bbolt file.
// bbolt serializes writers, so no extra locking is needed.
type BoltStore struct {
	db                     *bbolt.DB
	path                   string
	securityEventRetention time.Duration
}

// OpenBolt opens (or creates) gateway.bolt under the given data directory.
func OpenBolt(dataDir string) (*BoltStore, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	path := filepath.Join(dataDir, DefaultBoltFileName)
	store, err := OpenBoltPath(path)
	if err != nil {
		return nil, "", err
	}
	return store, path, nil
}

// OpenBoltPath opens bbolt at an explicit path and creates the buckets.
func OpenBoltPath(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{pairedBucket, trackerBucket, settingsBucket, eventsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BoltStore{
		db:                     db,
		path:                   path,
		securityEventRetention: DefaultSecurityEventRetention,
	}, nil
}

// Close releases the database file.
func (b *BoltStore) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// IsPaired reports whether addr went through pairing.
func (b *BoltStore) IsPaired(addr protocol.Addr) (bool, error) {
	var paired bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		paired = tx.Bucket(pairedBucket).Get(addr[:]) != nil
		return nil
	})
	return paired, err
}

// AddPaired records addr as paired. Re-adding is a no-op.
func (b *BoltStore) AddPaired(addr protocol.Addr) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(pairedBucket)
		if bucket.Get(addr[:]) != nil {
			return nil
		}
		return bucket.Put(addr[:], uint64ToBytes(uint64(nowUnixMilli())))
	})
	if err != nil {
		return fmt.Errorf("insert paired tracker %s: %w", addr, err)
	}
	return nil
}

// RemovePaired forgets the pairing and releases its tracker ID.
func (b *BoltStore) RemovePaired(addr protocol.Addr) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(pairedBucket).Delete(addr[:]); err != nil {
			return err
		}
		return tx.Bucket(trackerBucket).Delete(addr[:])
	})
	if err != nil {
		return fmt.Errorf("delete paired tracker %s: %w", addr, err)
	}
	return nil
}

// ClearPaired forgets every pairing and tracker ID.
func (b *BoltStore) ClearPaired() error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{pairedBucket, trackerBucket} {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear paired trackers: %w", err)
	}
	return nil
}

// ForEachPaired calls fn for every pairing in pairing order.
func (b *BoltStore) ForEachPaired(fn func(PairedTracker) error) error {
	paired := make([]PairedTracker, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(trackerBucket)
		return tx.Bucket(pairedBucket).ForEach(func(k, v []byte) error {
			if len(k) != protocol.AddrSize || len(v) != 8 {
				return nil
			}
			var p PairedTracker
			copy(p.Addr[:], k)
			p.PairedAt = int64(bytesToUint64(v))
			if id := ids.Get(k); len(id) == 1 {
				p.TrackerID = id[0]
				p.HasID = true
			}
			paired = append(paired, p)
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("list paired trackers: %w", err)
	}

	sort.SliceStable(paired, func(i, j int) bool {
		return paired[i].PairedAt < paired[j].PairedAt
	})
	for _, p := range paired {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

// TrackerID returns the persistent ID for addr, allocating the smallest free one on first use.
func (b *BoltStore) TrackerID(addr protocol.Addr) (uint8, error) {
	var id uint8
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(trackerBucket)
		if existing := bucket.Get(addr[:]); len(existing) == 1 {
			id = existing[0]
			return nil
		}

		used := make(map[uint8]struct{})
		if err := bucket.ForEach(func(_, v []byte) error {
			if len(v) == 1 {
				used[v[0]] = struct{}{}
			}
			return nil
		}); err != nil {
			return err
		}

		free, err := lowestFreeID(used)
		if err != nil {
			return err
		}
		id = free
		return bucket.Put(addr[:], []byte{free})
	})
	if err != nil {
		return 0, fmt.Errorf("allocate tracker id %s: %w", addr, err)
	}
	return id, nil
}

// IsTrackerIDInUse reports whether id is assigned to any address.
func (b *BoltStore) IsTrackerIDInUse(id uint8) (bool, error) {
	var inUse bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(trackerBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) == 1 && v[0] == id {
				inUse = true
				return nil
			}
		}
		return nil
	})
	return inUse, err
}

// LoadSecurityCode returns the stored code, generating and persisting one if absent or blank.
func (b *BoltStore) LoadSecurityCode() (protocol.SecurityCode, error) {
	var code protocol.SecurityCode
	err := b.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(settingsBucket).Get([]byte(settingSecurityCode)); len(raw) == protocol.SecurityCodeSize {
			copy(code[:], raw)
		}
		return nil
	})
	if err != nil {
		return protocol.SecurityCode{}, fmt.Errorf("read setting %q: %w", settingSecurityCode, err)
	}
	if !code.IsZero() {
		return code, nil
	}
	return b.ResetSecurityCode()
}

// StoreSecurityCode persists a non-blank code.
func (b *BoltStore) StoreSecurityCode(code protocol.SecurityCode) error {
	if code.IsZero() {
		return ErrZeroSecurityCode
	}
	return b.putSetting(settingSecurityCode, code[:])
}

// ResetSecurityCode replaces the stored code with a fresh random one.
func (b *BoltStore) ResetSecurityCode() (protocol.SecurityCode, error) {
	code, err := crypto.GenerateSecurityCode()
	if err != nil {
		return protocol.SecurityCode{}, err
	}
	if err := b.StoreSecurityCode(code); err != nil {
		return protocol.SecurityCode{}, err
	}
	return code, nil
}

// LoadChannel returns the stored radio channel, or DefaultChannel when none is stored.
func (b *BoltStore) LoadChannel() (uint8, error) {
	ch := uint8(protocol.DefaultChannel)
	err := b.db.View(func(tx *bbolt.Tx) error {
		if raw := tx.Bucket(settingsBucket).Get([]byte(settingChannel)); len(raw) == 1 && protocol.ValidChannel(raw[0]) {
			ch = raw[0]
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read setting %q: %w", settingChannel, err)
	}
	return ch, nil
}

// StoreChannel persists a channel in 1..14.
func (b *BoltStore) StoreChannel(ch uint8) error {
	if err := validateChannel(ch); err != nil {
		return err
	}
	return b.putSetting(settingChannel, []byte{ch})
}

// LogSecurityEvent appends an event and prunes entries older than the retention horizon.
func (b *BoltStore) LogSecurityEvent(event SecurityEvent) error {
	event, err := normalizeSecurityEvent(event)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-b.securityEventRetention).UnixMilli()

	err = b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(eventsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		event.ID = int64(seq)
		raw, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if err := bucket.Put(uint64ToBytes(seq), raw); err != nil {
			return err
		}

		expired := make([][]byte, 0)
		c := bucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var stored SecurityEvent
			if err := json.Unmarshal(v, &stored); err != nil || stored.Timestamp >= cutoff {
				break
			}
			expired = append(expired, append([]byte(nil), k...))
		}
		for _, k := range expired {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}
	return nil
}

// GetSecurityEvents returns recent security events, newest first.
func (b *BoltStore) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	limit := normalizeEventLimit(filter.Limit)
	events := make([]SecurityEvent, 0)

	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var event SecurityEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return fmt.Errorf("decode security event %d: %w", bytesToUint64(k), err)
			}
			if filter.EventType != "" && event.EventType != filter.EventType {
				continue
			}
			if filter.Addr != "" && event.Addr != filter.Addr {
				continue
			}
			events = append(events, event)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get security events: %w", err)
	}
	return events, nil
}

func (b *BoltStore) putSetting(key string, value []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(settingsBucket).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("write setting %q: %w", key, err)
	}
	return nil
}

func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
