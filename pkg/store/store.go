// Package store is the durable single-writer persistence layer. One SQLite
// file holds packet history, neighbor adjacency, per-node stats, the two
// independent node-identity registries and a short-TTL keyed cache.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Tigro14/meshbot-sub001/pkg/ttlkv"
	"github.com/Tigro14/meshbot-sub001/pkg/wire"
	"github.com/Tigro14/meshbot-sub001/pkg/wire/codec"
)

// StorageError wraps a failed store operation. Writes that fail are logged
// and skipped by callers, not retried indefinitely.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Options tunes the store.
type Options struct {
	// CacheTTL bounds both the memory read-through and the api_cache rows.
	CacheTTL time.Duration
	// OnError receives persistent storage failures so an operational layer
	// can escalate. Optional.
	OnError func(error)
}

// Store serializes all reads and writes through a single connection.
type Store struct {
	db      *sql.DB
	path    string
	log     *zap.Logger
	onError func(error)

	cacheTTL time.Duration
	cache    *ttlkv.Store
	codec    codec.Codec

	nowFn func() time.Time
}

// Open opens (or creates) the store at path, self-healing a corrupt or
// truncated file by discarding and recreating it.
func Open(path string, opts Options) (*Store, error) {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	log := zap.L().Named("store")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &StorageError{Op: "mkdir", Err: err}
	}

	// A zero-length file is a failed previous creation, not a database.
	if fi, err := os.Stat(path); err == nil && fi.Size() == 0 {
		log.Warn("discarding zero-length store file", zap.String("path", path))
		_ = os.Remove(path)
	}

	db, err := openHandle(path)
	if err != nil {
		return nil, err
	}
	if !integrityOK(db) {
		log.Warn("integrity check failed, recreating store", zap.String("path", path))
		_ = db.Close()
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, &StorageError{Op: "remove corrupt file", Err: err}
		}
		if db, err = openHandle(path); err != nil {
			return nil, err
		}
	}

	s := &Store{
		db:       db,
		path:     path,
		log:      log,
		onError:  opts.OnError,
		cacheTTL: opts.CacheTTL,
		cache:    ttlkv.New(ttlkv.Options{Shards: 4}),
		codec:    codec.MustCBOR(),
		nowFn:    time.Now,
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func openHandle(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	// One connection serializes every write; reads share it synchronously.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "ping", Err: err}
	}
	return db, nil
}

func integrityOK(db *sql.DB) bool {
	var result string
	if err := db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return false
	}
	return result == "ok"
}

// migrate applies the additive schema. Existing tables are never altered
// destructively; missing columns are added in place.
func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS packets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			from_node_id INTEGER NOT NULL,
			to_node_id INTEGER NOT NULL,
			network TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB,
			rssi INTEGER,
			snr REAL,
			hop_start INTEGER,
			hop_limit INTEGER,
			broadcast INTEGER NOT NULL DEFAULT 0,
			encrypted INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_packets_timestamp ON packets(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_packets_from ON packets(from_node_id)`,
		`CREATE TABLE IF NOT EXISTS neighbors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			node_id INTEGER NOT NULL,
			neighbor_id INTEGER NOT NULL,
			snr REAL,
			network TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_neighbors_timestamp ON neighbors(timestamp)`,
		`CREATE TABLE IF NOT EXISTS node_stats (
			node_id INTEGER NOT NULL,
			network TEXT NOT NULL,
			packets INTEGER NOT NULL DEFAULT 0,
			last_rssi INTEGER,
			last_snr REAL,
			last_heard INTEGER,
			last_updated INTEGER NOT NULL,
			PRIMARY KEY (node_id, network)
		)`,
		`CREATE TABLE IF NOT EXISTS nodes_a (
			node_id INTEGER PRIMARY KEY,
			name TEXT,
			short_name TEXT,
			hw_model TEXT,
			public_key TEXT,
			lat REAL,
			lon REAL,
			alt INTEGER,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nodes_b (
			node_id INTEGER PRIMARY KEY,
			name TEXT,
			short_name TEXT,
			hw_model TEXT,
			public_key TEXT,
			lat REAL,
			lon REAL,
			alt INTEGER,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_a_pubkey ON nodes_a(public_key)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_b_pubkey ON nodes_b(public_key)`,
		`CREATE TABLE IF NOT EXISTS api_cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return &StorageError{Op: "migrate", Err: err}
		}
	}
	// columns added after the first release
	s.ensureColumn("packets", "encrypted", "INTEGER NOT NULL DEFAULT 0")
	s.ensureColumn("packets", "size", "INTEGER NOT NULL DEFAULT 0")
	s.ensureColumn("nodes_a", "public_key", "TEXT")
	s.ensureColumn("nodes_b", "public_key", "TEXT")
	return nil
}

func (s *Store) ensureColumn(table, column, decl string) {
	rows, err := s.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return
		}
		if name == column {
			return
		}
	}
	if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		s.log.Warn("column migration failed", zap.String("table", table), zap.String("column", column), zap.Error(err))
	}
}

// SavePacket appends one packet row.
func (s *Store) SavePacket(p wire.Packet) error {
	_, err := s.db.Exec(`INSERT INTO packets
		(timestamp, from_node_id, to_node_id, network, type, payload, rssi, snr, hop_start, hop_limit, broadcast, encrypted, size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Timestamp.Unix(), p.FromID, p.ToID, p.Source.String(), p.Type.String(),
		p.Payload, p.RSSI, p.SNR, p.HopStart, p.HopLimit,
		boolInt(p.Broadcast), boolInt(p.Encrypted), p.Size)
	if err != nil {
		return s.fail("save packet", err)
	}
	if err := s.bumpNodeStats(p); err != nil {
		return err
	}
	return nil
}

func (s *Store) bumpNodeStats(p wire.Packet) error {
	now := s.nowFn().Unix()
	_, err := s.db.Exec(`INSERT INTO node_stats (node_id, network, packets, last_rssi, last_snr, last_heard, last_updated)
		VALUES (?, ?, 1, ?, ?, ?, ?)
		ON CONFLICT(node_id, network) DO UPDATE SET
			packets = packets + 1,
			last_rssi = excluded.last_rssi,
			last_snr = excluded.last_snr,
			last_heard = excluded.last_heard,
			last_updated = excluded.last_updated`,
		p.FromID, p.Source.String(), p.RSSI, p.SNR, p.Timestamp.Unix(), now)
	if err != nil {
		return s.fail("record node stats", err)
	}
	return nil
}

// SaveNeighborBatch writes one adjacency observation row per neighbor.
func (s *Store) SaveNeighborBatch(nodeID uint32, obs []wire.Neighbor, source wire.NetworkSource) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return s.fail("neighbor batch begin", err)
	}
	now := s.nowFn().Unix()
	stmt, err := tx.Prepare(`INSERT INTO neighbors (timestamp, node_id, neighbor_id, snr, network) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return s.fail("neighbor batch prepare", err)
	}
	defer stmt.Close()
	for _, n := range obs {
		if _, err := stmt.Exec(now, nodeID, n.NeighborID, n.SNR, source.String()); err != nil {
			_ = tx.Rollback()
			return s.fail("neighbor batch insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return s.fail("neighbor batch commit", err)
	}
	return nil
}

func registryTable(source wire.NetworkSource) string {
	if source == wire.SourceB {
		return "nodes_b"
	}
	return "nodes_a"
}

// UpsertNodeIdentity inserts or replaces the identity record for node_id
// inside the registry belonging to source. The two registries never mix.
func (s *Store) UpsertNodeIdentity(source wire.NetworkSource, rec wire.NodeInfo) error {
	table := registryTable(source)
	_, err := s.db.Exec(fmt.Sprintf(`INSERT OR REPLACE INTO %s
		(node_id, name, short_name, hw_model, public_key, lat, lon, alt, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, table),
		rec.NodeID, rec.Name, rec.ShortName, rec.HWModel, strings.ToLower(rec.PublicKey),
		rec.Lat, rec.Lon, rec.Alt, s.nowFn().Unix())
	if err != nil {
		return s.fail("upsert node identity "+table, err)
	}
	return nil
}

// NodeIdentity fetches one identity record from the registry of source.
func (s *Store) NodeIdentity(source wire.NetworkSource, nodeID uint32) (wire.NodeInfo, bool, error) {
	table := registryTable(source)
	var rec wire.NodeInfo
	err := s.db.QueryRow(fmt.Sprintf(`SELECT node_id, name, short_name, hw_model, public_key, lat, lon, alt
		FROM %s WHERE node_id = ?`, table), nodeID).
		Scan(&rec.NodeID, &rec.Name, &rec.ShortName, &rec.HWModel, &rec.PublicKey, &rec.Lat, &rec.Lon, &rec.Alt)
	if err == sql.ErrNoRows {
		return wire.NodeInfo{}, false, nil
	}
	if err != nil {
		return wire.NodeInfo{}, false, s.fail("node identity "+table, err)
	}
	return rec, true, nil
}

// FindNodeByPublicKeyPrefix scans both registries independently and returns
// the first node whose public key starts with prefix, tagged with the
// registry it came from. The registries are disjoint namespaces; a numeric
// node_id match in one says nothing about the other.
func (s *Store) FindNodeByPublicKeyPrefix(prefix string) (uint32, wire.NetworkSource, bool, error) {
	prefix = strings.ToLower(prefix)
	for _, source := range []wire.NetworkSource{wire.SourceA, wire.SourceB} {
		table := registryTable(source)
		var id uint32
		err := s.db.QueryRow(fmt.Sprintf(`SELECT node_id FROM %s WHERE public_key LIKE ? ORDER BY updated_at DESC LIMIT 1`, table),
			prefix+"%").Scan(&id)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return 0, 0, false, s.fail("find by public key "+table, err)
		}
		return id, source, true, nil
	}
	return 0, 0, false, nil
}

// NodeStats is one aggregated per-node counter row.
type NodeStats struct {
	NodeID      uint32
	Source      wire.NetworkSource
	Packets     int64
	LastRSSI    int32
	LastSNR     float64
	LastHeard   time.Time
	LastUpdated time.Time
}

// NodeStatsFor reads the aggregated counters for one node on one network.
func (s *Store) NodeStatsFor(source wire.NetworkSource, nodeID uint32) (NodeStats, bool, error) {
	var st NodeStats
	var heard, updated int64
	err := s.db.QueryRow(`SELECT packets, last_rssi, last_snr, last_heard, last_updated
		FROM node_stats WHERE node_id = ? AND network = ?`, nodeID, source.String()).
		Scan(&st.Packets, &st.LastRSSI, &st.LastSNR, &heard, &updated)
	if err == sql.ErrNoRows {
		return NodeStats{}, false, nil
	}
	if err != nil {
		return NodeStats{}, false, s.fail("node stats", err)
	}
	st.NodeID = nodeID
	st.Source = source
	st.LastHeard = time.Unix(heard, 0)
	st.LastUpdated = time.Unix(updated, 0)
	return st, true, nil
}

// CachePut stores a CBOR-encoded value under key with the configured TTL,
// in both the memory read-through and the api_cache table.
func (s *Store) CachePut(key string, value any) error {
	blob, err := s.codec.Marshal(value)
	if err != nil {
		return s.fail("cache encode", err)
	}
	expires := s.nowFn().Add(s.cacheTTL)
	s.cache.Set(key, blob, s.cacheTTL)
	if _, err := s.db.Exec(`INSERT OR REPLACE INTO api_cache (key, value, expires_at) VALUES (?, ?, ?)`,
		key, blob, expires.Unix()); err != nil {
		return s.fail("cache put", err)
	}
	return nil
}

// CacheGet loads a fresh cache entry into out. Memory first, then the
// api_cache table; table hits repopulate the memory layer.
func (s *Store) CacheGet(key string, out any) (bool, error) {
	if blob, ok := s.cache.Get(key); ok {
		return true, s.codec.Unmarshal(blob, out)
	}
	var blob []byte
	var expires int64
	err := s.db.QueryRow(`SELECT value, expires_at FROM api_cache WHERE key = ?`, key).Scan(&blob, &expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, s.fail("cache get", err)
	}
	now := s.nowFn()
	exp := time.Unix(expires, 0)
	if !now.Before(exp) {
		_, _ = s.db.Exec(`DELETE FROM api_cache WHERE key = ?`, key)
		return false, nil
	}
	s.cache.Set(key, blob, exp.Sub(now))
	return true, s.codec.Unmarshal(blob, out)
}

// Cleanup deletes packet and neighbor rows older than shortHours, node
// stats older than statsHours, stale cache rows, then reclaims file space.
func (s *Store) Cleanup(shortHours, statsHours int) error {
	now := s.nowFn()
	shortCut := now.Add(-time.Duration(shortHours) * time.Hour).Unix()
	statsCut := now.Add(-time.Duration(statsHours) * time.Hour).Unix()

	deleted := int64(0)
	for _, q := range []struct {
		stmt string
		arg  int64
	}{
		{`DELETE FROM packets WHERE timestamp < ?`, shortCut},
		{`DELETE FROM neighbors WHERE timestamp < ?`, shortCut},
		{`DELETE FROM node_stats WHERE last_updated < ?`, statsCut},
		{`DELETE FROM api_cache WHERE expires_at < ?`, now.Unix()},
	} {
		res, err := s.db.Exec(q.stmt, q.arg)
		if err != nil {
			return s.fail("cleanup delete", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			deleted += n
		}
	}
	if deleted > 0 {
		if _, err := s.db.Exec(`VACUUM`); err != nil {
			s.log.Warn("vacuum failed", zap.Error(err))
		}
	}
	s.cache.PurgeExpired()
	s.log.Info("retention cleanup finished", zap.Int64("rows_deleted", deleted))
	return nil
}

// PacketCount reports the number of stored packet rows. Diagnostics.
func (s *Store) PacketCount() (int64, error) {
	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM packets`).Scan(&n); err != nil {
		return 0, s.fail("packet count", err)
	}
	return n, nil
}

// Close flushes and closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) fail(op string, err error) error {
	serr := &StorageError{Op: op, Err: err}
	if s.onError != nil {
		s.onError(serr)
	}
	return serr
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetNow overrides the clock. Test hook.
func (s *Store) SetNow(fn func() time.Time) {
	s.nowFn = fn
	s.cache.SetNow(fn)
}
