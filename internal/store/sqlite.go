package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tradex-dashboard/internal/market"
)

type Store struct {
	db  *sql.DB
	loc *time.Location
}

type SnapshotRecord struct {
	ID           string `json:"id"`
	TS           int64  `json:"ts"`
	Source       string `json:"source"`
	VsCurrency   string `json:"vs_currency"`
	RequestCount int    `json:"request_count"`
	RowCount     int    `json:"row_count"`
	CreatedAt    string `json:"created_at"`
}

// AssetHistoryRecord is one asset row together with when it was fetched.
type AssetHistoryRecord struct {
	SnapshotID string `json:"snapshot_id"`
	TS         int64  `json:"ts"`
	Rank       int    `json:"rank"`
	VsCurrency string `json:"vs_currency"`
	market.AssetSnapshot
}

type EventRecord struct {
	ID           int64  `json:"id"`
	TS           int64  `json:"ts"`
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	GroupName    string `json:"group"`
	Title        string `json:"title"`
	DedupKey     string `json:"dedup_key"`
	MergeKey     string `json:"merge_key"`
	EvidenceJSON string `json:"evidence_json"`
	CreatedAt    string `json:"created_at"`
}

type AlertRecord struct {
	TS          int64  `json:"ts"`
	Priority    string `json:"priority"`
	GroupName   string `json:"group"`
	Title       string `json:"title"`
	DedupKey    string `json:"dedup_key"`
	MergeKey    string `json:"merge_key"`
	Status      string `json:"status"`
	Channel     string `json:"channel"`
	PushErrCode int    `json:"push_errcode"`
	PushErrMsg  string `json:"push_errmsg"`
	PayloadMD   string `json:"payload_md"`
	CreatedAt   string `json:"created_at"`
}

type BriefRecord struct {
	SnapshotID  string `json:"snapshot_id"`
	Mode        string `json:"mode"`
	ContentJSON string `json:"content_json"`
	CreatedAt   string `json:"created_at"`
}

// Open creates the database file and schema if needed. loc decides the day
// boundaries of date queries; nil means UTC.
func Open(path string, loc *time.Location) (*Store, error) {
	if path == "" {
		path = "data/tradex.db"
	}
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	st := &Store{db: db, loc: loc}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS snapshot (
			id TEXT PRIMARY KEY,
			ts INTEGER NOT NULL,
			source TEXT,
			vs_currency TEXT,
			request_count INTEGER,
			row_count INTEGER,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshot_ts ON snapshot(ts);`,
		`CREATE TABLE IF NOT EXISTS asset_snapshot (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			snapshot_id TEXT NOT NULL REFERENCES snapshot(id),
			ts INTEGER NOT NULL,
			asset_rank INTEGER NOT NULL,
			asset_id TEXT,
			symbol TEXT,
			name TEXT,
			price TEXT,
			market_cap TEXT,
			volume TEXT,
			chg24 TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_asset_snapshot_snapshot ON asset_snapshot(snapshot_id);`,
		`CREATE INDEX IF NOT EXISTS idx_asset_snapshot_asset ON asset_snapshot(asset_id, ts);`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			type TEXT,
			severity TEXT,
			group_name TEXT,
			title TEXT,
			dedup_key TEXT,
			merge_key TEXT,
			evidence_json TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			priority TEXT,
			group_name TEXT,
			title TEXT,
			dedup_key TEXT,
			merge_key TEXT,
			status TEXT,
			channel TEXT,
			push_errcode INTEGER,
			push_errmsg TEXT,
			payload_md TEXT,
			created_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);`,
		`CREATE TABLE IF NOT EXISTS brief (
			snapshot_id TEXT PRIMARY KEY,
			mode TEXT,
			content_json TEXT,
			created_at TEXT
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// SaveSnapshot writes the header row and one row per asset in rank order.
func (s *Store) SaveSnapshot(snap market.Snapshot) error {
	if s == nil || s.db == nil {
		return nil
	}
	if snap.ID == "" {
		return fmt.Errorf("snapshot id is empty")
	}
	ts := snap.FetchedAt.Unix()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO snapshot (id, ts, source, vs_currency, request_count, row_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, ts, snap.Source, snap.Params.BaseCurrency, snap.Params.Count, len(snap.Assets), time.Now().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO asset_snapshot (snapshot_id, ts, asset_rank, asset_id, symbol, name, price, market_cap, volume, chg24)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare asset insert: %w", err)
	}
	defer stmt.Close()
	for i, a := range snap.Assets {
		if _, err := stmt.Exec(snap.ID, ts, i+1, a.ID, a.Symbol, a.Name, a.Price, a.MarketCap, a.Volume, a.Chg24); err != nil {
			return fmt.Errorf("insert asset %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func (s *Store) ListSnapshots(limit int, offset int) ([]SnapshotRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = clampPage(limit, offset)
	rows, err := s.db.Query(
		`SELECT id, ts, source, vs_currency, request_count, row_count, created_at
		FROM snapshot ORDER BY ts DESC, created_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := make([]SnapshotRecord, 0)
	for rows.Next() {
		var r SnapshotRecord
		if err := rows.Scan(&r.ID, &r.TS, &r.Source, &r.VsCurrency, &r.RequestCount, &r.RowCount, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows snapshot: %w", err)
	}
	return out, nil
}

// GetSnapshot loads a stored snapshot with its assets in rank order. A
// missing id returns an error wrapping sql.ErrNoRows.
func (s *Store) GetSnapshot(id string) (*SnapshotRecord, []market.AssetSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil, fmt.Errorf("store not initialized")
	}
	var r SnapshotRecord
	row := s.db.QueryRow(
		`SELECT id, ts, source, vs_currency, request_count, row_count, created_at FROM snapshot WHERE id = ?`, id,
	)
	if err := row.Scan(&r.ID, &r.TS, &r.Source, &r.VsCurrency, &r.RequestCount, &r.RowCount, &r.CreatedAt); err != nil {
		return nil, nil, fmt.Errorf("get snapshot: %w", err)
	}

	rows, err := s.db.Query(
		`SELECT asset_id, symbol, name, price, market_cap, volume, chg24
		FROM asset_snapshot WHERE snapshot_id = ? ORDER BY asset_rank ASC`, id,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query snapshot assets: %w", err)
	}
	defer rows.Close()
	assets := make([]market.AssetSnapshot, 0)
	for rows.Next() {
		var a market.AssetSnapshot
		if err := rows.Scan(&a.ID, &a.Symbol, &a.Name, &a.Price, &a.MarketCap, &a.Volume, &a.Chg24); err != nil {
			return nil, nil, fmt.Errorf("scan snapshot asset: %w", err)
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("rows snapshot asset: %w", err)
	}
	return &r, assets, nil
}

// QueryAssetHistory returns stored rows for one asset, newest first. An
// empty vsCurrency returns rows for every base currency.
func (s *Store) QueryAssetHistory(assetID string, vsCurrency string, limit int, offset int) ([]AssetHistoryRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = clampPage(limit, offset)
	q := `SELECT a.snapshot_id, a.ts, a.asset_rank, COALESCE(s.vs_currency, ''), a.asset_id, a.symbol, a.name,
		a.price, a.market_cap, a.volume, a.chg24
		FROM asset_snapshot a JOIN snapshot s ON s.id = a.snapshot_id
		WHERE a.asset_id = ?`
	args := []any{assetID}
	if vsCurrency != "" {
		q += " AND s.vs_currency = ?"
		args = append(args, strings.ToLower(vsCurrency))
	}
	q += " ORDER BY a.ts DESC, a.id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query asset history: %w", err)
	}
	defer rows.Close()
	out := make([]AssetHistoryRecord, 0)
	for rows.Next() {
		var r AssetHistoryRecord
		if err := rows.Scan(&r.SnapshotID, &r.TS, &r.Rank, &r.VsCurrency, &r.ID, &r.Symbol, &r.Name, &r.Price, &r.MarketCap, &r.Volume, &r.Chg24); err != nil {
			return nil, fmt.Errorf("scan asset history: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows asset history: %w", err)
	}
	return out, nil
}

func (s *Store) InsertEventReturnID(e EventRecord) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().Format(time.RFC3339)
	}
	res, err := s.db.Exec(
		`INSERT INTO events (ts, type, severity, group_name, title, dedup_key, merge_key, evidence_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TS, e.Type, e.Severity, e.GroupName, e.Title, e.DedupKey, e.MergeKey, e.EvidenceJSON, e.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (s *Store) QueryEventsByDate(date string, eventType string, limit int, offset int) ([]EventRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	start, end, err := s.dateRange(date)
	if err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	query := `SELECT id, ts, type, severity, group_name, title, dedup_key, merge_key, evidence_json, created_at
		FROM events WHERE ts >= ? AND ts < ?`
	args := []any{start, end}
	if eventType != "" {
		query += " AND type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]EventRecord, 0)
	for rows.Next() {
		var e EventRecord
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Severity, &e.GroupName, &e.Title, &e.DedupKey, &e.MergeKey, &e.EvidenceJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows event: %w", err)
	}
	return out, nil
}

func (s *Store) InsertAlert(a AlertRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if a.CreatedAt == "" {
		a.CreatedAt = time.Now().Format(time.RFC3339)
	}
	_, err := s.db.Exec(
		`INSERT INTO alerts (ts, priority, group_name, title, dedup_key, merge_key, status, channel, push_errcode, push_errmsg, payload_md, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TS, a.Priority, a.GroupName, a.Title, a.DedupKey, a.MergeKey, a.Status, a.Channel, a.PushErrCode, a.PushErrMsg, a.PayloadMD, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

func (s *Store) QueryAlertsByDate(date string, status string, limit int, offset int) ([]AlertRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	start, end, err := s.dateRange(date)
	if err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)
	query := `SELECT ts, priority, group_name, title, dedup_key, merge_key, status, channel, push_errcode, push_errmsg, payload_md, created_at
		FROM alerts WHERE ts >= ? AND ts < ?`
	args := []any{start, end}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY ts DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := make([]AlertRecord, 0)
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.TS, &a.Priority, &a.GroupName, &a.Title, &a.DedupKey, &a.MergeKey, &a.Status, &a.Channel, &a.PushErrCode, &a.PushErrMsg, &a.PayloadMD, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows alert: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertBrief(rec BriefRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	if rec.CreatedAt == "" {
		rec.CreatedAt = time.Now().Format(time.RFC3339)
	}
	_, err := s.db.Exec(
		`INSERT INTO brief (snapshot_id, mode, content_json, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(snapshot_id) DO UPDATE SET mode=excluded.mode, content_json=excluded.content_json, created_at=excluded.created_at`,
		rec.SnapshotID, rec.Mode, rec.ContentJSON, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert brief: %w", err)
	}
	return nil
}

func (s *Store) GetBrief(snapshotID string) (*BriefRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	row := s.db.QueryRow(`SELECT snapshot_id, mode, content_json, created_at FROM brief WHERE snapshot_id = ?`, snapshotID)
	var rec BriefRecord
	if err := row.Scan(&rec.SnapshotID, &rec.Mode, &rec.ContentJSON, &rec.CreatedAt); err != nil {
		return nil, fmt.Errorf("get brief: %w", err)
	}
	return &rec, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (s *Store) dateRange(date string) (int64, int64, error) {
	t, err := time.ParseInLocation("2006-01-02", date, s.loc)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid date: %q", date)
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
	end := start.AddDate(0, 0, 1)
	return start.Unix(), end.Unix(), nil
}
