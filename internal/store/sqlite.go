package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/xiy/companion/internal/embeddings"
	"github.com/xiy/companion/internal/vector"
	"github.com/xiy/companion/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed width so that text ordering in SQLite matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Neighbor is a record returned by a nearest-neighbor query.
type Neighbor struct {
	Record     types.MemoryRecord
	Similarity float64
}

// Stats summarizes database counters for admin dashboards.
type Stats struct {
	Total      int64
	Embedded   int64
	ByCategory map[types.Category]int64
	Triggers   int64
	Statuses   int64
}

// MCPRequestLog captures one incoming MCP request handled by the server.
type MCPRequestLog struct {
	ID         int64
	Method     string
	ToolName   string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// VectorIndex is the nearest-neighbor capability backing NearestNeighbors.
type VectorIndex interface {
	Add(ctx context.Context, id, category string, embedding []float32) error
	Query(ctx context.Context, embedding []float32, threshold float64, limit int) ([]vector.Match, error)
}

// MemoryStore is the durable record of memory entries. It has no ranking logic.
type MemoryStore interface {
	InsertMemory(ctx context.Context, rec types.MemoryRecord) (types.MemoryRecord, error)
	GetMemory(ctx context.Context, id string) (types.MemoryRecord, error)
	ListByCategory(ctx context.Context, category types.Category, limit int) ([]types.MemoryRecord, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]types.MemoryRecord, error)
	ListImportant(ctx context.Context, minImportance float64, limit int) ([]types.MemoryRecord, error)
	NearestNeighbors(ctx context.Context, embedding []float32, threshold float64, limit int) ([]Neighbor, error)
	RecordAccess(ctx context.Context, id string, at time.Time) error
	UpdateImportance(ctx context.Context, id string, value float64) error
}

// Option customizes OpenSQLite.
type Option func(*SQLiteStore)

// WithVectorIndex serves NearestNeighbors from idx instead of a full scan.
func WithVectorIndex(idx VectorIndex) Option {
	return func(s *SQLiteStore) {
		s.index = idx
	}
}

// WithDimensions makes InsertMemory reject embeddings whose length is not n.
func WithDimensions(n int) Option {
	return func(s *SQLiteStore) {
		s.dims = n
	}
}

// WithClock overrides the time source used for stats and defaults.
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStore) {
		s.now = now
	}
}

// SQLiteStore is a SQLite-backed store for memories, trigger history and statuses.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
	index  VectorIndex
	dims   int
	now    func() time.Time
}

// OpenSQLite opens and initializes the SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.index != nil {
		if err := s.rebuildIndex(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

func (s *SQLiteStore) rebuildIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, category, embedding FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	n, skipped := 0, 0
	for rows.Next() {
		var id, category string
		var blob []byte
		if err := rows.Scan(&id, &category, &blob); err != nil {
			return fmt.Errorf("scan embedding: %w", err)
		}
		emb := decodeEmbedding(blob)
		if err := types.ValidateEmbedding(emb, s.dims); err != nil {
			skipped++
			continue
		}
		if err := s.index.Add(ctx, id, category, emb); err != nil {
			if errors.Is(err, vector.ErrDimensionMismatch) {
				skipped++
				continue
			}
			return fmt.Errorf("index memory %s: %w", id, err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if skipped > 0 {
		s.logger.Warn("vectors of another dimension left out of the index", "skipped", skipped, "dimensions", s.dims)
	}
	s.logger.Debug("vector index rebuilt", "vectors", n)
	return nil
}

// InsertMemory appends rec under a freshly assigned id.
func (s *SQLiteStore) InsertMemory(ctx context.Context, rec types.MemoryRecord) (types.MemoryRecord, error) {
	if strings.TrimSpace(rec.Content) == "" {
		return rec, fmt.Errorf("%w: content must not be empty", types.ErrInvalidInput)
	}
	if !rec.Category.Valid() {
		return rec, fmt.Errorf("%w: unknown category %q", types.ErrInvalidInput, rec.Category)
	}
	if err := types.ValidateImportance(rec.Importance); err != nil {
		return rec, err
	}
	if err := types.ValidateEmbedding(rec.Embedding, s.dims); err != nil {
		return rec, err
	}

	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = rec.CreatedAt
	}
	rec.LastAccessedAt = rec.LastAccessedAt.UTC()
	rec.AccessCount = 0

	tags, err := json.Marshal(nonNil(rec.EmotionTags))
	if err != nil {
		return rec, fmt.Errorf("marshal emotion tags: %w", err)
	}
	refs, err := json.Marshal(nonNil(rec.EntityRefs))
	if err != nil {
		return rec, fmt.Errorf("marshal entity refs: %w", err)
	}

	const q = `INSERT INTO memories (
		id, content, category, importance, embedding, emotion_tags_json, entity_refs_json,
		source_session_id, created_at, last_accessed_at, access_count
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`
	_, err = s.db.ExecContext(ctx, q,
		rec.ID,
		rec.Content,
		string(rec.Category),
		rec.Importance,
		encodeEmbedding(rec.Embedding),
		string(tags),
		string(refs),
		rec.SourceSessionID,
		formatTime(rec.CreatedAt),
		formatTime(rec.LastAccessedAt),
	)
	if err != nil {
		return rec, fmt.Errorf("%w: insert memory: %v", types.ErrUpstreamUnavailable, err)
	}

	if s.index != nil && rec.HasEmbedding() {
		if err := s.index.Add(ctx, rec.ID, string(rec.Category), rec.Embedding); err != nil {
			s.logger.Warn("vector index add failed; record is served by scans only", "id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

const memoryColumns = `id, content, category, importance, embedding, emotion_tags_json, entity_refs_json,
       source_session_id, created_at, last_accessed_at, access_count`

// GetMemory returns the record with id or ErrNotFound.
func (s *SQLiteStore) GetMemory(ctx context.Context, id string) (types.MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ? LIMIT 1`, id)
	rec, err := scanMemoryRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, fmt.Errorf("%w: memory %s", types.ErrNotFound, id)
		}
		return rec, fmt.Errorf("%w: get memory: %v", types.ErrUpstreamUnavailable, err)
	}
	return rec, nil
}

// ListByCategory returns the newest records of one category.
func (s *SQLiteStore) ListByCategory(ctx context.Context, category types.Category, limit int) ([]types.MemoryRecord, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", types.ErrInvalidInput, category)
	}
	return s.queryMemories(ctx, `SELECT `+memoryColumns+` FROM memories
WHERE category = ?
ORDER BY created_at DESC, id ASC
LIMIT ?`, string(category), normalizeLimit(limit))
}

// ListRecent returns records created at or after since, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, since time.Time, limit int) ([]types.MemoryRecord, error) {
	return s.queryMemories(ctx, `SELECT `+memoryColumns+` FROM memories
WHERE created_at >= ?
ORDER BY created_at DESC, id ASC
LIMIT ?`, formatTime(since), normalizeLimit(limit))
}

// ListImportant returns records with importance >= minImportance, most important first.
func (s *SQLiteStore) ListImportant(ctx context.Context, minImportance float64, limit int) ([]types.MemoryRecord, error) {
	return s.queryMemories(ctx, `SELECT `+memoryColumns+` FROM memories
WHERE importance >= ?
ORDER BY importance DESC, created_at DESC, id ASC
LIMIT ?`, minImportance, normalizeLimit(limit))
}

// NearestNeighbors returns records with cosine similarity >= threshold,
// most similar first. Records without an embedding never match.
func (s *SQLiteStore) NearestNeighbors(ctx context.Context, embedding []float32, threshold float64, limit int) ([]Neighbor, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	limit = normalizeLimit(limit)
	if s.index == nil {
		return s.scanNeighbors(ctx, embedding, threshold, limit)
	}

	matches, err := s.index.Query(ctx, embedding, threshold, limit)
	if err != nil {
		// Mismatched vectors score 0 in a scan, so the rest still rank.
		s.logger.Warn("vector index query failed; scanning instead", "dimensions", len(embedding), "error", err)
		return s.scanNeighbors(ctx, embedding, threshold, limit)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]any, 0, len(matches))
	placeholders := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
		placeholders = append(placeholders, "?")
	}
	recs, err := s.queryMemories(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id IN (`+strings.Join(placeholders, ",")+`)`, ids...)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.MemoryRecord, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	out := make([]Neighbor, 0, len(matches))
	for _, m := range matches {
		rec, ok := byID[m.ID]
		if !ok {
			continue
		}
		out = append(out, Neighbor{Record: rec, Similarity: m.Similarity})
	}
	return out, nil
}

func (s *SQLiteStore) scanNeighbors(ctx context.Context, embedding []float32, threshold float64, limit int) ([]Neighbor, error) {
	recs, err := s.queryMemories(ctx, `SELECT `+memoryColumns+` FROM memories WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	out := make([]Neighbor, 0, len(recs))
	for _, r := range recs {
		sim := embeddings.Cosine(embedding, r.Embedding)
		if sim < threshold {
			continue
		}
		out = append(out, Neighbor{Record: r, Similarity: sim})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordAccess bumps access_count by one and moves last_accessed_at forward
// to at. Both happen in one statement, so concurrent calls never lose an
// increment and the later timestamp wins.
func (s *SQLiteStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE memories
SET access_count = access_count + 1, last_accessed_at = max(last_accessed_at, ?)
WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("%w: record access: %v", types.ErrUpstreamUnavailable, err)
	}
	return expectOneRow(res, "memory", id)
}

// UpdateImportance explicitly revises a record's importance.
func (s *SQLiteStore) UpdateImportance(ctx context.Context, id string, value float64) error {
	if err := types.ValidateImportance(value); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET importance = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("%w: update importance: %v", types.ErrUpstreamUnavailable, err)
	}
	return expectOneRow(res, "memory", id)
}

// Stats returns counters for the admin dashboard.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{ByCategory: map[types.Category]int64{}}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memories`).Scan(&st.Total); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM memories WHERE embedding IS NOT NULL`).Scan(&st.Embedded); err != nil {
		return st, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT category, count(*) FROM memories GROUP BY category`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			return st, err
		}
		st.ByCategory[types.Category(cat)] = n
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM trigger_history`).Scan(&st.Triggers); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM user_status`).Scan(&st.Statuses); err != nil {
		return st, err
	}
	return st, nil
}

// InsertMCPRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertMCPRequestLog(ctx context.Context, rec MCPRequestLog) error {
	ts := rec.CreatedAt.UTC()
	if ts.IsZero() {
		ts = s.now().UTC()
	}
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO request_log (
		method, tool_name, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		success,
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// RecentMCPRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteStore) RecentMCPRequestLogs(ctx context.Context, limit int) ([]MCPRequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, tool_name, success, error_text, duration_ms, created_at
FROM request_log
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close()

	items := make([]MCPRequestLog, 0, limit)
	for rows.Next() {
		var (
			row            MCPRequestLog
			successAsInt   int
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Method,
			&row.ToolName,
			&successAsInt,
			&row.ErrorText,
			&row.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		row.Success = successAsInt == 1
		if ts, err := parseTime(createdAtValue); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) queryMemories(ctx context.Context, q string, args ...any) ([]types.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query memories: %v", types.ErrUpstreamUnavailable, err)
	}
	defer rows.Close()

	var out []types.MemoryRecord
	for rows.Next() {
		rec, err := scanMemoryRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMemoryRow(sc scanner) (types.MemoryRecord, error) {
	var rec types.MemoryRecord
	var category, tagsJSON, refsJSON, createdAt, lastAccessedAt string
	var blob []byte
	err := sc.Scan(
		&rec.ID,
		&rec.Content,
		&category,
		&rec.Importance,
		&blob,
		&tagsJSON,
		&refsJSON,
		&rec.SourceSessionID,
		&createdAt,
		&lastAccessedAt,
		&rec.AccessCount,
	)
	if err != nil {
		return rec, err
	}
	rec.Category = types.Category(category)
	rec.Embedding = decodeEmbedding(blob)
	if err := json.Unmarshal([]byte(tagsJSON), &rec.EmotionTags); err != nil {
		rec.EmotionTags = nil
	}
	if err := json.Unmarshal([]byte(refsJSON), &rec.EntityRefs); err != nil {
		rec.EntityRefs = nil
	}

	created, err := parseTime(createdAt)
	if err != nil {
		return rec, err
	}
	last, err := parseTime(lastAccessedAt)
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = created
	rec.LastAccessedAt = last
	return rec, nil
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected: %v", types.ErrUpstreamUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", types.ErrNotFound, kind, id)
	}
	return nil
}

func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeEmbedding(blob []byte) []float32 {
	if len(blob) < 4 {
		return nil
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	return limit
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
