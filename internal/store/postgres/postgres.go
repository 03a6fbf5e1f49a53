// Package postgres is the production C9 message store adapter, backed by
// PostgreSQL via pgx. Grounded on the pgxpool connection-lifecycle pattern
// from bobbydeveaux-starbucks-mugs/internal/server/storage/postgres.go
// (pool + context-bound Ping on New, idempotent Close).
//
// Schema (DDL is intentionally not prescribed beyond column shape — see
// spec.md §1 Non-goals):
//
//	router(uaid text primary key, node_id text, connected_at bigint,
//	       router_type text, router_data bytea, current_month text,
//	       version bigint)
//	channel(uaid text, channel_id text, primary key (uaid, channel_id))
//	message(uaid text, sort_key text, channel_id text, version text,
//	        ttl int, timestamp bigint, topic text, data text,
//	        sortkey_timestamp bigint, encoding text, encryption text,
//	        encryption_key text, crypto_key text,
//	        primary key (uaid, sort_key))
//	storage_cursor(uaid text primary key, timestamp bigint)
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mozilla-services/autopush-rs-sub001/internal/store"
)

// Store is the pgx-backed store.Store implementation.
type Store struct {
	pool            *pgxpool.Pool
	routerTable     string
	channelTable    string
	messageTable    string
	cursorTable     string
}

// Config names the tables the adapter reads and writes, matching spec.md
// §6's router_tablename / message_tablename settings.
type Config struct {
	DSN              string
	RouterTableName  string
	MessageTableName string
	MaxPoolSize      int32
}

// New opens a pgxpool connection and verifies connectivity with Ping,
// matching the teacher's New(ctx, connStr) convention.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxPoolSize > 0 {
		poolCfg.MaxConns = cfg.MaxPoolSize
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	routerTable := cfg.RouterTableName
	if routerTable == "" {
		routerTable = "router"
	}
	messageTable := cfg.MessageTableName
	if messageTable == "" {
		messageTable = "message"
	}

	return &Store{
		pool:         pool,
		routerTable:  routerTable,
		channelTable: "channel",
		messageTable: messageTable,
		cursorTable:  "storage_cursor",
	}, nil
}

// Close releases the pool. Safe to call once; it does not guard repeated
// calls the way the teacher's idempotent Close does, since pgxpool.Close
// itself is already safe to call more than once.
func (s *Store) Close() { s.pool.Close() }

func (s *Store) GetUser(ctx context.Context, uaid string) (*store.User, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT uaid, node_id, connected_at, router_type, router_data, current_month, version
		   FROM %s WHERE uaid = $1`, s.routerTable), uaid)

	var u store.User
	var nodeID, routerType, currentMonth *string
	var routerData []byte
	var version int64
	if err := row.Scan(&u.UAID, &nodeID, &u.ConnectedAt, &routerType, &routerData, &currentMonth, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get_user: %w", err)
	}
	if nodeID != nil {
		u.NodeID = *nodeID
	}
	if routerType != nil {
		u.RouterType = store.RouterType(*routerType)
	}
	if currentMonth != nil {
		u.CurrentMonth = *currentMonth
	}
	u.RouterData = routerData
	u.Version = fmt.Sprintf("%d", version)
	return &u, nil
}

func (s *Store) AddUser(ctx context.Context, u store.User) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (uaid, node_id, connected_at, router_type, router_data, current_month, version)
		 VALUES ($1, $2, $3, $4, $5, $6, 1)`, s.routerTable),
		u.UAID, nullable(u.NodeID), u.ConnectedAt, string(u.RouterType), u.RouterData, nullable(u.CurrentMonth))
	if err != nil {
		return fmt.Errorf("add_user: %w", err)
	}
	return nil
}

// UpdateUser performs an optimistic-concurrency update gated on the caller's
// observed Version (the router-table CAS token described in §3).
func (s *Store) UpdateUser(ctx context.Context, u store.User) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET node_id = $2, connected_at = $3, router_type = $4,
		               router_data = $5, current_month = $6, version = version + 1
		   WHERE uaid = $1 AND ($7 = '' OR version::text = $7)`, s.routerTable),
		u.UAID, nullable(u.NodeID), u.ConnectedAt, string(u.RouterType), u.RouterData, nullable(u.CurrentMonth), u.Version)
	if err != nil {
		return fmt.Errorf("update_user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update_user: version mismatch or unknown uaid %s", u.UAID)
	}
	return nil
}

func (s *Store) RemoveUser(ctx context.Context, uaid string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE uaid = $1`, s.routerTable), uaid)
	if err != nil {
		return fmt.Errorf("remove_user: %w", err)
	}
	return nil
}

func (s *Store) GetChannels(ctx context.Context, uaid string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT channel_id FROM %s WHERE uaid = $1`, s.channelTable), uaid)
	if err != nil {
		return nil, fmt.Errorf("get_channels: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var chid string
		if err := rows.Scan(&chid); err != nil {
			return nil, fmt.Errorf("get_channels scan: %w", err)
		}
		out[chid] = struct{}{}
	}
	return out, rows.Err()
}

func (s *Store) AddChannel(ctx context.Context, uaid, channelID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (uaid, channel_id) VALUES ($1, $2)
		 ON CONFLICT (uaid, channel_id) DO NOTHING`, s.channelTable), uaid, channelID)
	if err != nil {
		return fmt.Errorf("add_channel: %w", err)
	}
	return nil
}

func (s *Store) RemoveChannel(ctx context.Context, uaid, channelID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE uaid = $1 AND channel_id = $2`, s.channelTable), uaid, channelID)
	if err != nil {
		return false, fmt.Errorf("remove_channel: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveNodeID is the I2 CAS clear, pushed down into the WHERE clause so the
// compare-and-swap is atomic at the database.
func (s *Store) RemoveNodeID(ctx context.Context, uaid, nodeID string, connectedAt uint64) (bool, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET node_id = NULL, version = version + 1
		   WHERE uaid = $1 AND node_id = $2 AND connected_at = $3`, s.routerTable),
		uaid, nodeID, connectedAt)
	if err != nil {
		return false, fmt.Errorf("remove_node_id: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SaveMessage upserts on (uaid, sort_key) so topic messages overwrite
// in-place, implementing the I4/P3 coalescing contract at the database.
func (s *Store) SaveMessage(ctx context.Context, uaid string, n store.Notification) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (uaid, sort_key, channel_id, version, ttl, timestamp, topic, data,
		                  sortkey_timestamp, encoding, encryption, encryption_key, crypto_key)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (uaid, sort_key) DO UPDATE SET
		   channel_id = EXCLUDED.channel_id, version = EXCLUDED.version,
		   ttl = EXCLUDED.ttl, timestamp = EXCLUDED.timestamp,
		   topic = EXCLUDED.topic, data = EXCLUDED.data,
		   sortkey_timestamp = EXCLUDED.sortkey_timestamp,
		   encoding = EXCLUDED.encoding, encryption = EXCLUDED.encryption,
		   encryption_key = EXCLUDED.encryption_key, crypto_key = EXCLUDED.crypto_key`,
		s.messageTable),
		uaid, n.SortKey(), n.ChannelID, n.Version, n.TTL, n.Timestamp, nullable(n.Topic), nullable(n.Data),
		n.SortKeyTimestamp, nullable(n.Encoding), nullable(n.Encryption), nullable(n.EncryptionKey), nullable(n.CryptoKey))
	if err != nil {
		return fmt.Errorf("save_message: %w", err)
	}
	return nil
}

func (s *Store) RemoveMessage(ctx context.Context, uaid, sortKey string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE uaid = $1 AND sort_key = $2`, s.messageTable), uaid, sortKey)
	if err != nil {
		return fmt.Errorf("remove_message: %w", err)
	}
	return nil
}

// FetchTopicMessages returns only messages still within their TTL window
// (I3/P4): the ttl > 0 AND timestamp + ttl > now clause mirrors
// store.Notification.Eligible at the database instead of trusting callers
// to filter a fetched, already-expired row.
func (s *Store) FetchTopicMessages(ctx context.Context, uaid string, limit int) (store.FetchResult, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT channel_id, version, ttl, timestamp, topic, data, encoding, encryption, encryption_key, crypto_key
		   FROM %s WHERE uaid = $1 AND sort_key LIKE '01:%%' AND ttl > 0 AND timestamp + ttl > $2
		   ORDER BY channel_id LIMIT $3`, s.messageTable),
		uaid, time.Now().Unix(), limitOrAll(limit))
	if err != nil {
		return store.FetchResult{}, fmt.Errorf("fetch_topic_messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// FetchTimestampMessages applies the same I3/P4 TTL-eligibility clause as
// FetchTopicMessages.
func (s *Store) FetchTimestampMessages(ctx context.Context, uaid string, since int64, limit int) (store.FetchResult, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT channel_id, version, ttl, timestamp, topic, data, encoding, encryption, encryption_key, crypto_key,
		        sortkey_timestamp
		   FROM %s WHERE uaid = $1 AND sort_key LIKE '02:%%' AND sortkey_timestamp > $2
		     AND ttl > 0 AND timestamp + ttl > $3
		   ORDER BY sortkey_timestamp ASC LIMIT $4`, s.messageTable),
		uaid, since, time.Now().Unix(), limitOrAll(limit))
	if err != nil {
		return store.FetchResult{}, fmt.Errorf("fetch_timestamp_messages: %w", err)
	}
	defer rows.Close()

	var out []store.Notification
	var maxTS int64
	for rows.Next() {
		var n store.Notification
		var topic, data, encoding, encryption, encKey, cryptoKey *string
		if err := rows.Scan(&n.ChannelID, &n.Version, &n.TTL, &n.Timestamp, &topic, &data,
			&encoding, &encryption, &encKey, &cryptoKey, &n.SortKeyTimestamp); err != nil {
			return store.FetchResult{}, fmt.Errorf("fetch_timestamp_messages scan: %w", err)
		}
		assignOptionals(&n, topic, data, encoding, encryption, encKey, cryptoKey)
		out = append(out, n)
		if n.SortKeyTimestamp > maxTS {
			maxTS = n.SortKeyTimestamp
		}
	}
	return store.FetchResult{Messages: out, Timestamp: maxTS}, rows.Err()
}

func (s *Store) IncrementStorage(ctx context.Context, uaid string, timestamp int64) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (uaid, timestamp) VALUES ($1, $2)
		 ON CONFLICT (uaid) DO UPDATE SET timestamp = GREATEST(%s.timestamp, EXCLUDED.timestamp)`,
		s.cursorTable, s.cursorTable), uaid, timestamp)
	if err != nil {
		return fmt.Errorf("increment_storage: %w", err)
	}
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanMessages(rows pgx.Rows) (store.FetchResult, error) {
	var out []store.Notification
	for rows.Next() {
		var n store.Notification
		var topic, data, encoding, encryption, encKey, cryptoKey *string
		if err := rows.Scan(&n.ChannelID, &n.Version, &n.TTL, &n.Timestamp, &topic, &data,
			&encoding, &encryption, &encKey, &cryptoKey); err != nil {
			return store.FetchResult{}, fmt.Errorf("scan message: %w", err)
		}
		assignOptionals(&n, topic, data, encoding, encryption, encKey, cryptoKey)
		out = append(out, n)
	}
	return store.FetchResult{Messages: out}, rows.Err()
}

func assignOptionals(n *store.Notification, topic, data, encoding, encryption, encKey, cryptoKey *string) {
	if topic != nil {
		n.Topic = *topic
	}
	if data != nil {
		n.Data = *data
	}
	if encoding != nil {
		n.Encoding = *encoding
	}
	if encryption != nil {
		n.Encryption = *encryption
	}
	if encKey != nil {
		n.EncryptionKey = *encKey
	}
	if cryptoKey != nil {
		n.CryptoKey = *cryptoKey
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return 1 << 30
	}
	return limit
}
