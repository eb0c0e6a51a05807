package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/lib/pq"

	"github.com/npezzotti/gochat-hub/internal/types"
)

const (
	createMessageQuery = "WITH ins AS (" +
		"INSERT INTO messages (correlation_id, room, sender_id, content, created_at) " +
		"VALUES ($1, $2, $3, $4, $5) ON CONFLICT (sender_id, correlation_id) DO NOTHING " +
		"RETURNING id, correlation_id, room, sender_id, content, created_at) " +
		"SELECT id, correlation_id, room, sender_id, content, created_at FROM ins " +
		"UNION ALL " +
		"SELECT id, correlation_id, room, sender_id, content, created_at FROM messages " +
		"WHERE sender_id = $3 AND correlation_id = $1 LIMIT 1"

	readersQuery = "SELECT account_id FROM message_reads WHERE message_id = $1 ORDER BY read_at, account_id"

	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	createdAt := params.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	row := db.conn.QueryRowContext(ctx, createMessageQuery,
		params.CorrelationId,
		params.Room,
		params.Sender,
		params.Content,
		createdAt,
	)

	var msg types.Message
	err := row.Scan(
		&msg.Id,
		&msg.CorrelationId,
		&msg.Room,
		&msg.Sender,
		&msg.Content,
		&msg.Timestamp,
	)
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	// a replayed correlation id returns the original row, which may already
	// have readers
	readBy, err := db.readers(ctx, db.conn, msg.Id)
	if err != nil {
		return types.Message{}, err
	}
	msg.ReadBy = readBy

	return msg, nil
}

func (db *PgChatRepository) MarkRead(ctx context.Context, messageID int64, userID, room string) (ReadResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return ReadResult{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var msgRoom string
	err = tx.QueryRowContext(ctx, "SELECT room FROM messages WHERE id = $1", messageID).Scan(&msgRoom)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && msgRoom != room) {
		err = ErrNotFound
		return ReadResult{}, err
	}
	if err != nil {
		return ReadResult{}, fmt.Errorf("get message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO message_reads (message_id, account_id, read_at) VALUES ($1, $2, $3) "+
			"ON CONFLICT (message_id, account_id) DO NOTHING",
		messageID,
		userID,
		time.Now().UTC(),
	)
	if err != nil {
		return ReadResult{}, fmt.Errorf("mark read: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ReadResult{}, err
	}

	readBy, err := db.readers(ctx, tx, messageID)
	if err != nil {
		return ReadResult{}, err
	}

	if err = tx.Commit(); err != nil {
		return ReadResult{}, err
	}

	return ReadResult{
		MessageId: messageID,
		Room:      msgRoom,
		ReadBy:    readBy,
		Changed:   affected > 0,
	}, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (db *PgChatRepository) readers(ctx context.Context, q querier, messageID int64) ([]string, error) {
	rows, err := q.QueryContext(ctx, readersQuery, messageID)
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	defer rows.Close()

	readBy := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		readBy = append(readBy, id)
	}

	return readBy, rows.Err()
}

// GetMessages returns up to limit messages in room with an id below
// before, newest first. A before of zero starts from the latest message.
func (db *PgChatRepository) GetMessages(ctx context.Context, room string, before int64, limit int) ([]types.Message, error) {
	var upper int64 = math.MaxInt64
	if before > 0 {
		upper = before
	}

	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT m.id, m.correlation_id, m.room, m.sender_id, m.content, m.created_at, "+
			"COALESCE(array_agg(r.account_id ORDER BY r.read_at, r.account_id) "+
			"FILTER (WHERE r.account_id IS NOT NULL), '{}') "+
			"FROM messages AS m LEFT JOIN message_reads AS r ON r.message_id = m.id "+
			"WHERE m.room = $1 AND m.id < $2 GROUP BY m.id ORDER BY m.id DESC LIMIT $3",
		room,
		upper,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	messages := make([]types.Message, 0, limit)
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(
			&msg.Id,
			&msg.CorrelationId,
			&msg.Room,
			&msg.Sender,
			&msg.Content,
			&msg.Timestamp,
			pq.Array(&msg.ReadBy),
		); err != nil {
			return nil, err
		}
		if msg.ReadBy == nil {
			msg.ReadBy = []string{}
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgChatRepository) GetFixedRooms(ctx context.Context, userID string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT room FROM room_entitlements WHERE account_id = $1 ORDER BY room",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := make([]string, 0)
	for rows.Next() {
		var room string
		if err := rows.Scan(&room); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}

	return rooms, rows.Err()
}

func (db *PgChatRepository) GetDefaultRoom(ctx context.Context, userID string) (string, bool, error) {
	var room sql.NullString
	err := db.conn.QueryRowContext(ctx,
		"SELECT default_room FROM accounts WHERE id = $1 LIMIT 1",
		userID,
	).Scan(&room)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return room.String, room.Valid && room.String != "", nil
}

// GrantRooms creates the account if needed and replaces its entitlements.
func (db *PgChatRepository) GrantRooms(ctx context.Context, userID string, rooms []string, defaultRoom string) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var def sql.NullString
	if defaultRoom != "" {
		def = sql.NullString{String: defaultRoom, Valid: true}
	}

	now := time.Now().UTC()
	if _, err = tx.ExecContext(ctx,
		"INSERT INTO accounts (id, default_room, created_at, updated_at) VALUES ($1, $2, $3, $3) "+
			"ON CONFLICT (id) DO UPDATE SET default_room = EXCLUDED.default_room, updated_at = EXCLUDED.updated_at",
		userID,
		def,
		now,
	); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}

	if _, err = tx.ExecContext(ctx, "DELETE FROM room_entitlements WHERE account_id = $1", userID); err != nil {
		return fmt.Errorf("clear entitlements: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		"INSERT INTO room_entitlements (account_id, room, created_at) "+
			"SELECT $1, unnest($2::text[]), $3 ON CONFLICT DO NOTHING",
		userID,
		pq.Array(rooms),
		now,
	); err != nil {
		return fmt.Errorf("grant rooms: %w", err)
	}

	return tx.Commit()
}
