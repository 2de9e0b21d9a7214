package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrNotActive    = errors.New("request is not active")
	ErrSelfMatch    = errors.New("request owner cannot match own request")
	ErrAlreadyEnded = errors.New("session already ended by this participant")
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting into one database per pooled connection.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA busy_timeout = 5000;

    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY,
        username TEXT NOT NULL,
        avatar TEXT NOT NULL DEFAULT '',
        trust_score INTEGER DEFAULT 100,
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS requests (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        kind TEXT NOT NULL CHECK (kind IN ('wake', 'topic')),
        topic TEXT NOT NULL,
        scheduled_time DATETIME,
        status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'matched', 'completed', 'expired')),
        created_at DATETIME NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE INDEX IF NOT EXISTS idx_requests_status ON requests (status, created_at);

    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- conv_<millis>_<random>
        request_id TEXT NOT NULL UNIQUE,
        user1_id TEXT NOT NULL,
        user2_id TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'ended')),
        created_at DATETIME NOT NULL,
        ended_at DATETIME,
        FOREIGN KEY (request_id) REFERENCES requests (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        conversation_id TEXT NOT NULL,
        sender_id TEXT NOT NULL,
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (conversation_id) REFERENCES conversations (id)
    );

    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, id);

    CREATE TABLE IF NOT EXISTS session_endings (
        conversation_id TEXT NOT NULL,
        user_id TEXT NOT NULL,
        rating INTEGER,
        summary TEXT NOT NULL DEFAULT '',
        ended_at DATETIME NOT NULL,
        PRIMARY KEY (conversation_id, user_id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

// UpsertUser creates the user or refreshes its profile fields. The trust score is never touched here.
func (s *SQLiteStore) UpsertUser(ctx context.Context, id, username, avatar string) (*User, error) {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO users (id, username, avatar, trust_score, created_at) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET username = excluded.username, avatar = excluded.avatar`,
		id, username, avatar, DefaultTrustScore, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	user, err := s.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("failed to read back user %s: %w", id, ErrNotFound)
	}
	return user, nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	var score sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT id, username, avatar, trust_score, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.Username, &user.Avatar, &score, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	user.TrustScore = DefaultTrustScore
	if score.Valid {
		user.TrustScore = int(score.Int64)
	}
	return &user, nil
}

// AdjustTrustScore adds delta to the user's score in a single statement, so concurrent
// adjustments never lose updates.
func (s *SQLiteStore) AdjustTrustScore(ctx context.Context, userID string, delta int) (int, error) {
	return adjustTrustScore(ctx, s.db, userID, delta)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func adjustTrustScore(ctx context.Context, q queryer, userID string, delta int) (int, error) {
	var score int
	err := q.QueryRowContext(ctx,
		"UPDATE users SET trust_score = COALESCE(trust_score, ?) + ? WHERE id = ? RETURNING trust_score",
		DefaultTrustScore, delta, userID).Scan(&score)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("user %s: %w", userID, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to adjust trust score: %w", err)
	}
	return score, nil
}

// Request methods

func (s *SQLiteStore) CreateRequest(ctx context.Context, req *Request) error {
	req.Status = StatusActive
	req.CreatedAt = time.Now().UTC()

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO requests (id, user_id, kind, topic, scheduled_time, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare request insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, req.ID, req.OwnerID, string(req.Kind), req.Topic, req.ScheduledTime, string(req.Status), req.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute request insert: %w", err)
	}
	return nil
}

const requestColumns = "r.id, r.user_id, r.kind, r.topic, r.scheduled_time, r.status, r.created_at, COALESCE(u.username, ''), COALESCE(u.avatar, '')"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	var kind, status string
	var scheduled sql.NullTime
	if err := row.Scan(&req.ID, &req.OwnerID, &kind, &req.Topic, &scheduled, &status, &req.CreatedAt, &req.Username, &req.Avatar); err != nil {
		return nil, err
	}
	req.Kind = RequestKind(kind)
	req.Status = RequestStatus(status)
	if scheduled.Valid {
		t := scheduled.Time
		req.ScheduledTime = &t
	}
	return &req, nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM requests r LEFT JOIN users u ON u.id = r.user_id WHERE r.id = ?", id)
	req, err := scanRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return req, nil
}

// ListActiveRequests returns the feed: active requests, newest first, with owner profile joined in.
func (s *SQLiteStore) ListActiveRequests(ctx context.Context) ([]Request, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+requestColumns+` FROM requests r LEFT JOIN users u ON u.id = r.user_id
        WHERE r.status = ? ORDER BY r.created_at DESC, r.rowid DESC`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer rows.Close()

	requests := []Request{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		requests = append(requests, *req)
	}
	return requests, rows.Err()
}

// MatchRequest performs the match transaction: the request moves active->matched through a
// conditional update and its conversation is inserted in the same transaction. Either both
// happen or neither does.
func (s *SQLiteStore) MatchRequest(ctx context.Context, requestID, matcherID, conversationID string) (*Request, *Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin match transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+requestColumns+" FROM requests r LEFT JOIN users u ON u.id = r.user_id WHERE r.id = ?", requestID)
	req, err := scanRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, fmt.Errorf("request %s: %w", requestID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to read request: %w", err)
	}
	if req.OwnerID == matcherID {
		return nil, nil, ErrSelfMatch
	}
	if req.Status != StatusActive {
		return nil, nil, ErrNotActive
	}

	res, err := tx.ExecContext(ctx, "UPDATE requests SET status = ? WHERE id = ? AND status = ?",
		string(StatusMatched), requestID, string(StatusActive))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to update request status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return nil, nil, ErrNotActive
	}

	conv := &Conversation{
		ID:        conversationID,
		RequestID: requestID,
		User1ID:   req.OwnerID,
		User2ID:   matcherID,
		Status:    ConversationActive,
		CreatedAt: time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, "INSERT INTO conversations (id, request_id, user1_id, user2_id, status, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		conv.ID, conv.RequestID, conv.User1ID, conv.User2ID, string(conv.Status), conv.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit match: %w", err)
	}
	req.Status = StatusMatched
	return req, conv, nil
}

// Conversation methods

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var status string
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, "SELECT id, request_id, user1_id, user2_id, status, created_at, ended_at FROM conversations WHERE id = ?", id).
		Scan(&conv.ID, &conv.RequestID, &conv.User1ID, &conv.User2ID, &status, &conv.CreatedAt, &endedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	conv.Status = ConversationStatus(status)
	if endedAt.Valid {
		t := endedAt.Time
		conv.EndedAt = &t
	}
	return &conv, nil
}

// EndConversation records that userID ended the session, closes the conversation and, when a
// rating is given, applies it to rateeID's trust score, all in one transaction. It returns the
// ratee's new score when a rating was applied.
func (s *SQLiteStore) EndConversation(ctx context.Context, conversationID, userID, rateeID string, rating *int) (*int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin end transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `INSERT INTO session_endings (conversation_id, user_id, rating, ended_at) VALUES (?, ?, ?, ?)
        ON CONFLICT (conversation_id, user_id) DO NOTHING`, conversationID, userID, rating, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record session ending: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to read affected rows: %w", err)
	} else if affected == 0 {
		return nil, ErrAlreadyEnded
	}

	_, err = tx.ExecContext(ctx, "UPDATE conversations SET status = ?, ended_at = COALESCE(ended_at, ?) WHERE id = ?",
		string(ConversationEnded), now, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to close conversation: %w", err)
	}

	var newScore *int
	if rating != nil {
		score, err := adjustTrustScore(ctx, tx, rateeID, *rating)
		if err != nil {
			return nil, err
		}
		newScore = &score
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session ending: %w", err)
	}
	return newScore, nil
}

func (s *SQLiteStore) SetEndingSummary(ctx context.Context, conversationID, userID, summary string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE session_endings SET summary = ? WHERE conversation_id = ? AND user_id = ?",
		summary, conversationID, userID)
	if err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("session ending %s/%s: %w", conversationID, userID, ErrNotFound)
	}
	return nil
}

// GetSessionEnding returns userID's ending of the conversation, or nil when they have not ended it.
func (s *SQLiteStore) GetSessionEnding(ctx context.Context, conversationID, userID string) (*SessionEnding, error) {
	var ending SessionEnding
	var rating sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT conversation_id, user_id, rating, summary, ended_at FROM session_endings WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID).Scan(&ending.ConversationID, &ending.UserID, &rating, &ending.Summary, &ending.EndedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session ending: %w", err)
	}
	if rating.Valid {
		r := int(rating.Int64)
		ending.Rating = &r
	}
	return &ending, nil
}

// Message methods

// AppendMessage inserts msg and fills in its ID and CreatedAt. IDs grow with append order.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	msg.CreatedAt = time.Now().UTC()

	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO messages (conversation_id, sender_id, content, created_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	res, err := stmt.ExecContext(ctx, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	msg.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessagesByConversationID(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, conversation_id, sender_id, content, created_at FROM messages WHERE conversation_id = ? ORDER BY id ASC", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
