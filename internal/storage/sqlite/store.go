// Package sqlite persists replica state in a per-actor SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/relves/spaces/internal/codec"
	"github.com/relves/spaces/pkg/auth"
	"github.com/relves/spaces/pkg/keys"
	"github.com/relves/spaces/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed replica store. One database holds one
// actor's derived views, operation log, published bundles, and secret
// state.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open creates or opens the replica database under basePath.
func Open(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dbPath := filepath.Join(basePath, "spaces.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+ // Balance safety/speed (FULL is slower, OFF risks corruption)
		"&_pragma=wal_autocheckpoint(1000)") // Checkpoint every 1000 pages to prevent WAL accumulation
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Limit connection pool - SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// Roster returns the stored roster view.
func (s *Store) Roster(ctx context.Context) (auth.RosterView, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT actor, access FROM roster`)
	if err != nil {
		return auth.RosterView{}, err
	}
	defer rows.Close()

	view := auth.RosterView{Actors: make(map[types.ActorID]types.AccessLevel)}
	for rows.Next() {
		var actor string
		var access int
		if err := rows.Scan(&actor, &access); err != nil {
			return auth.RosterView{}, err
		}
		view.Actors[types.ActorID(actor)] = types.AccessLevel(access)
	}
	return view, rows.Err()
}

// SetRoster replaces the stored roster view.
func (s *Store) SetRoster(ctx context.Context, view auth.RosterView) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM roster`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO roster (actor, access) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for actor, access := range view.Actors {
		if _, err := stmt.ExecContext(ctx, string(actor), int(access)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Space returns the stored view for id, or nil when unknown.
func (s *Store) Space(ctx context.Context, id types.SpaceID) (*auth.SpaceView, error) {
	view := auth.SpaceView{Space: id, Members: make(map[types.ActorID]types.AccessLevel)}
	var keyOp []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT epoch, key_op FROM spaces WHERE space_id = ?`,
		string(id)).Scan(&view.Epoch, &keyOp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(keyOp) > 0 {
		view.KeyOp, err = types.OperationIDFromBytes(keyOp)
		if err != nil {
			return nil, fmt.Errorf("stored key operation: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT actor, access FROM space_members WHERE space_id = ?`,
		string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var actor string
		var access int
		if err := rows.Scan(&actor, &access); err != nil {
			return nil, err
		}
		view.Members[types.ActorID(actor)] = types.AccessLevel(access)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	frontier, err := s.db.QueryContext(ctx,
		`SELECT op_id FROM space_frontier WHERE space_id = ? ORDER BY op_id`,
		string(id))
	if err != nil {
		return nil, err
	}
	defer frontier.Close()
	for frontier.Next() {
		var raw []byte
		if err := frontier.Scan(&raw); err != nil {
			return nil, err
		}
		opID, err := types.OperationIDFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("stored frontier entry: %w", err)
		}
		view.Frontier = append(view.Frontier, opID)
	}
	if err := frontier.Err(); err != nil {
		return nil, err
	}

	return &view, nil
}

// HasSpace reports whether a view is stored for id.
func (s *Store) HasSpace(ctx context.Context, id types.SpaceID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM spaces WHERE space_id = ?`,
		string(id)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SpaceIDs lists stored space IDs, sorted.
func (s *Store) SpaceIDs(ctx context.Context) ([]types.SpaceID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT space_id FROM spaces ORDER BY space_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.SpaceID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.SpaceID(id))
	}
	return ids, rows.Err()
}

// SetSpace stores the view for id, replacing any previous view.
func (s *Store) SetSpace(ctx context.Context, id types.SpaceID, view auth.SpaceView) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var keyOp []byte
	if view.KeyOp.Defined() {
		keyOp = view.KeyOp.Bytes()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO spaces (space_id, epoch, key_op) VALUES (?, ?, ?)
		 ON CONFLICT(space_id) DO UPDATE SET epoch = excluded.epoch, key_op = excluded.key_op`,
		string(id), view.Epoch, keyOp); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM space_members WHERE space_id = ?`, string(id)); err != nil {
		return err
	}
	members, err := tx.PrepareContext(ctx,
		`INSERT INTO space_members (space_id, actor, access) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer members.Close()
	for actor, access := range view.Members {
		if _, err := members.ExecContext(ctx, string(id), string(actor), int(access)); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM space_frontier WHERE space_id = ?`, string(id)); err != nil {
		return err
	}
	frontier, err := tx.PrepareContext(ctx,
		`INSERT INTO space_frontier (space_id, op_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer frontier.Close()
	for _, opID := range view.Frontier {
		if _, err := frontier.ExecContext(ctx, string(id), opID.Bytes()); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Operation returns the stored operation, or nil when absent.
func (s *Store) Operation(ctx context.Context, id types.OperationID) (*types.Operation, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM operations WHERE op_id = ?`,
		id.Bytes()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return types.DecodeOperation(data)
}

// SetOperation stores an operation under its ID. Idempotent: the log
// is append-only and content-addressed, so a repeat insert is ignored.
func (s *Store) SetOperation(ctx context.Context, id types.OperationID, op *types.Operation) error {
	data, err := op.Encode()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO operations (op_id, data, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(op_id) DO NOTHING`,
		id.Bytes(), data, now)
	return err
}

// Operations lists every stored operation in insertion order.
func (s *Store) Operations(ctx context.Context) ([]*types.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM operations ORDER BY created_at, op_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*types.Operation
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		op, err := types.DecodeOperation(data)
		if err != nil {
			return nil, fmt.Errorf("stored operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// Registry returns the published bundle for actor, or nil.
func (s *Store) Registry(ctx context.Context, actor types.ActorID) (*keys.PreKeyBundle, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT bundle FROM registry WHERE actor = ?`,
		string(actor)).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var bundle keys.PreKeyBundle
	if err := codec.Unmarshal(data, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// SetRegistry publishes actor's bundle (upsert).
func (s *Store) SetRegistry(ctx context.Context, actor types.ActorID, bundle *keys.PreKeyBundle) error {
	data, err := codec.Marshal(bundle)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO registry (actor, bundle, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(actor) DO UPDATE SET bundle = excluded.bundle, updated_at = excluded.updated_at`,
		string(actor), data, now)
	return err
}

// Secrets returns the local secret state, or nil when none stored.
func (s *Store) Secrets(ctx context.Context) (*keys.SecretState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM secrets WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state keys.SecretState
	if err := codec.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// SetSecrets replaces the local secret state (upsert).
func (s *Store) SetSecrets(ctx context.Context, state *keys.SecretState) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO secrets (id, state) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET state = excluded.state`,
		data)
	return err
}
