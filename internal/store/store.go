// Package store is the embedded local datastore: the executor credential,
// the last-known strategy set for cold starts, the capped command-outcome
// journal, and periodic disaster-recovery snapshots. Backed by sqlite.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/atlas-desktop/executor-agent/internal/control"
	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// JournalCap is the retained command-outcome count.
const JournalCap = 10000

// DefaultSnapshotKeep is how many disaster-recovery snapshots survive
// pruning.
const DefaultSnapshotKeep = 12

const schema = `
CREATE TABLE IF NOT EXISTS credential (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	executor_id TEXT NOT NULL,
	api_key TEXT NOT NULL,
	secret_key TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS strategies (
	id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	definition TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS command_journal (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	command_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	result TEXT,
	error TEXT,
	attempts INTEGER NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_journal_command ON command_journal(command_id);
CREATE TABLE IF NOT EXISTS snapshots (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at TEXT NOT NULL,
	blob BLOB NOT NULL
);
`

// Snapshot is the disaster-recovery capture. Account and position payloads
// are kept as JSON blobs so decimal fields round-trip exactly.
type Snapshot struct {
	TakenAt       time.Time `msgpack:"takenAt"`
	KillActive    bool      `msgpack:"killActive"`
	KillReason    string    `msgpack:"killReason"`
	KillEngagedAt time.Time `msgpack:"killEngagedAt"`
	AccountJSON   []byte    `msgpack:"account"`
	PositionsJSON []byte    `msgpack:"positions"`
	JournalJSON   []byte    `msgpack:"journal"`
}

// SetAccount embeds the account view.
func (s *Snapshot) SetAccount(a types.AccountSnapshot) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	s.AccountJSON = data
	return nil
}

// Account decodes the embedded account view.
func (s *Snapshot) Account() (types.AccountSnapshot, error) {
	var a types.AccountSnapshot
	if len(s.AccountJSON) == 0 {
		return a, nil
	}
	err := json.Unmarshal(s.AccountJSON, &a)
	return a, err
}

// SetPositions embeds the position view.
func (s *Snapshot) SetPositions(p []types.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.PositionsJSON = data
	return nil
}

// Positions decodes the embedded position view.
func (s *Snapshot) Positions() ([]types.Position, error) {
	if len(s.PositionsJSON) == 0 {
		return nil, nil
	}
	var p []types.Position
	err := json.Unmarshal(s.PositionsJSON, &p)
	return p, err
}

// SetJournal embeds the recent command-outcome tail, newest first.
func (s *Snapshot) SetJournal(tail []types.CommandOutcome) error {
	data, err := json.Marshal(tail)
	if err != nil {
		return err
	}
	s.JournalJSON = data
	return nil
}

// Journal decodes the embedded outcome tail.
func (s *Snapshot) Journal() ([]types.CommandOutcome, error) {
	if len(s.JournalJSON) == 0 {
		return nil, nil
	}
	var tail []types.CommandOutcome
	err := json.Unmarshal(s.JournalJSON, &tail)
	return tail, err
}

// Store wraps the sqlite handle.
type Store struct {
	logger       *zap.Logger
	db           *sql.DB
	snapshotKeep int
}

// Open creates or opens the database at path and applies the schema.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "open datastore", err)
	}
	// The agent is the only writer; a single connection avoids sqlite
	// busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindConfig, "apply datastore schema", err)
	}
	return &Store{
		logger:       logger.Named("store"),
		db:           db,
		snapshotKeep: DefaultSnapshotKeep,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Credential loads the executor identity. ok=false means the agent has
// never registered.
func (s *Store) Credential() (control.Credentials, bool, error) {
	var creds control.Credentials
	row := s.db.QueryRow(`SELECT executor_id, api_key, secret_key FROM credential WHERE id = 1`)
	err := row.Scan(&creds.ExecutorID, &creds.APIKey, &creds.SecretKey)
	if err == sql.ErrNoRows {
		return control.Credentials{}, false, nil
	}
	if err != nil {
		return control.Credentials{}, false, errs.Wrap(errs.KindInternal, "load credential", err)
	}
	return creds, true, nil
}

// SaveCredential persists the one-time registration result.
func (s *Store) SaveCredential(creds control.Credentials) error {
	_, err := s.db.Exec(`
		INSERT INTO credential (id, executor_id, api_key, secret_key, created_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			executor_id = excluded.executor_id,
			api_key = excluded.api_key,
			secret_key = excluded.secret_key`,
		creds.ExecutorID, creds.APIKey, creds.SecretKey, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errs.Wrap(errs.KindInternal, "save credential", err)
	}
	return nil
}

// SaveStrategies replaces the persisted strategy set.
func (s *Store) SaveStrategies(defs []types.StrategyDefinition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.KindInternal, "begin strategy save", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM strategies`); err != nil {
		return errs.Wrap(errs.KindInternal, "clear strategies", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for _, def := range defs {
		data, err := json.Marshal(def)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "encode strategy "+def.ID, err)
		}
		if _, err := tx.Exec(`
			INSERT INTO strategies (id, version, definition, updated_at)
			VALUES (?, ?, ?, ?)`,
			def.ID, def.Version, string(data), now); err != nil {
			return errs.Wrap(errs.KindInternal, "save strategy "+def.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.KindInternal, "commit strategy save", err)
	}
	return nil
}

// UpsertStrategy persists one hot-reloaded definition.
func (s *Store) UpsertStrategy(def types.StrategyDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode strategy "+def.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO strategies (id, version, definition, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		def.ID, def.Version, string(data), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errs.Wrap(errs.KindInternal, "upsert strategy "+def.ID, err)
	}
	return nil
}

// LoadStrategies returns the persisted set for cold start.
func (s *Store) LoadStrategies() ([]types.StrategyDefinition, error) {
	rows, err := s.db.Query(`SELECT definition FROM strategies ORDER BY id`)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load strategies", err)
	}
	defer rows.Close()

	var defs []types.StrategyDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan strategy", err)
		}
		var def types.StrategyDefinition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			s.logger.Warn("skipping undecodable persisted strategy", zap.Error(err))
			continue
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// AppendOutcome journals one terminal command state and prunes the journal
// to its cap.
func (s *Store) AppendOutcome(outcome types.CommandOutcome) error {
	_, err := s.db.Exec(`
		INSERT INTO command_journal (command_id, kind, state, result, error, attempts, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		outcome.CommandID, string(outcome.Kind), string(outcome.State),
		string(outcome.Result), outcome.Error, outcome.Attempts,
		outcome.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return errs.Wrap(errs.KindInternal, "append journal", err)
	}
	_, err = s.db.Exec(`
		DELETE FROM command_journal
		WHERE seq <= (SELECT MAX(seq) FROM command_journal) - ?`, JournalCap)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "prune journal", err)
	}
	return nil
}

// RecentOutcomes returns the newest n journal entries, newest first.
func (s *Store) RecentOutcomes(n int) ([]types.CommandOutcome, error) {
	rows, err := s.db.Query(`
		SELECT command_id, kind, state, result, error, attempts, finished_at
		FROM command_journal ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "load journal", err)
	}
	defer rows.Close()

	var out []types.CommandOutcome
	for rows.Next() {
		var o types.CommandOutcome
		var result, finished string
		if err := rows.Scan(&o.CommandID, &o.Kind, &o.State, &result, &o.Error, &o.Attempts, &finished); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "scan journal", err)
		}
		if result != "" {
			o.Result = json.RawMessage(result)
		}
		o.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, o)
	}
	return out, rows.Err()
}

// HasOutcome reports whether a command already reached a terminal state in
// a previous process lifetime.
func (s *Store) HasOutcome(commandID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM command_journal WHERE command_id = ?`, commandID).Scan(&n)
	if err != nil {
		return false, errs.Wrap(errs.KindInternal, "journal lookup", err)
	}
	return n > 0, nil
}

// SaveSnapshot appends a disaster-recovery snapshot and prunes old ones.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	blob, err := msgpack.Marshal(&snap)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "encode snapshot", err)
	}
	_, err = s.db.Exec(`INSERT INTO snapshots (taken_at, blob) VALUES (?, ?)`,
		snap.TakenAt.UTC().Format(time.RFC3339), blob)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "save snapshot", err)
	}
	_, err = s.db.Exec(`
		DELETE FROM snapshots
		WHERE seq <= (SELECT MAX(seq) FROM snapshots) - ?`, s.snapshotKeep)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "prune snapshots", err)
	}
	return nil
}

// LatestSnapshot loads the newest snapshot; ok=false when none exists.
func (s *Store) LatestSnapshot() (Snapshot, bool, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT blob FROM snapshots ORDER BY seq DESC LIMIT 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, errs.Wrap(errs.KindInternal, "load snapshot", err)
	}
	var snap Snapshot
	if err := msgpack.Unmarshal(blob, &snap); err != nil {
		return Snapshot{}, false, errs.Wrap(errs.KindInternal, "decode snapshot", err)
	}
	return snap, true, nil
}
