package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Visit is one recorded attempt at an unsubscribe link.
type Visit struct {
	ID         int64
	RunID      string
	Domain     string
	Company    string
	URL        string
	EmailCount int
	Status     Status
	Outcome    string // visitor outcome, e.g. "timeout"
	StatusCode int
	Error      string
	VisitedAt  time.Time
	CreatedAt  time.Time
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "history.db"
	}
	return filepath.Join(home, ".unsubscriber", "history.db")
}

// scanVisit handles nullable columns when scanning a row
func scanVisit(scanner interface{ Scan(...any) error }) (*Visit, error) {
	var v Visit
	var visitedAt, createdAt sql.NullTime
	var company, outcome, errStr sql.NullString
	var statusCode sql.NullInt64

	err := scanner.Scan(&v.ID, &v.RunID, &v.Domain, &company, &v.URL, &v.EmailCount,
		&v.Status, &outcome, &statusCode, &errStr, &visitedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	v.Company = company.String
	v.Outcome = outcome.String
	v.StatusCode = int(statusCode.Int64)
	v.Error = errStr.String
	v.VisitedAt = visitedAt.Time
	v.CreatedAt = createdAt.Time
	return &v, nil
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS visits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		domain TEXT NOT NULL,
		company TEXT,
		url TEXT NOT NULL,
		email_count INTEGER NOT NULL DEFAULT 1,
		status TEXT NOT NULL,
		outcome TEXT,
		status_code INTEGER,
		error TEXT,
		visited_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_visits_domain ON visits(domain);
	CREATE INDEX IF NOT EXISTS idx_visits_status ON visits(status);
	CREATE INDEX IF NOT EXISTS idx_visits_visited_at ON visits(visited_at);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

const insertVisit = `
	INSERT INTO visits (run_id, domain, company, url, email_count, status, outcome, status_code, error, visited_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) AddVisit(v *Visit) error {
	return insertVisitRow(s.db, v)
}

// AddVisits stores a whole run in one transaction.
func (s *Store) AddVisits(visits []Visit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i := range visits {
		if err := insertVisitRow(tx, &visits[i]); err != nil {
			return fmt.Errorf("%s: %w", visits[i].Domain, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit visits: %w", err)
	}
	return nil
}

func insertVisitRow(db execer, v *Visit) error {
	result, err := db.Exec(insertVisit, visitArgs(v)...)
	if err != nil {
		return fmt.Errorf("failed to insert visit: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	v.ID = id
	return nil
}

func visitArgs(v *Visit) []any {
	visitedAt := v.VisitedAt
	if visitedAt.IsZero() {
		visitedAt = time.Now()
	}
	return []any{
		v.RunID, v.Domain, v.Company, v.URL, v.EmailCount,
		v.Status, v.Outcome, v.StatusCode, v.Error, visitedAt, time.Now(),
	}
}

func (s *Store) RecentVisits(limit int) ([]Visit, error) {
	query := `
	SELECT id, run_id, domain, company, url, email_count, status, outcome, status_code, error, visited_at, created_at
	FROM visits ORDER BY visited_at DESC, id DESC LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query visits: %w", err)
	}
	defer rows.Close()

	var visits []Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan visit: %w", err)
		}
		visits = append(visits, *v)
	}
	return visits, rows.Err()
}

func (s *Store) Stats() (total, succeeded, failed int, err error) {
	query := `SELECT COUNT(*), SUM(CASE WHEN status='succeeded' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END) FROM visits`

	var succeededNull, failedNull sql.NullInt64
	err = s.db.QueryRow(query).Scan(&total, &succeededNull, &failedNull)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to get stats: %w", err)
	}
	return total, int(succeededNull.Int64), int(failedNull.Int64), nil
}

// SucceededDomains returns every domain that has at least one successful visit.
func (s *Store) SucceededDomains() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT DISTINCT domain FROM visits WHERE status = 'succeeded'`)
	if err != nil {
		return nil, fmt.Errorf("failed to query domains: %w", err)
	}
	defer rows.Close()

	domains := make(map[string]bool)
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("failed to scan domain: %w", err)
		}
		domains[d] = true
	}
	return domains, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
