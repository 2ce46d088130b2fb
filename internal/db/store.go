package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/formloom/formloom/internal/coordinator"
	"github.com/formloom/formloom/internal/protocol"
)

// Backs both collaborator contracts the coordinator consumes: form
// lookup before a join, and durable field value storage before a
// fieldUpdated broadcast.
type Store struct {
	db *sql.DB
}

var (
	_ coordinator.FormLookup = (*Store)(nil)
	_ coordinator.Persister  = (*Store)(nil)
)

type Form struct {
	ID        string           `json:"id"`
	Title     string           `json:"title"`
	Active    bool             `json:"active"`
	Fields    []protocol.Field `json:"fields"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// One stored answer within a form's shared response
type FieldValue struct {
	FormID    string    `json:"form_id"`
	FieldID   string    `json:"field_id"`
	Value     string    `json:"value"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// foreign_keys is per-connection, so it has to ride the DSN to cover
	// every pooled connection
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	// WAL for concurrent readers alongside the writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Store initialized at %s", dbPath)
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS forms (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		fields_json TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS response_values (
		form_id TEXT NOT NULL,
		field_id TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (form_id, field_id),
		FOREIGN KEY (form_id) REFERENCES forms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_response_values_form_id ON response_values(form_id);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Form operations

func (s *Store) CreateForm(title string, fields []protocol.Field) (*Form, error) {
	id := uuid.NewString()
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(
		"INSERT INTO forms (id, title, fields_json) VALUES (?, ?, ?)",
		id, title, string(fieldsJSON),
	)
	if err != nil {
		return nil, err
	}
	return s.GetForm(id)
}

func (s *Store) GetForm(id string) (*Form, error) {
	row := s.db.QueryRow(
		"SELECT id, title, active, fields_json, created_at, updated_at FROM forms WHERE id = ?",
		id,
	)

	var form Form
	var fieldsJSON string
	err := row.Scan(&form.ID, &form.Title, &form.Active, &fieldsJSON, &form.CreatedAt, &form.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &form.Fields); err != nil {
		return nil, fmt.Errorf("corrupt field schema for form %s: %w", id, err)
	}
	return &form, nil
}

// Implements coordinator.FormLookup
func (s *Store) LookupForm(id string) (*coordinator.FormInfo, error) {
	form, err := s.GetForm(id)
	if err != nil {
		return nil, err
	}
	if form == nil {
		return nil, nil
	}
	return &coordinator.FormInfo{
		ID:     form.ID,
		Title:  form.Title,
		Active: form.Active,
		Fields: form.Fields,
	}, nil
}

func (s *Store) ListForms(limit, offset int) ([]Form, error) {
	rows, err := s.db.Query(
		"SELECT id, title, active, fields_json, created_at, updated_at FROM forms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var forms []Form
	for rows.Next() {
		var form Form
		var fieldsJSON string
		if err := rows.Scan(&form.ID, &form.Title, &form.Active, &fieldsJSON, &form.CreatedAt, &form.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &form.Fields); err != nil {
			return nil, fmt.Errorf("corrupt field schema for form %s: %w", form.ID, err)
		}
		forms = append(forms, form)
	}
	return forms, rows.Err()
}

// Replaces a form's field schema and prunes stored values for field ids
// the new schema no longer contains.
func (s *Store) ReplaceFields(formID string, fields []protocol.Field) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		"UPDATE forms SET fields_json = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		string(fieldsJSON), formID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("form %s not found", formID)
	}

	if len(fields) == 0 {
		_, err = s.db.Exec("DELETE FROM response_values WHERE form_id = ?", formID)
		return err
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fields)), ",")
	args := make([]interface{}, 0, len(fields)+1)
	args = append(args, formID)
	for _, f := range fields {
		args = append(args, f.ID)
	}
	_, err = s.db.Exec(
		"DELETE FROM response_values WHERE form_id = ? AND field_id NOT IN ("+placeholders+")",
		args...,
	)
	return err
}

func (s *Store) SetFormActive(formID string, active bool) error {
	res, err := s.db.Exec(
		"UPDATE forms SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		active, formID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("form %s not found", formID)
	}
	return nil
}

func (s *Store) DeleteForm(formID string) error {
	_, err := s.db.Exec("DELETE FROM forms WHERE id = ?", formID)
	return err
}

// Response value operations

// Implements coordinator.Persister. The returned timestamp is the
// authoritative one stored with the value.
func (s *Store) SaveFieldValue(formID, fieldID, value, updatedBy string) (time.Time, error) {
	updatedAt := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO response_values (form_id, field_id, value, updated_by, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(form_id, field_id) DO UPDATE SET
			value = excluded.value,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at
	`, formID, fieldID, value, updatedBy, updatedAt)
	if err != nil {
		return time.Time{}, err
	}
	return updatedAt, nil
}

// The assembled shared response, one row per answered field
func (s *Store) GetResponse(formID string) ([]FieldValue, error) {
	rows, err := s.db.Query(
		"SELECT form_id, field_id, value, updated_by, updated_at FROM response_values WHERE form_id = ? ORDER BY field_id ASC",
		formID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []FieldValue
	for rows.Next() {
		var v FieldValue
		if err := rows.Scan(&v.FormID, &v.FieldID, &v.Value, &v.UpdatedBy, &v.UpdatedAt); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// Stats

func (s *Store) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var formCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM forms").Scan(&formCount); err != nil {
		return nil, err
	}
	stats["form_count"] = formCount

	var valueCount int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM response_values").Scan(&valueCount); err != nil {
		return nil, err
	}
	stats["value_count"] = valueCount

	return stats, nil
}
