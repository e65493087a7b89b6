package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pbaille/popdismiss/internal/domain"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Store is the element registry. It is the only component that touches the
// database: elements observed per screenshot and resolved popup templates.
type Store struct {
	db *sql.DB
}

// New opens (and creates if needed) the database at dbPath
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// dsn applies the connection pragmas through the DSN so every pooled
// connection gets them, not just the first one.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_busy_timeout", "10000")
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// withConn runs fn on a dedicated connection that is released before returning
func (s *Store) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()
	return fn(conn)
}

// RecordExists reports whether bounds were already registered for the screenshot
func (s *Store) RecordExists(ctx context.Context, b domain.Bounds, screenshotID string) (bool, error) {
	var exists bool
	err := s.withConn(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx,
			"SELECT EXISTS(SELECT 1 FROM elements WHERE bounds = ? AND screenshot_id = ?)",
			b.String(), screenshotID,
		).Scan(&exists)
	})
	if err != nil {
		return false, fmt.Errorf("check element: %w", err)
	}
	return exists, nil
}

// SaveElement registers a clickable region with its ordinal. Saving the same
// (bounds, screenshot) twice keeps the first row.
func (s *Store) SaveElement(ctx context.Context, b domain.Bounds, screenshotID string, ordinal int) error {
	c := b.Center()
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT OR IGNORE INTO elements
				(bounds, x1, y1, x2, y2, cx, cy, screenshot_id, ordinal, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.String(), b.X1, b.Y1, b.X2, b.Y2, c.X, c.Y, screenshotID, ordinal, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert element: %w", err)
	}
	return nil
}

// LookupCenter returns the center of the element labelled ordinal in the screenshot
func (s *Store) LookupCenter(ctx context.Context, ordinal int, screenshotID string) (domain.Point, error) {
	var p domain.Point
	err := s.withConn(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx,
			"SELECT cx, cy FROM elements WHERE ordinal = ? AND screenshot_id = ? ORDER BY id LIMIT 1",
			ordinal, screenshotID,
		).Scan(&p.X, &p.Y)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Point{}, fmt.Errorf("element %d in %s: %w", ordinal, screenshotID, ErrNotFound)
	}
	if err != nil {
		return domain.Point{}, fmt.Errorf("lookup element: %w", err)
	}
	return p, nil
}

// ListElements returns the elements registered for a screenshot ordered by ordinal
func (s *Store) ListElements(ctx context.Context, screenshotID string) ([]domain.ElementRecord, error) {
	var elements []domain.ElementRecord
	err := s.withConn(ctx, func(c *sql.Conn) error {
		rows, err := c.QueryContext(ctx, `
			SELECT x1, y1, x2, y2, cx, cy, ordinal, screenshot_id
			FROM elements WHERE screenshot_id = ? ORDER BY ordinal, id`,
			screenshotID,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e domain.ElementRecord
			if err := rows.Scan(&e.Bounds.X1, &e.Bounds.Y1, &e.Bounds.X2, &e.Bounds.Y2,
				&e.Center.X, &e.Center.Y, &e.Ordinal, &e.ScreenshotID); err != nil {
				return fmt.Errorf("scan element: %w", err)
			}
			elements = append(elements, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list elements: %w", err)
	}
	return elements, nil
}

// SaveTemplate records the dismiss coordinate for a template. Repeated ids
// collapse onto the first row.
func (s *Store) SaveTemplate(ctx context.Context, templateID string, p domain.Point) error {
	err := s.withConn(ctx, func(c *sql.Conn) error {
		_, err := c.ExecContext(ctx,
			"INSERT OR IGNORE INTO templates (template_id, skip_center_x, skip_center_y, created_at) VALUES (?, ?, ?, ?)",
			templateID, p.X, p.Y, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// LookupTemplateCenter returns the stored coordinate for templateID. The bool
// is false when no row exists.
func (s *Store) LookupTemplateCenter(ctx context.Context, templateID string) (domain.Point, bool, error) {
	var p domain.Point
	err := s.withConn(ctx, func(c *sql.Conn) error {
		return c.QueryRowContext(ctx,
			"SELECT skip_center_x, skip_center_y FROM templates WHERE template_id = ?",
			templateID,
		).Scan(&p.X, &p.Y)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Point{}, false, nil
	}
	if err != nil {
		return domain.Point{}, false, fmt.Errorf("lookup template: %w", err)
	}
	return p, true, nil
}

// ListTemplates returns the most recent templates
func (s *Store) ListTemplates(ctx context.Context, limit int) ([]domain.TemplateEntry, error) {
	var entries []domain.TemplateEntry
	err := s.withConn(ctx, func(c *sql.Conn) error {
		rows, err := c.QueryContext(ctx, `
			SELECT template_id, skip_center_x, skip_center_y, created_at
			FROM templates ORDER BY created_at DESC, template_id LIMIT ?`,
			limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e domain.TemplateEntry
			if err := rows.Scan(&e.TemplateID, &e.SkipCenter.X, &e.SkipCenter.Y, &e.CreatedAt); err != nil {
				return fmt.Errorf("scan template: %w", err)
			}
			entries = append(entries, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return entries, nil
}
