package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pavelanni/questionflow/internal/model"
)

// Level identifies one tier of the subject → chapter → topic → concept tree.
type Level string

const (
	LevelSubject Level = "subject"
	LevelChapter Level = "chapter"
	LevelTopic   Level = "topic"
	LevelConcept Level = "concept"
)

type levelInfo struct {
	table     string
	parentCol string
	child     Level
}

var levels = map[Level]levelInfo{
	LevelSubject: {table: "subjects", child: LevelChapter},
	LevelChapter: {table: "chapters", parentCol: "subject_id", child: LevelTopic},
	LevelTopic:   {table: "topics", parentCol: "chapter_id", child: LevelConcept},
	LevelConcept: {table: "concept_titles", parentCol: "topic_id"},
}

// ParseLevel validates a taxonomy level name.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if _, ok := levels[l]; !ok {
		return "", fmt.Errorf("unknown taxonomy level %q", s)
	}
	return l, nil
}

// Child returns the level below l, or "" for concept titles.
func (l Level) Child() Level {
	return levels[l].child
}

// CreateSubject inserts a root taxonomy node.
func (s *Store) CreateSubject(ctx context.Context, name, abbreviation string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subjects (name, abbreviation) VALUES (?, ?)`, name, abbreviation)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListSubjects returns all subjects ordered by name.
func (s *Store) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, abbreviation FROM subjects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Subject
	for rows.Next() {
		var sub model.Subject
		if err := rows.Scan(&sub.ID, &sub.Name, &sub.Abbreviation); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetSubject returns a subject by ID, or nil.
func (s *Store) GetSubject(ctx context.Context, id int64) (*model.Subject, error) {
	var sub model.Subject
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, abbreviation FROM subjects WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.Name, &sub.Abbreviation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubjectByName returns a subject by exact name, or nil.
func (s *Store) GetSubjectByName(ctx context.Context, name string) (*model.Subject, error) {
	var sub model.Subject
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, abbreviation FROM subjects WHERE name = ?`, name,
	).Scan(&sub.ID, &sub.Name, &sub.Abbreviation)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// UpdateSubject renames a subject and changes its abbreviation.
func (s *Store) UpdateSubject(ctx context.Context, id int64, name, abbreviation string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subjects SET name = ?, abbreviation = ? WHERE id = ?`, name, abbreviation, id)
	return err
}

// CreateNode inserts a chapter, topic, or concept title under parentID.
func (s *Store) CreateNode(ctx context.Context, level Level, parentID int64, name string) (int64, error) {
	info, ok := levels[level]
	if !ok || info.parentCol == "" {
		return 0, fmt.Errorf("cannot create %q with a parent", level)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+info.table+` (`+info.parentCol+`, name) VALUES (?, ?)`, parentID, name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Node is a non-root taxonomy node as returned by the generic accessors.
type Node struct {
	ID       int64  `json:"id"`
	ParentID int64  `json:"parent_id"`
	Name     string `json:"name"`
}

// ListChildren returns the nodes of level whose parent is parentID.
func (s *Store) ListChildren(ctx context.Context, level Level, parentID int64) ([]Node, error) {
	info, ok := levels[level]
	if !ok || info.parentCol == "" {
		return nil, fmt.Errorf("level %q has no parent", level)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, `+info.parentCol+`, name FROM `+info.table+` WHERE `+info.parentCol+` = ? ORDER BY name`,
		parentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.ParentID, &n.Name); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetNode returns a non-root node by ID, or nil.
func (s *Store) GetNode(ctx context.Context, level Level, id int64) (*Node, error) {
	info, ok := levels[level]
	if !ok || info.parentCol == "" {
		return nil, fmt.Errorf("level %q has no parent", level)
	}
	var n Node
	err := s.db.QueryRowContext(ctx,
		`SELECT id, `+info.parentCol+`, name FROM `+info.table+` WHERE id = ?`, id,
	).Scan(&n.ID, &n.ParentID, &n.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// RenameNode changes the name of a chapter, topic, or concept title.
func (s *Store) RenameNode(ctx context.Context, level Level, id int64, name string) error {
	info, ok := levels[level]
	if !ok || info.parentCol == "" {
		return fmt.Errorf("level %q has no parent", level)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE `+info.table+` SET name = ? WHERE id = ?`, name, id)
	return err
}

// DeleteNode removes a node of any level. Nodes with children are refused; nothing cascades.
func (s *Store) DeleteNode(ctx context.Context, level Level, id int64) error {
	info, ok := levels[level]
	if !ok {
		return fmt.Errorf("unknown taxonomy level %q", level)
	}
	if info.child != "" {
		childInfo := levels[info.child]
		var n int
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+childInfo.table+` WHERE `+childInfo.parentCol+` = ?`, id,
		).Scan(&n)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("delete %s %d: %w", level, id, ErrHasChildren)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+info.table+` WHERE id = ?`, id); err != nil {
		return err
	}
	slog.Info("deleted taxonomy node", "level", level, "id", id)
	return nil
}
