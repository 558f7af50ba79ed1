package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pavelanni/questionflow/internal/model"
)

const packageColumns = `id, vendor_name, subject, exam, package_number, title, amount_of_questions,
	source_file_url, source_file_path, status, uploaded_by, created_at, updated_at`

func scanPackage(sc scanner) (model.Package, error) {
	var p model.Package
	err := sc.Scan(&p.ID, &p.VendorName, &p.Subject, &p.Exam, &p.PackageNumber, &p.Title,
		&p.AmountOfQuestions, &p.SourceFileURL, &p.SourceFilePath, &p.Status, &p.UploadedBy,
		&p.CreatedAt, &p.UpdatedAt)
	return p, err
}

// PackageFilter narrows ListPackages. Zero values mean no filtering on that field.
type PackageFilter struct {
	UploadedBy int64
	Status     model.PackageStatus
	VendorName string
	model.ListOptions
}

// CreatePackage stores a newly submitted package with status pending.
func (s *Store) CreatePackage(ctx context.Context, p model.Package) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO packages (vendor_name, subject, exam, package_number, title, amount_of_questions,
		 source_file_url, source_file_path, status, uploaded_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.VendorName, p.Subject, p.Exam, p.PackageNumber, p.Title, p.AmountOfQuestions,
		p.SourceFileURL, p.SourceFilePath, model.PackagePending, p.UploadedBy, now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetPackage returns a package by ID, or nil.
func (s *Store) GetPackage(ctx context.Context, id int64) (*model.Package, error) {
	p, err := scanPackage(s.db.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPackages returns packages matching the filter, newest first.
func (s *Store) ListPackages(ctx context.Context, f PackageFilter) ([]model.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages WHERE 1=1`
	var args []any
	if f.UploadedBy != 0 {
		query += ` AND uploaded_by = ?`
		args = append(args, f.UploadedBy)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.VendorName != "" {
		query += ` AND vendor_name = ?`
		args = append(args, f.VendorName)
	}
	query += ` ORDER BY id DESC`
	query, args = paginate(query, args, f.ListOptions)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePackageStatus changes a package's status.
func (s *Store) UpdatePackageStatus(ctx context.Context, id int64, status model.PackageStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE packages SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now(), id)
	return err
}

// ReplacePackageSource points a package at a newly uploaded source document.
func (s *Store) ReplacePackageSource(ctx context.Context, id int64, url, path string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE packages SET source_file_url = ?, source_file_path = ?, updated_at = ? WHERE id = ?`,
		url, path, time.Now(), id)
	return err
}
