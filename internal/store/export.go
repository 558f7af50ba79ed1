package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/questionflow/internal/model"
)

// PackageProgress computes created-vs-declared progress for one package.
func (s *Store) PackageProgress(ctx context.Context, packageID int64) (model.PackageProgress, error) {
	p, err := s.GetPackage(ctx, packageID)
	if err != nil {
		return model.PackageProgress{}, err
	}
	if p == nil {
		return model.PackageProgress{}, fmt.Errorf("package %d not found", packageID)
	}
	n, err := s.CountQuestionsByPackage(ctx, packageID)
	if err != nil {
		return model.PackageProgress{}, err
	}
	return model.NewPackageProgress(packageID, n, p.AmountOfQuestions), nil
}

// ExportProgress builds export-ready summaries for every package.
func (s *Store) ExportProgress(ctx context.Context) (model.ProgressExport, error) {
	packages, err := s.ListPackages(ctx, PackageFilter{})
	if err != nil {
		return model.ProgressExport{}, fmt.Errorf("list packages: %w", err)
	}

	export := model.ProgressExport{GeneratedAt: time.Now().UTC()}
	for _, p := range packages {
		byStatus, err := s.CountQuestionsByQCStatus(ctx, p.ID)
		if err != nil {
			return export, fmt.Errorf("count questions for package %d: %w", p.ID, err)
		}
		created := 0
		for _, n := range byStatus {
			created += n
		}

		revisions, err := s.ListRevisions(ctx, RevisionFilter{PackageID: p.ID})
		if err != nil {
			return export, fmt.Errorf("list revisions for package %d: %w", p.ID, err)
		}

		export.Packages = append(export.Packages, model.PackageSummary{
			Package:    p,
			Progress:   model.NewPackageProgress(p.ID, created, p.AmountOfQuestions),
			ByQCStatus: byStatus,
			Revisions:  len(revisions),
		})
	}
	return export, nil
}
