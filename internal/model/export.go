package model

import "time"

// PackageProgress reports how many questions exist against a package's declared target.
type PackageProgress struct {
	PackageID int64 `json:"package_id"`
	Created   int   `json:"created"`
	Target    int   `json:"target"`
	Percent   int   `json:"percent"`
}

// NewPackageProgress computes the integer completion percentage. A zero target yields 0.
func NewPackageProgress(packageID int64, created, target int) PackageProgress {
	p := PackageProgress{PackageID: packageID, Created: created, Target: target}
	if target > 0 {
		p.Percent = created * 100 / target
	}
	return p
}

// ProgressExport is the top-level JSON structure for the progress export.
type ProgressExport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Packages    []PackageSummary `json:"packages"`
}

// PackageSummary holds one package's progress and QC breakdown for export.
type PackageSummary struct {
	Package    Package          `json:"package"`
	Progress   PackageProgress  `json:"progress"`
	ByQCStatus map[QCStatus]int `json:"by_qc_status"`
	Revisions  int              `json:"revisions"`
}
