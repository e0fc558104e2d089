package config

import (
	"fmt"
	"strings"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding, addressed by a dotted config path.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Formats accepted for source and target tables.
var validFormats = map[string]bool{"parquet": true, "csv": true, "json": true}

// Validate checks a decoded Pipeline. It never mutates p.
func Validate(p Pipeline) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch p.Kind {
	case KindMerge:
		requirePath(&out, "source.path", p.Source.Path)
		requirePath(&out, "target.path", p.Target.Path)
		if len(p.PrimaryKeys) == 0 {
			add(SeverityError, "primary_keys", "must not be empty for kind=merge")
		}
		if len(p.OrderBy) == 0 {
			add(SeverityError, "order_by", "must not be empty for kind=merge")
		}
		if p.Target.Format != "parquet" {
			add(SeverityWarning, "target.format", "merge targets are normally parquet, got %q", p.Target.Format)
		}
	case KindAppend:
		requirePath(&out, "source.path", p.Source.Path)
		requirePath(&out, "target.path", p.Target.Path)
	case KindGold:
		if p.Gold == nil {
			add(SeverityError, "gold", "is required for kind=gold")
			break
		}
		requirePath(&out, "gold.revenues", p.Gold.Revenues)
		requirePath(&out, "gold.fact_path", p.Gold.FactPath)
		requirePath(&out, "gold.movies_path", p.Gold.MoviesPath)
		requirePath(&out, "gold.distributors_path", p.Gold.DistributorsPath)
		if p.Gold.Publish != nil {
			validatePublish(&out, "gold.publish", *p.Gold.Publish, false)
		}
	default:
		add(SeverityError, "kind", "unsupported pipeline kind %q (want merge, append or gold)", p.Kind)
	}

	if p.Kind != KindGold {
		if !validFormats[p.Source.Format] {
			add(SeverityError, "source.format", "unsupported format %q", p.Source.Format)
		}
		if !validFormats[p.Target.Format] {
			add(SeverityError, "target.format", "unsupported format %q", p.Target.Format)
		}
	}
	if len(p.Target.PartitionCols) > 0 && p.Target.Format != "parquet" {
		add(SeverityError, "target.partition_cols", "partitioned tables require format parquet, got %q", p.Target.Format)
	}
	if p.Source.Incremental && p.Source.Format != "parquet" {
		add(SeverityError, "source.incremental", "incremental reads require a parquet source")
	}
	if p.IngestionColumn == "" {
		add(SeverityError, "ingestion_column", "must not be empty")
	}

	checkNames(&out, "business_keys", p.BusinessKeys)
	checkNames(&out, "primary_keys", p.PrimaryKeys)
	checkNames(&out, "order_by", p.OrderBy)

	if h := p.HashKey; h != nil {
		if len(h.Columns) == 0 {
			add(SeverityError, "hash_key.columns", "must not be empty")
		}
		checkNames(&out, "hash_key.columns", h.Columns)
	}
	if p.Publish != nil {
		validatePublish(&out, "publish", *p.Publish, true)
	}
	return out
}

func requirePath(out *[]Issue, path, v string) {
	if strings.TrimSpace(v) == "" {
		*out = append(*out, Issue{Severity: SeverityError, Path: path, Message: "is required"})
	}
}

func checkNames(out *[]Issue, path string, names []string) {
	seen := map[string]bool{}
	for i, n := range names {
		p := fmt.Sprintf("%s[%d]", path, i)
		if strings.TrimSpace(n) == "" {
			*out = append(*out, Issue{Severity: SeverityError, Path: p, Message: "empty column name"})
			continue
		}
		if seen[n] {
			*out = append(*out, Issue{Severity: SeverityError, Path: p, Message: fmt.Sprintf("duplicate column %q", n)})
		}
		seen[n] = true
	}
}

func validatePublish(out *[]Issue, path string, p Publish, needTable bool) {
	switch p.Kind {
	case "sqlite", "postgres", "mssql":
	default:
		*out = append(*out, Issue{Severity: SeverityError, Path: path + ".kind", Message: fmt.Sprintf("unsupported backend %q", p.Kind)})
	}
	if strings.TrimSpace(p.DSN) == "" {
		*out = append(*out, Issue{Severity: SeverityError, Path: path + ".dsn", Message: "is required"})
	}
	if needTable && strings.TrimSpace(p.Table) == "" {
		*out = append(*out, Issue{Severity: SeverityError, Path: path + ".table", Message: "is required"})
	}
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// FormatIssues joins error-severity issues into one line.
func FormatIssues(issues []Issue) string {
	parts := make([]string, 0, len(issues))
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			parts = append(parts, iss.Path+": "+iss.Message)
		}
	}
	return strings.Join(parts, "; ")
}
