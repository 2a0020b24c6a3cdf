// Package firefox reads bookmarks from the places databases of local
// Firefox profiles.
package firefox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"

	"monoqueue/internal/configuration"
	"monoqueue/internal/source"
	"monoqueue/internal/sphere"
)

const (
	// Handler is the registry name of this source.
	Handler = "firefox"

	// DefaultProfiles is the directory holding Firefox profiles.
	DefaultProfiles = "~/.mozilla/firefox"

	folderType = 2
)

// Source lists bookmarks, optionally restricted to folders with a given title.
type Source struct {
	name     string
	profiles string
	folder   string
	logger   *slog.Logger
}

var _ source.Source = (*Source)(nil)

// New builds a Firefox source. Options: profiles (directory of profile
// directories), folder (bookmark folder title).
func New(name string, opts source.Options, logger *slog.Logger) (source.Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &Source{
		name:     name,
		profiles: configuration.ExpandHome(opts.String("profiles", DefaultProfiles)),
		folder:   opts.String("folder", ""),
		logger:   logger,
	}, nil
}

func (s *Source) Name() string { return s.name }

// Fetch reads every profile's places.sqlite. Each database is copied first
// so a running browser's lock does not get in the way.
func (s *Source) Fetch(ctx context.Context) ([]sphere.Record, error) {
	dbs, err := filepath.Glob(filepath.Join(s.profiles, "*", "places.sqlite"))
	if err != nil {
		return nil, err
	}
	if len(dbs) == 0 {
		s.logger.Warn("no places database found", "profiles", s.profiles)
		return nil, nil
	}

	seen := map[string]struct{}{}
	var records []sphere.Record
	for _, db := range dbs {
		bookmarks, err := s.readProfile(ctx, db)
		if err != nil {
			return records, fmt.Errorf("%s: %w", db, err)
		}
		for _, rec := range bookmarks {
			if _, dup := seen[rec.URL]; dup {
				continue
			}
			seen[rec.URL] = struct{}{}
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *Source) readProfile(ctx context.Context, path string) ([]sphere.Record, error) {
	tmp, err := copyDatabase(path)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(filepath.Dir(tmp))

	db, err := sql.Open("sqlite", tmp)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := sq.Select("b.title", "h.url", "b.dateAdded", "b.lastModified").
		From("moz_bookmarks b").
		Join("moz_places h ON b.fk = h.id").
		OrderBy("b.id")

	if s.folder != "" {
		ids, err := folderIDs(ctx, db, s.folder)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			s.logger.Debug("bookmark folder not found", "db", path, "folder", s.folder)
			return nil, nil
		}
		query = query.Where(sq.Eq{"b.parent": ids})
	}

	stmt, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookmarks: %w", err)
	}
	defer rows.Close()

	var records []sphere.Record
	for rows.Next() {
		var (
			title         sql.NullString
			url           string
			added, edited sql.NullInt64
		)
		if err := rows.Scan(&title, &url, &added, &edited); err != nil {
			return nil, err
		}
		bookmark := map[string]any{
			"title":        title.String,
			"url":          url,
			"dateAdded":    microsToTime(added),
			"lastModified": microsToTime(edited),
		}
		records = append(records, sphere.Record{
			URL: url,
			Fields: map[string]any{
				"title":    bookmark["title"],
				"created":  bookmark["dateAdded"],
				"updated":  bookmark["lastModified"],
				"bookmark": bookmark,
			},
		})
	}
	s.logger.Debug("bookmarks read", "db", path, "count", len(records))
	return records, rows.Err()
}

func folderIDs(ctx context.Context, db *sql.DB, title string) ([]int64, error) {
	stmt, args, err := sq.Select("id").
		From("moz_bookmarks").
		Where(sq.Eq{"type": folderType, "title": title}).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query folders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// copyDatabase copies a places database and its write-ahead log, if any,
// into a fresh temporary directory and returns the copy's path.
func copyDatabase(path string) (string, error) {
	dir, err := os.MkdirTemp("", "monoqueue-places-")
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, "places.sqlite")
	if err := copyFile(path, dst); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	if err := copyFile(path+"-wal", dst+"-wal"); err != nil && !errors.Is(err, os.ErrNotExist) {
		os.RemoveAll(dir)
		return "", err
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func microsToTime(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return time.UnixMicro(v.Int64).UTC().Format(time.RFC3339)
}
