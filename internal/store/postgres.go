package store

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"

	// PostgreSQL driver for database/sql, the same import the teacher's
	// cmd/distri-checkupstream uses:
	"github.com/lib/pq"
	"golang.org/x/xerrors"
)

// Postgres is the production Store, backed by database/sql and lib/pq.
// Every state transition on a given row is a single-statement UPDATE (spec
// §5, "Shared resources: Database"), and idempotent inserts use
// INSERT ... ON CONFLICT exactly like checkupstream.go's updateVersion
// statement.
type Postgres struct {
	db *sql.DB
}

// Open connects to dsn and verifies connectivity.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, xerrors.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, xerrors.Errorf("pinging database: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// withRetry retries idempotent f up to 3 additional times with capped
// exponential backoff (spec §7: "Database transient error ... implementations
// should retry idempotent operations with bounded backoff").
func withRetry(ctx context.Context, f func() error) error {
	const maxAttempts = 4
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = f(); err == nil || err == errNoRows {
			return err
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *Postgres) PopBuildJob(ctx context.Context) (*ImageRequest, error) {
	var req ImageRequest
	var packages string
	var defaultsHash sql.NullString
	err := withRetry(ctx, func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
SELECT request_hash, distro, version, target, subtarget, profile, packages, defaults_hash, created_at
FROM image_requests
WHERE status = $1
ORDER BY created_at
LIMIT 1
FOR UPDATE SKIP LOCKED`, StatusRequested)
		if err := row.Scan(&req.RequestHash, &req.Distro, &req.Version, &req.Target,
			&req.Subtarget, &req.Profile, &packages, &defaultsHash, &req.CreatedAt); err != nil {
			if err == sql.ErrNoRows {
				return errNoRows
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE image_requests SET status = $1 WHERE request_hash = $2`,
			StatusBuilding, req.RequestHash); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == errNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("pop build job: %w", err)
	}
	req.Status = StatusBuilding
	req.Packages = splitPackages(packages)
	if defaultsHash.Valid {
		req.DefaultsHash = defaultsHash.String
	}
	return &req, nil
}

// errNoRows signals "no pending work", distinct from a real database error,
// so withRetry does not keep retrying an empty queue.
var errNoRows = xerrors.New("no rows")

func (p *Postgres) PopOutdatedSubtarget(ctx context.Context, refreshInterval time.Duration) (*SubtargetKey, error) {
	var key SubtargetKey
	err := withRetry(ctx, func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
SELECT distro, version, target, subtarget
FROM subtarget
WHERE last_refreshed IS NULL OR last_refreshed < NOW() - $1::interval
ORDER BY last_refreshed NULLS FIRST
LIMIT 1
FOR UPDATE SKIP LOCKED`, refreshInterval.String())
		if err := row.Scan(&key.Distro, &key.Version, &key.Target, &key.Subtarget); err != nil {
			if err == sql.ErrNoRows {
				return errNoRows
			}
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE subtarget SET last_refreshed = NOW() WHERE distro = $1 AND version = $2 AND target = $3 AND subtarget = $4`,
			key.Distro, key.Version, key.Target, key.Subtarget); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err == errNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("pop outdated subtarget: %w", err)
	}
	return &key, nil
}

func (p *Postgres) AddManifestPackages(ctx context.Context, manifestHash string, packages map[string]string) error {
	return withRetry(ctx, func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO manifest (manifest_hash, last_used) VALUES ($1, NOW())
ON CONFLICT (manifest_hash) DO UPDATE SET last_used = NOW()`, manifestHash); err != nil {
			return err
		}
		for name, version := range packages {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO manifest_packages (manifest_hash, name, version) VALUES ($1, $2, $3)
ON CONFLICT (manifest_hash, name) DO UPDATE SET version = $3`, manifestHash, name, version); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (p *Postgres) ImageByHash(ctx context.Context, imageHash string) (*Image, error) {
	var img Image
	err := withRetry(ctx, func() error {
		row := p.db.QueryRowContext(ctx, `
SELECT image_hash, manifest_hash, distro, version, target, subtarget, profile, dir, sysupgrade, build_seconds, created_at, kind
FROM image WHERE image_hash = $1`, imageHash)
		err := row.Scan(&img.ImageHash, &img.ManifestHash, &img.Distro, &img.Version, &img.Target,
			&img.Subtarget, &img.Profile, &img.Dir, &img.Sysupgrade, &img.BuildSeconds, &img.CreatedAt, &img.Kind)
		if err == sql.ErrNoRows {
			return errNoRows
		}
		return err
	})
	if err == errNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("image by hash: %w", err)
	}
	return &img, nil
}

func (p *Postgres) AddImage(ctx context.Context, img *Image) error {
	return withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx, `
INSERT INTO image (image_hash, manifest_hash, distro, version, target, subtarget, profile, dir, sysupgrade, build_seconds, created_at, kind)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), $11)
ON CONFLICT (image_hash) DO NOTHING`,
			img.ImageHash, img.ManifestHash, img.Distro, img.Version, img.Target, img.Subtarget,
			img.Profile, img.Dir, img.Sysupgrade, img.BuildSeconds, img.Kind)
		return err
	})
}

func (p *Postgres) DoneBuildJob(ctx context.Context, requestHash, imageHash, status string) error {
	return withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx,
			`UPDATE image_requests SET status = $1, image_hash = $2 WHERE request_hash = $3`,
			status, imageHash, requestHash)
		return err
	})
}

func (p *Postgres) SetImageRequestsStatus(ctx context.Context, requestHash, status string) error {
	return withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx,
			`UPDATE image_requests SET status = $1 WHERE request_hash = $2`, status, requestHash)
		return err
	})
}

func (p *Postgres) GetDefaults(ctx context.Context, defaultsHash string) (string, error) {
	var content string
	err := withRetry(ctx, func() error {
		row := p.db.QueryRowContext(ctx, `SELECT content FROM defaults WHERE defaults_hash = $1`, defaultsHash)
		return row.Scan(&content)
	})
	if err != nil {
		return "", xerrors.Errorf("get defaults: %w", err)
	}
	return content, nil
}

func (p *Postgres) InsertProfiles(ctx context.Context, key SubtargetKey, defaultPackages []string, profiles []Profile) error {
	return withRetry(ctx, func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `
INSERT INTO subtarget (distro, version, target, subtarget, default_packages, last_refreshed) VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (distro, version, target, subtarget) DO UPDATE SET default_packages = $5, last_refreshed = NOW()`,
			key.Distro, key.Version, key.Target, key.Subtarget, joinPackages(defaultPackages)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM profile WHERE distro = $1 AND version = $2 AND target = $3 AND subtarget = $4`,
			key.Distro, key.Version, key.Target, key.Subtarget); err != nil {
			return err
		}
		for _, prof := range profiles {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO profile (distro, version, target, subtarget, name, description, packages)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				key.Distro, key.Version, key.Target, key.Subtarget, prof.Name, prof.Description, joinPackages(prof.Packages)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (p *Postgres) InsertPackagesAvailable(ctx context.Context, key SubtargetKey, packages []PackageVersion) error {
	return withRetry(ctx, func() error {
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM package_available WHERE distro = $1 AND version = $2 AND target = $3 AND subtarget = $4`,
			key.Distro, key.Version, key.Target, key.Subtarget); err != nil {
			return err
		}
		for _, pkg := range packages {
			if _, err := tx.ExecContext(ctx, `
INSERT INTO package_available (distro, version, target, subtarget, name, version, description)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				key.Distro, key.Version, key.Target, key.Subtarget, pkg.Name, pkg.Version, pkg.Description); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func (p *Postgres) InsertSupported(ctx context.Context, key SubtargetKey, supported bool) error {
	return withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx, `
INSERT INTO subtarget (distro, version, target, subtarget, supported, last_refreshed) VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (distro, version, target, subtarget) DO UPDATE SET supported = $5, last_refreshed = NOW()`,
			key.Distro, key.Version, key.Target, key.Subtarget, supported)
		return err
	})
}

func (p *Postgres) GetOutdatedSnapshots(ctx context.Context, ttl time.Duration) ([]Image, error) {
	return p.queryImages(ctx, `
SELECT image_hash, manifest_hash, distro, version, target, subtarget, profile, dir, sysupgrade, build_seconds, created_at, kind
FROM image WHERE kind = $1 AND created_at < NOW() - $2::interval`, KindSnapshot, ttl.String())
}

func (p *Postgres) GetOutdatedCustoms(ctx context.Context, ttl time.Duration) ([]Image, error) {
	return p.queryImages(ctx, `
SELECT image_hash, manifest_hash, distro, version, target, subtarget, profile, dir, sysupgrade, build_seconds, created_at, kind
FROM image WHERE kind = $1 AND created_at < NOW() - $2::interval`, KindCustom, ttl.String())
}

func (p *Postgres) queryImages(ctx context.Context, query string, args ...interface{}) ([]Image, error) {
	var out []Image
	err := withRetry(ctx, func() error {
		out = nil
		rows, err := p.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var img Image
			if err := rows.Scan(&img.ImageHash, &img.ManifestHash, &img.Distro, &img.Version, &img.Target,
				&img.Subtarget, &img.Profile, &img.Dir, &img.Sysupgrade, &img.BuildSeconds, &img.CreatedAt, &img.Kind); err != nil {
				return err
			}
			out = append(out, img)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, xerrors.Errorf("query images: %w", err)
	}
	return out, nil
}

func (p *Postgres) GetOutdatedManifests(ctx context.Context) ([]string, error) {
	var out []string
	err := withRetry(ctx, func() error {
		out = nil
		rows, err := p.db.QueryContext(ctx, `
SELECT m.manifest_hash FROM manifest m
LEFT JOIN image i ON i.manifest_hash = m.manifest_hash
WHERE i.manifest_hash IS NULL`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return err
			}
			out = append(out, h)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, xerrors.Errorf("outdated manifests: %w", err)
	}
	return out, nil
}

func (p *Postgres) DelImage(ctx context.Context, imageHash string) error {
	return withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx, `DELETE FROM image WHERE image_hash = $1`, imageHash)
		return err
	})
}

func (p *Postgres) DelManifest(ctx context.Context, manifestHash string) error {
	return withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx, `DELETE FROM manifest WHERE manifest_hash = $1`, manifestHash)
		return err
	})
}

func (p *Postgres) DelOutdatedRequest(ctx context.Context, ttl time.Duration) error {
	return withRetry(ctx, func() error {
		_, err := p.db.ExecContext(ctx, `
DELETE FROM image_requests
WHERE status NOT IN ($1, $3) AND created_at < NOW() - $2::interval`, StatusRequested, ttl.String(), StatusBuilding)
		return err
	})
}

func (p *Postgres) CheckPackages(ctx context.Context, key SubtargetKey, packages []string) ([]string, error) {
	if len(packages) == 0 {
		return nil, nil
	}
	var unknown []string
	err := withRetry(ctx, func() error {
		unknown = nil
		rows, err := p.db.QueryContext(ctx, `
SELECT u.name FROM unnest($5::text[]) AS u(name)
LEFT JOIN package_available pa
  ON pa.distro = $1 AND pa.version = $2 AND pa.target = $3 AND pa.subtarget = $4 AND pa.name = u.name
WHERE pa.name IS NULL`, key.Distro, key.Version, key.Target, key.Subtarget, pq.Array(packages))
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			unknown = append(unknown, name)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, xerrors.Errorf("check packages: %w", err)
	}
	return unknown, nil
}

func (p *Postgres) SysupgradeSupported(ctx context.Context, key SubtargetKey) (*bool, error) {
	var supported bool
	err := withRetry(ctx, func() error {
		row := p.db.QueryRowContext(ctx, `
SELECT supported FROM subtarget WHERE distro = $1 AND version = $2 AND target = $3 AND subtarget = $4`,
			key.Distro, key.Version, key.Target, key.Subtarget)
		return row.Scan(&supported)
	})
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("sysupgrade supported: %w", err)
	}
	return &supported, nil
}

func (p *Postgres) SweepStuckBuilds(ctx context.Context) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := p.db.ExecContext(ctx,
			`UPDATE image_requests SET status = $1 WHERE status = $2`, StatusRequested, StatusBuilding)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, xerrors.Errorf("sweep stuck builds: %w", err)
	}
	return n, nil
}

func splitPackages(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinPackages(pkgs []string) string {
	return strings.Join(pkgs, ",")
}

