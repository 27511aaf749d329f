package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	upsertDistrict = `INSERT INTO districts (rs, name, type, parent) VALUES (?, ?, ?, ?)
ON CONFLICT(rs) DO UPDATE SET name = excluded.name, type = excluded.type, parent = excluded.parent`

	upsertData = `INSERT INTO district_data (rs, date, incidence, total_cases, new_cases, total_deaths, new_deaths)
VALUES (:rs, :date, :incidence, :total_cases, :new_cases, :total_deaths, :new_deaths)
ON CONFLICT(rs, date) DO UPDATE SET
  incidence = excluded.incidence,
  total_cases = excluded.total_cases,
  new_cases = excluded.new_cases,
  total_deaths = excluded.total_deaths,
  new_deaths = excluded.new_deaths`
)

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// PutDistrict inserts or updates a district.
func (s *Store) PutDistrict(ctx context.Context, d District) error {
	_, err := s.db.ExecContext(ctx, upsertDistrict, d.RS, d.Name, d.Type, nullInt(d.Parent))
	if err != nil {
		return fmt.Errorf("put district %d: %w", d.RS, err)
	}
	return nil
}

type districtRow struct {
	RS     int            `db:"rs"`
	Name   string         `db:"name"`
	Type   sql.NullString `db:"type"`
	Parent sql.NullInt64  `db:"parent"`
}

func (r districtRow) district() District {
	return District{RS: r.RS, Name: r.Name, Type: r.Type.String, Parent: int(r.Parent.Int64)}
}

func (s *Store) District(ctx context.Context, rs int) (District, error) {
	var row districtRow
	err := s.db.GetContext(ctx, &row, `SELECT rs, name, type, parent FROM districts WHERE rs = ?`, rs)
	if errors.Is(err, sql.ErrNoRows) {
		return District{}, ErrNotFound
	}
	if err != nil {
		return District{}, err
	}
	return row.district(), nil
}

// FindDistricts matches names case-insensitively; an exact match wins.
func (s *Store) FindDistricts(ctx context.Context, query string) ([]District, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	var rows []districtRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT rs, name, type, parent FROM districts WHERE name LIKE ? ESCAPE '\' ORDER BY name LIMIT 25`,
		"%"+escapeLike(query)+"%"); err != nil {
		return nil, err
	}
	out := make([]District, 0, len(rows))
	for _, r := range rows {
		if strings.EqualFold(r.Name, query) {
			return []District{r.district()}, nil
		}
		out = append(out, r.district())
	}
	return out, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// PutDistrictData inserts or replaces one day of figures.
func (s *Store) PutDistrictData(ctx context.Context, d DistrictData) error {
	_, err := s.db.NamedExecContext(ctx, upsertData, toDataRow(d))
	if err != nil {
		return fmt.Errorf("put district data %d/%s: %w", d.RS, d.Date.Format(DateLayout), err)
	}
	return nil
}

type dataRow struct {
	RS          int     `db:"rs"`
	Date        string  `db:"date"`
	Incidence   float64 `db:"incidence"`
	TotalCases  int     `db:"total_cases"`
	NewCases    int     `db:"new_cases"`
	TotalDeaths int     `db:"total_deaths"`
	NewDeaths   int     `db:"new_deaths"`
}

func toDataRow(d DistrictData) dataRow {
	return dataRow{
		RS:          d.RS,
		Date:        d.Date.UTC().Format(DateLayout),
		Incidence:   d.Incidence,
		TotalCases:  d.TotalCases,
		NewCases:    d.NewCases,
		TotalDeaths: d.TotalDeaths,
		NewDeaths:   d.NewDeaths,
	}
}

func (r dataRow) data() (DistrictData, error) {
	day, err := time.Parse(DateLayout, r.Date)
	if err != nil {
		return DistrictData{}, fmt.Errorf("bad date %q: %w", r.Date, err)
	}
	return DistrictData{
		RS:          r.RS,
		Date:        day,
		Incidence:   r.Incidence,
		TotalCases:  r.TotalCases,
		NewCases:    r.NewCases,
		TotalDeaths: r.TotalDeaths,
		NewDeaths:   r.NewDeaths,
	}, nil
}

// LastDataUpdate returns the most recent data date, or the zero time if
// there is no data yet.
func (s *Store) LastDataUpdate(ctx context.Context) (time.Time, error) {
	var last sql.NullString
	if err := s.db.GetContext(ctx, &last, `SELECT MAX(date) FROM district_data`); err != nil {
		return time.Time{}, err
	}
	if !last.Valid || last.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(DateLayout, last.String)
}

// DistrictReport returns the latest two days for a district.
func (s *Store) DistrictReport(ctx context.Context, rs int) (DistrictReport, error) {
	d, err := s.District(ctx, rs)
	if err != nil {
		return DistrictReport{}, err
	}
	var rows []dataRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT rs, date, incidence, total_cases, new_cases, total_deaths, new_deaths
		 FROM district_data WHERE rs = ? ORDER BY date DESC LIMIT 2`, rs); err != nil {
		return DistrictReport{}, err
	}
	if len(rows) == 0 {
		return DistrictReport{}, ErrNotFound
	}
	rep := DistrictReport{District: d}
	if rep.Current, err = rows[0].data(); err != nil {
		return DistrictReport{}, err
	}
	if len(rows) > 1 {
		prev, err := rows[1].data()
		if err != nil {
			return DistrictReport{}, err
		}
		rep.Previous = &prev
	}
	return rep, nil
}

// ImportDistrictData stores districts and figures in one transaction.
// Parent districts must precede their children.
func (s *Store) ImportDistrictData(ctx context.Context, districts []District, data []DistrictData) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, d := range districts {
			if _, err := tx.ExecContext(ctx, upsertDistrict, d.RS, d.Name, d.Type, nullInt(d.Parent)); err != nil {
				return fmt.Errorf("district %d: %w", d.RS, err)
			}
		}
		for _, d := range data {
			if _, err := tx.NamedExecContext(ctx, upsertData, toDataRow(d)); err != nil {
				return fmt.Errorf("data %d: %w", d.RS, err)
			}
		}
		return nil
	})
}
