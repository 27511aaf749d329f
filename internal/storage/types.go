package storage

import (
	"errors"
	"time"

	"covidbot/internal/delivery"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("storage: not found")
)

// DateLayout is the storage format of district_data.date.
const DateLayout = "2006-01-02"

// Config configures the sqlite database.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}

// User is a subscriber.
type User struct {
	ID         int64
	PlatformID delivery.Recipient
	// LastUpdate is the data date the user last received a report for.
	LastUpdate    time.Time
	Activated     bool
	Language      string
	Subscriptions []int
}

// District is an administrative area identified by its RS key.
type District struct {
	RS     int    `db:"rs"`
	Name   string `db:"name"`
	Type   string `db:"type"`
	Parent int    `db:"parent"`
}

// DistrictData is one day of figures for a district.
type DistrictData struct {
	RS          int
	Date        time.Time
	Incidence   float64
	TotalCases  int
	NewCases    int
	TotalDeaths int
	NewDeaths   int
}

// DistrictReport is the latest day of a district plus the day before (if any).
type DistrictReport struct {
	District District
	Current  DistrictData
	Previous *DistrictData
}
