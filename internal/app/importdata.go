package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"covidbot/internal/storage"
)

// dataFile is the import format for district figures:
//
//	{"districts": [{"rs": 11000, "name": "Berlin", "type": "Bundesland"}],
//	 "data": [{"rs": 11000, "date": "2021-01-02", "incidence": 98.5, ...}]}
type dataFile struct {
	Districts []struct {
		RS     int    `json:"rs"`
		Name   string `json:"name"`
		Type   string `json:"type"`
		Parent int    `json:"parent"`
	} `json:"districts"`
	Data []struct {
		RS          int     `json:"rs"`
		Date        string  `json:"date"`
		Incidence   float64 `json:"incidence"`
		TotalCases  int     `json:"total_cases"`
		NewCases    int     `json:"new_cases"`
		TotalDeaths int     `json:"total_deaths"`
		NewDeaths   int     `json:"new_deaths"`
	} `json:"data"`
}

func parseDataFile(r io.Reader) ([]storage.District, []storage.DistrictData, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var f dataFile
	if err := dec.Decode(&f); err != nil {
		return nil, nil, fmt.Errorf("decode data file: %w", err)
	}

	districts := make([]storage.District, 0, len(f.Districts))
	for i, d := range f.Districts {
		if d.RS <= 0 || d.Name == "" {
			return nil, nil, fmt.Errorf("districts[%d]: rs and name are required", i)
		}
		districts = append(districts, storage.District{RS: d.RS, Name: d.Name, Type: d.Type, Parent: d.Parent})
	}
	data := make([]storage.DistrictData, 0, len(f.Data))
	for i, d := range f.Data {
		if d.RS <= 0 {
			return nil, nil, fmt.Errorf("data[%d]: rs is required", i)
		}
		date, err := time.Parse(storage.DateLayout, d.Date)
		if err != nil {
			return nil, nil, fmt.Errorf("data[%d]: %w", i, err)
		}
		data = append(data, storage.DistrictData{
			RS:          d.RS,
			Date:        date,
			Incidence:   d.Incidence,
			TotalCases:  d.TotalCases,
			NewCases:    d.NewCases,
			TotalDeaths: d.TotalDeaths,
			NewDeaths:   d.NewDeaths,
		})
	}
	if len(districts) == 0 && len(data) == 0 {
		return nil, nil, errors.New("data file is empty")
	}
	return districts, data, nil
}
