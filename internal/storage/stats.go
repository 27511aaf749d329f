package storage

import (
	"context"
	"fmt"
)

// RankedDistrict is a district with its number of subscribers.
type RankedDistrict struct {
	RS    int    `db:"rs"`
	Name  string `db:"name"`
	Count int    `db:"subscribers"`
}

// Statistics summarizes bot usage.
type Statistics struct {
	Users             int
	MeanSubscriptions float64
	MaxSubscriptions  int
	Top               []RankedDistrict
}

// Statistics returns usage numbers and the top n subscribed districts.
func (s *Store) Statistics(ctx context.Context, n int) (Statistics, error) {
	var st Statistics
	if err := s.db.GetContext(ctx, &st.Users, `SELECT COUNT(*) FROM bot_user`); err != nil {
		return st, fmt.Errorf("count users: %w", err)
	}
	var agg struct {
		Mean float64 `db:"mean"`
		Max  int     `db:"max"`
	}
	if err := s.db.GetContext(ctx, &agg, `
		SELECT COALESCE(AVG(c), 0) AS mean, COALESCE(MAX(c), 0) AS max
		FROM (SELECT COUNT(*) AS c FROM subscriptions GROUP BY user_id)`); err != nil {
		return st, fmt.Errorf("subscription stats: %w", err)
	}
	st.MeanSubscriptions, st.MaxSubscriptions = agg.Mean, agg.Max
	if err := s.db.SelectContext(ctx, &st.Top, `
		SELECT s.rs AS rs, d.name AS name, COUNT(*) AS subscribers
		FROM subscriptions s JOIN districts d ON d.rs = s.rs
		GROUP BY s.rs, d.name
		ORDER BY subscribers DESC, d.name
		LIMIT ?`, n); err != nil {
		return st, fmt.Errorf("ranked districts: %w", err)
	}
	return st, nil
}
