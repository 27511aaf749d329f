package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"covidbot/internal/delivery"
	"covidbot/pkg/logx"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "db", "covid.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func day(s string) time.Time {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedData(t *testing.T, st *Store) {
	t.Helper()
	ctx := context.Background()
	districts := []District{
		{RS: 11, Name: "Berlin", Type: "Bundesland"},
		{RS: 11000, Name: "Berlin", Type: "Kreisfreie Stadt", Parent: 11},
		{RS: 2, Name: "Hamburg", Type: "Bundesland"},
		{RS: 2000, Name: "Hamburg", Type: "Kreisfreie Stadt", Parent: 2},
	}
	data := []DistrictData{
		{RS: 11000, Date: day("2021-01-01"), Incidence: 110.5, NewCases: 900, NewDeaths: 12},
		{RS: 11000, Date: day("2021-01-02"), Incidence: 120.25, NewCases: 1000, NewDeaths: 10},
		{RS: 2000, Date: day("2021-01-02"), Incidence: 80, NewCases: 300, NewDeaths: 2},
	}
	if err := st.ImportDistrictData(ctx, districts, data); err != nil {
		t.Fatalf("ImportDistrictData: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{}, logx.Nop()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestSubscriptions(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	added, err := st.AddSubscription(ctx, "100", 11000)
	if err != nil || !added {
		t.Fatalf("AddSubscription = %v, %v", added, err)
	}
	added, err = st.AddSubscription(ctx, "100", 11000)
	if err != nil || added {
		t.Fatalf("duplicate AddSubscription = %v, %v", added, err)
	}
	if _, err := st.AddSubscription(ctx, "100", 2000); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}

	u, err := st.User(ctx, "100")
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if !u.Activated || len(u.Subscriptions) != 2 || u.Subscriptions[0] != 2000 {
		t.Fatalf("user = %+v", u)
	}

	removed, err := st.RemoveSubscription(ctx, "100", 2000)
	if err != nil || !removed {
		t.Fatalf("RemoveSubscription = %v, %v", removed, err)
	}
	removed, err = st.RemoveSubscription(ctx, "100", 2000)
	if err != nil || removed {
		t.Fatalf("second RemoveSubscription = %v, %v", removed, err)
	}
	if _, err := st.User(ctx, "404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestRemoveRecipient(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if _, err := st.AddSubscription(ctx, "1", 11000); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if _, err := st.AddSubscription(ctx, "2", 11000); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if err := st.RemoveRecipient(ctx, "1"); err != nil {
		t.Fatalf("RemoveRecipient: %v", err)
	}
	users, err := st.Users(ctx)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 1 || users[0].PlatformID != "2" || len(users[0].Subscriptions) != 1 {
		t.Fatalf("users = %+v", users)
	}
	// unknown recipients are not an error
	if err := st.RemoveRecipient(ctx, "nobody"); err != nil {
		t.Fatalf("RemoveRecipient unknown: %v", err)
	}
}

func TestRemapRecipient(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if _, err := st.AddSubscription(ctx, "-1", 11000); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if _, err := st.EnsureUser(ctx, "-100300"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}

	tests := []struct {
		name     string
		from, to delivery.Recipient
		want     bool
	}{
		{name: "target taken", from: "-1", to: "-100300", want: false},
		{name: "unknown source", from: "-2", to: "-100400", want: false},
		{name: "moved", from: "-1", to: "-100200", want: true},
	}
	for _, tt := range tests {
		got, err := st.RemapRecipient(ctx, tt.from, tt.to)
		if err != nil {
			t.Fatalf("%s: RemapRecipient: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: RemapRecipient = %v, want %v", tt.name, got, tt.want)
		}
	}
	u, err := st.User(ctx, "-100200")
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if len(u.Subscriptions) != 1 || u.Subscriptions[0] != 11000 {
		t.Fatalf("subscriptions not carried over: %+v", u)
	}
}

func TestDisableEnable(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	for _, id := range []delivery.Recipient{"1", "2"} {
		if _, err := st.EnsureUser(ctx, id); err != nil {
			t.Fatalf("EnsureUser: %v", err)
		}
	}
	if err := st.DisableRecipient(ctx, "1"); err != nil {
		t.Fatalf("DisableRecipient: %v", err)
	}
	active, err := st.ActiveRecipients(ctx)
	if err != nil {
		t.Fatalf("ActiveRecipients: %v", err)
	}
	if len(active) != 1 || active[0] != "2" {
		t.Fatalf("active = %v", active)
	}
	if err := st.EnableRecipient(ctx, "1"); err != nil {
		t.Fatalf("EnableRecipient: %v", err)
	}
	if active, _ = st.ActiveRecipients(ctx); len(active) != 2 {
		t.Fatalf("active after enable = %v", active)
	}
}

func TestDistrictDataAndMarkDelivered(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()

	last, err := st.LastDataUpdate(ctx)
	if err != nil || !last.IsZero() {
		t.Fatalf("LastDataUpdate on empty db = %v, %v", last, err)
	}
	if _, err := st.AddSubscription(ctx, "1", 11000); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	// no data yet: marker stays untouched
	if err := st.MarkDelivered(ctx, "1", time.Time{}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	seedData(t, st)
	last, err = st.LastDataUpdate(ctx)
	if err != nil || !last.Equal(day("2021-01-02")) {
		t.Fatalf("LastDataUpdate = %v, %v", last, err)
	}

	rep, err := st.DistrictReport(ctx, 11000)
	if err != nil {
		t.Fatalf("DistrictReport: %v", err)
	}
	if rep.District.Parent != 11 || rep.Current.Incidence != 120.25 || rep.Previous == nil || rep.Previous.NewCases != 900 {
		t.Fatalf("report = %+v", rep)
	}
	rep, err = st.DistrictReport(ctx, 2000)
	if err != nil || rep.Previous != nil {
		t.Fatalf("single day report = %+v, %v", rep, err)
	}
	if _, err := st.DistrictReport(ctx, 11); !errors.Is(err, ErrNotFound) {
		t.Fatalf("district without data err = %v", err)
	}

	if err := st.MarkDelivered(ctx, "1", time.Time{}); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	u, err := st.User(ctx, "1")
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if !u.LastUpdate.Equal(last) {
		t.Fatalf("last update = %v, want %v", u.LastUpdate, last)
	}
}

func TestMarkDeliveredUsesReportDate(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if _, err := st.AddSubscription(ctx, "1", 11000); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	// data for 2021-01-02 exists, but the report was built for 2021-01-01
	seedData(t, st)
	if err := st.MarkDelivered(ctx, "1", day("2021-01-01")); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	u, err := st.User(ctx, "1")
	if err != nil {
		t.Fatalf("User: %v", err)
	}
	if !u.LastUpdate.Equal(day("2021-01-01")) {
		t.Fatalf("last update = %v, want report date", u.LastUpdate)
	}

	if err := st.MarkDelivered(ctx, "1", day("2020-12-31")); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if u, _ = st.User(ctx, "1"); !u.LastUpdate.Equal(day("2021-01-01")) {
		t.Fatalf("marker moved backwards to %v", u.LastUpdate)
	}
}

func TestPutDistrictDataUpserts(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	ctx := context.Background()
	if err := st.PutDistrict(ctx, District{RS: 5, Name: "Köln"}); err != nil {
		t.Fatalf("PutDistrict: %v", err)
	}
	for _, inc := range []float64{10, 20} {
		if err := st.PutDistrictData(ctx, DistrictData{RS: 5, Date: day("2021-03-01"), Incidence: inc}); err != nil {
			t.Fatalf("PutDistrictData: %v", err)
		}
	}
	rep, err := st.DistrictReport(ctx, 5)
	if err != nil {
		t.Fatalf("DistrictReport: %v", err)
	}
	if rep.Current.Incidence != 20 || rep.Previous != nil {
		t.Fatalf("report = %+v", rep)
	}
}

func TestFindDistricts(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	seedData(t, st)
	ctx := context.Background()

	got, err := st.FindDistricts(ctx, "ham")
	if err != nil {
		t.Fatalf("FindDistricts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("partial match = %+v", got)
	}
	got, err = st.FindDistricts(ctx, "50%")
	if err != nil || len(got) != 0 {
		t.Fatalf("wildcards must be escaped: %+v, %v", got, err)
	}
	if got, _ = st.FindDistricts(ctx, "  "); got != nil {
		t.Fatalf("blank query = %+v", got)
	}
}

func TestStatistics(t *testing.T) {
	t.Parallel()
	st := openTest(t)
	seedData(t, st)
	ctx := context.Background()
	for _, sub := range []struct {
		id delivery.Recipient
		rs int
	}{{"1", 11000}, {"1", 2000}, {"2", 11000}, {"3", 11000}} {
		if _, err := st.AddSubscription(ctx, sub.id, sub.rs); err != nil {
			t.Fatalf("AddSubscription: %v", err)
		}
	}
	stats, err := st.Statistics(ctx, 10)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.Users != 3 || stats.MaxSubscriptions != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(stats.Top) != 2 || stats.Top[0].RS != 11000 || stats.Top[0].Count != 3 {
		t.Fatalf("top = %+v", stats.Top)
	}
}
