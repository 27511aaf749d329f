package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"covidbot/internal/delivery"
	"covidbot/internal/format"
	"covidbot/internal/storage"
	"covidbot/pkg/logx"
)

// Source is the read side of the store used to build reports.
type Source interface {
	Users(ctx context.Context) ([]storage.User, error)
	LastDataUpdate(ctx context.Context) (time.Time, error)
	DistrictReport(ctx context.Context, rs int) (storage.DistrictReport, error)
}

type Option func(*Producer)

// WithGraphs attaches images (paths or URLs) to every daily report.
func WithGraphs(paths ...string) Option {
	return func(p *Producer) { p.graphs = append([]string(nil), paths...) }
}

// Producer builds daily reports for subscribers.
type Producer struct {
	src Source
	log logx.Logger

	mu     sync.RWMutex
	graphs []string
}

// SetGraphs replaces the images attached to reports built from now on.
func (p *Producer) SetGraphs(paths []string) {
	p.mu.Lock()
	p.graphs = append([]string(nil), paths...)
	p.mu.Unlock()
}

func NewProducer(src Source, log logx.Logger, opts ...Option) *Producer {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Producer{src: src, log: log.With(logx.String("comp", "report"))}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Pending returns one report per activated user with subscriptions whose
// last notification predates the newest data. The batch is empty when no
// data exists.
func (p *Producer) Pending(ctx context.Context) (delivery.Batch, error) {
	last, err := p.src.LastDataUpdate(ctx)
	if err != nil {
		return nil, fmt.Errorf("last data update: %w", err)
	}
	if last.IsZero() {
		return nil, nil
	}
	users, err := p.src.Users(ctx)
	if err != nil {
		return nil, err
	}

	var batch delivery.Batch
	for _, u := range users {
		if !u.Activated || len(u.Subscriptions) == 0 {
			continue
		}
		if !u.LastUpdate.IsZero() && !u.LastUpdate.Before(last) {
			continue
		}
		resp, err := p.Report(ctx, last, u.Subscriptions)
		if err != nil {
			return nil, err
		}
		batch = append(batch, delivery.Entry{Recipient: u.PlatformID, Response: resp, AsOf: last})
	}
	p.log.Debug("pending reports", logx.Int("count", len(batch)), logx.String("data_date", last.Format(storage.DateLayout)))
	return batch, nil
}

// Report renders the daily report for the given subscriptions. Districts
// without data are skipped.
func (p *Producer) Report(ctx context.Context, date time.Time, subscriptions []int) (format.Response, error) {
	var lines []line
	for _, rs := range subscriptions {
		rep, err := p.src.DistrictReport(ctx, rs)
		if errors.Is(err, storage.ErrNotFound) {
			p.log.Debug("no data for district", logx.Int("rs", rs))
			continue
		}
		if err != nil {
			return format.Response{}, fmt.Errorf("district %d: %w", rs, err)
		}
		lines = append(lines, lineOf(rep))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>Corona-Bericht vom %s</b>\n\n", date.Format("02.01.2006"))
	if len(lines) == 0 {
		b.WriteString("Für deine abonnierten Orte liegen keine Daten vor.")
	} else {
		b.WriteString("<b>🦠 Infektionszahlen</b>\n")
		b.WriteString("Die 7-Tage-Inzidenz sowie die Neuinfektionen und Todesfälle seit gestern:\n")
		writeGroups(&b, lines)
	}
	p.mu.RLock()
	graphs := p.graphs
	p.mu.RUnlock()
	return format.Response{Message: strings.TrimRight(b.String(), "\n"), Images: graphs}, nil
}

type line struct {
	name      string
	incidence float64
	text      string
}

func lineOf(rep storage.DistrictReport) line {
	cur := rep.Current
	trend := TrendNone
	if rep.Previous != nil {
		trend = TrendOf(cur.Incidence, rep.Previous.Incidence)
	}
	return line{
		name:      rep.District.Name,
		incidence: cur.Incidence,
		text: fmt.Sprintf("%s: %s%s (%s, %s)",
			rep.District.Name,
			FormatFloat(cur.Incidence), trend,
			FormatNoun(cur.NewCases, NounInfections),
			FormatNoun(cur.NewDeaths, NounDeaths)),
	}
}

// Incidence thresholds used to group districts, highest first.
var thresholds = []int{200, 100, 50, 35, 0}

func writeGroups(b *strings.Builder, lines []line) {
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].name < lines[j].name })
	for _, th := range thresholds {
		var group []line
		for _, l := range lines {
			if groupOf(l.incidence) == th {
				group = append(group, l)
			}
		}
		if len(group) == 0 {
			continue
		}
		if th > 0 {
			fmt.Fprintf(b, "\n<i>Inzidenz über %d:</i>\n", th)
		} else {
			b.WriteString("\n<i>Inzidenz bis 35:</i>\n")
		}
		for _, l := range group {
			b.WriteString("• ")
			b.WriteString(l.text)
			b.WriteString("\n")
		}
	}
}

func groupOf(incidence float64) int {
	for _, th := range thresholds {
		if incidence > float64(th) {
			return th
		}
	}
	return 0
}
