package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"covidbot/internal/format"
	"covidbot/internal/ratelimit"
	"covidbot/pkg/logx"
)

type Config struct {
	Limits         format.PlatformLimits
	DisablePreview bool
}

// Deps are the collaborators of a Dispatcher. Transport, Classify and
// Registry are required.
type Deps struct {
	Transport Transport
	Classify  Classifier
	Registry  Registry
	// Batch gates Dispatch; Interactive gates Broadcast and Reply.
	Batch       ratelimit.Admitter
	Interactive ratelimit.Admitter
	Cache       *Cache
	Metrics     *Metrics
	Log         logx.Logger
}

// Summary counts outcomes per status.
type Summary struct {
	Sent      int
	Blocked   int
	Migrated  int
	Transient int
	Fatal     int
}

func (s Summary) Total() int { return s.Sent + s.Blocked + s.Migrated + s.Transient + s.Fatal }

// Result holds the outcomes of one call in processing order.
type Result struct {
	Outcomes []Outcome
	Summary  Summary
	// Skipped counts duplicate recipients that were dropped.
	Skipped int
}

func (r *Result) add(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	switch o.Status {
	case StatusSent:
		r.Summary.Sent++
	case StatusBlocked:
		r.Summary.Blocked++
	case StatusMigrated:
		r.Summary.Migrated++
	case StatusTransient:
		r.Summary.Transient++
	case StatusFatal:
		r.Summary.Fatal++
	}
}

// Dispatcher delivers responses sequentially through one transport.
//
// Calls are serialized: a Dispatch and a Broadcast never interleave sends.
type Dispatcher struct {
	mu sync.Mutex

	cfgMu sync.RWMutex
	cfg   Config

	deps Deps
	log  logx.Logger
}

func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Cache == nil {
		deps.Cache = NewCache()
	}
	if deps.Batch == nil {
		deps.Batch = ratelimit.NewWindow(ratelimit.DefaultBroadcastLimit)
	}
	if deps.Interactive == nil {
		deps.Interactive = ratelimit.NewWindow(ratelimit.DefaultInteractiveLimit)
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "delivery"))}
}

// Apply replaces the limits and send options. It takes effect with the next
// recipient, also inside a running batch.
func (d *Dispatcher) Apply(cfg Config) {
	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

// Cache exposes the file-handle and deleted-message cache.
func (d *Dispatcher) Cache() *Cache { return d.deps.Cache }

// Retire deletes a message whose button was pressed and remembers it, so
// later presses on the same message can be ignored (see Retired). The delete
// takes one slot of the interactive limiter.
func (d *Dispatcher) Retire(ctx context.Context, ref MessageRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.deps.Interactive.Admit(ctx); err != nil {
		return err
	}
	if err := d.deps.Transport.DeleteMessage(ctx, ref); err != nil {
		return err
	}
	d.deps.Cache.markDeleted(ref)
	return nil
}

// Retired reports whether ref was deleted by Retire.
func (d *Dispatcher) Retired(ref MessageRef) bool { return d.deps.Cache.Deleted(ref) }

// Dispatch delivers a batch in order. Each entry takes one slot of the batch
// limiter. The returned error is non-nil when the batch stopped early: a
// wrapped ErrFatalTransport, ErrConfiguration, or the context error.
func (d *Dispatcher) Dispatch(ctx context.Context, batch Batch) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	var res Result
	seen := make(map[Recipient]struct{}, len(batch))
	for _, e := range batch {
		if _, dup := seen[e.Recipient]; dup {
			d.log.Warn("duplicate recipient in batch dropped", logx.String("recipient", string(e.Recipient)))
			res.Skipped++
			continue
		}
		seen[e.Recipient] = struct{}{}

		out, err := d.deliverOne(ctx, d.deps.Batch, e, true)
		if err != nil {
			d.finish("dispatch", res, start)
			return res, err
		}
		res.add(out)
		if out.Status == StatusFatal {
			d.finish("dispatch", res, start)
			return res, fmt.Errorf("%w: %w", ErrFatalTransport, out.Err)
		}
	}
	d.finish("dispatch", res, start)
	return res, nil
}

// Broadcast sends one ad-hoc HTML message to every recipient through the
// interactive limiter.
func (d *Dispatcher) Broadcast(ctx context.Context, text string, recipients []Recipient) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	var res Result
	seen := make(map[Recipient]struct{}, len(recipients))
	resp := format.Response{Message: text, Format: format.TargetHTML}
	for _, r := range recipients {
		if _, dup := seen[r]; dup {
			res.Skipped++
			continue
		}
		seen[r] = struct{}{}

		out, err := d.deliverOne(ctx, d.deps.Interactive, Entry{Recipient: r, Response: resp}, false)
		if err != nil {
			d.finish("broadcast", res, start)
			return res, err
		}
		res.add(out)
		if out.Status == StatusFatal {
			d.finish("broadcast", res, start)
			return res, fmt.Errorf("%w: %w", ErrFatalTransport, out.Err)
		}
	}
	d.finish("broadcast", res, start)
	return res, nil
}

// Reply answers one inbound command. Every response takes one slot of the
// interactive limiter. Sending stops at the first failed response.
func (d *Dispatcher) Reply(ctx context.Context, to Recipient, responses ...format.Response) (Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := Outcome{Recipient: to, Status: StatusSent}
	for _, r := range responses {
		o, err := d.deliverOne(ctx, d.deps.Interactive, Entry{Recipient: to, Response: r}, false)
		if err != nil {
			return o, err
		}
		out = o
		if o.Status == StatusFatal {
			return o, fmt.Errorf("%w: %w", ErrFatalTransport, o.Err)
		}
		if o.Status != StatusSent {
			break
		}
	}
	return out, nil
}

// deliverOne admits, sends and reconciles a single recipient. A non-nil error
// means the caller must stop (context or configuration); transport failures
// are reported through the outcome.
func (d *Dispatcher) deliverOne(ctx context.Context, lim ratelimit.Admitter, e Entry, markDelivered bool) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	to := e.Recipient
	parts, err := format.Plan(e.Response, d.config().Limits)
	if err != nil {
		return Outcome{Recipient: to, Status: StatusFatal, Err: err}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := lim.Admit(ctx); err != nil {
		return Outcome{}, err
	}

	out := d.send(ctx, to, parts)
	d.reconcile(ctx, &out, e.AsOf, markDelivered)
	d.deps.Metrics.outcome(out.Status)
	return out, nil
}

// send performs the transport calls for one response and stops at the first
// error. Follow-up parts share the admitted slot.
func (d *Dispatcher) send(ctx context.Context, to Recipient, parts []format.Part) Outcome {
	tr := d.deps.Transport
	for _, p := range parts {
		var err error
		switch p.Kind {
		case format.PartPhoto:
			err = d.sendPhoto(ctx, to, p)
		case format.PartMediaGroup:
			err = d.sendMediaGroup(ctx, to, p)
		default:
			_, err = tr.SendText(ctx, to, p.Text, TextOptions{
				Target:         p.Target,
				Choices:        p.Choices,
				DisablePreview: d.config().DisablePreview,
			})
			if err == nil {
				d.deps.Metrics.messageSent()
			}
		}
		if err != nil {
			return d.failed(to, p, err)
		}
	}
	return Outcome{Recipient: to, Status: StatusSent}
}

func (d *Dispatcher) sendPhoto(ctx context.Context, to Recipient, p format.Part) error {
	path := p.Images[0]
	img := Image{Path: path, Handle: d.deps.Cache.Get(path)}
	_, h, err := d.deps.Transport.SendPhoto(ctx, to, img, p.Text, p.Target)
	if err != nil {
		return err
	}
	d.deps.Cache.Put(path, h)
	d.deps.Metrics.imagesSent(1)
	if p.Text != "" {
		d.deps.Metrics.messageSent()
	}
	return nil
}

func (d *Dispatcher) sendMediaGroup(ctx context.Context, to Recipient, p format.Part) error {
	imgs := make([]Image, len(p.Images))
	for i, path := range p.Images {
		imgs[i] = Image{Path: path, Handle: d.deps.Cache.Get(path)}
	}
	_, handles, err := d.deps.Transport.SendMediaGroup(ctx, to, imgs)
	if err != nil {
		return err
	}
	for i, h := range handles {
		if i < len(imgs) {
			d.deps.Cache.Put(imgs[i].Path, h)
		}
	}
	d.deps.Metrics.imagesSent(len(imgs))
	return nil
}

func (d *Dispatcher) failed(to Recipient, p format.Part, err error) Outcome {
	c := Classification{Kind: KindFatal}
	if d.deps.Classify != nil {
		c = d.deps.Classify(err)
	}
	reason := c.Reason
	if reason == "" {
		reason = err.Error()
	}
	out := Outcome{Recipient: to, Status: statusFor(c.Kind), Reason: reason, Err: err}
	if c.Kind == KindMigrated {
		out.NewRecipient = c.MigratedTo
	}
	// A rejected file handle would fail every later send of the image.
	if c.Kind == KindTransient && (p.Kind == format.PartPhoto || p.Kind == format.PartMediaGroup) {
		d.deps.Cache.Forget(p.Images...)
	}
	d.log.Debug("send failed",
		logx.String("recipient", string(to)),
		logx.String("part", p.Kind.String()),
		logx.String("kind", c.Kind.String()),
		logx.Err(err),
	)
	return out
}

// reconcile applies registry side effects. Registry errors are logged only.
func (d *Dispatcher) reconcile(ctx context.Context, out *Outcome, asOf time.Time, markDelivered bool) {
	reg := d.deps.Registry
	id := out.Recipient
	rlog := d.log.With(logx.String("recipient", string(id)))

	switch out.Status {
	case StatusSent:
		if !markDelivered || reg == nil {
			return
		}
		if err := reg.MarkDelivered(ctx, id, asOf); err != nil {
			rlog.Error("mark delivered failed", logx.Err(err))
		}
	case StatusBlocked:
		rlog.Warn("recipient unreachable, removing", logx.String("reason", out.Reason))
		if reg == nil {
			return
		}
		if err := reg.RemoveRecipient(ctx, id); err != nil {
			rlog.Error("remove recipient failed", logx.Err(err))
		}
	case StatusMigrated:
		rlog.Info("recipient migrated", logx.String("new_recipient", string(out.NewRecipient)))
		if reg == nil {
			return
		}
		var (
			ok  bool
			err error
		)
		if out.NewRecipient != "" {
			ok, err = reg.RemapRecipient(ctx, id, out.NewRecipient)
			if err != nil {
				rlog.Error("remap recipient failed", logx.Err(err))
			}
		}
		if err != nil || !ok {
			if derr := reg.DisableRecipient(ctx, id); derr != nil {
				rlog.Error("disable recipient failed", logx.Err(derr))
			} else {
				rlog.Warn("recipient disabled after failed remap")
			}
		}
	case StatusTransient:
		rlog.Error("delivery failed, skipping recipient", logx.String("reason", out.Reason), logx.Err(out.Err))
	case StatusFatal:
		rlog.Error("unrecoverable transport error", logx.String("reason", out.Reason), logx.Err(out.Err))
	}
}

func (d *Dispatcher) finish(op string, res Result, start time.Time) {
	fields := []logx.Field{
		logx.String("op", op),
		logx.Int("sent", res.Summary.Sent),
		logx.Int("blocked", res.Summary.Blocked),
		logx.Int("migrated", res.Summary.Migrated),
		logx.Int("transient", res.Summary.Transient),
		logx.Int("fatal", res.Summary.Fatal),
		logx.Duration("dur", time.Since(start)),
	}
	if res.Summary.Total() == 0 && res.Skipped == 0 {
		d.log.Debug("nothing to deliver", fields...)
		return
	}
	if res.Summary.Transient > 0 || res.Summary.Fatal > 0 {
		d.log.Warn("delivery finished with failures", fields...)
		return
	}
	d.log.Info("delivery finished", fields...)
}

// IsFatal reports whether err should shut the process down.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalTransport) || errors.Is(err, ErrConfiguration)
}
