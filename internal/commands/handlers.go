package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"covidbot/internal/delivery"
	"covidbot/internal/format"
	"covidbot/internal/report"
	"covidbot/internal/storage"
)

// maxChoices caps how many matching districts are offered as buttons.
const maxChoices = 15

func (r *Router) builtin() []Command {
	return []Command{
		{Name: "start", Handle: r.start},
		{Name: "hilfe", Aliases: []string{"help"}, Description: "Überblick über alle Funktionen", Handle: r.help},
		{Name: "abo", Description: "Ort abonnieren oder Abos anzeigen", HasArgs: true, Handle: r.subscribe},
		{Name: "beende", Aliases: []string{"lösche"}, Description: "Abo für einen Ort beenden", HasArgs: true, Handle: r.unsubscribe},
		{Name: "daten", Description: "Aktuelle Zahlen für einen Ort", HasArgs: true, Handle: r.districtData},
		{Name: "bericht", Description: "Deinen Tagesbericht abrufen", Handle: r.report},
		{Name: "statistik", Description: "Nutzungsstatistik des Bots", Handle: r.statistics},
		{Name: "loeschmich", Aliases: []string{"löschmich", "stop"}, Description: "Alle deine Daten löschen", Handle: r.askDeleteUser},
	}
}

func (r *Router) start(ctx context.Context, from delivery.Recipient, _ string) ([]format.Response, error) {
	if _, err := r.store.EnsureUser(ctx, from); err != nil {
		return nil, err
	}
	return []format.Response{reply("Hallo,\n" +
		"über diesen Bot kannst du dir die vom Robert-Koch-Institut (RKI) bereitgestellten " +
		"COVID19-Daten anzeigen lassen und sie dauerhaft kostenlos abonnieren. " +
		"Einen Überblick über alle Befehle erhältst du über /hilfe.\n\n" +
		"Schicke einfach eine Nachricht mit dem Ort, für den du Informationen erhalten möchtest. " +
		"Der Ort kann entweder ein Bundesland oder ein Stadt-/Landkreis sein.")}, nil
}

func (r *Router) help(context.Context, delivery.Recipient, string) ([]format.Response, error) {
	return []format.Response{reply("<b>🔎 Orte finden</b>\n" +
		"Schicke einfach eine Nachricht mit dem Ort, für den du Informationen erhalten möchtest.\n\n" +
		"<b>📈 Informationen erhalten</b>\n" +
		"Wählst du \"Daten\" aus, erhältst du einmalig die aktuellen Zahlen für diesen Ort. " +
		"Wählst du \"Starte Abo\" aus, wird dieser Ort in deinem morgendlichen Tagesbericht aufgeführt. " +
		"Du kannst beliebig viele Orte abonnieren!\n\n" +
		"<b>👋 Abmelden</b>\n" +
		"Wenn du keine Nachrichten mehr empfangen möchtest, sende /loeschmich.\n\n" +
		"<b>Weiteres</b>\n" +
		"• Sende /bericht für deinen Tagesbericht\n" +
		"• Sende /abo um deine abonnierten Orte einzusehen\n" +
		"• Sende /statistik für die Nutzungszahlen des Bots")}, nil
}

// resolve finds exactly one district for query. Otherwise it returns the
// response to show instead: a list of choices built by action, or a hint.
func (r *Router) resolve(ctx context.Context, query, action string) (storage.District, *format.Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		resp := reply("Dieser Befehl benötigt eine Ortsangabe.")
		return storage.District{}, &resp, nil
	}
	if rs, err := strconv.Atoi(query); err == nil {
		d, err := r.store.District(ctx, rs)
		if err == nil {
			return d, nil, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return storage.District{}, nil, err
		}
	}

	found, err := r.store.FindDistricts(ctx, query)
	if err != nil {
		return storage.District{}, nil, err
	}
	switch {
	case len(found) == 1:
		return found[0], nil, nil
	case len(found) == 0:
		resp := reply("Leider konnte kein Ort gefunden werden. Bitte beachte, dass Daten nur für Orte " +
			"innerhalb Deutschlands verfügbar sind. Mit /hilfe erhältst du einen Überblick über die " +
			"Funktionsweise des Bots.")
		return storage.District{}, &resp, nil
	case len(found) > maxChoices:
		resp := reply(fmt.Sprintf("Mit deinem Suchbegriff wurden mehr als %d Orte gefunden, "+
			"bitte versuche spezifischer zu sein.", maxChoices))
		return storage.District{}, &resp, nil
	}
	choices := make([]format.Choice, 0, len(found))
	for _, d := range found {
		cmd := fmt.Sprintf("%s %d", action, d.RS)
		choices = append(choices, format.Choice{
			Label:   districtLabel(d),
			Data:    cmd,
			AltText: fmt.Sprintf("%s: %s", districtLabel(d), cmd),
			AltHelp: "Sende den Befehl für den gewünschten Ort.",
		})
	}
	resp := reply("Es wurden mehrere Orte mit diesem oder ähnlichen Namen gefunden:", choices...)
	return storage.District{}, &resp, nil
}

func districtLabel(d storage.District) string {
	if d.Type == "" {
		return d.Name
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Type)
}

func (r *Router) subscribe(ctx context.Context, from delivery.Recipient, args string) ([]format.Response, error) {
	if args == "" {
		return r.overview(ctx, from)
	}
	d, hint, err := r.resolve(ctx, args, "abo")
	if err != nil || hint != nil {
		return responses(hint), err
	}
	added, err := r.store.AddSubscription(ctx, from, d.RS)
	if err != nil {
		return nil, err
	}
	name := html.EscapeString(d.Name)
	if !added {
		return []format.Response{reply(fmt.Sprintf("Du hast %s bereits abonniert.", name))}, nil
	}
	msg := fmt.Sprintf("Dein Abonnement für %s wurde erstellt.", name)
	if u, err := r.store.User(ctx, from); err == nil && len(u.Subscriptions) == 1 {
		msg += " Du kannst beliebig viele weitere Orte abonnieren, sende dafür einfach einen weiteren Ort!"
	}
	out := []format.Response{reply(msg)}
	data, err := r.districtReport(ctx, d.RS)
	if err != nil {
		return nil, err
	}
	return append(out, data...), nil
}

func (r *Router) overview(ctx context.Context, from delivery.Recipient) ([]format.Response, error) {
	u, err := r.store.User(ctx, from)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if len(u.Subscriptions) == 0 {
		return []format.Response{reply("Du hast aktuell <b>keine</b> Orte abonniert. Mit <code>/abo</code> kannst du " +
			"Orte abonnieren, bspw. <code>/abo Dresden</code>")}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Du hast aktuell %s abonniert:\n", report.FormatNoun(len(u.Subscriptions), report.NounDistricts))
	choices := make([]format.Choice, 0, len(u.Subscriptions))
	for _, rs := range u.Subscriptions {
		d, err := r.store.District(ctx, rs)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "• %s\n", html.EscapeString(d.Name))
		choices = append(choices, format.Choice{
			Label:   "Beende Abo für " + d.Name,
			Data:    fmt.Sprintf("beende %d", d.RS),
			AltText: fmt.Sprintf("beende %d", d.RS),
		})
	}
	return []format.Response{reply(strings.TrimRight(b.String(), "\n"), choices...)}, nil
}

func (r *Router) unsubscribe(ctx context.Context, from delivery.Recipient, args string) ([]format.Response, error) {
	d, hint, err := r.resolve(ctx, args, "beende")
	if err != nil || hint != nil {
		return responses(hint), err
	}
	removed, err := r.store.RemoveSubscription(ctx, from, d.RS)
	if err != nil {
		return nil, err
	}
	name := html.EscapeString(d.Name)
	if !removed {
		return []format.Response{reply(fmt.Sprintf("Du hast %s nicht abonniert.", name))}, nil
	}
	return []format.Response{reply(fmt.Sprintf("Dein Abonnement für %s wurde beendet.", name))}, nil
}

func (r *Router) districtData(ctx context.Context, from delivery.Recipient, args string) ([]format.Response, error) {
	d, hint, err := r.resolve(ctx, args, "daten")
	if err != nil || hint != nil {
		return responses(hint), err
	}
	out, err := r.districtReport(ctx, d.RS)
	if err != nil || len(out) == 0 {
		return out, err
	}

	subscribed := false
	if u, err := r.store.User(ctx, from); err == nil {
		for _, rs := range u.Subscriptions {
			subscribed = subscribed || rs == d.RS
		}
	}
	choice := format.Choice{Label: "Starte Abo", Data: fmt.Sprintf("abo %d", d.RS), AltText: fmt.Sprintf("abo %d", d.RS)}
	if subscribed {
		choice = format.Choice{Label: "Beende Abo", Data: fmt.Sprintf("beende %d", d.RS), AltText: fmt.Sprintf("beende %d", d.RS)}
	}
	last := &out[len(out)-1]
	last.Choices = append(last.Choices, choice)
	return out, nil
}

func (r *Router) districtReport(ctx context.Context, rs int) ([]format.Response, error) {
	last, err := r.store.LastDataUpdate(ctx)
	if err != nil {
		return nil, err
	}
	if last.IsZero() {
		return []format.Response{reply("Aktuell liegen noch keine Daten vor.")}, nil
	}
	resp, err := r.reporter.Report(ctx, last, []int{rs})
	if err != nil {
		return nil, err
	}
	return []format.Response{resp}, nil
}

func (r *Router) report(ctx context.Context, from delivery.Recipient, _ string) ([]format.Response, error) {
	u, err := r.store.User(ctx, from)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if len(u.Subscriptions) == 0 {
		return []format.Response{reply("Du hast aktuell keine Orte abonniert. Sende einen Ort, um ihn zu abonnieren.")}, nil
	}
	last, err := r.store.LastDataUpdate(ctx)
	if err != nil {
		return nil, err
	}
	if last.IsZero() {
		return []format.Response{reply("Aktuell liegen noch keine Daten vor.")}, nil
	}
	resp, err := r.reporter.Report(ctx, last, u.Subscriptions)
	if err != nil {
		return nil, err
	}
	return []format.Response{resp}, nil
}

func (r *Router) statistics(ctx context.Context, _ delivery.Recipient, _ string) ([]format.Response, error) {
	st, err := r.store.Statistics(ctx, 10)
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Aktuell nutzen %s diesen Bot.\n\n", report.FormatNoun(st.Users, report.NounPersons))
	if len(st.Top) > 0 {
		b.WriteString("Die Top 10 der beliebtesten Orte sind:\n")
		for i, d := range st.Top {
			abos := "Abos"
			if d.Count == 1 {
				abos = "Abo"
			}
			fmt.Fprintf(&b, "%d. %s (%s %s)\n", i+1, html.EscapeString(d.Name), report.FormatInt(d.Count), abos)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Im Durchschnitt hat ein:e Nutzer:in %s Orte abonniert, die höchste Anzahl an Abos liegt bei %d.",
		report.FormatFloat(st.MeanSubscriptions), st.MaxSubscriptions)
	return []format.Response{reply(b.String())}, nil
}

func (r *Router) askDeleteUser(_ context.Context, from delivery.Recipient, _ string) ([]format.Response, error) {
	r.askDelete(from)
	return []format.Response{reply("Möchtest du den Bot wirklich verlassen und alle deine bei uns gespeicherten Daten löschen?",
		format.Choice{Label: "Ja, alle meine Daten löschen", Data: "ja", AltText: "ja",
			AltHelp: "Antworte mit \"ja\" um alle deine Daten zu löschen."},
		format.Choice{Label: "Nein", Data: "nein", AltText: "nein"},
	)}, nil
}

func (r *Router) deleteUser(ctx context.Context, from delivery.Recipient) ([]format.Response, error) {
	if _, err := r.store.User(ctx, from); errors.Is(err, storage.ErrNotFound) {
		return []format.Response{reply("Zu deinem Account sind keine Daten vorhanden.")}, nil
	} else if err != nil {
		return nil, err
	}
	if err := r.store.RemoveRecipient(ctx, from); err != nil {
		return nil, err
	}
	return []format.Response{reply("Deine Daten wurden erfolgreich gelöscht.")}, nil
}

func responses(r *format.Response) []format.Response {
	if r == nil {
		return nil
	}
	return []format.Response{*r}
}
