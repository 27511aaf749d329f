package delivery

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the delivery counters. A nil *Metrics is a no-op.
type Metrics struct {
	SentMessages     prometheus.Counter
	SentImages       prometheus.Counter
	ReceivedMessages prometheus.Counter
	Outcomes         *prometheus.CounterVec
}

// NewMetrics registers the counters on reg (nil uses a private registry).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		SentMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "covidbot",
			Name:      "sent_messages_total",
			Help:      "Text messages sent to users.",
		}),
		SentImages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "covidbot",
			Name:      "sent_images_total",
			Help:      "Images sent to users.",
		}),
		ReceivedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "covidbot",
			Name:      "received_messages_total",
			Help:      "Messages and callbacks received from users.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "covidbot",
			Name:      "delivery_outcomes_total",
			Help:      "Per-recipient delivery outcomes.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.SentMessages, m.SentImages, m.ReceivedMessages, m.Outcomes)
	return m
}

func (m *Metrics) messageSent() {
	if m != nil {
		m.SentMessages.Inc()
	}
}

func (m *Metrics) imagesSent(n int) {
	if m != nil && n > 0 {
		m.SentImages.Add(float64(n))
	}
}

// MessageReceived is called by transports for every inbound message.
func (m *Metrics) MessageReceived() {
	if m != nil {
		m.ReceivedMessages.Inc()
	}
}

func (m *Metrics) outcome(s Status) {
	if m != nil {
		m.Outcomes.WithLabelValues(s.String()).Inc()
	}
}
