package pipeline

import (
	"context"
	"fmt"

	"changeobserver/internal/marker"
	"changeobserver/internal/notifier"
	logx "changeobserver/pkg/logx"
)

func (p *Pipeline) notifyOne(ctx context.Context, log logx.Logger, m marker.Marker, mr *MarkerResult) {
	log = log.With(logx.String("marker_id", m.ID))

	if !m.Compared() {
		log.Debug("marker has no change to report yet", logx.Int("observations", len(m.DetectedObjects)))
		mr.Notify = OutcomeIneligible
		return
	}
	eligible, err := m.UpdatedWithin(p.now(), p.cfg.Eligibility)
	if err != nil {
		log.Warn("marker not eligible: bad updatedAt", logx.String("updated_at", m.UpdatedAt), logx.Err(err))
		mr.Notify = OutcomeIneligible
		return
	}
	if !eligible {
		log.Debug("marker not changed recently", logx.String("updated_at", m.UpdatedAt))
		mr.Notify = OutcomeIneligible
		return
	}
	if len(m.SubscribedEmails) == 0 {
		log.Info("marker changed but has no subscribers")
		mr.Notify = OutcomeNoSubs
		return
	}

	text := Message(m)
	for _, email := range m.SubscribedEmails {
		err := p.deps.Dispatcher.Deliver(ctx, notifier.Notification{
			Channel:   p.cfg.Channel,
			MarkerID:  m.ID,
			Recipient: email,
			Subject:   notifier.Subject,
			Text:      text,
		})
		if err != nil {
			mr.Failed++
			log.Error("subscriber notification failed", logx.String("subscriber", email), logx.Err(err))
			continue
		}
		mr.Sent++
	}
	mr.Notify = OutcomeNotified
	log.Info("subscribers notified", logx.Int("sent", mr.Sent), logx.Int("failed", mr.Failed))
}

// Message is the body sent to a marker's subscribers.
func Message(m marker.Marker) string {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	body := fmt.Sprintf("Marker %q (%s) at %s\n\n%s", name, m.ID, m.Coordinate.String(), m.Status)
	if m.CurrentImage != nil && m.CurrentImage.URL != "" {
		body += "\n\nLatest image: " + m.CurrentImage.URL
	}
	return body
}
