package storage

import (
	"strings"

	"github.com/google/uuid"

	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
	logx "changeobserver/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "", "none":
		return nil, fault.Configurationf("storage.open", "storage.driver is required")
	default:
		return nil, fault.Configurationf("storage.open", "unknown storage driver: %s", driver)
	}
}

func newID() string { return uuid.NewString() }

// prepareAdd rejects client-supplied ids and assigns a fresh one.
func prepareAdd(m marker.Marker) (marker.Marker, error) {
	if strings.TrimSpace(m.ID) != "" {
		return m, fault.Validationf("storage.add", "marker id is assigned by the store")
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	m.ID = newID()
	normalize(&m)
	return m, nil
}

func prepareUpdate(m marker.Marker) (marker.Marker, error) {
	if strings.TrimSpace(m.ID) == "" {
		return m, fault.Validationf("storage.update", "marker id is required")
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	normalize(&m)
	return m, nil
}

// normalize keeps list fields non-nil so records serialize as [] not null.
func normalize(m *marker.Marker) {
	if m.HistoricalImages == nil {
		m.HistoricalImages = []marker.ImageReference{}
	}
	if m.DetectedObjects == nil {
		m.DetectedObjects = marker.History{}
	}
	if m.SubscribedEmails == nil {
		m.SubscribedEmails = []string{}
	}
}
