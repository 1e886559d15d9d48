package circulation

import "strings"

// legacyReservationStatuses maps both retired reservation vocabularies onto
// the canonical one. Only the migrate-legacy command uses it; the engine
// never accepts these strings.
var legacyReservationStatuses = map[string]Status{
	// first generation
	"ativa":     StatusQueued,
	"cancelada": StatusCancelled,
	"atendida":  StatusCompleted,

	// second generation
	"aguardando": StatusQueued,
	"disponivel": StatusAwaitingPickup,
	"cancelado":  StatusCancelled,
	"concluido":  StatusCompleted,
	"expirado":   StatusExpired,
}

// NormalizeLegacyStatus returns the canonical reservation status for a
// legacy string. Canonical reservation statuses map to themselves.
func NormalizeLegacyStatus(raw string) (Status, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	if s, ok := legacyReservationStatuses[key]; ok {
		return s, true
	}
	if s := Status(key); s.BelongsTo(KindReservation) {
		return s, true
	}
	return "", false
}

// LegacyReservationStatuses returns a copy of the legacy -> canonical map.
func LegacyReservationStatuses() map[string]Status {
	out := make(map[string]Status, len(legacyReservationStatuses))
	for k, v := range legacyReservationStatuses {
		out[k] = v
	}
	return out
}

// LegacyMigrationReport summarizes a one-time legacy status migration.
type LegacyMigrationReport struct {
	// Rewritten counts rows per legacy status string.
	Rewritten map[string]int `json:"rewritten"`

	// Renumbered is the number of queued reservations whose position changed.
	Renumbered int `json:"renumbered"`

	// HoldsDated is the number of awaiting-pickup rows that got an expires_at.
	HoldsDated int `json:"holds_dated"`
}
