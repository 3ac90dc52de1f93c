package api

import (
	"time"

	"github.com/clinsim/aivp/internal/services"
)

// Store is the persistence surface shared by all services. The per-service
// store interfaces in the services package are subsets of this one, so a Store
// can be passed to every service constructor directly.
type Store interface {
	AddParticipant(p *services.Participant) error
	GetParticipant(id string) (*services.Participant, error)
	FindParticipantByEmail(email string) (*services.Participant, error)
	UpdateParticipant(p *services.Participant, expectedVersion int64) error
	ListParticipants() ([]*services.Participant, error)

	AddConsentRecord(cr *services.ConsentRecord) error
	ListConsentRecords(participantID string) ([]*services.ConsentRecord, error)

	CreateSession(sn *services.Session) error
	GetSession(id string) (*services.Session, error)
	GetActiveSession(participantID string) (*services.Session, error)
	AppendSessionMessage(sessionID string, m services.Message) error
	SetSessionDiagnosis(sessionID string) error
	CompleteSession(sessionID string, endTime time.Time) error

	AddTranscript(t *services.Transcript) error
	GetTranscript(id string) (*services.Transcript, error)
	ListTranscriptsByParticipant(participantID string) ([]*services.Transcript, error)
	ListTranscriptsByAnonymousID(anonymousID string) ([]*services.Transcript, error)
	ListResearchTranscripts() ([]*services.Transcript, error)
	SetTranscriptParticipant(transcriptID, participantID string, withdrawnAt time.Time) error

	UpsertResearchProfile(p *services.ResearchProfile) error
	GetResearchProfile(anonymousID string) (*services.ResearchProfile, error)
	ListResearchProfilesByAnonymousID(anonymousID string) ([]*services.ResearchProfile, error)
	SetResearchProfileParticipant(profileID, participantID string, withdrawnAt time.Time) error

	AddAudit(entry services.AuditEntry)
	ListAudit() []services.AuditEntry
}

var _ Store = (*memoryStore)(nil)

// Every service store interface must stay a subset of Store.
var (
	_ services.AuthStore      = Store(nil)
	_ services.ConsentStore   = Store(nil)
	_ services.SessionStore   = Store(nil)
	_ services.AnonymizeStore = Store(nil)
	_ services.ProfileStore   = Store(nil)
	_ services.AnalyticsStore = Store(nil)
)
