package services

import (
	"fmt"
	"time"
)

type ConsentStore interface {
	GetParticipant(id string) (*Participant, error)
	UpdateParticipant(p *Participant, expectedVersion int64) error
	AddConsentRecord(cr *ConsentRecord) error
	AddAudit(entry AuditEntry)
}

// Anonymizer is the engine invoked synchronously during withdrawal.
type Anonymizer interface {
	Anonymize(anonymousID string) error
}

// ConsentService owns the participant lifecycle: pilot -> research -> withdrawn
// (and back via reconsent). All role and anonymous-id mutations flow through
// here, serialized per participant by the store's optimistic version check.
type ConsentService struct {
	store      ConsentStore
	anonymizer Anonymizer
	now        func() time.Time
	idGen      func() string
	anonIDGen  func() string
}

func NewConsentService(store ConsentStore, anonymizer Anonymizer) *ConsentService {
	return &ConsentService{
		store:      store,
		anonymizer: anonymizer,
		now:        func() time.Time { return time.Now().UTC() },
		idGen:      func() string { return shortID(12) },
		anonIDGen:  NewAnonymousID,
	}
}

// Consent enrolls a pilot or previously withdrawn participant into the study.
// A fresh anonymous id is minted on every call; after a withdrawal the new id
// carries no reference to the retired one. Returns the updated participant.
func (s *ConsentService) Consent(participantID string, choices map[string]bool) (*Participant, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, s.fail(participantID, "consent_failed", err)
	}
	if p == nil {
		return nil, s.fail(participantID, "consent_failed", NewNotFoundError("participant not found"))
	}
	if p.Role == RoleResearch {
		return nil, s.fail(participantID, "consent_failed",
			NewInvalidTransitionError("already consented; withdraw first"))
	}

	kind := ConsentInitial
	if p.ConsentWithdrawnAt != nil {
		kind = ConsentReconsent
	}
	now := s.now()
	anonymousID := s.anonIDGen()

	record := &ConsentRecord{
		ID:            s.idGen(),
		ParticipantID: p.ID,
		AnonymousID:   anonymousID,
		Kind:          kind,
		Timestamp:     now,
		Choices:       choices,
	}
	// History first. A version race on the update below leaves a record whose
	// anonymous id was never assigned; the retry appends a fresh one. The
	// history logs attempts, not effective state.
	if err := s.store.AddConsentRecord(record); err != nil {
		return nil, s.fail(participantID, "consent_failed", err)
	}

	p.Role = RoleResearch
	p.AnonymousID = anonymousID
	p.Consents = choices
	p.ConsentTimestamp = &now
	p.ConsentWithdrawnAt = nil
	if err := s.store.UpdateParticipant(p, p.Version); err != nil {
		return nil, s.fail(participantID, "consent_failed", err)
	}
	p.Version++

	s.store.AddAudit(AuditEntry{
		Time:   s.now(),
		Actor:  "participant",
		Action: string(kind),
		Target: participantID,
		Note:   anonymousID,
	})
	return p, nil
}

// Decline records that a pilot participant chose not to join the study. The
// role does not change, so repeated declines are harmless; each one is kept
// for traceability.
func (s *ConsentService) Decline(participantID string) error {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return err
	}
	if p == nil {
		return NewNotFoundError("participant not found")
	}
	if p.Role != RolePilot {
		return NewInvalidTransitionError("decline is only valid for pilot participants")
	}
	record := &ConsentRecord{
		ID:            s.idGen(),
		ParticipantID: p.ID,
		Kind:          ConsentDecline,
		Timestamp:     s.now(),
	}
	if err := s.store.AddConsentRecord(record); err != nil {
		return err
	}
	s.store.AddAudit(AuditEntry{
		Time:   s.now(),
		Actor:  "participant",
		Action: string(ConsentDecline),
		Target: participantID,
	})
	return nil
}

// Withdraw leaves the study. Anonymization runs first and is idempotent, and
// the withdrawal record is written before the role flips, so a withdrawal that
// fails partway leaves the participant in research and can be retried from the
// top. The retired anonymous id is recorded in the consent history and then
// cleared from the participant, never to be reissued.
func (s *ConsentService) Withdraw(participantID, reason string) (*Participant, error) {
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, s.fail(participantID, "withdrawal_failed", err)
	}
	if p == nil {
		return nil, s.fail(participantID, "withdrawal_failed", NewNotFoundError("participant not found"))
	}
	if p.Role != RoleResearch {
		return nil, s.fail(participantID, "withdrawal_failed",
			NewInvalidTransitionError("no active consent to withdraw"))
	}

	retiredID := p.AnonymousID
	if err := s.anonymizer.Anonymize(retiredID); err != nil {
		return nil, s.fail(participantID, "withdrawal_failed", fmt.Errorf("anonymization: %w", err))
	}

	now := s.now()
	record := &ConsentRecord{
		ID:            s.idGen(),
		ParticipantID: p.ID,
		AnonymousID:   retiredID,
		Kind:          ConsentWithdrawal,
		Timestamp:     now,
		Reason:        reason,
	}
	if err := s.store.AddConsentRecord(record); err != nil {
		return nil, s.fail(participantID, "withdrawal_failed", err)
	}

	p.Role = RoleWithdrawn
	p.AnonymousID = ""
	p.ConsentWithdrawnAt = &now
	if err := s.store.UpdateParticipant(p, p.Version); err != nil {
		return nil, s.fail(participantID, "withdrawal_failed", err)
	}
	p.Version++

	note := "retired " + retiredID
	if reason != "" {
		note += "; reason: " + reason
	}
	s.store.AddAudit(AuditEntry{
		Time:   s.now(),
		Actor:  "participant",
		Action: string(ConsentWithdrawal),
		Target: participantID,
		Note:   note,
	})
	return p, nil
}

// fail audits a failed transition attempt and passes the error through.
func (s *ConsentService) fail(participantID, action string, err error) error {
	s.store.AddAudit(AuditEntry{
		Time:   s.now(),
		Actor:  "participant",
		Action: action,
		Target: participantID,
		Note:   err.Error(),
	})
	return err
}
