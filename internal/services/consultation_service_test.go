package services

import (
	"context"
	"errors"
	"testing"
)

type stubProvider struct {
	reply     string
	err       error
	calls     int
	lastCount int
	lastDiag  bool
}

func (p *stubProvider) Generate(ctx context.Context, messages []Message, diagnosisMode bool) (string, error) {
	p.calls++
	p.lastCount = len(messages)
	p.lastDiag = diagnosisMode
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func TestAskRecordsBothSides(t *testing.T) {
	store := newStubSessionStore(&Participant{ID: "p1", Role: RolePilot})
	sessions := NewSessionService(store, &stubMetrics{}, "")
	provider := &stubProvider{reply: "yes, for 3 days"}
	svc := NewConsultationService(sessions, provider)

	sn, _ := sessions.Start("p1")
	reply, err := svc.Ask(context.Background(), sn.ID, "do you have a fever?")
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	if reply != "yes, for 3 days" {
		t.Fatalf("unexpected reply: %q", reply)
	}
	// The provider sees the history including the student's new message.
	if provider.lastCount != 1 {
		t.Fatalf("provider called with %d messages", provider.lastCount)
	}
	got, _ := sessions.Get(sn.ID)
	if len(got.Messages) != 2 || got.Messages[0].Type != MessageStudent || got.Messages[1].Type != MessagePatient {
		t.Fatalf("unexpected recorded turn: %+v", got.Messages)
	}
}

func TestAskProviderFailure(t *testing.T) {
	store := newStubSessionStore(&Participant{ID: "p1", Role: RolePilot})
	sessions := NewSessionService(store, &stubMetrics{}, "")
	provider := &stubProvider{err: errors.New("upstream 500")}
	svc := NewConsultationService(sessions, provider)

	sn, _ := sessions.Start("p1")
	_, err := svc.Ask(context.Background(), sn.ID, "hello?")
	if !IsCode(err, ErrorBadGateway) {
		t.Fatalf("expected bad_gateway, got %v", err)
	}
	// The student's message is kept and the session can still be finalized.
	got, _ := sessions.Get(sn.ID)
	if len(got.Messages) != 1 {
		t.Fatalf("student message must be recorded: %+v", got.Messages)
	}
	tr, err := sessions.End(sn.ID)
	if err != nil {
		t.Fatalf("End after provider failure: %v", err)
	}
	if tr.MessageCount != 1 {
		t.Fatalf("unexpected transcript: %+v", tr)
	}
}

func TestEnterDiagnosis(t *testing.T) {
	store := newStubSessionStore(&Participant{ID: "p1", Role: RolePilot})
	sessions := NewSessionService(store, &stubMetrics{}, "")
	provider := &stubProvider{reply: "What do you think the diagnosis is?"}
	svc := NewConsultationService(sessions, provider)

	sn, _ := sessions.Start("p1")
	reply, err := svc.EnterDiagnosis(context.Background(), sn.ID)
	if err != nil {
		t.Fatalf("EnterDiagnosis error: %v", err)
	}
	if reply == "" || !provider.lastDiag {
		t.Fatalf("provider must be called in diagnosis mode")
	}
	got, _ := sessions.Get(sn.ID)
	if !got.DiagnosisMode {
		t.Fatalf("session must be marked as diagnosis mode")
	}
	tr, _ := sessions.End(sn.ID)
	if !tr.DiagnosisDiscussed {
		t.Fatalf("transcript must record the diagnosis phase")
	}
}

func TestAskValidation(t *testing.T) {
	store := newStubSessionStore(&Participant{ID: "p1", Role: RolePilot})
	sessions := NewSessionService(store, &stubMetrics{}, "")
	svc := NewConsultationService(sessions, &stubProvider{reply: "ok"})

	sn, _ := sessions.Start("p1")
	if _, err := svc.Ask(context.Background(), sn.ID, ""); !IsCode(err, ErrorInvalid) {
		t.Fatalf("expected invalid for empty content, got %v", err)
	}
	if _, err := sessions.End(sn.ID); err != nil {
		t.Fatalf("End error: %v", err)
	}
	if _, err := svc.Ask(context.Background(), sn.ID, "late"); !IsCode(err, ErrorSessionNotActive) {
		t.Fatalf("expected session_not_active, got %v", err)
	}
}
