package api

import (
	"testing"
	"time"

	"github.com/clinsim/aivp/internal/services"
)

func TestMemoryStoreParticipantVersioning(t *testing.T) {
	s := newMemoryStore()
	p := &services.Participant{ID: "p1", Email: "a@b.c", Role: services.RolePilot}
	if err := s.AddParticipant(p); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := s.AddParticipant(p); !services.IsCode(err, services.ErrorConflict) {
		t.Fatalf("expected conflict on duplicate add, got %v", err)
	}

	got, _ := s.GetParticipant("p1")
	got.Role = services.RoleResearch
	if err := s.UpdateParticipant(got, 0); err != nil {
		t.Fatalf("UpdateParticipant: %v", err)
	}
	// Stale writers lose.
	if err := s.UpdateParticipant(got, 0); !services.IsCode(err, services.ErrorConflict) {
		t.Fatalf("expected conflict for stale version, got %v", err)
	}
	cur, _ := s.GetParticipant("p1")
	if cur.Version != 1 || cur.Role != services.RoleResearch {
		t.Fatalf("unexpected stored participant: %+v", cur)
	}

	// Reads hand out copies, not the stored record.
	cur.Email = "mutated@b.c"
	again, _ := s.GetParticipant("p1")
	if again.Email != "a@b.c" {
		t.Fatalf("store state leaked to caller: %+v", again)
	}
}

func TestMemoryStoreSingleActiveSession(t *testing.T) {
	s := newMemoryStore()
	first := &services.Session{ID: "s1", ParticipantID: "p1", Status: services.SessionActive}
	if err := s.CreateSession(first); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	err := s.CreateSession(&services.Session{ID: "s2", ParticipantID: "p1", Status: services.SessionActive})
	if !services.IsCode(err, services.ErrorSessionActive) {
		t.Fatalf("expected session_active, got %v", err)
	}
	// Another participant is unaffected.
	if err := s.CreateSession(&services.Session{ID: "s3", ParticipantID: "p2", Status: services.SessionActive}); err != nil {
		t.Fatalf("CreateSession for p2: %v", err)
	}

	if err := s.CompleteSession("s1", time.Now()); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	active, _ := s.GetActiveSession("p1")
	if active != nil {
		t.Fatalf("completed session still active: %+v", active)
	}
	if err := s.CreateSession(&services.Session{ID: "s4", ParticipantID: "p1", Status: services.SessionActive}); err != nil {
		t.Fatalf("new session after completion: %v", err)
	}
}

func TestMemoryStoreTranscriptFilters(t *testing.T) {
	s := newMemoryStore()
	_ = s.AddTranscript(&services.Transcript{ID: "t1", ParticipantID: "p1", AnonymousID: "RP-A", IsResearchSession: true})
	_ = s.AddTranscript(&services.Transcript{ID: "t2", ParticipantID: "p1"})
	_ = s.AddTranscript(&services.Transcript{ID: "t3", ParticipantID: "p2", AnonymousID: "RP-B", IsResearchSession: true})

	byP, _ := s.ListTranscriptsByParticipant("p1")
	if len(byP) != 2 {
		t.Fatalf("expected 2 transcripts for p1, got %d", len(byP))
	}
	byA, _ := s.ListTranscriptsByAnonymousID("RP-A")
	if len(byA) != 1 || byA[0].ID != "t1" {
		t.Fatalf("unexpected anonymous-id lookup: %+v", byA)
	}
	research, _ := s.ListResearchTranscripts()
	if len(research) != 2 {
		t.Fatalf("expected 2 research transcripts, got %d", len(research))
	}

	when := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := s.SetTranscriptParticipant("t1", services.WithdrawnSentinel, when); err != nil {
		t.Fatalf("SetTranscriptParticipant: %v", err)
	}
	got, _ := s.GetTranscript("t1")
	if got.ParticipantID != services.WithdrawnSentinel || got.WithdrawnAt == nil || !got.WithdrawnAt.Equal(when) {
		t.Fatalf("ownership not rewritten: %+v", got)
	}
	if got.AnonymousID != "RP-A" {
		t.Fatalf("anonymous id must survive the rewrite: %+v", got)
	}
}
