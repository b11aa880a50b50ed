package generation

import (
	"context"
	"strings"
	"testing"

	"aperture-server/services/gallery-api/internal/utils/platformerrors"
)

func TestCreateSessionFromScratch(t *testing.T) {
	svc := NewSessionService(newMemSessionRepo(), newMemStepRepo(), testLog)

	session, err := svc.Create(context.Background(), CreateSessionInput{EntryType: EntryTypeScratch})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if session.Status != SessionStatusActive {
		t.Fatalf("status = %s, want active", session.Status)
	}
	if !strings.HasPrefix(session.PublicID, "sess_") {
		t.Fatalf("public id = %q", session.PublicID)
	}
	if session.StartedAt.IsZero() {
		t.Fatal("started_at not set")
	}
}

func TestCreateRefinementSessionRequiresSourceImage(t *testing.T) {
	svc := NewSessionService(newMemSessionRepo(), newMemStepRepo(), testLog)

	_, err := svc.Create(context.Background(), CreateSessionInput{EntryType: EntryTypeRefinement})
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeValidation) {
		t.Fatalf("err = %v, want validation_error", err)
	}

	src := "pic_source"
	session, err := svc.Create(context.Background(), CreateSessionInput{EntryType: EntryTypeRefinement, SourceImageID: &src})
	if err != nil {
		t.Fatalf("create with source: %v", err)
	}
	if session.SourceImageID == nil || *session.SourceImageID != src {
		t.Fatalf("source image = %v", session.SourceImageID)
	}
}

func TestCreateSessionRejectsUnknownEntryType(t *testing.T) {
	svc := NewSessionService(newMemSessionRepo(), newMemStepRepo(), testLog)

	_, err := svc.Create(context.Background(), CreateSessionInput{EntryType: "remix"})
	if !platformerrors.IsErrorType(err, platformerrors.ErrorTypeValidation) {
		t.Fatalf("err = %v, want validation_error", err)
	}
}

func TestUpdateStatusTerminalSessionRejectsTransitions(t *testing.T) {
	svc := NewSessionService(newMemSessionRepo(), newMemStepRepo(), testLog)
	session, err := svc.Create(context.Background(), CreateSessionInput{EntryType: EntryTypeScratch})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := svc.UpdateStatus(context.Background(), session.PublicID, SessionStatusCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if updated.CompletedAt == nil {
		t.Fatal("completed_at not stamped")
	}

	if _, err := svc.UpdateStatus(context.Background(), session.PublicID, SessionStatusAbandoned); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeInvalidTransition) {
		t.Fatalf("err = %v, want invalid_transition", err)
	}
}

func TestUpdateStatusRejectsActiveTarget(t *testing.T) {
	svc := NewSessionService(newMemSessionRepo(), newMemStepRepo(), testLog)
	session, _ := svc.Create(context.Background(), CreateSessionInput{EntryType: EntryTypeScratch})

	if _, err := svc.UpdateStatus(context.Background(), session.PublicID, SessionStatusActive); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeValidation) {
		t.Fatalf("err = %v, want validation_error", err)
	}
}

func TestDeleteSessionRefusedWithActiveSteps(t *testing.T) {
	sessions := newMemSessionRepo()
	steps := newMemStepRepo()
	svc := NewSessionService(sessions, steps, testLog)

	session, err := svc.Create(context.Background(), CreateSessionInput{EntryType: EntryTypeScratch})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	steps.Create(context.Background(), &Step{
		PublicID:  "step_busy",
		SessionID: session.ID,
		BatchID:   "batch_busy",
		Status:    StepStatusProcessing,
		Position:  1,
	})

	if err := svc.Delete(context.Background(), session.PublicID); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}

	// Once the step resolves, deletion goes through.
	stored, _ := steps.FindByPublicID(context.Background(), "step_busy")
	stored.Status = StepStatusCompleted
	steps.Update(context.Background(), stored)

	if err := svc.Delete(context.Background(), session.PublicID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(context.Background(), session.PublicID); !platformerrors.IsErrorType(err, platformerrors.ErrorTypeNotFound) {
		t.Fatalf("err = %v, want not_found after delete", err)
	}
}

func TestSessionListFiltersByStatus(t *testing.T) {
	svc := NewSessionService(newMemSessionRepo(), newMemStepRepo(), testLog)
	a, _ := svc.Create(context.Background(), CreateSessionInput{EntryType: EntryTypeScratch})
	svc.Create(context.Background(), CreateSessionInput{EntryType: EntryTypeScratch})
	svc.UpdateStatus(context.Background(), a.PublicID, SessionStatusCompleted)

	status := SessionStatusActive
	active, total, err := svc.List(context.Background(), SessionFilter{Status: &status}, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || total != 1 {
		t.Fatalf("active = %d total = %d, want 1/1", len(active), total)
	}
}
