package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"catia-session/internal/audit"
	"catia-session/internal/catastro"
	"catia-session/internal/identity"
	"catia-session/internal/session"
)

type fakeSessions struct {
	token      string
	tokenErr   error
	record     *session.Record
	recordErr  error
	selections []string
}

func (f *fakeSessions) EnsureUsableToken(ctx context.Context, citizenID string) (string, error) {
	if f.tokenErr != nil {
		return "", f.tokenErr
	}
	return f.token, nil
}

func (f *fakeSessions) Record(ctx context.Context, citizenID string) (*session.Record, error) {
	if f.recordErr != nil {
		return nil, f.recordErr
	}
	return f.record, nil
}

func (f *fakeSessions) AddSelection(ctx context.Context, citizenID, propertyID string) (session.SelectionResult, error) {
	for _, id := range f.selections {
		if id == propertyID {
			return session.SelectionResult{Accepted: true, Total: len(f.selections)}, nil
		}
	}
	f.selections = append(f.selections, propertyID)
	return session.SelectionResult{Accepted: true, Total: len(f.selections)}, nil
}

type fakeCadastre struct {
	mu        sync.Mutex
	genCalls  []string
	genErrFor map[string]error

	properties []catastro.Property
	count      *catastro.PropertyCount
	lookupErr  error
}

func (f *fakeCadastre) CountProperties(ctx context.Context, token string) (*catastro.PropertyCount, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.count, nil
}

func (f *fakeCadastre) ListProperties(ctx context.Context, token string) ([]catastro.Property, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.properties, nil
}

func (f *fakeCadastre) SearchByChip(ctx context.Context, token, chip string) (*catastro.Property, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	clean := strings.ReplaceAll(chip, "-", "")
	for i := range f.properties {
		if f.properties[i].Chip == clean {
			return &f.properties[i], nil
		}
	}
	return nil, catastro.ErrPropertyNotFound
}

func (f *fakeCadastre) SearchByAddress(ctx context.Context, token, address string) ([]catastro.Property, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.properties, nil
}

func (f *fakeCadastre) SearchByRegistration(ctx context.Context, token, zone, registration string) (*catastro.Property, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	if len(f.properties) == 0 {
		return nil, catastro.ErrPropertyNotFound
	}
	return &f.properties[0], nil
}

func (f *fakeCadastre) GenerateCertificate(ctx context.Context, token, chip string) (string, error) {
	f.mu.Lock()
	f.genCalls = append(f.genCalls, chip)
	f.mu.Unlock()
	if err, ok := f.genErrFor[chip]; ok {
		return "", err
	}
	return "req-" + chip, nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event

	history []audit.Event
	listErr error
}

func (f *fakeAudit) RecordCertificate(ctx context.Context, event audit.Event) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeAudit) ListCertificates(ctx context.Context, document string) ([]audit.Event, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.history, nil
}

func authenticatedSessions() *fakeSessions {
	return &fakeSessions{
		token: "jwt-abc",
		record: &session.Record{
			CitizenID:    "123456789",
			DocumentType: "CC",
			Profile: identity.UserProfile{
				Name:           "Ana",
				Surname:        "Rojas",
				DocumentNumber: "123456789",
			},
		},
	}
}

func TestGenerateUsesExplicitChipsOverSelection(t *testing.T) {
	sessions := authenticatedSessions()
	sessions.record.SelectedProperties = []string{"STORED1", "STORED2"}
	cadastre := &fakeCadastre{}
	sink := &fakeAudit{}
	svc := NewCertificateService(sessions, cadastre, sink, 3, zap.NewNop())

	batch, err := svc.Generate(context.Background(), "123456789", []string{"EXPL1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.TotalRequested != 1 || batch.TotalSucceeded != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	if len(cadastre.genCalls) != 1 || cadastre.genCalls[0] != "EXPL1" {
		t.Fatalf("generation calls = %v, want only EXPL1", cadastre.genCalls)
	}
}

func TestGenerateFallsBackToStoredSelection(t *testing.T) {
	sessions := authenticatedSessions()
	sessions.record.SelectedProperties = []string{"AAA1", "AAA2"}
	cadastre := &fakeCadastre{}
	sink := &fakeAudit{}
	svc := NewCertificateService(sessions, cadastre, sink, 3, zap.NewNop())

	batch, err := svc.Generate(context.Background(), "123456789", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.TotalRequested != 2 || batch.TotalSucceeded != 2 {
		t.Fatalf("batch = %+v", batch)
	}
	if len(sink.events) != 2 {
		t.Fatalf("audit events = %d, want 2", len(sink.events))
	}
	for _, ev := range sink.events {
		if ev.FullName != "Ana Rojas" || ev.DocumentType != "CC" {
			t.Fatalf("audit event = %+v", ev)
		}
		if ev.RequestNumber == "" {
			t.Fatal("audit event missing request number")
		}
	}
}

func TestGenerateWithNothingSelectedIsInvalid(t *testing.T) {
	sessions := authenticatedSessions()
	svc := NewCertificateService(sessions, &fakeCadastre{}, nil, 3, zap.NewNop())

	_, err := svc.Generate(context.Background(), "123456789", nil)
	if session.CodeOf(err) != session.CodeInvalidRequest {
		t.Fatalf("code = %s, want %s", session.CodeOf(err), session.CodeInvalidRequest)
	}
}

func TestGenerateCapsAndDedupesBatch(t *testing.T) {
	sessions := authenticatedSessions()
	cadastre := &fakeCadastre{}
	svc := NewCertificateService(sessions, cadastre, nil, 3, zap.NewNop())

	batch, err := svc.Generate(context.Background(), "123456789",
		[]string{"AAA1", "AAA1", "AAA2", "AAA3", "AAA4"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.TotalRequested != 3 {
		t.Fatalf("requested = %d, want cap of 3", batch.TotalRequested)
	}
	if len(cadastre.genCalls) != 3 {
		t.Fatalf("generation calls = %v, want 3", cadastre.genCalls)
	}
}

func TestGeneratePartialFailure(t *testing.T) {
	sessions := authenticatedSessions()
	cadastre := &fakeCadastre{genErrFor: map[string]error{"BAD1": catastro.ErrPropertyNotFound}}
	sink := &fakeAudit{}
	svc := NewCertificateService(sessions, cadastre, sink, 3, zap.NewNop())

	batch, err := svc.Generate(context.Background(), "123456789", []string{"OK1", "BAD1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if batch.TotalSucceeded != 1 || batch.TotalFailed != 1 {
		t.Fatalf("batch = %+v", batch)
	}
	if len(sink.events) != 1 || sink.events[0].Chip != "OK1" {
		t.Fatalf("audit events = %+v, want only OK1", sink.events)
	}
	for _, r := range batch.Results {
		if r.Chip == "BAD1" && r.Success {
			t.Fatal("failed chip reported as success")
		}
		if r.Chip == "OK1" && !r.Success {
			t.Fatal("succeeded chip reported as failure")
		}
	}
}

func TestGenerateWithoutSessionPropagates(t *testing.T) {
	sessions := &fakeSessions{tokenErr: session.NewError(session.CodeSessionNotFound, "no session")}
	svc := NewCertificateService(sessions, &fakeCadastre{}, nil, 3, zap.NewNop())

	_, err := svc.Generate(context.Background(), "ghost", []string{"AAA1"})
	if session.CodeOf(err) != session.CodeSessionNotFound {
		t.Fatalf("code = %s, want %s", session.CodeOf(err), session.CodeSessionNotFound)
	}
}

func TestListIssuedReturnsAuditHistory(t *testing.T) {
	sessions := authenticatedSessions()
	sink := &fakeAudit{history: []audit.Event{
		{ID: "ev-2", Chip: "AAA2", RequestNumber: "req-2", RequestedAt: time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)},
		{ID: "ev-1", Chip: "AAA1", RequestNumber: "req-1", RequestedAt: time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)},
	}}
	svc := NewCertificateService(sessions, &fakeCadastre{}, sink, 3, zap.NewNop())

	issued, err := svc.ListIssued(context.Background(), "123456789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(issued) != 2 {
		t.Fatalf("issued = %d, want 2", len(issued))
	}
	if issued[0].ID != "ev-2" || issued[0].Chip != "AAA2" || issued[0].RequestNumber != "req-2" {
		t.Fatalf("first entry = %+v", issued[0])
	}
	if issued[1].RequestedAt.After(issued[0].RequestedAt) {
		t.Fatal("history not ordered newest first")
	}
}

func TestListIssuedRequiresSession(t *testing.T) {
	sessions := &fakeSessions{recordErr: session.NewError(session.CodeSessionNotFound, "no session")}
	svc := NewCertificateService(sessions, &fakeCadastre{}, &fakeAudit{}, 3, zap.NewNop())

	_, err := svc.ListIssued(context.Background(), "ghost")
	if session.CodeOf(err) != session.CodeSessionNotFound {
		t.Fatalf("code = %s, want %s", session.CodeOf(err), session.CodeSessionNotFound)
	}
}

func TestListIssuedMapsStoreFailure(t *testing.T) {
	sessions := authenticatedSessions()
	sink := &fakeAudit{listErr: audit.ErrStoreUnavailable}
	svc := NewCertificateService(sessions, &fakeCadastre{}, sink, 3, zap.NewNop())

	_, err := svc.ListIssued(context.Background(), "123456789")
	if session.CodeOf(err) != session.CodeUpstreamError {
		t.Fatalf("code = %s, want %s", session.CodeOf(err), session.CodeUpstreamError)
	}
}
