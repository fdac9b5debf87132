package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catia-session/internal/audit"
	"catia-session/internal/catastro"
	"catia-session/internal/retry"
	"catia-session/internal/session"
	"catia-session/internal/util"
)

// SessionManager is the slice of the session layer the services consume.
type SessionManager interface {
	EnsureUsableToken(ctx context.Context, citizenID string) (string, error)
	Record(ctx context.Context, citizenID string) (*session.Record, error)
	AddSelection(ctx context.Context, citizenID, propertyID string) (session.SelectionResult, error)
}

// Cadastre is the slice of the cadastral API client the services consume.
type Cadastre interface {
	CountProperties(ctx context.Context, token string) (*catastro.PropertyCount, error)
	ListProperties(ctx context.Context, token string) ([]catastro.Property, error)
	SearchByChip(ctx context.Context, token, chip string) (*catastro.Property, error)
	SearchByAddress(ctx context.Context, token, address string) ([]catastro.Property, error)
	SearchByRegistration(ctx context.Context, token, zone, registration string) (*catastro.Property, error)
	GenerateCertificate(ctx context.Context, token, chip string) (string, error)
}

// AuditSink records certificate generations and reads them back.
// Recording is best effort and must not fail the calling flow; reads can.
type AuditSink interface {
	RecordCertificate(ctx context.Context, event audit.Event)
	ListCertificates(ctx context.Context, document string) ([]audit.Event, error)
}

// CertificateResult is the outcome for one requested property.
type CertificateResult struct {
	Chip          string `json:"chip"`
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	RequestNumber string `json:"requestNumber,omitempty"`
}

// CertificateBatch aggregates a generation run.
type CertificateBatch struct {
	TotalRequested int                 `json:"totalRequested"`
	TotalSucceeded int                 `json:"totalSucceeded"`
	TotalFailed    int                 `json:"totalFailed"`
	Results        []CertificateResult `json:"results"`
}

// CertificateService turns a citizen's property selection into certificate
// requests against the cadastral API, one per property, concurrently.
type CertificateService struct {
	sessions     SessionManager
	cadastre     Cadastre
	audit        AuditSink
	maxBatchSize int
	logger       *zap.Logger
}

func NewCertificateService(sessions SessionManager, cadastre Cadastre, sink AuditSink, maxBatchSize int, logger *zap.Logger) *CertificateService {
	if logger == nil {
		logger = util.Get()
	}
	if maxBatchSize <= 0 {
		maxBatchSize = 3
	}
	return &CertificateService{
		sessions:     sessions,
		cadastre:     cadastre,
		audit:        sink,
		maxBatchSize: maxBatchSize,
		logger:       logger,
	}
}

// Generate requests certificates for the given chips. An explicit chip
// list wins over the stored selection; with neither the call is invalid.
// The batch is capped at the selection limit and duplicates collapse.
func (s *CertificateService) Generate(ctx context.Context, citizenID string, chips []string) (*CertificateBatch, error) {
	token, err := s.sessions.EnsureUsableToken(ctx, citizenID)
	if err != nil {
		return nil, err
	}

	rec, err := s.sessions.Record(ctx, citizenID)
	if err != nil {
		return nil, err
	}

	if len(chips) == 0 {
		chips = rec.SelectedProperties
	}
	chips = dedupe(chips)
	if len(chips) == 0 {
		return nil, session.NewError(session.CodeInvalidRequest, "No properties selected. Please select at least one property first.")
	}
	if len(chips) > s.maxBatchSize {
		chips = chips[:s.maxBatchSize]
	}

	results := make([]CertificateResult, len(chips))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, chip := range chips {
		i, chip := i, chip
		g.Go(func() error {
			requestNumber, genErr := s.cadastre.GenerateCertificate(gctx, token, chip)

			result := CertificateResult{Chip: chip}
			if genErr != nil {
				result.Message = s.describeFailure(genErr)
				s.logger.Warn("Certificate generation failed",
					zap.String("chip", chip),
					zap.Error(genErr))
			} else {
				result.Success = true
				result.RequestNumber = requestNumber
				result.Message = "Certificate generated and sent by email"
				s.recordAudit(ctx, rec, chip, requestNumber)
			}

			mu.Lock()
			results[i] = result
			mu.Unlock()
			return nil
		})
	}
	// Workers never return an error; failures land in their result slot.
	_ = g.Wait()

	batch := &CertificateBatch{
		TotalRequested: len(chips),
		Results:        results,
	}
	for _, r := range results {
		if r.Success {
			batch.TotalSucceeded++
		} else {
			batch.TotalFailed++
		}
	}

	s.logger.Info("Certificate batch completed",
		zap.String("citizen", util.MaskDocument(citizenID)),
		zap.Int("requested", batch.TotalRequested),
		zap.Int("succeeded", batch.TotalSucceeded),
		zap.Int("failed", batch.TotalFailed),
	)
	return batch, nil
}

// IssuedCertificate is one certificate the citizen generated earlier.
type IssuedCertificate struct {
	ID            string    `json:"id"`
	Chip          string    `json:"chip"`
	RequestNumber string    `json:"requestNumber"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// ListIssued returns the citizen's audited certificate generations, newest
// first. The session record must exist; the data itself comes from the
// local audit trail, not the cadastral API, so no token is needed.
func (s *CertificateService) ListIssued(ctx context.Context, citizenID string) ([]IssuedCertificate, error) {
	if _, err := s.sessions.Record(ctx, citizenID); err != nil {
		return nil, err
	}

	if s.audit == nil {
		return nil, session.NewError(session.CodeUpstreamError, "The certificate history is unavailable right now. Please try again later.")
	}

	events, err := s.audit.ListCertificates(ctx, citizenID)
	if err != nil {
		s.logger.Error("Failed to list issued certificates",
			zap.String("citizen", util.MaskDocument(citizenID)),
			zap.Error(err))
		return nil, session.NewError(session.CodeUpstreamError, "The certificate history is unavailable right now. Please try again later.")
	}

	issued := make([]IssuedCertificate, 0, len(events))
	for _, ev := range events {
		issued = append(issued, IssuedCertificate{
			ID:            ev.ID,
			Chip:          ev.Chip,
			RequestNumber: ev.RequestNumber,
			RequestedAt:   ev.RequestedAt,
		})
	}
	return issued, nil
}

func (s *CertificateService) recordAudit(ctx context.Context, rec *session.Record, chip, requestNumber string) {
	if s.audit == nil {
		return
	}
	fullName := rec.Profile.Name
	if rec.Profile.Surname != "" {
		fullName = fullName + " " + rec.Profile.Surname
	}
	s.audit.RecordCertificate(ctx, audit.Event{
		FullName:      fullName,
		DocumentType:  rec.DocumentType,
		Document:      rec.CitizenID,
		Chip:          chip,
		RequestNumber: requestNumber,
	})
}

func (s *CertificateService) describeFailure(err error) string {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.Is(err, catastro.ErrPropertyNotFound):
		return "No property was found for this chip"
	case errors.Is(err, catastro.ErrTokenExpired):
		return "Your session expired while generating, please validate your identity again"
	case errors.As(err, &exhausted):
		return fmt.Sprintf("The certificate service did not respond after %d attempts", exhausted.Attempts)
	default:
		return "The certificate could not be generated, please try again later"
	}
}

func dedupe(chips []string) []string {
	seen := make(map[string]struct{}, len(chips))
	out := chips[:0:0]
	for _, chip := range chips {
		if chip == "" {
			continue
		}
		if _, ok := seen[chip]; ok {
			continue
		}
		seen[chip] = struct{}{}
		out = append(out, chip)
	}
	return out
}
