package expense

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/billioG/reintegros/internal/extract"
	"github.com/billioG/reintegros/internal/recognize"
)

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// SyncTrigger requests a sync run after a successful append. The engine
// itself decides whether connectivity permits one.
type SyncTrigger interface {
	TriggerSync()
}

// Draft holds the pre-filled form a captured photo produces: the extracted
// fields plus the photo payload the confirmed record will carry.
type Draft struct {
	Date           string `json:"date"`
	DocumentNumber string `json:"document_number"`
	Amount         string `json:"amount"`
	Photo          string `json:"photo"`
}

// Service orchestrates the capture pipeline: photo in, recognized text
// through the extractor, draft out, confirmed form into the store.
type Service struct {
	store      Store
	recognizer recognize.Recognizer
	trigger    SyncTrigger
	timeSource TimeSource
}

// NewService creates a new Service with the default time source
func NewService(store Store, recognizer recognize.Recognizer, trigger SyncTrigger) *Service {
	return NewServiceWithDeps(store, recognizer, trigger, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store Store, recognizer recognize.Recognizer, trigger SyncTrigger, timeSource TimeSource) *Service {
	return &Service{
		store:      store,
		recognizer: recognizer,
		trigger:    trigger,
		timeSource: timeSource,
	}
}

// CaptureDraft runs recognition and extraction over a captured photo. A
// recognizer failure means "extraction impossible", never an error: the user
// completes the form manually over an all-blank draft.
func (s *Service) CaptureDraft(imageData []byte, contentType string) *Draft {
	text, err := s.recognizer.RecognizeText(imageData, contentType)
	if err != nil {
		slog.Error("Failed to recognize receipt text",
			"content_type", contentType,
			"image_size", len(imageData),
			"error", err,
		)
		text = ""
	}

	fields := extract.Fields(text)
	if fields.Date == "" {
		fields.Date = s.timeSource.Now().Format("2006-01-02")
	}

	return &Draft{
		Date:           fields.Date,
		DocumentNumber: fields.DocumentNumber,
		Amount:         fields.Amount,
		Photo:          dataURI(contentType, imageData),
	}
}

// SaveRecord persists a user-confirmed form as a new pending record and
// requests a sync run for it.
func (s *Service) SaveRecord(fields Fields) (uint64, error) {
	if strings.TrimSpace(fields.Photo) == "" {
		return 0, fmt.Errorf("a captured photo is required")
	}
	if fields.Date == "" {
		fields.Date = s.timeSource.Now().Format("2006-01-02")
	}

	id, err := s.store.Append(fields)
	if err != nil {
		return 0, fmt.Errorf("saving record: %w", err)
	}

	if s.trigger != nil {
		s.trigger.TriggerSync()
	}
	return id, nil
}

// ListAll returns every stored record
func (s *Service) ListAll() ([]*Record, error) {
	records, err := s.store.ListAll()
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return records, nil
}

// ListPending returns the records awaiting delivery
func (s *Service) ListPending() ([]*Record, error) {
	records, err := s.store.ListPending()
	if err != nil {
		return nil, fmt.Errorf("listing pending records: %w", err)
	}
	return records, nil
}

// LastSyncAt returns the persisted last successful sync timestamp
func (s *Service) LastSyncAt() (time.Time, error) {
	return s.store.LastSyncAt()
}

// dataURI encodes an image payload the way the capture form carries it
func dataURI(contentType string, data []byte) string {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}
