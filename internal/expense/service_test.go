package expense

import (
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockStore is a mock implementation of Store
type mockStore struct {
	records    map[uint64]*Record
	nextID     uint64
	lastSyncAt time.Time
	appendErr  error
	listErr    error
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[uint64]*Record)}
}

func (m *mockStore) Append(fields Fields) (uint64, error) {
	if m.appendErr != nil {
		return 0, m.appendErr
	}
	m.nextID++
	m.records[m.nextID] = &Record{
		ID:             m.nextID,
		Date:           fields.Date,
		Description:    fields.Description,
		DocumentNumber: fields.DocumentNumber,
		Project:        fields.Project,
		Amount:         fields.Amount,
		Requester:      fields.Requester,
		Photo:          fields.Photo,
		CreatedAt:      time.Now(),
	}
	return m.nextID, nil
}

func (m *mockStore) ListAll() ([]*Record, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	records := make([]*Record, 0, len(m.records))
	for id := uint64(1); id <= m.nextID; id++ {
		if r, ok := m.records[id]; ok {
			records = append(records, r)
		}
	}
	return records, nil
}

func (m *mockStore) ListPending() ([]*Record, error) {
	all, err := m.ListAll()
	if err != nil {
		return nil, err
	}
	pending := make([]*Record, 0)
	for _, r := range all {
		if !r.Synced {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

func (m *mockStore) MarkSynced(id uint64, photoRef string) error {
	r, ok := m.records[id]
	if !ok || r.Synced {
		return nil
	}
	now := time.Now()
	r.Synced = true
	r.SyncedAt = &now
	if photoRef != "" {
		r.Photo = photoRef
	}
	return nil
}

func (m *mockStore) LastSyncAt() (time.Time, error) {
	return m.lastSyncAt, nil
}

func (m *mockStore) SetLastSyncAt(t time.Time) error {
	m.lastSyncAt = t
	return nil
}

func (m *mockStore) Close() error {
	return nil
}

// mockRecognizer is a mock implementation of recognize.Recognizer
type mockRecognizer struct {
	text         string
	recognizeErr error
}

func (m *mockRecognizer) RecognizeText(imageData []byte, contentType string) (string, error) {
	if m.recognizeErr != nil {
		return "", m.recognizeErr
	}
	return m.text, nil
}

func (m *mockRecognizer) Close() error {
	return nil
}

// mockTrigger records sync trigger requests
type mockTrigger struct {
	calls int
}

func (m *mockTrigger) TriggerSync() {
	m.calls++
}

// mockTimeSource is a mock implementation of TimeSource
type mockTimeSource struct {
	now time.Time
}

func (m *mockTimeSource) Now() time.Time {
	return m.now
}

var _ = Describe("Service", func() {
	var (
		store      *mockStore
		recognizer *mockRecognizer
		trigger    *mockTrigger
		timeSource *mockTimeSource
		service    *Service
	)

	BeforeEach(func() {
		store = newMockStore()
		recognizer = &mockRecognizer{}
		trigger = &mockTrigger{}
		timeSource = &mockTimeSource{now: time.Date(2025, 11, 6, 10, 0, 0, 0, time.UTC)}
		service = NewServiceWithDeps(store, recognizer, trigger, timeSource)
	})

	Describe("CaptureDraft", func() {
		var (
			imageData   []byte
			contentType string
			draft       *Draft
		)

		BeforeEach(func() {
			imageData = []byte("fake image data")
			contentType = "image/jpeg"
			recognizer.text = "FARMACIA CENTRAL\nFECHA DE EMISION: 05/11/2025\nNo. de DTE: 12345678-1234567890\nTOTAL Q150.5"
		})

		JustBeforeEach(func() {
			draft = service.CaptureDraft(imageData, contentType)
		})

		When("recognition succeeds", func() {
			It("should fill the draft from the recognized text", func() {
				Expect(draft.Date).To(Equal("2025-11-05"))
				Expect(draft.DocumentNumber).To(Equal("12345678-1234567890"))
				Expect(draft.Amount).To(Equal("150.50"))
			})

			It("should embed the photo as a data URI", func() {
				Expect(draft.Photo).To(HavePrefix("data:image/jpeg;base64,"))
			})
		})

		When("the recognizer fails", func() {
			BeforeEach(func() {
				recognizer.recognizeErr = errors.New("model unavailable")
			})

			It("should produce an all-blank draft, not an error", func() {
				Expect(draft.DocumentNumber).To(BeEmpty())
				Expect(draft.Amount).To(BeEmpty())
			})

			It("should default the date to the capture date", func() {
				Expect(draft.Date).To(Equal("2025-11-06"))
			})

			It("should still embed the photo", func() {
				Expect(draft.Photo).To(HavePrefix("data:image/jpeg;base64,"))
			})
		})

		When("the recognized text has no extractable date", func() {
			BeforeEach(func() {
				recognizer.text = "TOTAL Q25.00"
			})

			It("should default the date to the capture date", func() {
				Expect(draft.Date).To(Equal("2025-11-06"))
				Expect(draft.Amount).To(Equal("25.00"))
			})
		})

		When("the content type is empty", func() {
			BeforeEach(func() {
				contentType = ""
			})

			It("should default to jpeg in the data URI", func() {
				Expect(draft.Photo).To(HavePrefix("data:image/jpeg;base64,"))
			})
		})
	})

	Describe("SaveRecord", func() {
		var (
			fields Fields
			id     uint64
			err    error
		)

		BeforeEach(func() {
			fields = Fields{
				Date:           "2025-11-05",
				Description:    "taxi al aeropuerto",
				DocumentNumber: "12345678-1234567890",
				Project:        "capacitacion",
				Amount:         "150.50",
				Requester:      "Maria",
				Photo:          "data:image/jpeg;base64,Zm9vCg==",
			}
		})

		JustBeforeEach(func() {
			id, err = service.SaveRecord(fields)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the assigned id", func() {
				Expect(id).To(Equal(uint64(1)))
			})

			It("should request a sync run", func() {
				Expect(trigger.calls).To(Equal(1))
			})
		})

		When("the photo is missing", func() {
			BeforeEach(func() {
				fields.Photo = "   "
			})

			It("should refuse to create the record", func() {
				Expect(err).To(HaveOccurred())
				Expect(store.records).To(BeEmpty())
			})

			It("should not request a sync run", func() {
				Expect(trigger.calls).To(BeZero())
			})
		})

		When("the date is empty", func() {
			BeforeEach(func() {
				fields.Date = ""
			})

			It("should default to the capture date", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(store.records[id].Date).To(Equal("2025-11-06"))
			})
		})

		When("the store fails", func() {
			BeforeEach(func() {
				store.appendErr = errors.New("disk full")
			})

			It("should surface the failure", func() {
				Expect(err).To(HaveOccurred())
				Expect(strings.Contains(err.Error(), "saving record")).To(BeTrue())
			})

			It("should not request a sync run", func() {
				Expect(trigger.calls).To(BeZero())
			})
		})
	})
})
