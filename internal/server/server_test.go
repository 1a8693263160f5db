package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/billioG/reintegros/internal/expense"
	"github.com/billioG/reintegros/internal/syncer"
)

func TestServer(t *testing.T) {
	// Disable logging during tests
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	RegisterFailHandler(Fail)
	RunSpecs(t, "Server Suite")
}

// mockStore is an in-memory implementation of expense.Store
type mockStore struct {
	records    map[uint64]*expense.Record
	nextID     uint64
	lastSyncAt time.Time
	appendErr  error
	listErr    error
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[uint64]*expense.Record)}
}

func (m *mockStore) Append(fields expense.Fields) (uint64, error) {
	if m.appendErr != nil {
		return 0, m.appendErr
	}
	m.nextID++
	m.records[m.nextID] = &expense.Record{
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

func (m *mockStore) ListAll() ([]*expense.Record, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	records := make([]*expense.Record, 0, len(m.records))
	for id := uint64(1); id <= m.nextID; id++ {
		if r, ok := m.records[id]; ok {
			records = append(records, r)
		}
	}
	return records, nil
}

func (m *mockStore) ListPending() ([]*expense.Record, error) {
	all, err := m.ListAll()
	if err != nil {
		return nil, err
	}
	pending := make([]*expense.Record, 0)
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

// mockEngine is a mock implementation of SyncRunner
type mockEngine struct {
	result     syncer.Result
	runErr     error
	lastResult *syncer.Result
	runs       int
}

func (m *mockEngine) Run(ctx context.Context, reason syncer.Reason) (syncer.Result, error) {
	m.runs++
	return m.result, m.runErr
}

func (m *mockEngine) LastResult() *syncer.Result {
	return m.lastResult
}

func (m *mockEngine) TriggerSync() {}

// mockConnectivity is a settable connectivity checker
type mockConnectivity struct {
	online bool
}

func (m *mockConnectivity) IsOnline() bool {
	return m.online
}

var _ = Describe("Server", func() {
	var (
		store        *mockStore
		recognizer   *mockRecognizer
		engine       *mockEngine
		connectivity *mockConnectivity
		srv          *Server
		recorder     *httptest.ResponseRecorder
	)

	BeforeEach(func() {
		store = newMockStore()
		recognizer = &mockRecognizer{text: "FECHA: 05/11/2025\nTOTAL Q150.5"}
		engine = &mockEngine{}
		connectivity = &mockConnectivity{online: true}
		service := expense.NewService(store, recognizer, engine)
		srv = NewServer(service, engine, connectivity, BasicAuth{})
		recorder = httptest.NewRecorder()
	})

	multipartPhoto := func(field string) (*bytes.Buffer, string) {
		body := &bytes.Buffer{}
		writer := multipart.NewWriter(body)
		part, err := writer.CreateFormFile(field, "foto.jpg")
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write([]byte("fake image bytes"))
		Expect(err).NotTo(HaveOccurred())
		Expect(writer.Close()).To(Succeed())
		return body, writer.FormDataContentType()
	}

	Describe("POST /api/captures", func() {
		It("should return the pre-filled draft", func() {
			body, contentType := multipartPhoto("photo")
			req := httptest.NewRequest("POST", "/api/captures", body)
			req.Header.Set("Content-Type", contentType)
			srv.ServeHTTP(recorder, req)

			Expect(recorder.Code).To(Equal(http.StatusOK))

			var draft expense.Draft
			Expect(json.Unmarshal(recorder.Body.Bytes(), &draft)).To(Succeed())
			Expect(draft.Date).To(Equal("2025-11-05"))
			Expect(draft.Amount).To(Equal("150.50"))
			Expect(draft.Photo).To(HavePrefix("data:"))
		})

		When("the recognizer fails", func() {
			BeforeEach(func() {
				recognizer.recognizeErr = errors.New("model unavailable")
			})

			It("should still return a draft with blank fields", func() {
				body, contentType := multipartPhoto("photo")
				req := httptest.NewRequest("POST", "/api/captures", body)
				req.Header.Set("Content-Type", contentType)
				srv.ServeHTTP(recorder, req)

				Expect(recorder.Code).To(Equal(http.StatusOK))

				var draft expense.Draft
				Expect(json.Unmarshal(recorder.Body.Bytes(), &draft)).To(Succeed())
				Expect(draft.Amount).To(BeEmpty())
				Expect(draft.Photo).NotTo(BeEmpty())
			})
		})

		When("no photo is attached", func() {
			It("should return bad request", func() {
				body, contentType := multipartPhoto("attachment")
				req := httptest.NewRequest("POST", "/api/captures", body)
				req.Header.Set("Content-Type", contentType)
				srv.ServeHTTP(recorder, req)

				Expect(recorder.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("POST /api/records", func() {
		var fields expense.Fields

		BeforeEach(func() {
			fields = expense.Fields{
				Date:        "2025-11-05",
				Description: "taxi",
				Project:     "capacitacion",
				Amount:      "150.50",
				Requester:   "Maria",
				Photo:       "data:image/jpeg;base64,Zm9vCg==",
			}
		})

		post := func() {
			body, err := json.Marshal(fields)
			Expect(err).NotTo(HaveOccurred())
			req := httptest.NewRequest("POST", "/api/records", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			srv.ServeHTTP(recorder, req)
		}

		It("should create the record and return its id", func() {
			post()
			Expect(recorder.Code).To(Equal(http.StatusCreated))

			var resp map[string]uint64
			Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["id"]).To(Equal(uint64(1)))
			Expect(store.records).To(HaveLen(1))
		})

		When("the photo is missing", func() {
			BeforeEach(func() {
				fields.Photo = ""
			})

			It("should reject the save", func() {
				post()
				Expect(recorder.Code).To(Equal(http.StatusInternalServerError))
				Expect(store.records).To(BeEmpty())
			})
		})

		When("persistence fails", func() {
			BeforeEach(func() {
				store.appendErr = errors.New("disk full")
			})

			It("should report a blocking failure so the client can retry", func() {
				post()
				Expect(recorder.Code).To(Equal(http.StatusInternalServerError))

				var resp map[string]string
				Expect(json.Unmarshal(recorder.Body.Bytes(), &resp)).To(Succeed())
				Expect(resp["error"]).To(ContainSubstring("retry"))
			})
		})

		When("the body is not JSON", func() {
			It("should return bad request", func() {
				req := httptest.NewRequest("POST", "/api/records", bytes.NewReader([]byte("nope")))
				srv.ServeHTTP(recorder, req)
				Expect(recorder.Code).To(Equal(http.StatusBadRequest))
			})
		})
	})

	Describe("GET /api/records", func() {
		BeforeEach(func() {
			_, err := store.Append(expense.Fields{Description: "uno", Photo: "data:x"})
			Expect(err).NotTo(HaveOccurred())
			id, err := store.Append(expense.Fields{Description: "dos", Photo: "data:x"})
			Expect(err).NotTo(HaveOccurred())
			Expect(store.MarkSynced(id, "https://drive.example.com/foto.jpg")).To(Succeed())
		})

		It("should list every record", func() {
			req := httptest.NewRequest("GET", "/api/records", nil)
			srv.ServeHTTP(recorder, req)

			Expect(recorder.Code).To(Equal(http.StatusOK))
			var records []*expense.Record
			Expect(json.Unmarshal(recorder.Body.Bytes(), &records)).To(Succeed())
			Expect(records).To(HaveLen(2))
		})

		It("should list only pending on the pending route", func() {
			req := httptest.NewRequest("GET", "/api/records/pending", nil)
			srv.ServeHTTP(recorder, req)

			Expect(recorder.Code).To(Equal(http.StatusOK))
			var records []*expense.Record
			Expect(json.Unmarshal(recorder.Body.Bytes(), &records)).To(Succeed())
			Expect(records).To(HaveLen(1))
			Expect(records[0].Description).To(Equal("uno"))
		})
	})

	Describe("POST /api/sync", func() {
		post := func() {
			req := httptest.NewRequest("POST", "/api/sync", nil)
			srv.ServeHTTP(recorder, req)
		}

		When("the run delivers records", func() {
			BeforeEach(func() {
				engine.result = syncer.Result{Succeeded: 2, Failed: 1}
			})

			It("should report the run counts", func() {
				post()
				Expect(recorder.Code).To(Equal(http.StatusOK))

				var result syncer.Result
				Expect(json.Unmarshal(recorder.Body.Bytes(), &result)).To(Succeed())
				Expect(result.Succeeded).To(Equal(2))
				Expect(result.Failed).To(Equal(1))
			})
		})

		When("there is nothing to sync", func() {
			BeforeEach(func() {
				engine.result = syncer.Result{Empty: true}
			})

			It("should say so explicitly for a user-triggered run", func() {
				post()
				Expect(recorder.Code).To(Equal(http.StatusOK))
				Expect(recorder.Body.String()).To(ContainSubstring("Nothing to sync"))
			})
		})

		When("offline", func() {
			BeforeEach(func() {
				engine.runErr = syncer.ErrOffline
			})

			It("should return service unavailable", func() {
				post()
				Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
			})
		})

		When("a run is already draining", func() {
			BeforeEach(func() {
				engine.runErr = syncer.ErrSyncInProgress
			})

			It("should return conflict", func() {
				post()
				Expect(recorder.Code).To(Equal(http.StatusConflict))
			})
		})
	})

	Describe("GET /api/status", func() {
		BeforeEach(func() {
			_, err := store.Append(expense.Fields{Description: "uno", Photo: "data:x"})
			Expect(err).NotTo(HaveOccurred())
			store.lastSyncAt = time.Date(2025, 11, 5, 14, 0, 0, 0, time.UTC)
			engine.lastResult = &syncer.Result{Succeeded: 3}
		})

		It("should report connection state and queue counts", func() {
			req := httptest.NewRequest("GET", "/api/status", nil)
			srv.ServeHTTP(recorder, req)

			Expect(recorder.Code).To(Equal(http.StatusOK))

			var status statusResponse
			Expect(json.Unmarshal(recorder.Body.Bytes(), &status)).To(Succeed())
			Expect(status.Online).To(BeTrue())
			Expect(status.PendingCount).To(Equal(1))
			Expect(status.TotalCount).To(Equal(1))
			Expect(status.LastSyncAt).To(Equal("2025-11-05T14:00:00Z"))
			Expect(status.LastRun.Succeeded).To(Equal(3))
		})
	})

	Describe("authentication", func() {
		BeforeEach(func() {
			service := expense.NewService(store, recognizer, engine)
			srv = NewServer(service, engine, connectivity, BasicAuth{Username: "user", Password: "pass"})
		})

		It("should reject requests without credentials", func() {
			req := httptest.NewRequest("GET", "/api/records", nil)
			srv.ServeHTTP(recorder, req)
			Expect(recorder.Code).To(Equal(http.StatusUnauthorized))
		})

		It("should accept valid credentials", func() {
			req := httptest.NewRequest("GET", "/api/records", nil)
			req.SetBasicAuth("user", "pass")
			srv.ServeHTTP(recorder, req)
			Expect(recorder.Code).To(Equal(http.StatusOK))
		})

		It("should reject wrong credentials", func() {
			req := httptest.NewRequest("GET", "/api/records", nil)
			req.SetBasicAuth("user", "wrong")
			srv.ServeHTTP(recorder, req)
			Expect(recorder.Code).To(Equal(http.StatusUnauthorized))
		})
	})
})
