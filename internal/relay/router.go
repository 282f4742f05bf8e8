package relay

import (
	"encoding/binary"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/inkline-dev/inkline/internal/apperr"
	"github.com/inkline-dev/inkline/internal/wire"
)

var blobIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Router builds the relay's HTTP handler: public "/" status, and an
// "/api" group gated by Ed25519 request-signature auth (spec.md §6).
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/", s.handleStatus)

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authMiddleware)
		api.Post("/key-package", s.handleSaveKeyPackage)
		api.Get("/device/{deviceID}/packages", s.handleListKeyPackages)
		api.Put("/account/{accountID}/chain", s.handlePushChain)
		api.Get("/account/{accountID}/devices", s.handleListAccountDevices)
		api.Post("/mailbox", s.handlePushMailbox)
		api.Get("/mailbox", s.handleFetchMailbox)
		api.Delete("/mailbox/ack/{messageID}", s.handleAckMailbox)
		api.Post("/docs", s.handlePushDoc)
		api.Post("/docs/list", s.handleListDocs)
		api.Get("/docs/version/{id}/{deviceID}", s.handleDocVersion)
		api.Put("/blobs/upload", s.handlePresignUpload)
		api.Put("/blobs/download", s.handlePresignDownload)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
			"device":   r.Header.Get("device-id"),
		}).Debug("request handled")
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("inkline relay is running, time=" + time.Now().UTC().Format(time.RFC3339)))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	s.log.WithError(err).WithField("status", status).Warn("request failed")
	http.Error(w, err.Error(), status)
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func (s *Server) handleSaveKeyPackage(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := currentDeviceID(r.Context())
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	pkg, err := wire.UnmarshalKeyPackage(body)
	if err != nil {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrMalformedMessage))
		return
	}

	if err := s.store.putCredential(r.Context(), deviceID, pkg.SigPub); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.putKeyPackage(r.Context(), deviceID, body, time.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListKeyPackages(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	packages, err := s.store.keyPackagesFor(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := wire.WriteFramed(w, packages); err != nil {
		s.writeError(w, err)
		return
	}
}

// handlePushChain publishes a device's signature chain to the relay,
// along with the set of device ids it should be reachable under — the
// entry point a new account or a newly attached device uses to make
// itself discoverable (spec.md §4.1/§6).
func (s *Server) handlePushChain(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	push, err := wire.UnmarshalAccountChainPush(body)
	if err != nil {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrMalformedMessage))
		return
	}
	if err := s.store.putAccount(r.Context(), accountID, push.Chain, push.DeviceIDs); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAccountDevices(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	chainBytes, devices, err := s.store.accountChainAndDevices(r.Context(), accountID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	frames := [][]byte{chainBytes}
	for _, deviceID := range devices {
		packages, err := s.store.keyPackagesFor(r.Context(), deviceID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		frames = append(frames, packages...)
	}
	if err := wire.WriteFramed(w, frames); err != nil {
		s.writeError(w, err)
		return
	}
}

func (s *Server) handlePushMailbox(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	msg, err := wire.UnmarshalPushMailbox(body)
	if err != nil {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrMalformedMessage))
		return
	}
	if msg.RecipientDeviceID == "" {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrMalformedMessage))
		return
	}
	if err := validateCreatedAt(msg.CreatedAtSec, msg.CreatedAtNano); err != nil {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, err))
		return
	}
	if err := s.store.enqueueMailbox(r.Context(), msg.ID, msg.RecipientDeviceID, msg.Message, time.Now()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func validateCreatedAt(sec, nano int64) error {
	if sec < 0 || sec >= int64(1)<<62 {
		return apperr.ErrInvalidCreatedAt
	}
	if nano < 0 || nano >= 1_000_000_000 {
		return apperr.ErrInvalidCreatedAt
	}
	return nil
}

func (s *Server) handleFetchMailbox(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := currentDeviceID(r.Context())
	rows, err := s.store.fetchMailbox(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	frames := make([][]byte, 0, len(rows))
	for _, row := range rows {
		msg := wire.PushMailbox{ID: row.ID, Message: row.Message}
		frames = append(frames, msg.Marshal())
	}
	if err := wire.WriteFramed(w, frames); err != nil {
		s.writeError(w, err)
		return
	}
}

func (s *Server) handleAckMailbox(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if err := s.store.ackMailbox(r.Context(), messageID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePushDoc(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	doc, err := wire.UnmarshalDocPayload(body)
	if err != nil {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrMalformedMessage))
		return
	}
	err = s.store.putDoc(r.Context(), doc.ID, doc.AuthorDeviceID, doc.Counter, body, doc.Participants, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Binding is cleartext metadata the author declared (BlobIDs), not
	// anything the relay inspects the ciphertext for — it only ever
	// learns which blobs a card references this way (spec.md §4.4/§4.9).
	for _, blobID := range doc.BlobIDs {
		for _, accountID := range doc.Participants {
			if err := s.store.bindDocBlob(r.Context(), accountID, doc.ID, blobID, doc.AuthorDeviceID); err != nil {
				s.writeError(w, err)
				return
			}
		}
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleListDocs(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := currentDeviceID(r.Context())
	accountID, err := s.store.accountIDForDevice(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	clock, err := wire.UnmarshalDeviceVectorClock(body)
	if err != nil {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrMalformedMessage))
		return
	}

	payloads, err := s.store.docsSince(r.Context(), accountID, clock.Counters)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := wire.WriteFramed(w, payloads); err != nil {
		s.writeError(w, err)
		return
	}
}

func (s *Server) handleDocVersion(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "id")
	deviceID := chi.URLParam(r, "deviceID")
	counter, err := s.store.docVersion(r.Context(), docID, deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	w.Write(buf[:])
}

func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := currentDeviceID(r.Context())
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := wire.UnmarshalPresignUpload(body)
	if err != nil {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrMalformedMessage))
		return
	}

	if !blobIDPattern.MatchString(req.BlobID) {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrInvalidBlobID))
		return
	}
	if req.SizeBytes > 20*1024*1024 {
		s.writeError(w, apperr.Coded(http.StatusRequestEntityTooLarge, apperr.ErrBlobTooBig))
		return
	}

	path := ObjectPath(time.Now(), req.BlobID, deviceID)
	url, err := s.objects.PresignPut(r.Context(), path, req.SizeBytes)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.store.putBlob(r.Context(), req.BlobID, deviceID, s.objects.bucket, path, req.SizeBytes); err != nil {
		s.writeError(w, err)
		return
	}
	// Marked uploaded as soon as the URL is presigned: the relay never
	// observes the PUT itself, so this happens before any upload.
	if err := s.store.markBlobUploaded(r.Context(), req.BlobID, deviceID); err != nil {
		s.writeError(w, err)
		return
	}

	w.Write([]byte(url))
}

func (s *Server) handlePresignDownload(w http.ResponseWriter, r *http.Request) {
	deviceID, _ := currentDeviceID(r.Context())
	body, err := readBody(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := wire.UnmarshalPresignDownload(body)
	if err != nil {
		s.writeError(w, apperr.Coded(http.StatusBadRequest, apperr.ErrMalformedMessage))
		return
	}

	accountID, err := s.store.accountIDForDevice(r.Context(), deviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	referenced, err := s.store.docReferencesBlob(r.Context(), accountID, req.DocID, req.BlobID, req.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !referenced {
		s.writeError(w, apperr.Coded(http.StatusNotFound, apperr.ErrNotFound))
		return
	}

	path, uploaded, err := s.store.blobPath(r.Context(), req.BlobID, req.DeviceID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !uploaded {
		s.writeError(w, apperr.Coded(http.StatusNotFound, apperr.ErrBlobMissing))
		return
	}

	url, err := s.objects.PresignGet(r.Context(), path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Write([]byte(url))
}
