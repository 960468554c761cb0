// Package api serves the loopback HTTP and WebSocket surface UI clients
// talk to. It never binds a non-loopback address; remote peers only ever
// reach the node through the session listener.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftworks/weft/internal/blob"
	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/identity"
	"github.com/weftworks/weft/internal/metrics"
	"github.com/weftworks/weft/internal/relay"
	"github.com/weftworks/weft/internal/session"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/transfer"
	"github.com/weftworks/weft/internal/werr"
)

var log = logging.Logger("api")

// Server holds the handles the HTTP handlers work against.
type Server struct {
	ident    *identity.Store
	db       *store.DB
	blobs    *blob.Dir
	eng      *transfer.Engine
	hub      *relay.Hub
	link     *relay.Link
	sessions *session.Manager
	disc     discovery.Discovery
	met      *metrics.Metrics
	started  time.Time
}

// New assembles the API server. disc may be nil when discovery is off;
// link is nil outside client mode.
func New(ident *identity.Store, db *store.DB, blobs *blob.Dir, eng *transfer.Engine, hub *relay.Hub, link *relay.Link, sessions *session.Manager, disc discovery.Discovery, met *metrics.Metrics) *Server {
	return &Server{
		ident:    ident,
		db:       db,
		blobs:    blobs,
		eng:      eng,
		hub:      hub,
		link:     link,
		sessions: sessions,
		disc:     disc,
		met:      met,
		started:  time.Now(),
	}
}

// Router mounts every endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.hub.HandleWS)
	if reg := s.met.Registry(); reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/devices", s.handleDevices)
		r.Get("/addresses", s.handleAddresses)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Post("/discovery/restart", s.handleDiscoveryRestart)

		r.Get("/peers", s.handleListPeers)
		r.Patch("/peers/{id}", s.handlePatchPeer)
		r.Post("/peers/{id}/connect", s.handleConnectPeer)
		r.Post("/peers/{id}/disconnect", s.handleDisconnectPeer)
		r.Get("/connections/{id}", s.handleConnectionsForDevice)

		r.Get("/tags", s.handleListTags)
		r.Post("/tags", s.handleAddTag)
		r.Delete("/tags/{tag}", s.handleDeleteTag)

		r.Get("/files", s.handleListFiles)
		r.Post("/files/record-sent", s.handleRecordSent)
		r.Get("/files/{id}", s.handleFilesForDevice)
		r.Get("/files/{id}/download", s.handleDownload)
		r.Post("/files/{id}/send", s.handleSendStored)
		r.Patch("/files/{id}", s.handleRenameFile)
		r.Patch("/files/{id}/tags", s.handleRetagFile)
		r.Patch("/files/{id}/metadata", s.handleFileMetadata)
		r.Delete("/files/{id}", s.handleDeleteFile)
		r.Post("/upload", s.handleUpload)
	})

	return r
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("response write failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := werr.KindOf(err)
	writeJSON(w, statusFor(kind), errorBody{Error: errorDetail{
		Kind:    string(kind),
		Message: err.Error(),
	}})
}

func statusFor(kind werr.Kind) int {
	switch kind {
	case werr.KindInvalidArgument, werr.KindProtocolViolation:
		return http.StatusBadRequest
	case werr.KindUnknownPeer, werr.KindUnknownTransfer:
		return http.StatusNotFound
	case werr.KindTransportRefused, werr.KindTransportReset:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return werr.Wrap(err, werr.KindInvalidArgument, "decode request body")
	}
	return nil
}
