package api

import (
	"bytes"
	stdmime "mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/transfer"
	"github.com/weftworks/weft/internal/werr"
	"github.com/weftworks/weft/internal/wire"
)

// uploadMemoryLimit is how much of a multipart body stays in memory before
// spilling to temp files.
const uploadMemoryLimit = 32 << 20

func transferID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, werr.New(werr.KindInvalidArgument, "bad transfer id %q", raw)
	}
	return id, nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	filter := store.TransferFilter{
		Tag:       r.URL.Query().Get("tag"),
		Direction: r.URL.Query().Get("direction"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, werr.New(werr.KindInvalidArgument, "bad limit %q", raw))
			return
		}
		filter.Limit = n
	}

	list, err := s.db.ListTransfers(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []store.Transfer{}
	}
	writeJSON(w, http.StatusOK, list)
}

// handleFilesForDevice lists transfers a device appears in, as origin or
// destination. The id is a device uuid, not a transfer id.
func (s *Server) handleFilesForDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	list, err := s.db.TransfersForDevice(deviceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []store.Transfer{}
	}
	writeJSON(w, http.StatusOK, list)
}

type recordSentRequest struct {
	wire.FileTransfer
	Destination string   `json:"destination_peer_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// handleRecordSent records an item the UI moved on its own, for history.
// With inline content the bytes are materialized like any other transfer;
// without, only clipboard or zero-byte records are representable, since
// a sized non-clipboard record must have a blob behind it.
func (s *Server) handleRecordSent(w http.ResponseWriter, r *http.Request) {
	var req recordSentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		writeError(w, werr.New(werr.KindInvalidArgument, "display_name is required"))
		return
	}

	if req.InlineContent != nil {
		payload, err := transfer.DecodeInline(*req.InlineContent, req.Mime)
		if err != nil {
			writeError(w, err)
			return
		}
		rec, err := s.eng.RecordLocal(transfer.Outbound{
			Payload:     payload,
			DisplayName: req.DisplayName,
			StorageName: req.StorageName,
			Mime:        req.Mime,
			IsClipboard: req.IsClipboard,
			Tags:        req.Tags,
		}, req.Destination)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
		return
	}

	if !req.IsClipboard && req.ByteSize > 0 {
		writeError(w, werr.New(werr.KindInvalidArgument, "inline_content required for a sized non-clipboard record"))
		return
	}
	name := req.StorageName
	if name == "" {
		name = req.DisplayName
	}
	var destName string
	if dev, ok, _ := s.db.GetDevice(req.Destination); ok {
		destName = dev.DisplayName
	}
	rec, err := s.db.CreateTransfer(store.Transfer{
		StorageName:     s.eng.UniqueStorageName(name),
		DisplayName:     req.DisplayName,
		Mime:            req.Mime,
		ByteSize:        req.ByteSize,
		OriginPeerID:    s.ident.NodeID(),
		OriginName:      s.ident.DeviceName(),
		DestPeerID:      req.Destination,
		DestinationName: destName,
		IsClipboard:     req.IsClipboard,
		Tags:            req.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(uploadMemoryLimit); err != nil {
		writeError(w, werr.Wrap(err, werr.KindInvalidArgument, "parse multipart body"))
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, werr.Wrap(err, werr.KindInvalidArgument, "missing file part"))
		return
	}
	defer f.Close()

	var tags []string
	for _, t := range strings.Split(r.FormValue("tags"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	rec, err := s.eng.RecordStream(f, hdr.Filename, hdr.Header.Get("Content-Type"), tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, ok, err := s.db.GetTransfer(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, werr.New(werr.KindUnknownTransfer, "no transfer %d", id))
		return
	}

	mime := rec.Mime
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition",
		stdmime.FormatMediaType("attachment", map[string]string{"filename": rec.DisplayName}))

	switch {
	case rec.InlineContent != nil:
		raw, err := transfer.DecodeInline(*rec.InlineContent, rec.Mime)
		if err != nil {
			writeError(w, err)
			return
		}
		http.ServeContent(w, r, rec.DisplayName, rec.CreatedAt, bytes.NewReader(raw))
	case rec.ByteSize == 0:
		// Zero-byte records have no blob behind them.
		http.ServeContent(w, r, rec.DisplayName, rec.CreatedAt, bytes.NewReader(nil))
	default:
		f, err := s.blobs.OpenBlob(rec.StorageName)
		if err != nil {
			writeError(w, err)
			return
		}
		defer f.Close()
		http.ServeContent(w, r, rec.DisplayName, rec.CreatedAt, f)
	}
}

// handleSendStored re-sends an already recorded transfer to a peer over
// the chunked path. Blocks until the peer acknowledged the last chunk.
func (s *Server) handleSendStored(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		PeerID string `json:"peer_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PeerID == "" {
		writeError(w, werr.New(werr.KindInvalidArgument, "peer_id is required"))
		return
	}
	if err := s.eng.SendStored(req.PeerID, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		OriginalName string `json:"originalName"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.OriginalName) == "" {
		writeError(w, werr.New(werr.KindInvalidArgument, "originalName is required"))
		return
	}
	rec, err := s.db.RenameTransfer(id, req.OriginalName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRetagFile(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.db.SetTransferTags(id, req.Tags)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFileMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Metadata map[string]any `json:"metadata"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.db.SetTransferMetadata(id, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := transferID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec, err := s.db.DeleteTransfer(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !rec.IsClipboard {
		if err := s.blobs.Remove(rec.StorageName); err != nil {
			log.Warnw("blob cleanup after delete failed", "storage_name", rec.StorageName, "err", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": rec.ID})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.db.ListTags()
	if err != nil {
		writeError(w, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, tags)
}

func (s *Server) handleAddTag(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	name, err := s.db.AddTag(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	updated, err := s.db.DeleteTag(chi.URLParam(r, "tag"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"filesUpdated": updated})
}
