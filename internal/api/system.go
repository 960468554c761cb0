package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/weftworks/weft/internal/discovery"
	"github.com/weftworks/weft/internal/store"
	"github.com/weftworks/weft/internal/werr"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	records, bytes, err := s.db.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	body := map[string]any{
		"status":           "ok",
		"node_id":          s.ident.NodeID(),
		"device_name":      s.ident.DeviceName(),
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"peers_online":     len(s.sessions.ReadyPeers()),
		"clients_attached": s.hub.ClientCount(),
		"transfer_records": records,
		"transfer_bytes":   bytes,
		"assembling":       s.eng.InFlight(),
	}
	if s.link != nil {
		body["hub_connected"] = s.link.Connected()
		body["hub_socket"] = s.link.Token()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Devices())
}

func (s *Server) handleAddresses(w http.ResponseWriter, r *http.Request) {
	addrs := discovery.LANAddresses()
	if addrs == nil {
		addrs = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"addresses": addrs,
		"port":      s.sessions.Port(),
	})
}

type settingsView struct {
	NodeID     string `json:"node_id"`
	DeviceName string `json:"device_name"`
	ServerPort int    `json:"server_port"`
	Mode       string `json:"connection_mode"`
	RemoteURL  string `json:"remote_server_url,omitempty"`
	DataDir    string `json:"data_dir"`
	Writable   bool   `json:"writable"`
}

func (s *Server) settings() settingsView {
	return settingsView{
		NodeID:     s.ident.NodeID(),
		DeviceName: s.ident.DeviceName(),
		ServerPort: s.ident.Port(),
		Mode:       s.ident.Mode(),
		RemoteURL:  s.ident.RemoteURL(),
		DataDir:    s.ident.Dir(),
		Writable:   s.ident.Writable(),
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings())
}

// handlePutSettings applies the given fields. A name change propagates
// immediately through discovery and future handshakes; port and mode take
// effect on next start.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceName *string `json:"device_name"`
		ServerPort *int    `json:"server_port"`
		Mode       *string `json:"connection_mode"`
		RemoteURL  *string `json:"remote_server_url"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.DeviceName != nil {
		if err := s.ident.SetDeviceName(*req.DeviceName); err != nil {
			writeError(w, err)
			return
		}
		if s.disc != nil {
			s.disc.UpdateName(s.ident.DeviceName())
		}
		log.Infow("device renamed", "name", s.ident.DeviceName())
	}
	if req.ServerPort != nil {
		if err := s.ident.SetPort(*req.ServerPort); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Mode != nil {
		if err := s.ident.SetMode(*req.Mode); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.RemoteURL != nil {
		if err := s.ident.SetRemoteURL(*req.RemoteURL); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.settings())
}

func (s *Server) handleDiscoveryRestart(w http.ResponseWriter, r *http.Request) {
	if s.disc == nil {
		writeError(w, werr.New(werr.KindDiscoveryUnavailable, "discovery is off"))
		return
	}
	if err := s.disc.Restart(); err != nil {
		writeError(w, err)
		return
	}
	s.met.DiscoveryRestarted()
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

type peerView struct {
	store.Device
	Connected bool `json:"connected"`
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.db.ListPeers()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView{Device: p, Connected: s.sessions.IsConnected(p.PeerID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePatchPeer(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "id")
	var req struct {
		Enabled     *bool   `json:"enabled"`
		DisplayName *string `json:"display_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	dev, ok, err := s.db.GetDevice(peerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, werr.New(werr.KindUnknownPeer, "no device %s", peerID))
		return
	}

	if req.Enabled != nil {
		dev, err = s.db.SetDeviceEnabled(peerID, *req.Enabled)
		if err != nil {
			writeError(w, err)
			return
		}
		if !*req.Enabled {
			s.sessions.Disconnect(peerID)
		}
	}
	if req.DisplayName != nil {
		dev, err = s.db.RenameDevice(peerID, *req.DisplayName)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, peerView{Device: dev, Connected: s.sessions.IsConnected(peerID)})
}

func (s *Server) handleConnectPeer(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "id")
	if err := s.sessions.Connect(peerID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"peer_id":   peerID,
		"connected": s.sessions.IsConnected(peerID),
	})
}

func (s *Server) handleDisconnectPeer(w http.ResponseWriter, r *http.Request) {
	peerID := chi.URLParam(r, "id")
	s.sessions.Disconnect(peerID)
	writeJSON(w, http.StatusOK, map[string]any{"peer_id": peerID, "connected": false})
}

func (s *Server) handleConnectionsForDevice(w http.ResponseWriter, r *http.Request) {
	conns, err := s.db.ConnectionsForDevice(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if conns == nil {
		conns = []store.Connection{}
	}
	writeJSON(w, http.StatusOK, conns)
}
