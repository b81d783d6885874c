package admin

import (
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jaaacki/asterisk-api/internal/allowlist"
	"github.com/jaaacki/asterisk-api/internal/call"
)

// originateRequest is the JSON body for starting an outbound call.
type originateRequest struct {
	Endpoint  string            `json:"endpoint"`
	CallerID  string            `json:"callerID,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

func (s *Server) handleOriginate(w http.ResponseWriter, r *http.Request) {
	var req originateRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rec, err := s.orch.Originate(r.Context(), call.OriginateParams{
		Endpoint:  req.Endpoint,
		CallerID:  req.CallerID,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
		Variables: req.Variables,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.List())
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	rec, err := s.orch.Get(chi.URLParam(r, "callID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if err := s.orch.Hangup(r.Context(), chi.URLParam(r, "callID"), reason); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "hangup requested"})
}

// playRequest is the JSON body for pre-recorded media playback.
type playRequest struct {
	Media []string `json:"media"`
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.orch.PlayMedia(r.Context(), chi.URLParam(r, "callID"), req.Media); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "playback finished"})
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req call.SpeakRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	res, err := s.orch.Speak(r.Context(), chi.URLParam(r, "callID"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopSpeak(w http.ResponseWriter, r *http.Request) {
	s.orch.StopSpeaking(chi.URLParam(r, "callID"))
	writeJSON(w, http.StatusOK, map[string]string{"result": "speak interrupted"})
}

// dtmfRequest is the JSON body for sending DTMF digits.
type dtmfRequest struct {
	Digits string `json:"digits"`
}

func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req dtmfRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.orch.SendDTMF(r.Context(), chi.URLParam(r, "callID"), req.Digits); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "dtmf sent"})
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	var req call.RecordParams
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	name, err := s.orch.Record(r.Context(), chi.URLParam(r, "callID"), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

// transferRequest is the JSON body for an attended transfer.
type transferRequest struct {
	Endpoint  string `json:"endpoint"`
	CallerID  string `json:"callerID,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	res, err := s.orch.Transfer(r.Context(), chi.URLParam(r, "callID"), call.TransferParams{
		Endpoint: req.Endpoint,
		CallerID: req.CallerID,
		Timeout:  time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	if err := s.orch.StartCapture(r.Context(), callID); err != nil {
		writeDomainError(w, err)
		return
	}
	rec, err := s.orch.Get(callID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec.CaptureInfo())
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StopCapture(r.Context(), chi.URLParam(r, "callID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "capture stopped"})
}

func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.ListBridgeRecords())
}

// handleGetBridge returns the switch's live view of a bridge, which includes
// pipeline bridges the registry does not track.
func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	b, err := s.sw.GetBridge(r.Context(), chi.URLParam(r, "bridgeID"))
	if err != nil {
		writeSwitchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ── Stored recordings ──────────────────────────────────────────────────────

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recs, err := s.sw.ListRecordings(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording name")
		return
	}
	rec, err := s.sw.GetRecording(r.Context(), name)
	if err != nil {
		writeSwitchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetRecordingFile(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording name")
		return
	}
	data, err := s.sw.GetRecordingFile(r.Context(), name)
	if err != nil {
		writeSwitchError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording name")
		return
	}
	if err := s.sw.DeleteRecording(r.Context(), name); err != nil {
		writeSwitchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "deleted"})
}

// copyRecordingRequest is the JSON body for duplicating a stored recording.
type copyRecordingRequest struct {
	Destination string `json:"destination"`
}

func (s *Server) handleCopyRecording(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording name")
		return
	}
	var req copyRecordingRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Destination == "" {
		writeError(w, http.StatusBadRequest, "destination required")
		return
	}
	rec, err := s.sw.CopyRecording(r.Context(), name, req.Destination)
	if err != nil {
		writeSwitchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.sw.ListEndpoints(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.sw.GetEndpoint(r.Context(), chi.URLParam(r, "tech"), chi.URLParam(r, "resource"))
	if err != nil {
		writeSwitchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

// ── Allowlist ───────────────────────────────────────────────────────────────

func (s *Server) handleGetAllowlist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Snapshot())
}

func (s *Server) handlePutAllowlist(w http.ResponseWriter, r *http.Request) {
	var rules allowlist.Rules
	if msg := readJSON(r, &rules); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.gate.Set(rules); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.gate.Snapshot())
}
