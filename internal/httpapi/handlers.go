package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/fostrom-dev/fostrom-agent/internal/moonlight"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"service": "fostrom-agent"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Status())
}

type pulseRequest struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

func parsePulseType(s string) (moonlight.PulseType, bool) {
	switch strings.ToLower(s) {
	case "", "datapoint":
		return moonlight.PulseTypeDatapoint, true
	case "system":
		return moonlight.PulseTypeSystem, true
	case "msg":
		return moonlight.PulseTypeMsg, true
	default:
		return 0, false
	}
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	var req pulseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	pulseType, ok := parsePulseType(req.Type)
	if !ok {
		writeError(w, http.StatusBadRequest, "type must be one of: system, datapoint, msg")
		return
	}

	reply, err := s.supervisor.SendCmd(moonlight.SendPulseCmd{
		Type:    pulseType,
		Name:    req.Name,
		Payload: req.Payload,
	}, s.cmdTimeout)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	switch reply.Kind {
	case moonlight.ReplyOk:
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case moonlight.ReplyTimeout:
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for a response")
	default:
		writeError(w, http.StatusBadGateway, reply.Err.Error())
	}
}

type mailboxNextRequest struct {
	HeaderOnly bool `json:"header_only,omitempty"`
}

func (s *Server) handleMailboxNext(w http.ResponseWriter, r *http.Request) {
	var req mailboxNextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.supervisor.SendCmd(moonlight.MailboxNextCmd{HeaderOnly: req.HeaderOnly}, s.cmdTimeout)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	switch reply.Kind {
	case moonlight.ReplyMail:
		if reply.Mail == nil {
			writeJSON(w, http.StatusOK, map[string]any{"mail": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mail": reply.Mail})
	case moonlight.ReplyTimeout:
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for a response")
	default:
		writeError(w, http.StatusBadGateway, reply.Err.Error())
	}
}

type mailAckRequest struct {
	PulseID string `json:"pulse_id"`
	AckType string `json:"ack_type"`
}

func parseMailAckType(s string) (moonlight.MailAckType, bool) {
	switch strings.ToLower(s) {
	case "ack":
		return moonlight.MailAckAck, true
	case "reject":
		return moonlight.MailAckReject, true
	case "requeue":
		return moonlight.MailAckRequeue, true
	default:
		return 0, false
	}
}

func (s *Server) handleMailboxAck(w http.ResponseWriter, r *http.Request) {
	var req mailAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	pulseID, err := strconv.ParseUint(req.PulseID, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, moonlight.ErrInvalidPulseID.Error())
		return
	}
	ackType, ok := parseMailAckType(req.AckType)
	if !ok {
		writeError(w, http.StatusBadRequest, "ack_type must be one of: ack, reject, requeue")
		return
	}

	reply, err := s.supervisor.SendCmd(moonlight.MailOpCmd{AckType: ackType, PulseID: pulseID}, s.cmdTimeout)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	switch reply.Kind {
	case moonlight.ReplyMailAckSuccessful:
		writeJSON(w, http.StatusOK, map[string]bool{"more_available": reply.MoreAvailable})
	case moonlight.ReplyTimeout:
		writeError(w, http.StatusGatewayTimeout, "timed out waiting for a response")
	default:
		writeError(w, http.StatusBadGateway, reply.Err.Error())
	}
}

// handleStop answers the request, then asynchronously stops the supervisor
// and cancels the server's run context — letting the HTTP response flush
// before this handler's own listeners are torn down.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	go func() {
		s.supervisor.Stop()
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()
}
