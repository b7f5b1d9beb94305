package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/parser"
	"github.com/webmproject/webmlive-sub001/internal/uploader"
)

const (
	// maxChunkSize bounds one uploaded chunk.
	maxChunkSize = 64 << 20
	// viewerBuffer is how many units a viewer may lag before it is dropped.
	viewerBuffer = 64
)

var uploadUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // encoders are not browsers
	},
}

// RespondJSON sends a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func validStreamID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '.' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

func (s *Server) streamFromPath(w http.ResponseWriter, r *http.Request) (*Stream, bool) {
	id := r.PathValue("stream")
	if !validStreamID(id) {
		http.Error(w, "Invalid stream id", http.StatusBadRequest)
		return nil, false
	}
	return s.hub.Get(id), true
}

// handleUpload accepts one chunk per request. Sequence number 1 marks the
// first chunk of a new encoder session.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	stream, ok := s.streamFromPath(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxChunkSize+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxChunkSize {
		http.Error(w, "Chunk too large", http.StatusRequestEntityTooLarge)
		return
	}

	var resetErr error
	err = s.hub.Ingest(stream.id, func(stream *Stream) error {
		if r.Header.Get(uploader.HeaderChunkSeq) == "1" {
			if resetErr = stream.Reset(r.Header.Get(uploader.HeaderStreamName)); resetErr != nil {
				return resetErr
			}
		}
		return stream.Write(body)
	})
	if resetErr != nil {
		s.logger.Error("Failed to start segment", "stream", stream.id, "error", resetErr)
		http.Error(w, "Failed to start segment", http.StatusInternalServerError)
		return
	}
	if err != nil {
		s.writeIngestError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPendingTooLarge):
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, parser.ErrParse), errors.Is(err, ErrStreamFailed):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("Ingest failed", "error", err)
		http.Error(w, "Ingest failed", http.StatusInternalServerError)
	}
}

// handleWebSocketUpload reads chunks as binary messages. Every connection
// is a new segment.
func (s *Server) handleWebSocketUpload(w http.ResponseWriter, r *http.Request) {
	stream, ok := s.streamFromPath(w, r)
	if !ok {
		return
	}

	conn, err := uploadUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "stream", stream.id, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxChunkSize)

	reset := func(stream *Stream) error { return stream.Reset(r.Header.Get(uploader.HeaderStreamName)) }
	if err := s.hub.Ingest(stream.id, reset); err != nil {
		s.logger.Error("Failed to start segment", "stream", stream.id, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to start segment"))
		return
	}
	defer stream.Finish()
	s.logger.Info("Encoder connected", "stream", stream.id, "remote", r.RemoteAddr)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Encoder connection lost", "stream", stream.id, "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		write := func(stream *Stream) error { return stream.Write(data) }
		if err := s.hub.Ingest(stream.id, write); err != nil {
			code := websocket.CloseUnsupportedData
			switch {
			case errors.Is(err, ErrPendingTooLarge):
				code = websocket.CloseMessageTooBig
			case !errors.Is(err, parser.ErrParse) && !errors.Is(err, ErrStreamFailed):
				code = websocket.CloseInternalServerErr
			}
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, err.Error()))
			return
		}
	}
}

// handleLive streams the header group followed by every cluster as it
// arrives, as one progressive WebM response.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	stream, ok := s.streamFromPath(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", uploader.ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	id := uuid.NewString()
	units := stream.broadcaster.Subscribe(id, viewerBuffer)
	defer stream.broadcaster.Unsubscribe(id)

	viewers := s.metrics.Viewers.WithLabelValues(stream.id)
	viewers.Inc()
	defer viewers.Dec()

	for {
		select {
		case <-r.Context().Done():
			return
		case unit, ok := <-units:
			if !ok {
				return
			}
			if _, err := w.Write(unit); err != nil {
				s.logger.Debug("Viewer write failed", "subscriber", id, "error", err)
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"streams": s.hub.List(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": s.version,
		"uptime":  s.Uptime().String(),
	})
}
