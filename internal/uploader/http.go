package uploader

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/webmproject/webmlive-sub001/internal/util"
)

// Request headers understood by the relay.
const (
	HeaderStreamID   = "X-Stream-Id"
	HeaderStreamName = "X-Stream-Name"
	HeaderChunkSeq   = "X-Chunk-Seq"
)

// ContentType is the media type of every chunk.
const ContentType = "video/webm"

const progressStep = 32 * 1024

// HTTPTransport POSTs each chunk as one request body.
type HTTPTransport struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTPTransport uses client, or http.DefaultClient when nil.
func NewHTTPTransport(client *http.Client, logger *slog.Logger) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = util.GetLogger()
	}
	return &HTTPTransport{client: client, logger: logger.With("component", "http_transport")}
}

// progressReader reports how much of the body the client has consumed and
// stops the request when the callback says so.
type progressReader struct {
	r        *bytes.Reader
	total    int64
	sent     int64
	progress ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	if p.progress != nil {
		if err := p.progress(p.sent, p.total); err != nil {
			return 0, err
		}
	}
	if len(b) > progressStep {
		b = b[:progressStep]
	}
	n, err := p.r.Read(b)
	p.sent += int64(n)
	return n, err
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, target Target, data []byte, progress ProgressFunc) error {
	body := &progressReader{r: bytes.NewReader(data), total: int64(len(data)), progress: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, body)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set(HeaderStreamID, target.StreamID)
	req.Header.Set(HeaderChunkSeq, strconv.FormatInt(target.Seq, 10))
	if target.StreamName != "" {
		req.Header.Set(HeaderStreamName, target.StreamName)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrAborted) {
			return ErrAborted
		}
		return errors.Wrap(err, "upload request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("upload rejected (status %d): %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	t.logger.Debug("Chunk posted", "seq", target.Seq, "status", resp.StatusCode, "size", len(data))
	return nil
}

// Close implements Transport.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
