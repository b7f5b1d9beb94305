package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/webmproject/webmlive-sub001/config"
	"github.com/webmproject/webmlive-sub001/internal/capture"
	"github.com/webmproject/webmlive-sub001/internal/session"
	"github.com/webmproject/webmlive-sub001/internal/uploader"
	"github.com/webmproject/webmlive-sub001/internal/util"
)

type encodeOptions struct {
	url             string
	streamID        string
	streamName      string
	clusterDuration int
	transport       string
	ivfPath         string
	loop            bool
	audio           bool
	noVideo         bool
	width           int
	height          int
	frameRate       int
	duration        time.Duration
	file            string
	noUpload        bool
	metricsAddr     string
}

// NewEncodeCommand creates the encode command
func NewEncodeCommand() *cobra.Command {
	opts := &encodeOptions{}

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a live stream and upload it",
		Long: `Encode frames from an IVF file or a synthetic test pattern into a live WebM
stream. Every chunk the muxer completes is uploaded to the relay and, with
--file, written to a local file. Ctrl+C finalizes the stream and waits for the
last chunk to be sent.`,
		Args:         cobra.NoArgs,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEncode(cmd, opts)
		},
		Example: `  # Upload a test pattern to a local relay
  webmlive encode --url http://localhost:8080/upload/

  # Loop a VP8 file over WebSocket for one minute
  webmlive encode --ivf clip.ivf --loop --transport ws --duration 1m

  # Only write a local file
  webmlive encode --no-upload --file out.webm --duration 10s`,
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", config.GetUploadURL(), "Upload URL; the stream id is appended when it ends with /")
	flags.StringVar(&opts.streamID, "stream-id", config.GetStreamID(), "Stream id (random when empty)")
	flags.StringVar(&opts.streamName, "stream-name", config.GetStreamName(), "Display name sent with uploads")
	flags.IntVar(&opts.clusterDuration, "cluster-duration", config.GetClusterDurationMs(), "Maximum cluster duration in ms for audio-only streams")
	flags.StringVar(&opts.transport, "transport", config.GetTransport(), "Upload transport (http or ws)")
	flags.StringVar(&opts.ivfPath, "ivf", "", "Read VP8/VP9 frames from an IVF file instead of the test pattern")
	flags.BoolVar(&opts.loop, "loop", false, "Restart the IVF file at its end")
	flags.BoolVar(&opts.audio, "audio", true, "Include the test pattern audio track")
	flags.BoolVar(&opts.noVideo, "no-video", false, "Leave out the test pattern video track")
	flags.IntVar(&opts.width, "width", 640, "Test pattern width")
	flags.IntVar(&opts.height, "height", 480, "Test pattern height")
	flags.IntVar(&opts.frameRate, "fps", 30, "Test pattern frame rate")
	flags.DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 runs until interrupted)")
	flags.StringVarP(&opts.file, "file", "f", "", "Also write the stream to this .webm file")
	flags.BoolVar(&opts.noUpload, "no-upload", false, "Do not upload, only write --file")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve uploader metrics on this address (e.g. :9101)")

	return cmd
}

func runEncode(cmd *cobra.Command, opts *encodeOptions) error {
	logger := util.GetLogger()

	if opts.streamID == "" {
		opts.streamID = uuid.NewString()
	}
	if opts.noUpload && opts.file == "" {
		return errors.New("--no-upload needs --file")
	}

	source, err := newSource(opts)
	if err != nil {
		return err
	}
	// The session closes the source when it ends; this covers early returns.
	defer source.Close()

	var output io.Writer
	if opts.file != "" {
		f, err := os.Create(opts.file)
		if err != nil {
			return errors.Wrap(err, "failed to create output file")
		}
		defer f.Close()
		output = f
	}

	var up uploader.Uploader
	target := ""
	if !opts.noUpload {
		target, err = uploadURL(opts.url, opts.streamID, opts.transport)
		if err != nil {
			return err
		}

		var metrics *uploader.Metrics
		if opts.metricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = uploader.NewMetrics(reg)
			stop := serveMetrics(opts.metricsAddr, reg)
			defer stop()
		}

		var transport uploader.Transport
		if opts.transport == "ws" {
			transport = uploader.NewWebSocketTransport(nil, logger)
		} else {
			transport = uploader.NewHTTPTransport(&http.Client{Timeout: time.Minute}, logger)
		}
		up = uploader.New(uploader.Config{
			URL:        target,
			StreamID:   opts.streamID,
			StreamName: opts.streamName,
		}, transport, metrics, logger)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	out := cmd.OutOrStdout()
	if target != "" {
		fmt.Fprintf(out, "%s %s ➜ %s\n", color.GreenString("Streaming"), color.New(color.Bold).Sprint(opts.streamID), color.CyanString(target))
	}
	if opts.file != "" {
		fmt.Fprintf(out, "%s %s\n", color.GreenString("Recording"), color.CyanString(opts.file))
	}
	fmt.Fprintf(out, "Press %s to stop...\n", color.New(color.FgYellow, color.Bold).Sprint("Ctrl+C"))

	s := session.New(session.Config{
		ClusterDurationMs: opts.clusterDuration,
		ID:                opts.streamID,
		Output:            output,
	}, source, up, logger)
	runErr := s.Run(ctx)

	printEncodeSummary(out, s.Stats(), up != nil)
	return runErr
}

func newSource(opts *encodeOptions) (capture.Source, error) {
	logger := util.GetLogger()
	if opts.ivfPath != "" {
		src, err := capture.OpenIVF(opts.ivfPath, capture.IVFOptions{Realtime: true, Loop: opts.loop}, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	cfg := capture.DefaultPatternConfig()
	cfg.Video = !opts.noVideo
	cfg.Audio = opts.audio
	cfg.Width = opts.width
	cfg.Height = opts.height
	cfg.FrameRate = opts.frameRate
	if !cfg.Video && !cfg.Audio {
		return nil, errors.New("the test pattern needs --audio or video")
	}
	return capture.NewTestPatternSource(cfg, logger), nil
}

// uploadURL appends the stream id to a base ending in a slash and maps an
// http(s) relay URL to its WebSocket endpoint for the ws transport.
func uploadURL(base, streamID, transport string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "invalid upload URL %q", base)
	}
	if strings.HasSuffix(u.Path, "/") {
		u.Path += streamID
	}

	switch transport {
	case "http":
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", errors.Errorf("http transport needs an http(s) URL, got %q", base)
		}
	case "ws":
		switch u.Scheme {
		case "http":
			u.Scheme = "ws"
		case "https":
			u.Scheme = "wss"
		case "ws", "wss":
		default:
			return "", errors.Errorf("ws transport needs a ws(s) or http(s) URL, got %q", base)
		}
		if strings.HasPrefix(u.Path, "/upload/") {
			u.Path = "/ws" + u.Path
		}
	default:
		return "", errors.Errorf("unknown transport %q, use http or ws", transport)
	}
	return u.String(), nil
}

func serveMetrics(addr string, reg *prometheus.Registry) func() {
	logger := util.GetLogger().With("component", "metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("Metrics server failed", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

func printEncodeSummary(w io.Writer, st session.Stats, uploading bool) {
	fmt.Fprintln(w)
	tbl := util.NewTable(w, "METRIC", "VALUE")
	tbl.AddRow("duration", (time.Duration(st.Muxer.ClockMs) * time.Millisecond).String())
	tbl.AddRow("video frames", st.Muxer.VideoFrames)
	tbl.AddRow("audio frames", st.Muxer.AudioFrames)
	tbl.AddRow("clusters", st.Muxer.Clusters)
	tbl.AddRow("chunks", st.Chunks)
	tbl.AddRow("bytes", st.Bytes)
	if uploading {
		tbl.AddRow("uploaded", st.Upload.TotalBytes)
		tbl.AddRow("upload rate", fmt.Sprintf("%.1f KiB/s", st.Upload.BytesPerSecond/1024))
		failures := color.GreenString("0")
		if st.Upload.Failures > 0 {
			failures = color.RedString("%d (%s)", st.Upload.Failures, st.Upload.LastError)
		}
		tbl.AddRow("failures", failures)
	}
	tbl.Render()
}
