package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/webmproject/webmlive-sub001/internal/parser"
	"github.com/webmproject/webmlive-sub001/internal/util"
	"github.com/webmproject/webmlive-sub001/internal/webmio"
)

// NewInspectCommand creates the inspect command
func NewInspectCommand() *cobra.Command {
	var readSize int

	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "List the units of a live WebM file",
		Long: `Feed a WebM file to the buffer parser --read-size bytes at a time, the way
the relay sees an upload, and print every unit it reports.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "failed to open file")
			}
			defer f.Close()

			_, err = inspectStream(f, readSize, cmd.OutOrStdout())
			return err
		},
		Example: `  webmlive inspect recording.webm
  webmlive inspect --read-size 1 recording.webm`,
	}

	cmd.Flags().IntVar(&readSize, "read-size", 4096, "Bytes read per step")
	return cmd
}

type inspectResult struct {
	Units    int
	Clusters int
	Bytes    int64
}

func inspectStream(r io.Reader, readSize int, w io.Writer) (inspectResult, error) {
	var res inspectResult
	if readSize < 1 {
		return res, errors.Errorf("read size must be positive, got %d", readSize)
	}

	p := parser.New(util.GetLogger())
	tbl := util.NewTable(w, "OFFSET", "ELEMENT", "SIZE", "TIMECODE", "BLOCKS")
	addRow := func() {
		el := p.LastElement()
		res.Units++
		name := el.Name
		switch el.ID {
		case webmio.ElementSegment.ID:
			name = color.GreenString(name)
		case webmio.ElementCluster.ID:
			res.Clusters++
			name = color.CyanString(name)
		default:
			name = color.New(color.Faint).Sprint(name)
		}
		if el.ID == webmio.ElementCluster.ID {
			tbl.AddRow(el.Offset, name, el.Length, el.Timecode, el.Blocks)
		} else {
			tbl.AddRow(el.Offset, name, el.Length)
		}
	}

	buf := make([]byte, readSize)
	var window []byte
	var eof bool
	for !eof {
		n, err := r.Read(buf)
		window = append(window, buf[:n]...)
		res.Bytes += int64(n)
		if errors.Is(err, io.EOF) {
			eof = true
		} else if err != nil {
			return res, errors.Wrap(err, "read failed")
		}

		for {
			var consumed int
			var perr error
			if eof {
				consumed, perr = p.Flush(window)
			} else {
				consumed, perr = p.Parse(window)
			}
			if errors.Is(perr, parser.ErrNeedMoreData) {
				break
			}
			if perr != nil {
				tbl.Render()
				return res, errors.Wrapf(perr, "parse failed at offset %d", p.TotalParsed())
			}
			window = window[consumed:]
			addRow()
		}
	}

	if err := tbl.Render(); err != nil {
		return res, err
	}
	if p.Mode() == parser.ModeClusters {
		printSegment(w, p.Segment())
	}

	fmt.Fprintf(w, "\n%d units, %d clusters, %d bytes", res.Units, res.Clusters, res.Bytes)
	if len(window) > 0 {
		fmt.Fprintf(w, ", %s", color.YellowString("%d trailing bytes incomplete", len(window)))
	}
	fmt.Fprintln(w)
	return res, nil
}

func printSegment(w io.Writer, seg parser.Segment) {
	fmt.Fprintf(w, "\n%s doc type %s, timecode scale %dns, written by %q\n",
		color.GreenString("Segment"), seg.Header.DocType, seg.Info.TimecodeScale, seg.Info.WritingApp)
	for _, t := range seg.Tracks.TrackEntry {
		switch {
		case t.Video != nil:
			fmt.Fprintf(w, "  track %d: %s %dx%d\n", t.TrackNumber, t.CodecID, t.Video.PixelWidth, t.Video.PixelHeight)
		case t.Audio != nil:
			fmt.Fprintf(w, "  track %d: %s %.0f Hz, %d ch\n", t.TrackNumber, t.CodecID, t.Audio.SamplingFrequency, t.Audio.Channels)
		default:
			fmt.Fprintf(w, "  track %d: %s\n", t.TrackNumber, t.CodecID)
		}
	}
}
