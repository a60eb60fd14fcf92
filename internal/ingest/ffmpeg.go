// Package ingest turns uploaded videos into JPEG frames using FFmpeg.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
)

// ErrNoFrames is returned when FFmpeg produced no frame at all.
var ErrNoFrames = errors.New("no frames decoded from video")

const maxFrameBytes = 10 * 1024 * 1024

// FrameCallback is called for each extracted JPEG frame. index is the frame
// number in the source video. A non-nil error stops the extraction.
type FrameCallback func(index int, frame []byte) error

// FFmpegExtractor samples frames from a video file using FFmpeg.
type FFmpegExtractor struct {
	Path  string
	Width int
}

func NewFFmpegExtractor(path string, width int) *FFmpegExtractor {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegExtractor{Path: path, Width: width}
}

// Frames spools video to a temporary file and calls fn for every stride-th
// frame, in order. It blocks until the video ends or ctx is cancelled.
func (f *FFmpegExtractor) Frames(ctx context.Context, video io.Reader, stride int, fn FrameCallback) error {
	if stride < 1 {
		stride = 1
	}

	// mp4 needs a seekable input when the index sits at the end of the file
	tmp, err := os.CreateTemp("", "presence-video-*")
	if err != nil {
		return fmt.Errorf("create temp video: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, video)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("spool video: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, f.Path, f.args(tmp.Name(), stride)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "output", scanner.Text())
		}
	}()

	n, readErr := readJPEGFrames(ctx, stdout, func(i int, frame []byte) error {
		return fn(i*stride, frame)
	})
	if readErr != nil {
		cancel()
		_ = cmd.Wait()
		return readErr
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	if n == 0 {
		return ErrNoFrames
	}
	return nil
}

func (f *FFmpegExtractor) args(input string, stride int) []string {
	filter := fmt.Sprintf("select='not(mod(n\\,%d))'", stride)
	if f.Width > 0 {
		filter += fmt.Sprintf(",scale=%d:-1", f.Width)
	}
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", input,
		"-vf", filter,
		"-vsync", "vfr",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	}
}

// readJPEGFrames reads a stream of concatenated JPEG images and returns the
// number of frames handed to callback.
func readJPEGFrames(ctx context.Context, r io.Reader, callback FrameCallback) (int, error) {
	reader := bufio.NewReaderSize(r, 512*1024)
	framesRead := 0

	for {
		if ctx.Err() != nil {
			return framesRead, ctx.Err()
		}

		// Find JPEG start marker: FF D8
		if err := findJPEGStart(reader); err != nil {
			if err == io.EOF {
				return framesRead, nil
			}
			return framesRead, err
		}

		// Read until JPEG end marker: FF D9
		frameData, err := readUntilJPEGEnd(reader)
		if err != nil {
			if err == io.EOF {
				// truncated trailing frame
				return framesRead, nil
			}
			return framesRead, err
		}

		if err := callback(framesRead, frameData); err != nil {
			return framesRead, err
		}
		framesRead++
	}
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		if len(data) > maxFrameBytes {
			return nil, fmt.Errorf("jpeg frame too large: %s bytes", strconv.Itoa(len(data)))
		}
	}
}
