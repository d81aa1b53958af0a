package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/milanziuziakowski/video-creator-sub000/config"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// FFmpeg implements FrameExtractor and MediaAssembler with the ffmpeg and
// ffprobe binaries. Inputs are fetched from the AssetStore into a scratch
// directory and results are uploaded back.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	workDir string
	assets  AssetStore
	logger  *zerolog.Logger
}

func NewFFmpeg(cfg config.FFmpegConfig, workDir string, assets AssetStore, logger *zerolog.Logger) *FFmpeg {
	return &FFmpeg{
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		workDir: workDir,
		assets:  assets,
		logger:  logger,
	}
}

func (f *FFmpeg) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s failed: %w: %s", filepath.Base(bin), err, tail(out, 400))
	}
	return out, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}

func (f *FFmpeg) scratch() (string, func(), error) {
	dir, err := os.MkdirTemp(f.workDir, "media-*")
	if err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// fetch downloads refs concurrently, keeping their order in the result.
func (f *FFmpeg) fetch(ctx context.Context, dir string, refs []string, ext string) ([]string, error) {
	paths := make([]string, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, ref := range refs {
		i, ref := i, ref
		paths[i] = filepath.Join(dir, fmt.Sprintf("in_%03d%s", i, ext))
		g.Go(func() error {
			return f.download(gctx, ref, paths[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (f *FFmpeg) download(ctx context.Context, ref, path string) error {
	body, err := f.assets.Open(ctx, ref)
	if err != nil {
		return err
	}
	defer body.Close()
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return fmt.Errorf("download %s: %w", ref, err)
	}
	return out.Close()
}

func (f *FFmpeg) upload(ctx context.Context, path, objectName string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	return f.assets.Put(ctx, objectName, file, info.Size())
}

func (f *FFmpeg) probeDuration(ctx context.Context, path string) (float64, error) {
	out, err := f.run(ctx, f.ffprobe, probeDurationArgs(path)...)
	if err != nil {
		return 0, err
	}
	return parseDuration(out)
}

// ExtractLastFrame grabs the frame 0.1s before the end of the video.
func (f *FFmpeg) ExtractLastFrame(ctx context.Context, videoRef, objectName string) (string, error) {
	dir, cleanup, err := f.scratch()
	if err != nil {
		return "", err
	}
	defer cleanup()

	in := filepath.Join(dir, "video.mp4")
	if err := f.download(ctx, videoRef, in); err != nil {
		return "", err
	}
	duration, err := f.probeDuration(ctx, in)
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, "last_frame.png")
	if _, err := f.run(ctx, f.ffmpeg, extractFrameArgs(in, out, lastFrameOffset(duration))...); err != nil {
		return "", err
	}
	f.logger.Debug().Str("video", videoRef).Float64("at", lastFrameOffset(duration)).Msg("last frame extracted")
	return f.upload(ctx, out, objectName)
}

func (f *FFmpeg) ConcatVideos(ctx context.Context, refs []string, objectName string) (string, error) {
	if len(refs) == 0 {
		return "", fmt.Errorf("concat videos: no inputs")
	}
	dir, cleanup, err := f.scratch()
	if err != nil {
		return "", err
	}
	defer cleanup()

	paths, err := f.fetch(ctx, dir, refs, ".mp4")
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, "video.mp4")
	if err := f.concat(ctx, dir, paths, out); err != nil {
		return "", err
	}
	return f.upload(ctx, out, objectName)
}

// ConcatAudios pads or trims each clip to clipSeconds before joining, so
// narration boundaries line up with segment boundaries.
func (f *FFmpeg) ConcatAudios(ctx context.Context, refs []string, clipSeconds int, objectName string) (string, error) {
	if len(refs) == 0 {
		return "", fmt.Errorf("concat audios: no inputs")
	}
	dir, cleanup, err := f.scratch()
	if err != nil {
		return "", err
	}
	defer cleanup()

	paths, err := f.fetch(ctx, dir, refs, filepath.Ext(refs[0]))
	if err != nil {
		return "", err
	}
	fitted := make([]string, len(paths))
	for i, p := range paths {
		fitted[i] = filepath.Join(dir, fmt.Sprintf("fit_%03d.m4a", i))
		if _, err := f.run(ctx, f.ffmpeg, fitAudioArgs(p, fitted[i], clipSeconds)...); err != nil {
			return "", err
		}
	}
	out := filepath.Join(dir, "audio.m4a")
	if err := f.concat(ctx, dir, fitted, out); err != nil {
		return "", err
	}
	return f.upload(ctx, out, objectName)
}

func (f *FFmpeg) Mux(ctx context.Context, videoRef, audioRef, objectName string) (string, error) {
	dir, cleanup, err := f.scratch()
	if err != nil {
		return "", err
	}
	defer cleanup()

	paths, err := f.fetch(ctx, dir, []string{videoRef, audioRef}, "")
	if err != nil {
		return "", err
	}
	out := filepath.Join(dir, "final.mp4")
	if _, err := f.run(ctx, f.ffmpeg, muxArgs(paths[0], paths[1], out)...); err != nil {
		return "", err
	}
	return f.upload(ctx, out, objectName)
}

func (f *FFmpeg) concat(ctx context.Context, dir string, paths []string, out string) error {
	list := filepath.Join(dir, "concat.txt")
	if err := os.WriteFile(list, []byte(concatList(paths)), 0o644); err != nil {
		return err
	}
	_, err := f.run(ctx, f.ffmpeg, concatArgs(list, out)...)
	return err
}

func lastFrameOffset(duration float64) float64 {
	if duration <= 0.1 {
		return 0
	}
	return duration - 0.1
}

func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		// concat demuxer quoting: ' becomes '\''
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(p, "'", `'\''`))
	}
	return b.String()
}

func probeDurationArgs(path string) []string {
	return []string{"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path}
}

func parseDuration(out []byte) (float64, error) {
	d, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", strings.TrimSpace(string(out)), err)
	}
	return d, nil
}

func extractFrameArgs(in, out string, at float64) []string {
	return []string{"-y", "-ss", strconv.FormatFloat(at, 'f', 3, 64), "-i", in, "-frames:v", "1", "-q:v", "2", out}
}

func fitAudioArgs(in, out string, seconds int) []string {
	return []string{"-y", "-i", in, "-af", "apad", "-t", strconv.Itoa(seconds), "-ar", "44100", "-ac", "2", "-c:a", "aac", out}
}

func concatArgs(list, out string) []string {
	return []string{"-y", "-f", "concat", "-safe", "0", "-i", list, "-c", "copy", out}
}

func muxArgs(video, audio, out string) []string {
	return []string{"-y", "-i", video, "-i", audio, "-map", "0:v:0", "-map", "1:a:0", "-c:v", "copy", "-c:a", "aac", "-shortest", out}
}
