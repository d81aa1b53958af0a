package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/milanziuziakowski/video-creator-sub000/config"
	"github.com/milanziuziakowski/video-creator-sub000/models"

	"github.com/rs/zerolog"
)

const maxPromptRunes = 2000

// MiniMax talks to the MiniMax REST API: video generation, voice cloning and
// speech synthesis. It does not support cancelling video jobs.
type MiniMax struct {
	baseURL     string
	apiKey      string
	videoModel  string
	speechModel string
	client      *http.Client
	logger      *zerolog.Logger
}

func NewMiniMax(cfg config.MiniMaxConfig, videoModel string, logger *zerolog.Logger) *MiniMax {
	return &MiniMax{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		videoModel:  videoModel,
		speechModel: cfg.SpeechModel,
		client:      &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
	}
}

type baseResp struct {
	StatusCode int    `json:"status_code"`
	StatusMsg  string `json:"status_msg"`
}

// apiError is a non-zero base_resp or a non-2xx answer.
type apiError struct {
	Path       string
	HTTPStatus int
	Code       int
	Msg        string
}

func (e *apiError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("minimax %s: code %d: %s", e.Path, e.Code, e.Msg)
	}
	return fmt.Sprintf("minimax %s: http %d: %s", e.Path, e.HTTPStatus, e.Msg)
}

// do sends req and decodes the JSON answer into out, which must embed a
// base_resp field.
func (m *MiniMax) do(req *http.Request, path string, out interface{ base() baseResp }) error {
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("minimax %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("minimax %s: read body: %w", path, err)
	}
	if resp.StatusCode/100 != 2 {
		return &apiError{Path: path, HTTPStatus: resp.StatusCode, Msg: snippet(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("minimax %s: decode: %w", path, err)
	}
	if br := out.base(); br.StatusCode != 0 {
		return &apiError{Path: path, HTTPStatus: resp.StatusCode, Code: br.StatusCode, Msg: br.StatusMsg}
	}
	return nil
}

func (m *MiniMax) postJSON(ctx context.Context, path string, payload any, out interface{ base() baseResp }) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.do(req, path, out)
}

func (m *MiniMax) get(ctx context.Context, path string, query url.Values, out interface{ base() baseResp }) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	return m.do(req, path, out)
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 256 {
		return s[:256]
	}
	return s
}

type envelope struct {
	BaseResp baseResp `json:"base_resp"`
}

func (e envelope) base() baseResp { return e.BaseResp }

// ---------------------------------------------------------------------------
// video

type videoSubmitResp struct {
	envelope
	TaskID string `json:"task_id"`
}

type videoQueryResp struct {
	envelope
	Status string `json:"status"`
	FileID string `json:"file_id"`
}

type fileRetrieveResp struct {
	envelope
	File struct {
		FileID      json.Number `json:"file_id"`
		DownloadURL string      `json:"download_url"`
	} `json:"file"`
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func (m *MiniMax) SubmitVideo(ctx context.Context, req models.VideoRequest) (string, error) {
	payload := map[string]any{
		"model":             m.videoModel,
		"prompt":            truncateRunes(req.Prompt, maxPromptRunes),
		"first_frame_image": req.FirstFrameURL,
		"duration":          req.Duration,
		"resolution":        req.Resolution,
	}
	if req.LastFrameURL != "" {
		payload["last_frame_image"] = req.LastFrameURL
	}
	var out videoSubmitResp
	if err := m.postJSON(ctx, "/video_generation", payload, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", errors.New("minimax /video_generation: empty task_id")
	}
	m.logger.Info().Str("task_id", out.TaskID).Int("duration", req.Duration).Str("resolution", req.Resolution).Msg("minimax video submitted")
	return out.TaskID, nil
}

// CheckStatus maps Success to a download URL, Fail to a failure and any
// other status (Preparing, Queueing, Processing) to pending.
func (m *MiniMax) CheckStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	var q videoQueryResp
	if err := m.get(ctx, "/query/video_generation", url.Values{"task_id": {jobID}}, &q); err != nil {
		return models.JobStatus{}, err
	}
	switch q.Status {
	case "Success":
		if q.FileID == "" {
			return models.JobStatus{State: models.JobFailure, Error: "task succeeded without file_id"}, nil
		}
		downloadURL, err := m.retrieveFile(ctx, q.FileID)
		if err != nil {
			return models.JobStatus{}, err
		}
		return models.JobStatus{State: models.JobSuccess, Result: models.JobResult{Ref: downloadURL}}, nil
	case "Fail":
		msg := q.BaseResp.StatusMsg
		if msg == "" || msg == "success" {
			msg = "video generation task failed"
		}
		return models.JobStatus{State: models.JobFailure, Error: msg}, nil
	default:
		return models.JobStatus{State: models.JobPending}, nil
	}
}

func (m *MiniMax) retrieveFile(ctx context.Context, fileID string) (string, error) {
	var out fileRetrieveResp
	if err := m.get(ctx, "/files/retrieve", url.Values{"file_id": {fileID}}, &out); err != nil {
		return "", err
	}
	if out.File.DownloadURL == "" {
		return "", fmt.Errorf("minimax file %s has no download_url", fileID)
	}
	return out.File.DownloadURL, nil
}

// ---------------------------------------------------------------------------
// voice

type fileUploadResp struct {
	envelope
	File struct {
		FileID json.Number `json:"file_id"`
	} `json:"file"`
}

func (m *MiniMax) uploadFile(ctx context.Context, r io.Reader, filename, purpose string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", purpose); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/files/upload", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	var out fileUploadResp
	if err := m.do(req, "/files/upload", &out); err != nil {
		return "", err
	}
	id := out.File.FileID.String()
	if id == "" {
		return "", errors.New("minimax /files/upload: empty file_id")
	}
	return id, nil
}

// CloneVoice uploads the sample and registers it under voiceID. MiniMax
// answers synchronously; the returned ref is voiceID.
func (m *MiniMax) CloneVoice(ctx context.Context, sample io.Reader, filename, voiceID string) (string, error) {
	fileID, err := m.uploadFile(ctx, sample, filename, "voice_clone")
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"file_id":                   json.Number(fileID),
		"voice_id":                  voiceID,
		"need_noise_reduction":      true,
		"need_volume_normalization": true,
	}
	var out envelope
	if err := m.postJSON(ctx, "/voice_clone", payload, &out); err != nil {
		return "", err
	}
	m.logger.Info().Str("voice_id", voiceID).Str("file_id", fileID).Msg("minimax voice cloned")
	return voiceID, nil
}

// ---------------------------------------------------------------------------
// speech

type t2aResp struct {
	envelope
	Data struct {
		Audio string `json:"audio"`
	} `json:"data"`
	ExtraInfo struct {
		AudioFormat string `json:"audio_format"`
	} `json:"extra_info"`
}

func (m *MiniMax) Synthesize(ctx context.Context, text, voiceRef string) (*models.AudioClip, error) {
	payload := map[string]any{
		"model":  m.speechModel,
		"text":   text,
		"stream": false,
		"voice_setting": map[string]any{
			"voice_id": voiceRef,
			"speed":    1.0,
			"vol":      1.0,
			"pitch":    0,
		},
		"audio_setting": map[string]any{
			"format":      "mp3",
			"sample_rate": 32000,
			"bitrate":     128000,
			"channel":     1,
		},
	}
	var out t2aResp
	if err := m.postJSON(ctx, "/t2a_v2", payload, &out); err != nil {
		return nil, err
	}
	data, err := decodeAudio(out.Data.Audio)
	if err != nil {
		return nil, err
	}
	format := out.ExtraInfo.AudioFormat
	if format == "" {
		format = "mp3"
	}
	return &models.AudioClip{Data: data, Format: format}, nil
}

// decodeAudio accepts the hex payload t2a_v2 returns and falls back to base64.
func decodeAudio(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("minimax /t2a_v2: empty audio")
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("minimax /t2a_v2: audio is neither hex nor base64: %w", err)
	}
	return b, nil
}
