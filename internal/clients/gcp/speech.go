// Package gcp wraps Google Cloud Speech-to-Text for AudioDescriber: a
// long-running recognize call over inline audio bytes with bounded retry.
// Diarization, word offsets and GCS-backed recognition are dropped — only a
// single best transcript per attachment is needed here.
package gcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shapesinc/orchestration-core/internal/platform/ctxutil"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// Speech transcribes raw audio bytes to text.
type Speech interface {
	TranscribeAudioBytes(ctx context.Context, audio []byte, mimeType string) (string, error)
	Close() error
}

type speechService struct {
	log        *logger.Logger
	client     *speech.Client
	maxRetries int
}

func NewSpeech(log *logger.Logger) (Speech, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	ctx := context.Background()
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("speech client: %w", err)
	}
	return &speechService{log: log.With("client", "gcp.Speech"), client: c, maxRetries: 3}, nil
}

func (s *speechService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *speechService) TranscribeAudioBytes(ctx context.Context, audio []byte, mimeType string) (string, error) {
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	if len(audio) == 0 {
		return "", nil
	}

	req := &speechpb.LongRunningRecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			LanguageCode:               "en-US",
			Encoding:                   inferEncoding(mimeType),
			EnableAutomaticPunctuation: true,
		},
		Audio: &speechpb.RecognitionAudio{AudioSource: &speechpb.RecognitionAudio_Content{Content: audio}},
	}

	resp, err := s.retryLR(ctx, func() (*speechpb.LongRunningRecognizeResponse, error) {
		op, opErr := s.client.LongRunningRecognize(ctx, req)
		if opErr != nil {
			return nil, opErr
		}
		return op.Wait(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("speech longrunningrecognize: %w", err)
	}

	var sb strings.Builder
	for _, result := range resp.GetResults() {
		if len(result.Alternatives) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(" ")
		}
		sb.WriteString(result.Alternatives[0].Transcript)
	}
	return sb.String(), nil
}

// retryLR retries a long-running-recognize call against only the gRPC
// status codes that indicate a transient backend condition; anything else
// (invalid argument, permission denied, ...) returns immediately instead of
// burning the whole retry budget on a call that will never succeed.
func (s *speechService) retryLR(ctx context.Context, fn func() (*speechpb.LongRunningRecognizeResponse, error)) (*speechpb.LongRunningRecognizeResponse, error) {
	delay := 500 * time.Millisecond
	var last error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		last = err

		code := status.Code(err)
		if code != codes.Unavailable && code != codes.ResourceExhausted && code != codes.DeadlineExceeded {
			return nil, err
		}
		s.log.Warn("speech transcribe attempt failed", "attempt", attempt, "code", code, "error", err)
		if attempt == s.maxRetries {
			break
		}
		time.Sleep(delay)
		delay *= 2
	}
	return nil, last
}

func inferEncoding(mimeType string) speechpb.RecognitionConfig_AudioEncoding {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "audio/wav", "audio/x-wav":
		return speechpb.RecognitionConfig_LINEAR16
	case "audio/flac":
		return speechpb.RecognitionConfig_FLAC
	case "audio/ogg", "audio/opus":
		return speechpb.RecognitionConfig_OGG_OPUS
	default:
		return speechpb.RecognitionConfig_MP3
	}
}
