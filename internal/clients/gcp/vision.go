// Vision wraps Google Cloud Vision for ImageDescriber. Rather than an OCR
// transcript (DOCUMENT_TEXT_DETECTION, full-text annotation, for text that
// already exists in an image), ImageDescriber needs an objective
// description of what the image shows, so DescribeImageBytes combines
// LABEL_DETECTION and OBJECT_LOCALIZATION into one descriptive sentence.
package gcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"

	"github.com/shapesinc/orchestration-core/internal/platform/ctxutil"
	"github.com/shapesinc/orchestration-core/internal/platform/logger"
)

// Vision produces an objective textual description of an image.
type Vision interface {
	DescribeImageBytes(ctx context.Context, img []byte, mimeType string) (string, error)
	Close() error
}

type visionService struct {
	log    *logger.Logger
	client *vision.ImageAnnotatorClient
}

func NewVision(log *logger.Logger) (Vision, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	ctx := context.Background()
	c, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	return &visionService{log: log.With("client", "gcp.Vision"), client: c}, nil
}

func (s *visionService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *visionService) DescribeImageBytes(ctx context.Context, img []byte, mimeType string) (string, error) {
	if len(img) == 0 {
		return "", fmt.Errorf("empty image content")
	}
	ctx = ctxutil.Default(ctx)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req := &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{Content: img},
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_LABEL_DETECTION, MaxResults: 10},
			{Type: visionpb.Feature_OBJECT_LOCALIZATION, MaxResults: 10},
			{Type: visionpb.Feature_IMAGE_PROPERTIES},
		},
	}
	resp, err := s.client.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{req},
	})
	if err != nil {
		return "", fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return "", fmt.Errorf("vision: empty response")
	}
	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return "", fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}
	return composeDescription(r0), nil
}

// composeDescription turns label and object annotations into one objective
// sentence, highest-confidence first.
func composeDescription(r *visionpb.AnnotateImageResponse) string {
	labels := make([]string, 0, len(r.LabelAnnotations))
	sort.Slice(r.LabelAnnotations, func(i, j int) bool {
		return r.LabelAnnotations[i].Score > r.LabelAnnotations[j].Score
	})
	for _, l := range r.LabelAnnotations {
		if l == nil || l.Description == "" {
			continue
		}
		labels = append(labels, strings.ToLower(l.Description))
	}

	objects := make([]string, 0, len(r.LocalizedObjectAnnotations))
	sort.Slice(r.LocalizedObjectAnnotations, func(i, j int) bool {
		return r.LocalizedObjectAnnotations[i].Score > r.LocalizedObjectAnnotations[j].Score
	})
	for _, o := range r.LocalizedObjectAnnotations {
		if o == nil || o.Name == "" {
			continue
		}
		objects = append(objects, strings.ToLower(o.Name))
	}

	if len(labels) == 0 && len(objects) == 0 {
		return "An image with no detectable labels or objects."
	}

	var sb strings.Builder
	sb.WriteString("An image depicting ")
	if len(labels) > 0 {
		sb.WriteString(strings.Join(labels, ", "))
	}
	if len(objects) > 0 {
		if len(labels) > 0 {
			sb.WriteString("; visible objects include ")
		}
		sb.WriteString(strings.Join(objects, ", "))
	}
	sb.WriteString(".")
	return sb.String()
}
