package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachment_Classify(t *testing.T) {
	cases := []struct {
		name string
		att  Attachment
		want AttachmentKind
	}{
		{"image content type", Attachment{ContentType: "image/png"}, AttachmentImage},
		{"audio content type", Attachment{ContentType: "audio/ogg"}, AttachmentAudio},
		{"voice message flag overrides blank content type", Attachment{IsVoiceMessage: true}, AttachmentAudio},
		{"voice message flag overrides image content type", Attachment{IsVoiceMessage: true, ContentType: "image/png"}, AttachmentAudio},
		{"unrecognized content type", Attachment{ContentType: "application/pdf"}, AttachmentOther},
		{"blank content type", Attachment{}, AttachmentOther},
		{"content type is case-insensitive", Attachment{ContentType: "IMAGE/JPEG"}, AttachmentImage},
		{"content type with surrounding whitespace", Attachment{ContentType: "  audio/mpeg  "}, AttachmentAudio},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.att.Classify())
		})
	}
}
