// Package vision labels images as cat, dog or unknown with a multimodal
// chat model, optionally primed with one example of each class.
package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/providers"
	"github.com/mwiater/imagingrag/internal/retry"
)

// Labels.
const (
	LabelCat     = "cat"
	LabelDog     = "dog"
	LabelUnknown = "unknown"
)

const (
	systemPrompt  = "Classify images as 'cat' or 'dog'. If unsure, answer 'unknown'. Respond with one word."
	examplePrompt = "Example: classify this image."
	targetPrompt  = "Classify this image. Answer: cat, dog, or unknown."

	defaultMaxImageBytes = 10 << 20
)

var allowedTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// Request is one classification. Cat and Dog are optional examples used
// only when FewShot is set.
type Request struct {
	Image   []byte
	Cat     []byte
	Dog     []byte
	FewShot bool
}

// Result carries the normalized label and the model's reply.
type Result struct {
	Label string `json:"label"`
	Raw   string `json:"raw"`
}

// Labeler classifies images through Chat.
type Labeler struct {
	Chat     providers.ChatProvider
	Model    string
	MaxBytes int64
	Retry    retry.Policy
}

// Classify validates the images, sends the prompt sequence and normalizes
// the reply. Nothing is sent when validation fails.
func (l *Labeler) Classify(ctx context.Context, req Request) (Result, error) {
	target, err := l.image("image", req.Image)
	if err != nil {
		return Result{}, err
	}

	history := make([]providers.ChatMessage, 0, 5)
	if req.FewShot {
		for _, ex := range []struct {
			name  string
			data  []byte
			label string
		}{
			{"example_cat", req.Cat, LabelCat},
			{"example_dog", req.Dog, LabelDog},
		} {
			if len(ex.data) == 0 {
				continue
			}
			img, err := l.image(ex.name, ex.data)
			if err != nil {
				return Result{}, err
			}
			history = append(history,
				providers.ChatMessage{Role: providers.RoleUser, Content: examplePrompt, Images: []providers.Image{img}},
				providers.ChatMessage{Role: providers.RoleAssistant, Content: ex.label},
			)
		}
	}
	history = append(history, providers.ChatMessage{
		Role:    providers.RoleUser,
		Content: targetPrompt,
		Images:  []providers.Image{target},
	})

	streamReq := providers.StreamRequest{
		Model:        l.Model,
		SystemPrompt: systemPrompt,
		History:      history,
		Temperature:  providers.Temperature(0),
	}
	var reply string
	err = retry.Do(ctx, l.Retry, "classify image", func(ctx context.Context) error {
		var genErr error
		reply, _, genErr = providers.Complete(ctx, l.Chat, streamReq)
		return genErr
	})
	if err != nil {
		return Result{}, fmt.Errorf("classify image: %w", err)
	}

	raw := strings.ToLower(strings.TrimSpace(reply))
	return Result{Label: NormalizeLabel(raw), Raw: raw}, nil
}

// image checks size and detected content type.
func (l *Labeler) image(field string, data []byte) (providers.Image, error) {
	if len(data) == 0 {
		return providers.Image{}, apperr.InvalidInput("classify", "%s is empty", field)
	}
	limit := l.MaxBytes
	if limit <= 0 {
		limit = defaultMaxImageBytes
	}
	if int64(len(data)) > limit {
		return providers.Image{}, apperr.InvalidInput("classify", "%s is %d bytes; limit is %d", field, len(data), limit)
	}
	mtype := DetectType(data)
	if mtype == "" {
		return providers.Image{}, apperr.InvalidInput("classify", "%s is not a jpeg, png, gif or webp image (detected %s)", field, mimetype.Detect(data).String())
	}
	return providers.Image{MIMEType: mtype, Data: data}, nil
}

// DetectType returns the image MIME type of data, or "" when it is not one
// of the supported formats.
func DetectType(data []byte) string {
	m := mimetype.Detect(data)
	for _, t := range allowedTypes {
		if m.Is(t) {
			return t
		}
	}
	return ""
}

// NormalizeLabel maps a free-form reply onto a label. A reply naming
// exactly one of the two animals gets that label.
func NormalizeLabel(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	hasCat := strings.Contains(s, LabelCat)
	hasDog := strings.Contains(s, LabelDog)
	switch {
	case hasCat && !hasDog:
		return LabelCat
	case hasDog && !hasCat:
		return LabelDog
	default:
		return LabelUnknown
	}
}
