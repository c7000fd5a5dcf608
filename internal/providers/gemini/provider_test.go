package gemini

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mwiater/imagingrag/internal/apperr"
	"github.com/mwiater/imagingrag/internal/providers"
	"google.golang.org/genai"
)

func TestToContentsMapsRolesAndImages(t *testing.T) {
	contents := toContents([]providers.ChatMessage{
		{Role: providers.RoleUser, Content: "Example: classify this image.", Images: []providers.Image{{MIMEType: "image/jpeg", Data: []byte{1, 2}}}},
		{Role: providers.RoleAssistant, Content: "cat"},
		{Role: providers.RoleUser, Content: "   "},
	})
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}
	if contents[0].Role != string(genai.RoleUser) || contents[1].Role != string(genai.RoleModel) {
		t.Fatalf("unexpected roles %q %q", contents[0].Role, contents[1].Role)
	}
	parts := contents[0].Parts
	if len(parts) != 2 || parts[0].InlineData == nil || parts[0].InlineData.MIMEType != "image/jpeg" {
		t.Fatalf("expected inline image first, got %+v", parts)
	}
	if parts[1].Text != "Example: classify this image." {
		t.Fatalf("expected text part, got %q", parts[1].Text)
	}
}

func TestGenerateConfig(t *testing.T) {
	cfg := generateConfig(providers.StreamRequest{SystemPrompt: "sys", Temperature: providers.Temperature(0)})
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "sys" {
		t.Fatalf("expected system instruction, got %+v", cfg.SystemInstruction)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0 {
		t.Fatalf("expected temperature 0, got %v", cfg.Temperature)
	}
	if generateConfig(providers.StreamRequest{}).Temperature != nil {
		t.Fatal("expected unset temperature")
	}
}

func TestClassifyError(t *testing.T) {
	ctx := context.Background()

	rejected := classifyError(ctx, "op", fmt.Errorf("call: %w", genai.APIError{Code: 403, Message: "API key not valid"}))
	if !errors.Is(rejected, apperr.ErrRemoteRejected) {
		t.Fatalf("expected RemoteRejected, got %v", rejected)
	}
	busy := classifyError(ctx, "op", genai.APIError{Code: 503, Message: "overloaded"})
	if !errors.Is(busy, apperr.ErrRemoteUnavailable) {
		t.Fatalf("expected RemoteUnavailable, got %v", busy)
	}
	if !errors.Is(classifyError(ctx, "op", context.DeadlineExceeded), apperr.ErrTimeout) {
		t.Fatal("expected Timeout")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := classifyError(cancelled, "op", errors.New("aborted")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
