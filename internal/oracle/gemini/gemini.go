// Package gemini is the Gemini-backed oracle adapter.
//
// The model is forced into structured output via responseMimeType +
// responseSchema; any response that still fails to parse or validate is
// downgraded to nil. The business logic never sees provider text.
//
// SENSITIVE: The API key is read from configuration and never logged.
package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"pledgeledger/internal/oracle"
	"pledgeledger/pkg/domain/mailmsg"
)

const (
	defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	callTimeout     = 60 * time.Second

	// maxAttachmentBytes is the per-attachment oracle limit; larger
	// proofs are dropped before the call, not rejected.
	maxAttachmentBytes = 20 << 20 // 20 MiB
)

// admissibleMIME is the set of attachment types the model accepts.
var admissibleMIME = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/heic":      true,
	"image/heif":      true,
	"application/pdf": true,
}

// Client is the Gemini oracle.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
	log        *zap.Logger
}

// Config configures the client.
type Config struct {
	// APIKey is the Gemini API key. SENSITIVE: never log.
	APIKey string
	// Model is the opaque model identifier (GEMINI_MODEL).
	Model string
	// Endpoint overrides the API base URL; tests point it at a stub
	// server. Empty means production.
	Endpoint string
	// HTTPClient is optional; a 60 s-timeout client is the default.
	HTTPClient *http.Client
}

// New returns a Gemini client.
func New(cfg Config, log *zap.Logger) *Client {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: callTimeout}
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		endpoint:   endpoint,
		httpClient: httpClient,
		log:        log,
	}
}

// generateContent request/response wire shapes (the subset used).

type wirePart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *wireInlineData `json:"inline_data,omitempty"`
}

type wireInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type wireRequest struct {
	Contents []struct {
		Parts []wirePart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseMIMEType string          `json:"responseMimeType"`
		ResponseSchema   json.RawMessage `json:"responseSchema,omitempty"`
		Temperature      float64         `json:"temperature"`
	} `json:"generationConfig"`
}

type wireResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

// ExtractReceipts implements oracle.Oracle.
func (c *Client) ExtractReceipts(ctx context.Context, req oracle.ExtractRequest) *oracle.ReceiptAnalysis {
	parts := []wirePart{{Text: extractPrompt(req)}}
	for _, att := range filterAttachments(req.Attachments) {
		parts = append(parts, wirePart{InlineData: &wireInlineData{
			MIMEType: att.MIMEType,
			Data:     base64.StdEncoding.EncodeToString(att.Data),
		}})
	}

	raw := c.generate(ctx, parts, receiptSchema)
	if raw == "" {
		return nil
	}
	var analysis oracle.ReceiptAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		c.log.Warn("oracle extract: unparseable response", zap.Error(err))
		return nil
	}
	if !oracle.ValidateReceiptAnalysis(&analysis) {
		c.log.Warn("oracle extract: schema violation")
		return nil
	}
	return &analysis
}

// ClassifyReply implements oracle.Oracle.
func (c *Client) ClassifyReply(ctx context.Context, emailText string, open []oracle.OpenAllocation) *oracle.ReplyAnalysis {
	parts := []wirePart{{Text: classifyPrompt(emailText, open)}}
	raw := c.generate(ctx, parts, replySchema)
	if raw == "" {
		return nil
	}
	var analysis oracle.ReplyAnalysis
	if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
		c.log.Warn("oracle classify: unparseable response", zap.Error(err))
		return nil
	}
	if !oracle.ValidateReplyAnalysis(&analysis, open) {
		c.log.Warn("oracle classify: schema violation")
		return nil
	}
	return &analysis
}

// filterAttachments drops inadmissible MIME types and oversized proofs.
func filterAttachments(atts []mailmsg.Attachment) []mailmsg.Attachment {
	var out []mailmsg.Attachment
	for _, att := range atts {
		if !admissibleMIME[att.MIMEType] {
			continue
		}
		if len(att.Data) > maxAttachmentBytes {
			continue
		}
		out = append(out, att)
	}
	return out
}

// generate performs one structured-output call. Empty string means
// failure of any kind.
func (c *Client) generate(ctx context.Context, parts []wirePart, schema json.RawMessage) string {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var reqBody wireRequest
	reqBody.Contents = append(reqBody.Contents, struct {
		Parts []wirePart `json:"parts"`
	}{Parts: parts})
	reqBody.GenerationConfig.ResponseMIMEType = "application/json"
	reqBody.GenerationConfig.ResponseSchema = schema
	reqBody.GenerationConfig.Temperature = 0

	enc, err := json.Marshal(reqBody)
	if err != nil {
		c.log.Warn("oracle: marshal request", zap.Error(err))
		return ""
	}

	url := fmt.Sprintf("%s/%s:generateContent", c.endpoint, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(enc))
	if err != nil {
		c.log.Warn("oracle: build request", zap.Error(err))
		return ""
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Warn("oracle: call failed", zap.Error(err))
		return ""
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.log.Warn("oracle: read response", zap.Error(err))
		return ""
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("oracle: non-200", zap.Int("status", resp.StatusCode))
		return ""
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		c.log.Warn("oracle: unparseable envelope", zap.Error(err))
		return ""
	}
	if len(wire.Candidates) == 0 || len(wire.Candidates[0].Content.Parts) == 0 {
		// Safety block or empty candidate — same nil to the caller.
		c.log.Warn("oracle: empty candidate",
			zap.String("finishReason", finishReason(wire)))
		return ""
	}
	return wire.Candidates[0].Content.Parts[0].Text
}

func finishReason(w wireResponse) string {
	if len(w.Candidates) == 0 {
		return "NO_CANDIDATES"
	}
	return w.Candidates[0].FinishReason
}

var _ oracle.Oracle = (*Client)(nil)
