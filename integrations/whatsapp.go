package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

type WhatsAppOptions struct {
	BaseURL string
	APIKey  string
	Session string
	Number  string
	// RecipientField is the body key holding the number: "number" or "to".
	RecipientField string
	HTTPClient     *http.Client
}

// WhatsAppClient sends text messages through an Evolution API gateway.
type WhatsAppClient struct {
	client         *http.Client
	baseURL        string
	apiKey         string
	session        string
	number         string
	recipientField string
}

func NewWhatsAppClient(opts WhatsAppOptions) *WhatsAppClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	field := opts.RecipientField
	if field == "" {
		field = "number"
	}
	return &WhatsAppClient{
		client:         httpClient,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		apiKey:         opts.APIKey,
		session:        opts.Session,
		number:         opts.Number,
		recipientField: field,
	}
}

func (wc *WhatsAppClient) SendText(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{
		wc.recipientField: wc.number,
		"text":            text,
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	url := fmt.Sprintf("%s/message/sendText/%s", wc.baseURL, wc.session)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", wc.apiKey)

	resp, err := wc.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("whatsapp gateway returned non-2xx status: %s, body: %s", resp.Status, string(respBody))
	}

	zap.L().Info("WhatsApp message sent", zap.String("session", wc.session), zap.ByteString("response", respBody))
	return nil
}
