package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chxlky/boardhooks/internal/models"
	"go.uber.org/zap"
)

// ErrNotFound is returned when the platform answers with no matching record.
var ErrNotFound = errors.New("not found")

// GraphQLError carries the platform's raw error payload.
type GraphQLError struct {
	StatusCode int
	Payload    string
}

func (e *GraphQLError) Error() string {
	return fmt.Sprintf("monday API error (status %d): %s", e.StatusCode, e.Payload)
}

type MondayOptions struct {
	APIKey       string
	URL          string
	APIVersion   string
	CallbackURL  string
	WebhookEvent string
	HTTPClient   *http.Client
}

type MondayClient struct {
	Client       *http.Client
	APIKey       string
	URL          string
	APIVersion   string
	CallbackURL  string
	WebhookEvent string
}

func NewMondayClient(opts MondayOptions) *MondayClient {
	url := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if url == "" {
		url = "https://api.monday.com/v2"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	event := opts.WebhookEvent
	if event == "" {
		event = "change_status_column_value"
	}
	return &MondayClient{
		Client:       httpClient,
		APIKey:       opts.APIKey,
		URL:          url,
		APIVersion:   opts.APIVersion,
		CallbackURL:  opts.CallbackURL,
		WebhookEvent: event,
	}
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data         json.RawMessage `json:"data"`
	Errors       json.RawMessage `json:"errors"`
	ErrorMessage string          `json:"error_message"`
}

// Do runs one GraphQL document and decodes its data object into out.
func (mc *MondayClient) Do(ctx context.Context, query string, vars map[string]any, out any) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mc.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", mc.APIKey)
	if mc.APIVersion != "" {
		req.Header.Set("API-Version", mc.APIVersion)
	}

	resp, err := mc.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &GraphQLError{StatusCode: resp.StatusCode, Payload: string(raw)}
	}

	var envelope gqlResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode monday response: %w", err)
	}
	if hasErrors(envelope.Errors) || envelope.ErrorMessage != "" {
		payload := string(envelope.Errors)
		if !hasErrors(envelope.Errors) {
			payload = envelope.ErrorMessage
		}
		zap.L().Error("GraphQL errors detected", zap.String("payload", payload))
		return &GraphQLError{StatusCode: resp.StatusCode, Payload: payload}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode monday data: %w", err)
	}
	return nil
}

func hasErrors(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "[]"
}

const columnsFragment = `board { id columns { id title type } }`

func (mc *MondayClient) item(ctx context.Context, itemID, fields string) (*models.Item, error) {
	query := `query ($ids: [ID!]) { items(ids: $ids) { ` + fields + ` } }`
	var data struct {
		Items []models.Item `json:"items"`
	}
	if err := mc.Do(ctx, query, map[string]any{"ids": []string{itemID}}, &data); err != nil {
		return nil, err
	}
	if len(data.Items) == 0 {
		return nil, fmt.Errorf("item %s: %w", itemID, ErrNotFound)
	}
	return &data.Items[0], nil
}

// Subitems returns the item's subitems in board order, each with its board
// id and column definitions.
func (mc *MondayClient) Subitems(ctx context.Context, itemID string) ([]models.Subitem, error) {
	zap.L().Debug("Querying subitems", zap.String("itemID", itemID))
	it, err := mc.item(ctx, itemID, `id subitems { id name `+columnsFragment+` }`)
	if err != nil {
		return nil, err
	}
	return it.Subitems, nil
}

// ItemColumnValues returns the item with every column value.
func (mc *MondayClient) ItemColumnValues(ctx context.Context, itemID string) (*models.Item, error) {
	return mc.item(ctx, itemID, `id name board { id } column_values { id text value type column { id title type } }`)
}

// ParentItem returns the parent of a subitem with its board columns.
func (mc *MondayClient) ParentItem(ctx context.Context, subitemID string) (*models.Item, error) {
	query := `query ($ids: [ID!]) { items(ids: $ids) { id parent_item { id name ` + columnsFragment + ` } } }`
	var data struct {
		Items []struct {
			ID     string       `json:"id"`
			Parent *models.Item `json:"parent_item"`
		} `json:"items"`
	}
	if err := mc.Do(ctx, query, map[string]any{"ids": []string{subitemID}}, &data); err != nil {
		return nil, err
	}
	if len(data.Items) == 0 || data.Items[0].Parent == nil {
		return nil, fmt.Errorf("parent of %s: %w", subitemID, ErrNotFound)
	}
	return data.Items[0].Parent, nil
}

// ColumnValue reads one cell.
func (mc *MondayClient) ColumnValue(ctx context.Context, itemID, columnID string) (*models.ColumnValue, error) {
	query := `query ($ids: [ID!], $col: [String!]) { items(ids: $ids) { id column_values(ids: $col) { id text value } } }`
	var data struct {
		Items []models.Item `json:"items"`
	}
	vars := map[string]any{"ids": []string{itemID}, "col": []string{columnID}}
	if err := mc.Do(ctx, query, vars, &data); err != nil {
		return nil, err
	}
	if len(data.Items) == 0 || len(data.Items[0].ColumnValues) == 0 {
		return nil, fmt.Errorf("column %s of %s: %w", columnID, itemID, ErrNotFound)
	}
	return &data.Items[0].ColumnValues[0], nil
}

// ChangeColumnValue writes value, JSON-encoded, using the column type's
// value schema (e.g. {"checked":true}).
func (mc *MondayClient) ChangeColumnValue(ctx context.Context, boardID, itemID, columnID string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode column value: %w", err)
	}
	query := `mutation ($board: ID!, $item: ID!, $col: String!, $value: JSON!) {
  change_column_value(board_id: $board, item_id: $item, column_id: $col, value: $value) { id }
}`
	zap.L().Debug("change_column_value",
		zap.String("boardID", boardID), zap.String("itemID", itemID),
		zap.String("columnID", columnID), zap.ByteString("value", encoded))
	return mc.Do(ctx, query, map[string]any{
		"board": boardID, "item": itemID, "col": columnID, "value": string(encoded),
	}, nil)
}

func (mc *MondayClient) ChangeSimpleColumnValue(ctx context.Context, boardID, itemID, columnID, value string) error {
	query := `mutation ($board: ID!, $item: ID!, $col: String!, $value: String) {
  change_simple_column_value(board_id: $board, item_id: $item, column_id: $col, value: $value) { id }
}`
	return mc.Do(ctx, query, map[string]any{
		"board": boardID, "item": itemID, "col": columnID, "value": value,
	}, nil)
}

func (mc *MondayClient) ArchiveItem(ctx context.Context, itemID string) error {
	query := `mutation ($item: ID!) { archive_item(item_id: $item) { id } }`
	return mc.Do(ctx, query, map[string]any{"item": itemID}, nil)
}

func (mc *MondayClient) StopTimeTracking(ctx context.Context, itemID, columnID string) error {
	query := `mutation ($item: ID!, $col: String!) { stop_time_tracking(item_id: $item, column_id: $col) { id } }`
	return mc.Do(ctx, query, map[string]any{"item": itemID, "col": columnID}, nil)
}

const pageItemFields = `id name updated_at column_values { id text type value ... on LastUpdatedValue { updated_at } }`

// ItemsPage returns one cursor page of a board. An empty cursor starts at
// the first page; a nil page means the board does not exist.
func (mc *MondayClient) ItemsPage(ctx context.Context, boardID, cursor string, limit int) (*models.ItemsPage, error) {
	if cursor != "" {
		query := `query ($cursor: String!, $limit: Int!) { next_items_page(cursor: $cursor, limit: $limit) { cursor items { ` + pageItemFields + ` } } }`
		var data struct {
			Page *models.ItemsPage `json:"next_items_page"`
		}
		if err := mc.Do(ctx, query, map[string]any{"cursor": cursor, "limit": limit}, &data); err != nil {
			return nil, err
		}
		return data.Page, nil
	}

	query := `query ($board: [ID!], $limit: Int!) { boards(ids: $board) { items_page(limit: $limit) { cursor items { ` + pageItemFields + ` } } } }`
	var data struct {
		Boards []struct {
			Page *models.ItemsPage `json:"items_page"`
		} `json:"boards"`
	}
	if err := mc.Do(ctx, query, map[string]any{"board": []string{boardID}, "limit": limit}, &data); err != nil {
		return nil, err
	}
	if len(data.Boards) == 0 {
		return nil, nil
	}
	return data.Boards[0].Page, nil
}

// GroupItemsPage returns page (1-based) of a group's items with their subitems.
func (mc *MondayClient) GroupItemsPage(ctx context.Context, boardID, groupID string, page, limit int) ([]models.Item, error) {
	query := `query ($board: [ID!], $group: [String], $limit: Int!, $page: Int!) {
  boards(ids: $board) { groups(ids: $group) { id items_page(limit: $limit, page: $page) { items { id name subitems { id name board { id } } } } } }
}`
	var data struct {
		Boards []struct {
			Groups []struct {
				Page models.ItemsPage `json:"items_page"`
			} `json:"groups"`
		} `json:"boards"`
	}
	vars := map[string]any{"board": []string{boardID}, "group": []string{groupID}, "limit": limit, "page": page}
	if err := mc.Do(ctx, query, vars, &data); err != nil {
		return nil, err
	}
	if len(data.Boards) == 0 || len(data.Boards[0].Groups) == 0 {
		return nil, nil
	}
	return data.Boards[0].Groups[0].Page.Items, nil
}

// RegisterWebhook subscribes CallbackURL to WebhookEvent on a board and
// returns the webhook id.
func (mc *MondayClient) RegisterWebhook(ctx context.Context, boardID string) (string, error) {
	query := `mutation ($board: ID!, $url: String!, $event: WebhookEventType!) {
  create_webhook(board_id: $board, url: $url, event: $event) { id }
}`
	var data struct {
		Webhook *models.Webhook `json:"create_webhook"`
	}
	vars := map[string]any{"board": boardID, "url": mc.CallbackURL, "event": mc.WebhookEvent}
	if err := mc.Do(ctx, query, vars, &data); err != nil {
		return "", fmt.Errorf("failed to register webhook: %w", err)
	}
	if data.Webhook == nil || data.Webhook.ID == "" {
		return "", fmt.Errorf("failed to register webhook: empty response")
	}

	zap.L().Info("Successfully registered webhook", zap.String("webhookID", data.Webhook.ID), zap.String("boardID", boardID))
	return data.Webhook.ID, nil
}

func (mc *MondayClient) DeleteWebhook(ctx context.Context, webhookID string) error {
	query := `mutation ($id: ID!) { delete_webhook(id: $id) { id } }`
	if err := mc.Do(ctx, query, map[string]any{"id": webhookID}, nil); err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}

	zap.L().Info("Successfully deleted webhook", zap.String("webhookID", webhookID))
	return nil
}
