package models

type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type Board struct {
	ID      string   `json:"id"`
	Name    string   `json:"name,omitempty"`
	Columns []Column `json:"columns,omitempty"`
}

// ColumnValue is the platform's view of one cell. Value is the raw JSON string
// (or empty when the cell was never set); Text is its rendered form.
type ColumnValue struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Value     string  `json:"value"`
	Type      string  `json:"type,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
	Column    *Column `json:"column,omitempty"`
}

// Subitem is a child row of an item. Order matters: the platform appends new
// subitems at the end.
type Subitem struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Board        Board         `json:"board"`
	ColumnValues []ColumnValue `json:"column_values,omitempty"`
}

type Item struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	UpdatedAt    string        `json:"updated_at,omitempty"`
	Board        *Board        `json:"board,omitempty"`
	ColumnValues []ColumnValue `json:"column_values,omitempty"`
	Subitems     []Subitem     `json:"subitems,omitempty"`
}

// ItemsPage is one page of a cursor paginated board listing.
type ItemsPage struct {
	Cursor string `json:"cursor"`
	Items  []Item `json:"items"`
}

// Webhook is a platform subscription created for a board.
type Webhook struct {
	ID      string `json:"id"`
	BoardID string `json:"board_id"`
}
