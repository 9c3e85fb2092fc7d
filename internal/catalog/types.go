// Package catalog defines the listing model shared by the fetcher, the crawl
// orchestrator, the snapshot writer and the spreadsheet builder.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SortKey selects the ordering of the remote listing.
type SortKey string

// Supported listing orders.
const (
	SortNewest     SortKey = "R"
	SortMostMarked SortKey = "T"
	SortTopRated   SortKey = "S"
	SortTrending   SortKey = "U"
)

// ParseSortKey validates a raw sort value.
func ParseSortKey(raw string) (SortKey, error) {
	key := SortKey(strings.ToUpper(strings.TrimSpace(raw)))
	switch key {
	case SortNewest, SortMostMarked, SortTopRated, SortTrending:
		return key, nil
	default:
		return "", fmt.Errorf("unknown sort key %q (want one of R, T, S, U)", raw)
	}
}

// PageRequest identifies one page of the remote listing.
type PageRequest struct {
	Start int
	Count int
	Tags  string
	Sort  SortKey
}

// Validate enforces the request bounds.
func (r PageRequest) Validate() error {
	if r.Start < 0 {
		return errors.New("start must be >= 0")
	}
	if r.Count <= 0 {
		return errors.New("count must be > 0")
	}
	if _, err := ParseSortKey(string(r.Sort)); err != nil {
		return err
	}
	return nil
}

// Rating is the aggregate user score of an item.
type Rating struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// Picture holds the cover image URLs of an item.
type Picture struct {
	Normal string `json:"normal"`
	Large  string `json:"large"`
}

// Item is one listing entry. The decoded fields are a read-only view; the
// provider payload is retained verbatim and is what gets re-serialized.
type Item struct {
	ID           string
	Title        string
	Year         string
	CardSubtitle string
	Rating       Rating
	Pic          Picture

	raw json.RawMessage
}

type itemView struct {
	ID           flexString `json:"id"`
	Title        string     `json:"title"`
	Year         flexString `json:"year"`
	CardSubtitle string     `json:"card_subtitle"`
	Rating       *Rating    `json:"rating"`
	Pic          *Picture   `json:"pic"`
}

// UnmarshalJSON decodes the view fields and keeps a copy of the raw payload.
func (i *Item) UnmarshalJSON(data []byte) error {
	var view itemView
	if err := json.Unmarshal(data, &view); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	*i = Item{
		ID:           string(view.ID),
		Title:        view.Title,
		Year:         string(view.Year),
		CardSubtitle: view.CardSubtitle,
		raw:          append(json.RawMessage(nil), bytes.TrimSpace(data)...),
	}
	if view.Rating != nil {
		i.Rating = *view.Rating
	}
	if view.Pic != nil {
		i.Pic = *view.Pic
	}
	return nil
}

// MarshalJSON re-emits the provider payload, or the view when the item was
// built in code.
func (i Item) MarshalJSON() ([]byte, error) {
	if len(i.raw) > 0 {
		return i.raw, nil
	}
	out, err := json.Marshal(struct {
		ID           string  `json:"id"`
		Title        string  `json:"title"`
		Year         string  `json:"year,omitempty"`
		CardSubtitle string  `json:"card_subtitle"`
		Rating       Rating  `json:"rating"`
		Pic          Picture `json:"pic"`
	}{
		ID:           i.ID,
		Title:        i.Title,
		Year:         i.Year,
		CardSubtitle: i.CardSubtitle,
		Rating:       i.Rating,
		Pic:          i.Pic,
	})
	if err != nil {
		return nil, fmt.Errorf("encode item %s: %w", i.ID, err)
	}
	return out, nil
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode string: %w", err)
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("decode number: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// PageResult is the decoded body of one listing response.
type PageResult struct {
	Items               []Item          `json:"items"`
	Total               int             `json:"total"`
	RecommendCategories json.RawMessage `json:"recommend_categories"`
	ShowRatingFilter    bool            `json:"show_rating_filter"`
}

// Snapshot is the persisted result of one successful crawl.
type Snapshot struct {
	Count               int             `json:"count"`
	Total               int             `json:"total"`
	Items               []Item          `json:"items"`
	RecommendCategories json.RawMessage `json:"recommend_categories"`
	ShowRatingFilter    bool            `json:"show_rating_filter"`
}

var emptyArray = json.RawMessage("[]")

// NewSnapshot packages harvested items with the auxiliary fields of the first
// page. Items is never nil so it always serializes as an array.
func NewSnapshot(first PageResult, items []Item) Snapshot {
	if items == nil {
		items = []Item{}
	}
	categories := first.RecommendCategories
	if len(bytes.TrimSpace(categories)) == 0 || bytes.Equal(bytes.TrimSpace(categories), []byte("null")) {
		categories = emptyArray
	}
	return Snapshot{
		Count:               len(items),
		Total:               first.Total,
		Items:               items,
		RecommendCategories: categories,
		ShowRatingFilter:    first.ShowRatingFilter,
	}
}
