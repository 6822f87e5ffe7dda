// Package filters implements the subscription filter engine: a closed set of
// leaf predicates (equals, range, exists/missing, regexp, geo, CEL
// expression) combined by and/or/not, compiled from client JSON into an
// immutable tree.
//
// Filters are validated entirely at parse time so that evaluation is total,
// and they expose a canonical structural hash so that semantically identical
// filters collapse onto one subscription room.
//
// Example:
//
//	f, _ := filters.Parse(json.RawMessage(`{"equals":{"city":"Paris"}}`))
//	ok := f.Matches(&filters.Document{ID: "d1", Source: map[string]any{"city": "Paris"}})
package filters
