package service

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Merger combines the server document with a client payload for one
// entity type.
type Merger interface {
	Merge(server, client json.RawMessage) (json.RawMessage, error)
}

// FieldRules is a field-level Merger for flat JSON objects.
//
// StatusField only moves forward along StatusOrder. FillIfEmpty fields take
// the client value only when the server has none. NumericMax fields keep
// the larger number. Any other field goes to the client when PreferClient
// is set and stays with the server otherwise; fields only one side has are
// always kept.
type FieldRules struct {
	StatusField  string
	StatusOrder  []string
	FillIfEmpty  []string
	NumericMax   []string
	PreferClient bool
}

func (r FieldRules) Merge(server, client json.RawMessage) (json.RawMessage, error) {
	var srv, cli map[string]any
	if err := json.Unmarshal(server, &srv); err != nil {
		return nil, fmt.Errorf("server document: %w", err)
	}
	if err := json.Unmarshal(client, &cli); err != nil {
		return nil, fmt.Errorf("client payload: %w", err)
	}
	if srv == nil {
		srv = map[string]any{}
	}
	out := make(map[string]any, len(srv)+len(cli))
	for k, v := range srv {
		out[k] = v
	}
	for k, cv := range cli {
		sv, onServer := srv[k]
		if !onServer {
			out[k] = cv
			continue
		}
		switch {
		case k == r.StatusField && r.StatusField != "":
			out[k] = r.furtherStatus(sv, cv)
		case slices.Contains(r.FillIfEmpty, k):
			if isEmpty(sv) {
				out[k] = cv
			}
		case slices.Contains(r.NumericMax, k):
			sn, sok := sv.(float64)
			cn, cok := cv.(float64)
			switch {
			case sok && cok:
				out[k] = max(sn, cn)
			case cok && !sok:
				out[k] = cn
			}
		case r.PreferClient:
			out[k] = cv
		}
	}
	return json.Marshal(out)
}

func (r FieldRules) furtherStatus(server, client any) any {
	rank := func(v any) int {
		s, _ := v.(string)
		return slices.Index(r.StatusOrder, s)
	}
	if rank(client) > rank(server) {
		return client
	}
	return server
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

// DefaultMergers covers the workshop entities that support field merge.
func DefaultMergers() map[string]Merger {
	return map[string]Merger{
		"work_order": FieldRules{
			StatusField: "status",
			StatusOrder: []string{
				"draft", "scheduled", "checked_in", "in_progress", "awaiting_parts",
				"quality_check", "completed", "invoiced", "closed",
			},
			FillIfEmpty:  []string{"assigned_technician", "bay"},
			NumericMax:   []string{"labor_hours", "odometer_km"},
			PreferClient: true,
		},
		"customer": FieldRules{
			FillIfEmpty: []string{"email", "phone", "address", "tax_id"},
		},
		"vehicle": FieldRules{
			FillIfEmpty: []string{"vin", "plate_number", "engine_code"},
			NumericMax:  []string{"odometer_km", "engine_hours"},
		},
	}
}
