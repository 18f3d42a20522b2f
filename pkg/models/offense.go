package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OffenseRule is a rule reference attached to an offense.
type OffenseRule struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// Offense is a SIEM offense as returned by the offenses endpoint.
type Offense struct {
	ID                         int64         `json:"id"`
	Severity                   int           `json:"severity"`
	Description                string        `json:"description"`
	OffenseType                int           `json:"offense_type"`
	OffenseSource              string        `json:"offense_source"`
	SourceAddressIDs           []int64       `json:"source_address_ids,omitempty"`
	LocalDestinationAddressIDs []int64       `json:"local_destination_address_ids,omitempty"`
	Categories                 []string      `json:"categories,omitempty"`
	Rules                      []OffenseRule `json:"rules,omitempty"`
	StartTime                  int64         `json:"start_time"`
	LastUpdatedTime            int64         `json:"last_updated_time,omitempty"`
	Status                     string        `json:"status,omitempty"`
	DestinationNetworks        []string      `json:"destination_networks,omitempty"`
	SourceNetwork              string        `json:"source_network,omitempty"`

	Raw map[string]interface{} `json:"-"`
}

// UnmarshalJSON decodes the typed fields and keeps every top-level key in Raw.
func (o *Offense) UnmarshalJSON(data []byte) error {
	type plain Offense
	var typed plain
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*o = Offense(typed)
	o.Raw = raw
	return nil
}

// Has reports whether the raw record carries a non-null key.
func (o *Offense) Has(key string) bool {
	if o == nil || o.Raw == nil {
		return false
	}
	v, ok := o.Raw[key]
	return ok && v != nil
}

// Field returns a raw field rendered as a string.
func (o *Offense) Field(key string) string {
	if !o.Has(key) {
		return ""
	}
	return stringify(o.Raw[key])
}

// Clone returns a copy that shares no slices or maps with o.
func (o *Offense) Clone() *Offense {
	if o == nil {
		return nil
	}
	c := *o
	c.SourceAddressIDs = append([]int64(nil), o.SourceAddressIDs...)
	c.LocalDestinationAddressIDs = append([]int64(nil), o.LocalDestinationAddressIDs...)
	c.Categories = append([]string(nil), o.Categories...)
	c.Rules = append([]OffenseRule(nil), o.Rules...)
	c.DestinationNetworks = append([]string(nil), o.DestinationNetworks...)
	if o.Raw != nil {
		c.Raw = make(map[string]interface{}, len(o.Raw))
		for k, v := range o.Raw {
			c.Raw[k] = v
		}
	}
	return &c
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%f", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ", ")
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+stringify(val[k]))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprintf("%v", val)
	}
}
