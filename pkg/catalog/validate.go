package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/yosida95/uritemplate/v3"
)

// objectSchema returns schema as a JSON object whose "type" is "object". A
// missing type is filled in; any other type is an error. A nil schema yields
// an empty object schema when required and nil otherwise.
func objectSchema(schema any, required bool) (any, error) {
	if schema == nil {
		if !required {
			return nil, nil
		}
		return map[string]any{"type": "object"}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.New("not a JSON object")
	}
	if m == nil {
		if !required {
			return nil, nil
		}
		m = map[string]any{}
	}
	switch typ, ok := m["type"]; {
	case !ok:
		m["type"] = "object"
	case typ != "object":
		return nil, fmt.Errorf(`type must be "object", got %v`, typ)
	}
	return m, nil
}

func validateURI(uri string) error {
	if _, err := url.Parse(uri); err != nil {
		return err
	}
	return nil
}

func validateTemplate(tpl string) error {
	if _, err := uritemplate.New(tpl); err != nil {
		return fmt.Errorf("URI template %q: %w", tpl, err)
	}
	return nil
}
